package dataset

import (
	"errors"
	"fmt"
	"time"

	"github.com/vnihit/ontask2-UNSW/internal/rules"
)

// ErrNoPrimaryKey is returned when a datalab has no datasource step to take
// its primary key from
var ErrNoPrimaryKey = errors.New("datalab has no primary key")

// Snapshot is the ordered record list a dispatch run works on
type Snapshot struct {
	Records    []rules.Record
	PrimaryKey string
}

// Container owns datalabs and campaigns
type Container struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Owner       string    `json:"owner,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Datalab is a staged dataset built from one or more modules
type Datalab struct {
	ID          string                 `json:"id"`
	ContainerID string                 `json:"container_id"`
	Name        string                 `json:"name"`
	Steps       []Module               `json:"steps"`
	Data        []rules.Record         `json:"data"`
	Filter      *rules.ParameterFilter `json:"filter,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Validate checks every step and the container reference
func (d *Datalab) Validate() error {
	if d.Name == "" {
		return errors.New("datalab name is required")
	}
	if d.ContainerID == "" {
		return errors.New("datalab container is required")
	}
	for i, s := range d.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// PrimaryKey is the primary field of the first datasource step
func (d *Datalab) PrimaryKey() (string, error) {
	if len(d.Steps) == 0 || d.Steps[0].Type != TypeDatasource || d.Steps[0].Datasource == nil {
		return "", ErrNoPrimaryKey
	}
	pk := d.Steps[0].Datasource.Primary
	if pk == "" {
		return "", ErrNoPrimaryKey
	}
	if l, ok := d.Steps[0].Datasource.Labels[pk]; ok && l != "" {
		pk = l
	}
	return pk, nil
}

// Fields resolves the field schema across every step. Later steps override
// earlier ones.
func (d *Datalab) Fields() map[string]string {
	out := make(map[string]string)
	for _, s := range d.Steps {
		for k, v := range s.fieldTypes() {
			out[k] = v
		}
	}
	return out
}

// FilteredData applies the datalab's parameter filter to its data
func (d *Datalab) FilteredData() rules.Result {
	return rules.ApplyParameters(d.Data, d.Filter, d.Fields())
}
