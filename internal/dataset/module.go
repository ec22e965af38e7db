package dataset

import (
	"encoding/json"
	"fmt"
	"time"
)

// ModuleType tags which payload a Module carries
type ModuleType string

const (
	TypeDatasource ModuleType = "datasource"
	TypeComputed   ModuleType = "computed"
	TypeForm       ModuleType = "form"
)

// DatasourceModule imports fields from an external source
type DatasourceModule struct {
	ID       string            `json:"id"`
	Primary  string            `json:"primary"`
	Matching string            `json:"matching,omitempty"`
	Name     string            `json:"name,omitempty"`
	Fields   []string          `json:"fields"`
	Labels   map[string]string `json:"labels,omitempty"`
	Types    map[string]string `json:"types,omitempty"`
}

// FormField is a field collected through a web form
type FormField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// FormModule collects values entered by users
type FormModule struct {
	Primary    string           `json:"primary"`
	Name       string           `json:"name"`
	ActiveFrom *time.Time       `json:"activeFrom,omitempty"`
	ActiveTo   *time.Time       `json:"activeTo,omitempty"`
	Fields     []FormField      `json:"fields"`
	Data       []map[string]any `json:"data,omitempty"`
}

// ComputedField is a field derived from other fields
type ComputedField struct {
	Name    string         `json:"name"`
	Type    string         `json:"type,omitempty"`
	Formula map[string]any `json:"formula"`
}

// ComputedModule holds derived fields
type ComputedModule struct {
	Fields []ComputedField `json:"fields"`
}

// Module is one step of a datalab. Exactly one payload matching Type is set.
type Module struct {
	Type       ModuleType        `json:"type"`
	Datasource *DatasourceModule `json:"datasource,omitempty"`
	Form       *FormModule       `json:"form,omitempty"`
	Computed   *ComputedModule   `json:"computed,omitempty"`
}

// NewDatasource builds a datasource step
func NewDatasource(m DatasourceModule) Module {
	return Module{Type: TypeDatasource, Datasource: &m}
}

// NewForm builds a form step
func NewForm(m FormModule) Module {
	return Module{Type: TypeForm, Form: &m}
}

// NewComputed builds a computed step
func NewComputed(m ComputedModule) Module {
	return Module{Type: TypeComputed, Computed: &m}
}

// Validate rejects a module whose payload does not match its tag
func (m Module) Validate() error {
	set := 0
	for _, p := range []bool{m.Datasource != nil, m.Form != nil, m.Computed != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("module %q must carry exactly one payload, got %d", m.Type, set)
	}

	switch m.Type {
	case TypeDatasource:
		if m.Datasource == nil {
			return fmt.Errorf("module %q is missing its datasource payload", m.Type)
		}
	case TypeForm:
		if m.Form == nil {
			return fmt.Errorf("module %q is missing its form payload", m.Type)
		}
	case TypeComputed:
		if m.Computed == nil {
			return fmt.Errorf("module %q is missing its computed payload", m.Type)
		}
	default:
		return fmt.Errorf("unknown module type %q", m.Type)
	}
	return nil
}

// UnmarshalJSON decodes and validates the module
func (m *Module) UnmarshalJSON(data []byte) error {
	type raw Module
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	mod := Module(r)
	if err := mod.Validate(); err != nil {
		return err
	}
	*m = mod
	return nil
}

// fieldTypes returns the field -> type pairs this module contributes.
// Datasource fields are exposed under their labels.
func (m Module) fieldTypes() map[string]string {
	out := make(map[string]string)
	switch m.Type {
	case TypeDatasource:
		for _, f := range m.Datasource.Fields {
			label := f
			if l, ok := m.Datasource.Labels[f]; ok && l != "" {
				label = l
			}
			out[label] = m.Datasource.Types[f]
		}
	case TypeForm:
		for _, f := range m.Form.Fields {
			out[f.Name] = f.Type
		}
	case TypeComputed:
		for _, f := range m.Computed.Fields {
			out[f.Name] = f.Type
		}
	}
	return out
}
