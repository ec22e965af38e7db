package content

import (
	"encoding/json"
	"errors"
	"fmt"
)

// BlockCondition is the block type whose fragment is gated by a named condition
const BlockCondition = "condition"

// BlockData carries the optional name of the condition a block refers to
type BlockData struct {
	Name string `json:"name,omitempty"`
}

// Block is a single node of the authored document
type Block struct {
	Type string    `json:"type"`
	Data BlockData `json:"data"`
}

// Document is the ordered list of authored blocks
type Document struct {
	Nodes []Block `json:"nodes"`
}

// BlockMap wraps the authored document
type BlockMap struct {
	Document Document `json:"document"`
}

// Template is the authored block structure plus one rendered HTML fragment per block.
// Nodes and HTML are parallel: HTML[i] belongs to BlockMap.Document.Nodes[i].
type Template struct {
	BlockMap BlockMap `json:"blockMap"`
	HTML     []string `json:"html"`
}

// Blocks returns the template nodes
func (t *Template) Blocks() []Block {
	if t == nil {
		return nil
	}
	return t.BlockMap.Document.Nodes
}

// IsEmpty reports whether the template has no fragments to render
func (t *Template) IsEmpty() bool {
	return t == nil || len(t.HTML) == 0
}

// ErrInvalidTemplate is returned when raw content cannot be read as a template
var ErrInvalidTemplate = errors.New("invalid content template")

// Normalize converts content that arrived either as a typed template, as raw
// JSON, or as a decoded nested map into a Template.
func Normalize(raw any) (*Template, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case *Template:
		return v, nil
	case Template:
		return &v, nil
	case json.RawMessage:
		return decode(v)
	case []byte:
		return decode(v)
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
		return decode(data)
	}
	return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidTemplate, raw)
}

func decode(data []byte) (*Template, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	return &t, nil
}
