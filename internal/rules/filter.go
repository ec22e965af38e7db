package rules

import (
	"strconv"
	"strings"
	"time"
)

// Filter narrows a dataset to the records passing its formulas
type Filter struct {
	Type     Type      `json:"type"`
	Formulas []Formula `json:"formulas"`
}

// Result is a filtered dataset together with its bookkeeping counts
type Result struct {
	Data             []Record `json:"data"`
	FilteredLength   int      `json:"filteredLength"`
	UnfilteredLength int      `json:"unfilteredLength"`
}

// ApplyFilter returns the records that pass filter, in their original order.
// A nil filter returns records unchanged.
func ApplyFilter(records []Record, filter *Filter) Result {
	if filter == nil {
		return Result{
			Data:             records,
			FilteredLength:   len(records),
			UnfilteredLength: len(records),
		}
	}

	data := make([]Record, 0, len(records))
	for _, r := range records {
		if combine(r, filter.Type, filter.Formulas) {
			data = append(data, r)
		}
	}

	return Result{
		Data:             data,
		FilteredLength:   len(data),
		UnfilteredLength: len(records),
	}
}

// ParameterCondition holds the formulas a parameter filter binds to
type ParameterCondition struct {
	ID       string    `json:"conditionId,omitempty"`
	Formulas []Formula `json:"formulas"`
}

// ParameterFilter binds field names positionally to the formulas of its
// first condition: Parameters[i] is tested against Conditions[0].Formulas[i].
type ParameterFilter struct {
	Parameters []string             `json:"parameters"`
	Conditions []ParameterCondition `json:"conditions"`
}

// Empty reports whether the filter has nothing to test
func (p *ParameterFilter) Empty() bool {
	return p == nil || len(p.Parameters) == 0 || len(p.Conditions) == 0
}

// ApplyParameters filters records with a parameter filter. types maps field
// names to their schema type ("number", "date", "text", ...) and is used to
// coerce comparators that arrive as text. A parameter without a formula at
// the same index makes every record fail.
func ApplyParameters(records []Record, pf *ParameterFilter, types map[string]string) Result {
	if pf.Empty() {
		return ApplyFilter(records, nil)
	}

	formulas := make([]Formula, len(pf.Parameters))
	bound := pf.Conditions[0].Formulas
	complete := len(bound) >= len(pf.Parameters)
	if complete {
		for i, field := range pf.Parameters {
			formulas[i] = coerceFormula(bound[i], types[field])
		}
	}

	data := make([]Record, 0, len(records))
	if complete {
		for _, r := range records {
			if passesAll(r, pf.Parameters, formulas, types) {
				data = append(data, r)
			}
		}
	}

	return Result{
		Data:             data,
		FilteredLength:   len(data),
		UnfilteredLength: len(records),
	}
}

func passesAll(r Record, params []string, formulas []Formula, types map[string]string) bool {
	for i, field := range params {
		value, ok := r[field]
		if !ok {
			return false
		}
		if !EvaluateValue(coerce(value, types[field]), formulas[i]) {
			return false
		}
	}
	return true
}

func coerceFormula(f Formula, fieldType string) Formula {
	f.Comparator = coerce(f.Comparator, fieldType)
	f.RangeFrom = coerce(f.RangeFrom, fieldType)
	f.RangeTo = coerce(f.RangeTo, fieldType)
	return f
}

func coerce(v any, fieldType string) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch fieldType {
	case "number":
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return n
		}
	case "date":
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		if t, err := time.Parse(time.DateOnly, s); err == nil {
			return t
		}
	}
	return v
}
