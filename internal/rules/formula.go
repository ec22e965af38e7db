package rules

import (
	"cmp"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Record is a single dataset row keyed by field name
type Record map[string]any

// Operator is a formula comparison operator
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	// OpBetween is only meaningful for parameter-bound filters (rangeFrom <= v <= rangeTo)
	OpBetween Operator = "between"
)

// Valid reports whether op is one of the supported operators
func (op Operator) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpBetween:
		return true
	}
	return false
}

// Formula is a single field/operator/comparator predicate
type Formula struct {
	Field      string   `json:"field,omitempty"`
	Operator   Operator `json:"operator"`
	Comparator any      `json:"comparator,omitempty"`
	RangeFrom  any      `json:"rangeFrom,omitempty"`
	RangeTo    any      `json:"rangeTo,omitempty"`
}

// EvaluateFormula reports whether record passes formula.
// A record without formula.Field never passes.
func EvaluateFormula(record Record, f Formula) bool {
	value, ok := record[f.Field]
	if !ok {
		return false
	}
	return EvaluateValue(value, f)
}

// EvaluateValue applies the formula operator to value directly.
// Operands that cannot be ordered against each other do not pass.
func EvaluateValue(value any, f Formula) bool {
	switch f.Operator {
	case OpEqual:
		return equal(value, f.Comparator)
	case OpNotEqual:
		return !equal(value, f.Comparator)
	case OpLess:
		c, ok := compare(value, f.Comparator)
		return ok && c < 0
	case OpLessEqual:
		c, ok := compare(value, f.Comparator)
		return ok && c <= 0
	case OpGreater:
		c, ok := compare(value, f.Comparator)
		return ok && c > 0
	case OpGreaterEqual:
		c, ok := compare(value, f.Comparator)
		return ok && c >= 0
	case OpBetween:
		lo, okLo := compare(value, f.RangeFrom)
		hi, okHi := compare(value, f.RangeTo)
		return okLo && okHi && lo >= 0 && hi <= 0
	}
	return false
}

func equal(a, b any) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// compare orders a against b. Numbers compare numerically across kinds; a
// numeric string is treated as a number when the other side is numeric,
// since comparators authored as text arrive as strings.
func compare(a, b any) (int, bool) {
	if c, ok := compareInts(a, b); ok {
		return c, true
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return cmpFloat(fa, fb), true
		}
		if fb, ok := parseFloat(b); ok {
			return cmpFloat(fa, fb), true
		}
		return 0, false
	}
	if fb, ok := toFloat(b); ok {
		if fa, ok := parseFloat(a); ok {
			return cmpFloat(fa, fb), true
		}
		return 0, false
	}

	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), true
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv), true
		}
	case bool:
		if bv, ok := b.(bool); ok && av == bv {
			return 0, true
		}
	}
	return 0, false
}

// compareInts orders two integer operands exactly. float64 loses precision
// past 2^53, which matters for large SQL keys. A numeric string paired with
// an integer is parsed as an integer when it has no fraction.
func compareInts(a, b any) (int, bool) {
	ia, ua, okA := toInt(a)
	ib, ub, okB := toInt(b)
	switch {
	case okA && !okB:
		ib, ub, okB = parseInt(b)
	case okB && !okA:
		ia, ua, okA = parseInt(a)
	}
	if !okA || !okB {
		return 0, false
	}

	switch {
	case !ua && !ub:
		return cmp.Compare(ia, ib), true
	case ua && ub:
		return cmp.Compare(uint64(ia), uint64(ib)), true
	case ua:
		// a exceeds math.MaxInt64
		if ib < 0 {
			return 1, true
		}
		return cmp.Compare(uint64(ia), uint64(ib)), true
	default:
		if ia < 0 {
			return -1, true
		}
		return cmp.Compare(uint64(ia), uint64(ib)), true
	}
}

// toInt returns the integer bits of v and whether they hold a uint64 above
// math.MaxInt64
func toInt(v any) (int64, bool, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), false, true
	case int8:
		return int64(n), false, true
	case int16:
		return int64(n), false, true
	case int32:
		return int64(n), false, true
	case int64:
		return n, false, true
	case uint:
		return int64(n), uint64(n) > math.MaxInt64, true
	case uint8:
		return int64(n), false, true
	case uint16:
		return int64(n), false, true
	case uint32:
		return int64(n), false, true
	case uint64:
		return int64(n), n > math.MaxInt64, true
	}
	return 0, false, false
}

func parseInt(v any) (int64, bool, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false, false
	}
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, false, true
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return int64(u), true, true
	}
	return 0, false, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func parseFloat(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
