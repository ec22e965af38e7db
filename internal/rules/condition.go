package rules

// Type combines formula results into a single boolean
type Type string

const (
	TypeAnd Type = "and"
	TypeOr  Type = "or"
)

// Condition is a named AND/OR combination of formulas
type Condition struct {
	Name     string    `json:"name"`
	Type     Type      `json:"type"`
	Formulas []Formula `json:"formulas"`
}

// ConditionGroup groups related conditions under a name
type ConditionGroup struct {
	Name       string      `json:"name"`
	Conditions []Condition `json:"conditions"`
}

// EvaluateCondition reports whether record passes condition.
func EvaluateCondition(record Record, c Condition) bool {
	return combine(record, c.Type, c.Formulas)
}

// combine counts passing formulas and applies the combinator.
// An empty "and" passes (0 == 0); an empty "or" fails (0 > 0 is false).
func combine(record Record, typ Type, formulas []Formula) bool {
	passed := 0
	for _, f := range formulas {
		if EvaluateFormula(record, f) {
			passed++
		}
	}

	switch typ {
	case TypeAnd:
		return passed == len(formulas)
	case TypeOr:
		return passed > 0
	}
	return false
}
