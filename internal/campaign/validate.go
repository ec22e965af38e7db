package campaign

import (
	"fmt"

	"github.com/vnihit/ontask2-UNSW/internal/content"
	"github.com/vnihit/ontask2-UNSW/internal/rules"
)

// ValidationKind identifies which rule a campaign definition broke
type ValidationKind string

const (
	KindFilterField       ValidationKind = "filter_field"
	KindDuplicateGroup    ValidationKind = "duplicate_group"
	KindDuplicateCond     ValidationKind = "duplicate_condition"
	KindConditionField    ValidationKind = "condition_field"
	KindUnknownCondition  ValidationKind = "unknown_condition"
	KindInvalidOperator   ValidationKind = "invalid_operator"
	KindInvalidSchedule   ValidationKind = "invalid_schedule"
	KindMissingDefinition ValidationKind = "missing_definition"
	KindEmailField        ValidationKind = "email_field"
)

// ValidationError rejects a campaign definition. Name is the offending field
// or name.
type ValidationError struct {
	Kind ValidationKind
	Name string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case KindFilterField:
		return fmt.Sprintf("invalid filter: field '%s' does not exist in the datalab", e.Name)
	case KindDuplicateGroup:
		return fmt.Sprintf("%s is already being used as a condition group name in this action", e.Name)
	case KindDuplicateCond:
		return fmt.Sprintf("%s is already being used as a condition name in this action", e.Name)
	case KindConditionField:
		return fmt.Sprintf("invalid formula: field '%s' does not exist in the datalab", e.Name)
	case KindUnknownCondition:
		return fmt.Sprintf("the condition '%s' does not exist in any condition group for this action", e.Name)
	case KindInvalidOperator:
		return fmt.Sprintf("invalid formula: unsupported operator '%s'", e.Name)
	case KindInvalidSchedule:
		return fmt.Sprintf("invalid schedule: %s", e.Name)
	case KindMissingDefinition:
		return fmt.Sprintf("%s is required", e.Name)
	case KindEmailField:
		return fmt.Sprintf("invalid email settings: field '%s' does not exist in the datalab", e.Name)
	}
	return fmt.Sprintf("invalid campaign: %s", e.Name)
}

// Fields is the resolved field schema of a datalab: name -> type
type Fields map[string]string

// Has reports whether field exists in the schema
func (f Fields) Has(field string) bool {
	_, ok := f[field]
	return ok
}

// ValidateFilter checks that every filter formula names a known field.
func ValidateFilter(filter *rules.Filter, fields Fields) error {
	if filter == nil {
		return nil
	}
	for _, f := range filter.Formulas {
		if !fields.Has(f.Field) {
			return &ValidationError{Kind: KindFilterField, Name: f.Field}
		}
		if !f.Operator.Valid() {
			return &ValidationError{Kind: KindInvalidOperator, Name: string(f.Operator)}
		}
	}
	return nil
}

// ValidateConditionGroups checks group and condition name uniqueness across
// the whole campaign, then that every formula names a known field. The first
// violation found in declaration order is returned.
func ValidateConditionGroups(groups []rules.ConditionGroup, fields Fields) error {
	groupNames := make(map[string]bool)
	condNames := make(map[string]bool)

	for _, g := range groups {
		if groupNames[g.Name] {
			return &ValidationError{Kind: KindDuplicateGroup, Name: g.Name}
		}
		groupNames[g.Name] = true

		for _, c := range g.Conditions {
			if condNames[c.Name] {
				return &ValidationError{Kind: KindDuplicateCond, Name: c.Name}
			}
			condNames[c.Name] = true

			for _, f := range c.Formulas {
				if !fields.Has(f.Field) {
					return &ValidationError{Kind: KindConditionField, Name: f.Field}
				}
				if !f.Operator.Valid() {
					return &ValidationError{Kind: KindInvalidOperator, Name: string(f.Operator)}
				}
			}
		}
	}
	return nil
}

// ValidateContent checks that every condition block names a condition defined
// in some group.
func ValidateContent(t *content.Template, groups []rules.ConditionGroup) error {
	names := make(map[string]bool)
	for _, g := range groups {
		for _, c := range g.Conditions {
			names[c.Name] = true
		}
	}

	for _, b := range t.Blocks() {
		if b.Type == content.BlockCondition && !names[b.Data.Name] {
			return &ValidationError{Kind: KindUnknownCondition, Name: b.Data.Name}
		}
	}
	return nil
}

// ValidateEmailSettings checks a run's settings against the datalab schema
func ValidateEmailSettings(s EmailSettings, fields Fields) error {
	if s.Subject == "" {
		return &ValidationError{Kind: KindMissingDefinition, Name: "subject"}
	}
	if s.Field == "" {
		return &ValidationError{Kind: KindMissingDefinition, Name: "email field"}
	}
	if !fields.Has(s.Field) {
		return &ValidationError{Kind: KindEmailField, Name: s.Field}
	}
	return nil
}

// Validate runs every check that must hold before c is saved.
func Validate(c *Campaign, fields Fields) error {
	if c.Name == "" {
		return &ValidationError{Kind: KindMissingDefinition, Name: "name"}
	}
	if err := ValidateFilter(c.Filter, fields); err != nil {
		return err
	}
	if err := ValidateConditionGroups(c.ConditionGroups, fields); err != nil {
		return err
	}
	if err := ValidateContent(c.Content, c.ConditionGroups); err != nil {
		return err
	}
	if c.Schedule != nil {
		if err := c.Schedule.Validate(); err != nil {
			return err
		}
	}
	return nil
}
