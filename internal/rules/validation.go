package rules

import (
	"errors"
	"fmt"

	"github.com/mohamedkhairy/trading-rules/internal/models"
)

// ValidationError reports a malformed rule or condition
type ValidationError struct {
	RuleID string
	Field  string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("validation failed on %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("rule %s: validation failed on %s: %v", e.RuleID, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err carries a ValidationError
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// ValidateRule validates a rule and wraps the failure in a ValidationError
func ValidateRule(rule *models.Rule) error {
	if rule == nil {
		return &ValidationError{Field: "rule", Err: fmt.Errorf("rule cannot be nil")}
	}

	if err := rule.Validate(); err != nil {
		return &ValidationError{RuleID: rule.ID, Field: fieldFor(err), Err: err}
	}

	for i := range rule.Conditions {
		if err := ValidateCondition(&rule.Conditions[i]); err != nil {
			return &ValidationError{
				RuleID: rule.ID,
				Field:  fmt.Sprintf("conditions[%d]", i),
				Err:    err,
			}
		}
	}

	return nil
}

// ValidateCondition validates a single condition
func ValidateCondition(cond *models.Condition) error {
	if cond == nil {
		return fmt.Errorf("condition cannot be nil")
	}
	if err := cond.Validate(); err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidConditionType):
			return fmt.Errorf("%w: %q (supported: price, time, volume)", err, cond.Type)
		case errors.Is(err, models.ErrInvalidOperator):
			return fmt.Errorf("%w: %q (supported: <, >, =)", err, cond.Operator)
		}
		return err
	}
	return nil
}

// ValidateSettings validates user settings
func ValidateSettings(settings *models.UserSettings) error {
	if settings == nil {
		return &ValidationError{Field: "settings", Err: fmt.Errorf("settings cannot be nil")}
	}
	if err := settings.Validate(); err != nil {
		return &ValidationError{Field: fieldFor(err), Err: err}
	}
	return nil
}

func fieldFor(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidRuleID):
		return "id"
	case errors.Is(err, models.ErrInvalidOwnerID):
		return "userId"
	case errors.Is(err, models.ErrInvalidRuleName):
		return "name"
	case errors.Is(err, models.ErrInvalidMode):
		return "mode"
	case errors.Is(err, models.ErrNoConditions),
		errors.Is(err, models.ErrInvalidConditionType),
		errors.Is(err, models.ErrInvalidOperator),
		errors.Is(err, models.ErrInvalidThreshold):
		return "conditions"
	default:
		return "rule"
	}
}
