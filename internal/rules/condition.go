package rules

import (
	"fmt"

	"github.com/mohamedkhairy/trading-rules/internal/models"
)

// ObservedValue selects the observation field a condition targets.
// Time conditions compare against the observation timestamp in Unix seconds.
func ObservedValue(cond *models.Condition, obs *models.Observation) (float64, error) {
	switch cond.Type {
	case models.ConditionPrice:
		return obs.Price, nil
	case models.ConditionVolume:
		return obs.Volume, nil
	case models.ConditionTime:
		return float64(obs.Timestamp.Unix()), nil
	default:
		return 0, &ValidationError{
			Field: "type",
			Err:   fmt.Errorf("%w: %q", models.ErrInvalidConditionType, cond.Type),
		}
	}
}

// Matches applies a condition to an observation and returns the observed
// value it compared. Equality is exact; no epsilon is applied to floating-point values.
func Matches(cond *models.Condition, obs *models.Observation) (bool, float64, error) {
	if cond == nil {
		return false, 0, fmt.Errorf("condition cannot be nil")
	}
	if obs == nil {
		return false, 0, fmt.Errorf("observation cannot be nil")
	}

	observed, err := ObservedValue(cond, obs)
	if err != nil {
		return false, 0, err
	}

	switch cond.Operator {
	case models.OperatorLessThan:
		return observed < cond.Value, observed, nil
	case models.OperatorGreaterThan:
		return observed > cond.Value, observed, nil
	case models.OperatorEqual:
		return observed == cond.Value, observed, nil
	default:
		return false, 0, &ValidationError{
			Field: "operator",
			Err:   fmt.Errorf("%w: %q", models.ErrInvalidOperator, cond.Operator),
		}
	}
}
