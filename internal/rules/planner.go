package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mohamedkhairy/trading-rules/internal/models"
)

// ActionForMode maps a rule mode to the action taken when the rule fires.
// HOT only ever proposes a sell; no buy decision exists yet.
func ActionForMode(mode models.Mode) (models.Action, error) {
	switch mode {
	case models.ModeSAFU:
		return models.ActionHold, nil
	case models.ModeHOT:
		return models.ActionSell, nil
	default:
		return "", &ValidationError{
			Field: "mode",
			Err:   fmt.Errorf("%w: %q", models.ErrInvalidMode, mode),
		}
	}
}

// Plan builds the execution record for a fired evaluation
func Plan(rule *models.Rule, obs *models.Observation, eval EvaluationResult) (models.ExecutionRecord, error) {
	if rule == nil || obs == nil {
		return models.ExecutionRecord{}, fmt.Errorf("rule and observation are required")
	}
	if !eval.Fired || len(eval.Matched) == 0 {
		return models.ExecutionRecord{}, fmt.Errorf("rule %s did not fire", rule.ID)
	}

	action, err := ActionForMode(rule.Mode)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.RuleID = rule.ID
		}
		return models.ExecutionRecord{}, err
	}

	return models.ExecutionRecord{
		Timestamp: obs.Timestamp,
		Price:     obs.Price,
		Action:    action,
		Reason:    FormatReason(eval.Matched),
	}, nil
}

// FormatReason renders matched conditions, e.g. "price > 100 matched (observed 150)"
func FormatReason(matched []MatchedCondition) string {
	parts := make([]string, 0, len(matched))
	for _, m := range matched {
		parts = append(parts, fmt.Sprintf("%s %s %s matched (observed %s)",
			m.Condition.Type,
			m.Condition.Operator,
			formatNumber(m.Condition.Value),
			formatNumber(m.Observed),
		))
	}
	return strings.Join(parts, "; ")
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
