package rules

import (
	"fmt"

	"github.com/mohamedkhairy/trading-rules/internal/models"
)

// Evaluate decides whether a rule fires for an observation.
//
// Conditions are OR-combined: the rule fires when any single condition
// matches. Every condition is still evaluated so that the result lists all
// matches in declaration order. An inactive rule never fires. A malformed
// rule fails closed, returning Fired=false together with the validation error.
func Evaluate(rule *models.Rule, obs *models.Observation) (EvaluationResult, error) {
	if rule == nil {
		return EvaluationResult{}, &ValidationError{Field: "rule", Err: fmt.Errorf("rule cannot be nil")}
	}
	if obs == nil {
		return EvaluationResult{}, fmt.Errorf("observation cannot be nil")
	}

	if !rule.IsActive {
		return EvaluationResult{}, nil
	}

	if err := ValidateRule(rule); err != nil {
		return EvaluationResult{}, err
	}

	var matched []MatchedCondition
	for i := range rule.Conditions {
		cond := rule.Conditions[i]

		ok, observed, err := Matches(&cond, obs)
		if err != nil {
			return EvaluationResult{}, &ValidationError{
				RuleID: rule.ID,
				Field:  fmt.Sprintf("conditions[%d]", i),
				Err:    err,
			}
		}
		if !ok {
			continue
		}
		matched = append(matched, MatchedCondition{Condition: cond, Observed: observed})
	}

	return EvaluationResult{
		Fired:   len(matched) > 0,
		Matched: matched,
	}, nil
}
