package rules

import (
	"errors"
	"testing"

	"github.com/mohamedkhairy/trading-rules/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionForMode(t *testing.T) {
	action, err := ActionForMode(models.ModeSAFU)
	require.NoError(t, err)
	assert.Equal(t, models.ActionHold, action)

	action, err = ActionForMode(models.ModeHOT)
	require.NoError(t, err)
	assert.Equal(t, models.ActionSell, action)

	_, err = ActionForMode("YOLO")
	assert.ErrorIs(t, err, models.ErrInvalidMode)
}

func TestPlan(t *testing.T) {
	rule := testRule("rule-1")
	obs := &models.Observation{Price: 150, Volume: 3, Timestamp: evalTime}

	eval, err := Evaluate(rule, obs)
	require.NoError(t, err)

	record, err := Plan(rule, obs, eval)
	require.NoError(t, err)
	assert.Equal(t, models.ActionSell, record.Action)
	assert.Equal(t, 150.0, record.Price)
	assert.True(t, record.Timestamp.Equal(evalTime))
	assert.Equal(t, "price > 100 matched (observed 150)", record.Reason)

	rule.Mode = models.ModeSAFU
	record, err = Plan(rule, obs, eval)
	require.NoError(t, err)
	assert.Equal(t, models.ActionHold, record.Action)
}

func TestPlan_NotFired(t *testing.T) {
	rule := testRule("rule-1")
	obs := &models.Observation{Price: 50, Timestamp: evalTime}

	_, err := Plan(rule, obs, EvaluationResult{})
	assert.Error(t, err)
}

func TestPlan_InvalidModeCarriesRuleID(t *testing.T) {
	rule := testRule("rule-1")
	rule.Mode = "YOLO"
	obs := &models.Observation{Price: 150, Timestamp: evalTime}
	eval := EvaluationResult{
		Fired:   true,
		Matched: []MatchedCondition{{Condition: rule.Conditions[0], Observed: 150}},
	}

	_, err := Plan(rule, obs, eval)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "rule-1", verr.RuleID)
}

func TestFormatReason(t *testing.T) {
	matched := []MatchedCondition{
		{Condition: cond(models.ConditionPrice, ">", 100), Observed: 150.25},
		{Condition: cond(models.ConditionVolume, "<", 0.5), Observed: 0.125},
		{Condition: cond(models.ConditionTime, "=", 1709294400), Observed: 1709294400},
	}

	assert.Equal(t,
		"price > 100 matched (observed 150.25); volume < 0.5 matched (observed 0.125); time = 1709294400 matched (observed 1709294400)",
		FormatReason(matched),
	)
	assert.Equal(t, "", FormatReason(nil))
}
