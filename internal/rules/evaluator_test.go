package rules

import (
	"errors"
	"testing"
	"time"

	"github.com/mohamedkhairy/trading-rules/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var evalTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func cond(typ models.ConditionType, op models.Operator, v float64) models.Condition {
	return models.Condition{Type: typ, Operator: op, Value: v}
}

func TestMatches(t *testing.T) {
	obs := &models.Observation{Price: 150, Volume: 42.5, Timestamp: evalTime}
	unix := float64(evalTime.Unix())

	tests := []struct {
		name     string
		cond     models.Condition
		want     bool
		observed float64
	}{
		{"price greater", cond(models.ConditionPrice, ">", 100), true, 150},
		{"price greater at threshold", cond(models.ConditionPrice, ">", 150), false, 150},
		{"price less", cond(models.ConditionPrice, "<", 200), true, 150},
		{"price less at threshold", cond(models.ConditionPrice, "<", 150), false, 150},
		{"price equal", cond(models.ConditionPrice, "=", 150), true, 150},
		{"price equal is exact", cond(models.ConditionPrice, "=", 150.0000001), false, 150},
		{"volume greater", cond(models.ConditionVolume, ">", 40), true, 42.5},
		{"volume equal", cond(models.ConditionVolume, "=", 42.5), true, 42.5},
		{"time after", cond(models.ConditionTime, ">", unix-1), true, unix},
		{"time before", cond(models.ConditionTime, "<", unix), false, unix},
		{"time equal in seconds", cond(models.ConditionTime, "=", unix), true, unix},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.cond
			got, observed, err := Matches(&c, obs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.observed, observed)
		})
	}
}

func TestMatches_UnknownTypeOrOperator(t *testing.T) {
	obs := &models.Observation{Price: 150, Timestamp: evalTime}

	_, _, err := Matches(&models.Condition{Type: "rsi", Operator: ">", Value: 1}, obs)
	assert.True(t, IsValidationError(err))
	assert.ErrorIs(t, err, models.ErrInvalidConditionType)

	_, _, err = Matches(&models.Condition{Type: "price", Operator: ">=", Value: 1}, obs)
	assert.True(t, IsValidationError(err))
	assert.ErrorIs(t, err, models.ErrInvalidOperator)

	_, _, err = Matches(nil, obs)
	assert.Error(t, err)
}

func TestEvaluate_OrAcrossConditions(t *testing.T) {
	rule := testRule("rule-1")
	rule.Conditions = []models.Condition{
		cond(models.ConditionPrice, ">", 100),
		cond(models.ConditionVolume, ">", 1000),
		cond(models.ConditionPrice, "<", 200),
	}
	obs := &models.Observation{Price: 150, Volume: 10, Timestamp: evalTime}

	result, err := Evaluate(rule, obs)
	require.NoError(t, err)
	assert.True(t, result.Fired)
	require.Len(t, result.Matched, 2)
	assert.Equal(t, rule.Conditions[0], result.Matched[0].Condition)
	assert.Equal(t, 150.0, result.Matched[0].Observed)
	assert.Equal(t, rule.Conditions[2], result.Matched[1].Condition)
}

func TestEvaluate_NoMatch(t *testing.T) {
	rule := testRule("rule-1")
	obs := &models.Observation{Price: 100, Timestamp: evalTime}

	result, err := Evaluate(rule, obs)
	require.NoError(t, err)
	assert.False(t, result.Fired)
	assert.Empty(t, result.Matched)
}

func TestEvaluate_InactiveNeverFires(t *testing.T) {
	rule := testRule("rule-1")
	rule.IsActive = false
	obs := &models.Observation{Price: 1000, Timestamp: evalTime}

	result, err := Evaluate(rule, obs)
	require.NoError(t, err)
	assert.False(t, result.Fired)
}

func TestEvaluate_MalformedFailsClosed(t *testing.T) {
	rule := testRule("rule-1")
	rule.Conditions = append(rule.Conditions, cond("rsi", ">", 1))
	obs := &models.Observation{Price: 1000, Timestamp: evalTime}

	result, err := Evaluate(rule, obs)
	assert.False(t, result.Fired)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "rule-1", verr.RuleID)
	assert.Equal(t, "conditions", verr.Field)
}

func TestEvaluate_NilInputs(t *testing.T) {
	_, err := Evaluate(nil, &models.Observation{Timestamp: evalTime})
	assert.True(t, IsValidationError(err))

	_, err = Evaluate(testRule("rule-1"), nil)
	assert.Error(t, err)
}

func TestEvaluate_Deterministic(t *testing.T) {
	rule := testRule("rule-1")
	obs := &models.Observation{Price: 150, Timestamp: evalTime}

	first, err := Evaluate(rule, obs)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Evaluate(rule, obs)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
