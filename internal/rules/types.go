package rules

import (
	"context"

	"github.com/mohamedkhairy/trading-rules/internal/models"
)

// MatchedCondition is a condition that held, with the value it was tested against
type MatchedCondition struct {
	Condition models.Condition `json:"condition"`
	Observed  float64          `json:"observed"`
}

// EvaluationResult holds the result of evaluating a rule against an observation
type EvaluationResult struct {
	Fired   bool               `json:"fired"`
	Matched []MatchedCondition `json:"matchedConditions"`
}

// RuleStore defines durable storage of rules and their execution history
type RuleStore interface {
	// GetRule retrieves a rule by ID, including its execution history
	GetRule(ctx context.Context, id string) (*models.Rule, error)

	// ListRules lists an owner's rules, newest first. A nil active lists all.
	ListRules(ctx context.Context, ownerID string, active *bool) ([]*models.Rule, error)

	// ListActiveRules lists an owner's active rules, newest first
	ListActiveRules(ctx context.Context, ownerID string) ([]*models.Rule, error)

	// AddRule adds a new rule
	AddRule(ctx context.Context, rule *models.Rule) error

	// UpdateRule updates name, conditions, active flag and wallet address.
	// The mode and the execution history are never changed through it.
	UpdateRule(ctx context.Context, rule *models.Rule) error

	// DeleteRule deletes a rule and its history
	DeleteRule(ctx context.Context, id string) error

	// AppendExecution atomically appends a record and sets lastExecuted to
	// its timestamp. A second record for the same timestamp is rejected
	// with models.ErrDuplicateExecution.
	AppendExecution(ctx context.Context, ruleID string, record models.ExecutionRecord) error
}

// SettingsStore stores per-user trading settings
type SettingsStore interface {
	GetSettings(ctx context.Context, userID string) (*models.UserSettings, error)
	SaveSettings(ctx context.Context, settings *models.UserSettings) error
}
