package engine

import (
	"context"

	"github.com/mohamedkhairy/trading-rules/internal/models"
	"github.com/mohamedkhairy/trading-rules/internal/rules"
)

// Store is the narrow slice of the rule store the driver consumes
type Store interface {
	GetRule(ctx context.Context, id string) (*models.Rule, error)
	ListActiveRules(ctx context.Context, ownerID string) ([]*models.Rule, error)
	AppendExecution(ctx context.Context, ruleID string, record models.ExecutionRecord) error
}

// Outcome classifies what a tick did
type Outcome string

const (
	// OutcomeNotFound means the rule no longer exists; nothing was done
	OutcomeNotFound Outcome = "not_found"
	// OutcomeSkipped means the rule is inactive and was not evaluated
	OutcomeSkipped Outcome = "skipped"
	// OutcomeInvalid means the rule is malformed and failed closed
	OutcomeInvalid Outcome = "invalid"
	// OutcomeIdle means the rule was evaluated and did not fire
	OutcomeIdle Outcome = "idle"
	// OutcomeDuplicate means the rule fired but a record for this timestamp already exists
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeExecuted means a new record was persisted
	OutcomeExecuted Outcome = "executed"
	// OutcomeFailed means the rule fired but the record could not be persisted
	OutcomeFailed Outcome = "failed"
)

// State is the rule's lifecycle state as observed by a tick
type State string

const (
	StateUnknown  State = ""
	StateInactive State = "inactive"
	StateIdle     State = "idle"
	StateFired    State = "fired"
)

// State maps an outcome to the rule lifecycle state it implies
func (o Outcome) State() State {
	switch o {
	case OutcomeSkipped:
		return StateInactive
	case OutcomeIdle:
		return StateIdle
	case OutcomeDuplicate, OutcomeExecuted, OutcomeFailed:
		return StateFired
	default:
		return StateUnknown
	}
}

// TickOutcome is the result of one tick of one rule
type TickOutcome struct {
	RuleID     string                  `json:"ruleId"`
	Outcome    Outcome                 `json:"outcome"`
	State      State                   `json:"state,omitempty"`
	Evaluation *rules.EvaluationResult `json:"evaluation,omitempty"`
	Record     *models.ExecutionRecord `json:"record,omitempty"`
	Attempts   int                     `json:"attempts,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

func newOutcome(ruleID string, outcome Outcome) *TickOutcome {
	return &TickOutcome{
		RuleID:  ruleID,
		Outcome: outcome,
		State:   outcome.State(),
	}
}
