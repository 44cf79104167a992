package models

import (
	"math"
	"time"
)

// ConditionType names the observation field a condition tests
type ConditionType string

const (
	ConditionPrice  ConditionType = "price"
	ConditionTime   ConditionType = "time"
	ConditionVolume ConditionType = "volume"
)

// Operator is a threshold comparison operator
type Operator string

const (
	OperatorLessThan    Operator = "<"
	OperatorGreaterThan Operator = ">"
	OperatorEqual       Operator = "="
)

// Mode is the trading mode of a rule
type Mode string

const (
	// ModeSAFU rules only record that a condition was met
	ModeSAFU Mode = "SAFU"
	// ModeHOT rules would actively trade
	ModeHOT Mode = "HOT"
)

// Action is the outcome recorded when a rule fires
type Action string

const (
	ActionHold Action = "hold"
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Valid reports whether t is a known condition type
func (t ConditionType) Valid() bool {
	switch t {
	case ConditionPrice, ConditionTime, ConditionVolume:
		return true
	}
	return false
}

// Valid reports whether o is a known operator
func (o Operator) Valid() bool {
	switch o {
	case OperatorLessThan, OperatorGreaterThan, OperatorEqual:
		return true
	}
	return false
}

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeSAFU || m == ModeHOT
}

// Condition is a single threshold test over one observed field
type Condition struct {
	Type     ConditionType `json:"type"`
	Operator Operator      `json:"operator"`
	Value    float64       `json:"value"` // Threshold
}

// Validate validates a Condition
func (c *Condition) Validate() error {
	if !c.Type.Valid() {
		return ErrInvalidConditionType
	}
	if !c.Operator.Valid() {
		return ErrInvalidOperator
	}
	if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
		return ErrInvalidThreshold
	}
	return nil
}

// ExecutionRecord is an immutable audit entry produced when a rule fires
type ExecutionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Action    Action    `json:"action"`
	Reason    string    `json:"reason"`
}

// Rule represents a user-defined trading rule
type Rule struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"userId"`
	Name             string            `json:"name"`
	Mode             Mode              `json:"mode"`
	Conditions       []Condition       `json:"conditions"`
	IsActive         bool              `json:"isActive"`
	WalletAddress    string            `json:"walletAddress,omitempty"`
	LastExecuted     *time.Time        `json:"lastExecuted,omitempty"`
	ExecutionHistory []ExecutionRecord `json:"executionHistory"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Validate validates a Rule
func (r *Rule) Validate() error {
	if r.ID == "" {
		return ErrInvalidRuleID
	}
	if r.OwnerID == "" {
		return ErrInvalidOwnerID
	}
	if r.Name == "" {
		return ErrInvalidRuleName
	}
	if !r.Mode.Valid() {
		return ErrInvalidMode
	}
	if len(r.Conditions) == 0 {
		return ErrNoConditions
	}
	for _, cond := range r.Conditions {
		if err := cond.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// HasExecutionAt reports whether the history already holds a record for ts
func (r *Rule) HasExecutionAt(ts time.Time) bool {
	_, ok := r.ExecutionAt(ts)
	return ok
}

// ExecutionAt returns the history record for ts, searching newest first
func (r *Rule) ExecutionAt(ts time.Time) (ExecutionRecord, bool) {
	for i := len(r.ExecutionHistory) - 1; i >= 0; i-- {
		if r.ExecutionHistory[i].Timestamp.Equal(ts) {
			return r.ExecutionHistory[i], true
		}
	}
	return ExecutionRecord{}, false
}

// Clone returns a deep copy of the rule
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}

	copied := *r
	copied.Conditions = make([]Condition, len(r.Conditions))
	copy(copied.Conditions, r.Conditions)
	// History is never nil so it encodes as [] rather than null
	copied.ExecutionHistory = make([]ExecutionRecord, len(r.ExecutionHistory))
	copy(copied.ExecutionHistory, r.ExecutionHistory)
	if r.LastExecuted != nil {
		ts := *r.LastExecuted
		copied.LastExecuted = &ts
	}
	return &copied
}

// Observation is one point-in-time market reading
type Observation struct {
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate validates an Observation
func (o *Observation) Validate() error {
	if o.Timestamp.IsZero() {
		return ErrInvalidTimestamp
	}
	if math.IsNaN(o.Price) || math.IsInf(o.Price, 0) {
		return ErrInvalidPrice
	}
	if math.IsNaN(o.Volume) || math.IsInf(o.Volume, 0) || o.Volume < 0 {
		return ErrInvalidVolume
	}
	return nil
}

// NotificationPreferences controls how a user is told about executions
type NotificationPreferences struct {
	Email bool `json:"email"`
	Push  bool `json:"push"`
}

// UserSettings holds per-user trading defaults
type UserSettings struct {
	UserID                  string                  `json:"userId"`
	DefaultMode             Mode                    `json:"defaultMode"`
	NotificationPreferences NotificationPreferences `json:"notificationPreferences"`
}

// DefaultUserSettings returns the settings a new user starts with
func DefaultUserSettings(userID string) *UserSettings {
	return &UserSettings{
		UserID:      userID,
		DefaultMode: ModeSAFU,
		NotificationPreferences: NotificationPreferences{
			Email: true,
			Push:  true,
		},
	}
}

// Validate validates UserSettings
func (s *UserSettings) Validate() error {
	if s.UserID == "" {
		return ErrInvalidOwnerID
	}
	if !s.DefaultMode.Valid() {
		return ErrInvalidMode
	}
	return nil
}
