package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mohamedkhairy/trading-rules/internal/models"
)

// InMemoryRuleStore is an in-memory implementation of RuleStore
type InMemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]*models.Rule
	now   func() time.Time
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*models.Rule),
		now:   time.Now,
	}
}

// GetRule retrieves a rule by ID
func (s *InMemoryRuleStore) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}

	// Return a copy to prevent external modifications
	return rule.Clone(), nil
}

// ListRules lists an owner's rules, newest first
func (s *InMemoryRuleStore) ListRules(ctx context.Context, ownerID string, active *bool) ([]*models.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]*models.Rule, 0)
	for _, rule := range s.rules {
		if rule.OwnerID != ownerID {
			continue
		}
		if active != nil && rule.IsActive != *active {
			continue
		}
		rules = append(rules, rule.Clone())
	}

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].CreatedAt.After(rules[j].CreatedAt)
	})

	return rules, nil
}

// ListActiveRules lists an owner's active rules
func (s *InMemoryRuleStore) ListActiveRules(ctx context.Context, ownerID string) ([]*models.Rule, error) {
	active := true
	return s.ListRules(ctx, ownerID, &active)
}

// AddRule adds a new rule
func (s *InMemoryRuleStore) AddRule(ctx context.Context, rule *models.Rule) error {
	if err := ValidateRule(rule); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("%w: %s", models.ErrRuleExists, rule.ID)
	}

	now := s.now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = now
	}
	if rule.ExecutionHistory == nil {
		rule.ExecutionHistory = []models.ExecutionRecord{}
	}

	s.rules[rule.ID] = rule.Clone()

	return nil
}

// UpdateRule updates the mutable authoring fields of an existing rule
func (s *InMemoryRuleStore) UpdateRule(ctx context.Context, rule *models.Rule) error {
	if err := ValidateRule(rule); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("%w: %s", models.ErrRuleNotFound, rule.ID)
	}
	if existing.Mode != rule.Mode {
		return models.ErrModeImmutable
	}

	updated := existing.Clone()
	updated.Name = rule.Name
	updated.Conditions = append([]models.Condition(nil), rule.Conditions...)
	updated.IsActive = rule.IsActive
	updated.WalletAddress = rule.WalletAddress
	updated.UpdatedAt = s.now()

	s.rules[rule.ID] = updated

	return nil
}

// DeleteRule deletes a rule by ID
func (s *InMemoryRuleStore) DeleteRule(ctx context.Context, id string) error {
	if id == "" {
		return models.ErrInvalidRuleID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}

	delete(s.rules, id)

	return nil
}

// AppendExecution appends a record under the store lock
func (s *InMemoryRuleStore) AppendExecution(ctx context.Context, ruleID string, record models.ExecutionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[ruleID]
	if !exists {
		return fmt.Errorf("%w: %s", models.ErrRuleNotFound, ruleID)
	}
	if rule.HasExecutionAt(record.Timestamp) {
		return fmt.Errorf("%w: rule %s at %s", models.ErrDuplicateExecution, ruleID, record.Timestamp.Format(time.RFC3339Nano))
	}

	// Copy-on-write so clones handed out earlier never observe the append
	history := make([]models.ExecutionRecord, len(rule.ExecutionHistory), len(rule.ExecutionHistory)+1)
	copy(history, rule.ExecutionHistory)
	rule.ExecutionHistory = append(history, record)

	ts := record.Timestamp
	rule.LastExecuted = &ts

	return nil
}

// Count returns the number of rules in the store
func (s *InMemoryRuleStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.rules)
}

// InMemorySettingsStore is an in-memory implementation of SettingsStore
type InMemorySettingsStore struct {
	mu       sync.RWMutex
	settings map[string]models.UserSettings
}

// NewInMemorySettingsStore creates a new in-memory settings store
func NewInMemorySettingsStore() *InMemorySettingsStore {
	return &InMemorySettingsStore{
		settings: make(map[string]models.UserSettings),
	}
}

// GetSettings retrieves a user's settings
func (s *InMemorySettingsStore) GetSettings(ctx context.Context, userID string) (*models.UserSettings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, exists := s.settings[userID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", models.ErrSettingsNotFound, userID)
	}
	return &settings, nil
}

// SaveSettings creates or replaces a user's settings
func (s *InMemorySettingsStore) SaveSettings(ctx context.Context, settings *models.UserSettings) error {
	if err := ValidateSettings(settings); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[settings.UserID] = *settings
	return nil
}
