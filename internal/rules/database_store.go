package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mohamedkhairy/trading-rules/internal/config"
	"github.com/mohamedkhairy/trading-rules/internal/models"
	"github.com/mohamedkhairy/trading-rules/pkg/logger"
)

// DatabaseRuleStore is a PostgreSQL-backed implementation of RuleStore and SettingsStore.
// Execution records live in rule_executions, keyed by (rule_id, executed_at), so the
// database itself refuses a second record for the same rule and timestamp.
// Timestamps are stored with microsecond precision.
type DatabaseRuleStore struct {
	db *sql.DB
}

// OpenDatabase opens and pings a PostgreSQL connection pool
func OpenDatabase(dbConfig config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", dbConfig.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(dbConfig.MaxConnections)
	db.SetMaxIdleConns(dbConfig.MaxIdleConns)
	db.SetConnMaxLifetime(dbConfig.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established",
		logger.String("host", dbConfig.Host),
		logger.Int("port", dbConfig.Port),
		logger.String("database", dbConfig.Database),
	)

	return db, nil
}

// NewDatabaseRuleStore creates a rule store over an open database
func NewDatabaseRuleStore(db *sql.DB) *DatabaseRuleStore {
	return &DatabaseRuleStore{db: db}
}

const ruleColumns = `id, user_id, name, mode, conditions, is_active, wallet_address, last_executed, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*models.Rule, error) {
	var rule models.Rule
	var mode string
	var conditionsJSON []byte
	var lastExecuted sql.NullTime

	if err := row.Scan(
		&rule.ID,
		&rule.OwnerID,
		&rule.Name,
		&mode,
		&conditionsJSON,
		&rule.IsActive,
		&rule.WalletAddress,
		&lastExecuted,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Mode = models.Mode(mode)
	if err := json.Unmarshal(conditionsJSON, &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conditions: %w", err)
	}
	if lastExecuted.Valid {
		ts := lastExecuted.Time
		rule.LastExecuted = &ts
	}
	rule.ExecutionHistory = []models.ExecutionRecord{}

	return &rule, nil
}

// GetRule retrieves a rule by ID with its execution history
func (s *DatabaseRuleStore) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM trading_rules WHERE id = $1`

	rule, err := scanRule(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query rule: %w", err)
	}

	if err := s.loadHistory(ctx, map[string]*models.Rule{rule.ID: rule}); err != nil {
		return nil, err
	}

	return rule, nil
}

// ListRules lists an owner's rules, newest first
func (s *DatabaseRuleStore) ListRules(ctx context.Context, ownerID string, active *bool) ([]*models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM trading_rules
		WHERE user_id = $1 AND ($2::boolean IS NULL OR is_active = $2)
		ORDER BY created_at DESC, id ASC`

	var activeArg sql.NullBool
	if active != nil {
		activeArg = sql.NullBool{Bool: *active, Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, query, ownerID, activeArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	rules := make([]*models.Rule, 0)
	byID := make(map[string]*models.Rule)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
		byID[rule.ID] = rule
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	if err := s.loadHistory(ctx, byID); err != nil {
		return nil, err
	}

	return rules, nil
}

// ListActiveRules lists an owner's active rules
func (s *DatabaseRuleStore) ListActiveRules(ctx context.Context, ownerID string) ([]*models.Rule, error) {
	active := true
	return s.ListRules(ctx, ownerID, &active)
}

// loadHistory fills ExecutionHistory for the given rules in fire order
func (s *DatabaseRuleStore) loadHistory(ctx context.Context, byID map[string]*models.Rule) error {
	if len(byID) == 0 {
		return nil
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, executed_at, price, action, reason
		FROM rule_executions
		WHERE rule_id = ANY($1)
		ORDER BY rule_id, seq ASC
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ruleID, action string
		var record models.ExecutionRecord
		if err := rows.Scan(&ruleID, &record.Timestamp, &record.Price, &action, &record.Reason); err != nil {
			return fmt.Errorf("failed to scan execution: %w", err)
		}
		record.Action = models.Action(action)
		if rule, ok := byID[ruleID]; ok {
			rule.ExecutionHistory = append(rule.ExecutionHistory, record)
		}
	}

	return rows.Err()
}

// AddRule adds a new rule
func (s *DatabaseRuleStore) AddRule(ctx context.Context, rule *models.Rule) error {
	if err := ValidateRule(rule); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}

	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = now
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO trading_rules (id, user_id, name, mode, conditions, is_active, wallet_address, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		ON CONFLICT (id) DO NOTHING
	`,
		rule.ID,
		rule.OwnerID,
		rule.Name,
		string(rule.Mode),
		conditionsJSON,
		rule.IsActive,
		rule.WalletAddress,
		rule.CreatedAt,
		rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", models.ErrRuleExists, rule.ID)
	}

	if rule.ExecutionHistory == nil {
		rule.ExecutionHistory = []models.ExecutionRecord{}
	}

	return nil
}

// UpdateRule updates the mutable authoring fields of a rule
func (s *DatabaseRuleStore) UpdateRule(ctx context.Context, rule *models.Rule) error {
	if err := ValidateRule(rule); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}

	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}

	// The mode guard lives in the WHERE clause so a concurrent reader never
	// sees a rule whose mode changed.
	result, err := s.db.ExecContext(ctx, `
		UPDATE trading_rules
		SET name = $2,
		    conditions = $3,
		    is_active = $4,
		    wallet_address = $5,
		    updated_at = NOW(),
		    version = version + 1
		WHERE id = $1 AND mode = $6
	`,
		rule.ID,
		rule.Name,
		conditionsJSON,
		rule.IsActive,
		rule.WalletAddress,
		string(rule.Mode),
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM trading_rules WHERE id = $1)`, rule.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule: %w", err)
	}
	if exists {
		return models.ErrModeImmutable
	}
	return fmt.Errorf("%w: %s", models.ErrRuleNotFound, rule.ID)
}

// DeleteRule deletes a rule; its executions are removed by cascade
func (s *DatabaseRuleStore) DeleteRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM trading_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}

	return nil
}

// AppendExecution inserts the record and moves last_executed in one transaction
func (s *DatabaseRuleStore) AppendExecution(ctx context.Context, ruleID string, record models.ExecutionRecord) error {
	executedAt := record.Timestamp.UTC().Truncate(time.Microsecond)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Row lock serializes appends for this rule across engine instances
	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM trading_rules WHERE id = $1 FOR UPDATE`, ruleID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrRuleNotFound, ruleID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock rule: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO rule_executions (rule_id, executed_at, price, action, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (rule_id, executed_at) DO NOTHING
	`,
		ruleID,
		executedAt,
		record.Price,
		string(record.Action),
		record.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: rule %s at %s", models.ErrDuplicateExecution, ruleID, executedAt.Format(time.RFC3339Nano))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE trading_rules SET last_executed = $2 WHERE id = $1`,
		ruleID, executedAt,
	); err != nil {
		return fmt.Errorf("failed to update last_executed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetSettings retrieves a user's settings
func (s *DatabaseRuleStore) GetSettings(ctx context.Context, userID string) (*models.UserSettings, error) {
	settings := models.UserSettings{UserID: userID}
	var mode string

	err := s.db.QueryRowContext(ctx, `
		SELECT default_mode, notify_email, notify_push
		FROM user_settings
		WHERE user_id = $1
	`, userID).Scan(&mode, &settings.NotificationPreferences.Email, &settings.NotificationPreferences.Push)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrSettingsNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}

	settings.DefaultMode = models.Mode(mode)
	return &settings, nil
}

// SaveSettings creates or replaces a user's settings
func (s *DatabaseRuleStore) SaveSettings(ctx context.Context, settings *models.UserSettings) error {
	if err := ValidateSettings(settings); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, default_mode, notify_email, notify_push, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET default_mode = EXCLUDED.default_mode,
		    notify_email = EXCLUDED.notify_email,
		    notify_push = EXCLUDED.notify_push,
		    updated_at = EXCLUDED.updated_at
	`,
		settings.UserID,
		string(settings.DefaultMode),
		settings.NotificationPreferences.Email,
		settings.NotificationPreferences.Push,
	)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	return nil
}

// Ping checks the database connection
func (s *DatabaseRuleStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *DatabaseRuleStore) Close() error {
	return s.db.Close()
}
