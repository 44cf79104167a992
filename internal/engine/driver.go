package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mohamedkhairy/trading-rules/internal/models"
	"github.com/mohamedkhairy/trading-rules/internal/rules"
	"github.com/mohamedkhairy/trading-rules/pkg/logger"
)

// DriverConfig holds configuration for the driver
type DriverConfig struct {
	StoreTimeout  time.Duration // Per-attempt timeout for store calls
	MaxRetries    int           // Retries after the first store attempt
	RetryDelay    time.Duration // Initial backoff delay
	MaxRetryDelay time.Duration // Backoff cap
	WorkerCount   int           // Concurrent ticks in TickOwner
}

// DefaultDriverConfig returns default driver configuration
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		StoreTimeout:  2 * time.Second,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		MaxRetryDelay: 2 * time.Second,
		WorkerCount:   8,
	}
}

// Driver evaluates rules against observations and persists what fires.
// Ticks for the same rule id run one at a time; ticks for different ids
// run in parallel. Rules are read fresh from the store on every tick.
type Driver struct {
	config       DriverConfig
	store        Store
	locks        *ruleLocks
	retry        retryPolicy
	deduplicator *Deduplicator
	publisher    *Publisher
}

// Option configures optional driver collaborators
type Option func(*Driver)

// WithDeduplicator adds a Redis-backed idempotency check before appends
func WithDeduplicator(d *Deduplicator) Option {
	return func(drv *Driver) {
		drv.deduplicator = d
	}
}

// WithPublisher publishes every persisted execution
func WithPublisher(p *Publisher) Option {
	return func(drv *Driver) {
		drv.publisher = p
	}
}

// NewDriver creates a new driver
func NewDriver(store Store, config DriverConfig, opts ...Option) *Driver {
	defaults := DefaultDriverConfig()
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = defaults.StoreTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.MaxRetryDelay < config.RetryDelay {
		config.MaxRetryDelay = config.RetryDelay
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}

	d := &Driver{
		config: config,
		store:  store,
		locks:  newRuleLocks(),
		retry: retryPolicy{
			maxRetries:     config.MaxRetries,
			initialDelay:   config.RetryDelay,
			maxDelay:       config.MaxRetryDelay,
			attemptTimeout: config.StoreTimeout,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Tick evaluates one rule against one observation and, when it fires,
// appends exactly one execution record for the observation's timestamp.
//
// A missing rule is a no-op with OutcomeNotFound and no error. A malformed
// rule returns OutcomeInvalid with its ValidationError. A fire that could
// not be persisted returns OutcomeFailed with an error wrapping
// models.ErrStoreUnavailable; the tick is safe to repeat.
func (d *Driver) Tick(ctx context.Context, ruleID string, obs *models.Observation) (*TickOutcome, error) {
	if ruleID == "" {
		return nil, &rules.ValidationError{Field: "ruleId", Err: models.ErrInvalidRuleID}
	}
	if obs == nil {
		return nil, fmt.Errorf("observation cannot be nil")
	}
	if err := obs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid observation: %w", err)
	}

	start := time.Now()
	defer func() {
		TickDuration.Observe(time.Since(start).Seconds())
	}()

	unlock, err := d.locks.Lock(ctx, ruleID)
	if err != nil {
		out := newOutcome(ruleID, OutcomeFailed)
		err = fmt.Errorf("tick for rule %s not started: %w", ruleID, err)
		out.Error = err.Error()
		TicksTotal.WithLabelValues(string(out.Outcome)).Inc()
		return out, err
	}
	defer unlock()

	out, err := d.tick(ctx, ruleID, obs)
	if err != nil {
		out.Error = err.Error()
	}
	TicksTotal.WithLabelValues(string(out.Outcome)).Inc()

	return out, err
}

func (d *Driver) tick(ctx context.Context, ruleID string, obs *models.Observation) (*TickOutcome, error) {
	var rule *models.Rule
	_, err := d.retry.do(ctx, "get_rule", func(ctx context.Context) error {
		r, err := d.store.GetRule(ctx, ruleID)
		if err != nil {
			return err
		}
		rule = r
		return nil
	})
	if errors.Is(err, models.ErrRuleNotFound) {
		logger.Debug("Rule not found, nothing to tick", logger.String("rule_id", ruleID))
		return newOutcome(ruleID, OutcomeNotFound), nil
	}
	if err != nil {
		return newOutcome(ruleID, OutcomeFailed), storeFailure(ctx, "get rule", ruleID, err)
	}

	if !rule.IsActive {
		return newOutcome(ruleID, OutcomeSkipped), nil
	}

	eval, err := rules.Evaluate(rule, obs)
	if err != nil {
		logger.Warn("Rule failed validation, not evaluated",
			logger.String("rule_id", ruleID),
			logger.ErrorField(err),
		)
		return newOutcome(ruleID, OutcomeInvalid), err
	}
	if !eval.Fired {
		out := newOutcome(ruleID, OutcomeIdle)
		out.Evaluation = &eval
		return out, nil
	}

	record, err := rules.Plan(rule, obs, eval)
	if err != nil {
		return newOutcome(ruleID, OutcomeInvalid), err
	}

	out := newOutcome(ruleID, OutcomeExecuted)
	out.Evaluation = &eval
	out.Record = &record

	if d.isDuplicate(ctx, rule, record.Timestamp) {
		out.Outcome = OutcomeDuplicate
		logger.Debug("Execution already recorded for observation",
			logger.String("rule_id", ruleID),
			logger.Time("timestamp", record.Timestamp),
		)
		return out, nil
	}

	attempts, err := d.retry.do(ctx, "append_execution", func(ctx context.Context) error {
		return d.store.AppendExecution(ctx, ruleID, record)
	})
	out.Attempts = attempts

	switch {
	case err == nil:
	case errors.Is(err, models.ErrDuplicateExecution) && attempts > 1 && d.committedEarlier(ctx, ruleID, record):
		// An earlier attempt committed but its acknowledgement was lost
		logger.Debug("Append acknowledged late, execution recorded by earlier attempt",
			logger.String("rule_id", ruleID),
			logger.Int("attempts", attempts),
		)
	case errors.Is(err, models.ErrDuplicateExecution):
		out.Outcome = OutcomeDuplicate
		d.remember(ctx, ruleID, record.Timestamp)
		return out, nil
	case errors.Is(err, models.ErrRuleNotFound):
		// Deleted between read and write
		return newOutcome(ruleID, OutcomeNotFound), nil
	default:
		out.Outcome = OutcomeFailed
		err = storeFailure(ctx, "append execution", ruleID, err)
		logger.Error("Failed to persist execution",
			logger.String("rule_id", ruleID),
			logger.String("action", string(record.Action)),
			logger.Int("attempts", attempts),
			logger.ErrorField(err),
		)
		return out, err
	}

	ExecutionsTotal.WithLabelValues(string(record.Action), string(rule.Mode)).Inc()
	logger.Info("Rule executed",
		logger.String("rule_id", ruleID),
		logger.String("user_id", rule.OwnerID),
		logger.String("mode", string(rule.Mode)),
		logger.String("action", string(record.Action)),
		logger.Float64("price", record.Price),
		logger.String("reason", record.Reason),
	)

	d.remember(ctx, ruleID, record.Timestamp)
	d.publish(ctx, rule, record)

	return out, nil
}

// committedEarlier re-reads the rule after a retried append was rejected as
// a duplicate and reports whether the stored record is the one this tick planned
func (d *Driver) committedEarlier(ctx context.Context, ruleID string, record models.ExecutionRecord) bool {
	var rule *models.Rule
	_, err := d.retry.do(ctx, "get_rule", func(ctx context.Context) error {
		r, err := d.store.GetRule(ctx, ruleID)
		if err != nil {
			return err
		}
		rule = r
		return nil
	})
	if err != nil {
		logger.Warn("Could not confirm which attempt recorded the execution",
			logger.String("rule_id", ruleID),
			logger.ErrorField(err),
		)
		return false
	}

	stored, ok := rule.ExecutionAt(record.Timestamp)
	if !ok {
		return false
	}
	return stored.Action == record.Action && stored.Price == record.Price && stored.Reason == record.Reason
}

func (d *Driver) isDuplicate(ctx context.Context, rule *models.Rule, ts time.Time) bool {
	if rule.HasExecutionAt(ts) {
		return true
	}
	if d.deduplicator == nil {
		return false
	}

	seen, err := d.deduplicator.Seen(ctx, rule.ID, ts)
	if err != nil {
		logger.Warn("Idempotency check failed, relying on store",
			logger.String("rule_id", rule.ID),
			logger.ErrorField(err),
		)
		return false
	}
	return seen
}

func (d *Driver) remember(ctx context.Context, ruleID string, ts time.Time) {
	if d.deduplicator == nil {
		return
	}
	d.deduplicator.Remember(context.WithoutCancel(ctx), ruleID, ts)
}

func (d *Driver) publish(ctx context.Context, rule *models.Rule, record models.ExecutionRecord) {
	if d.publisher == nil {
		return
	}

	event := &ExecutionEvent{
		RuleID:        rule.ID,
		OwnerID:       rule.OwnerID,
		Mode:          rule.Mode,
		WalletAddress: rule.WalletAddress,
		Record:        record,
	}
	if err := d.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		PublishErrorsTotal.Inc()
		logger.Warn("Failed to publish execution event",
			logger.String("rule_id", rule.ID),
			logger.ErrorField(err),
		)
	}
}

// storeFailure wraps a store error that survived retries. A cancelled
// caller gets its context error back instead.
func storeFailure(ctx context.Context, operation, ruleID string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s for rule %s interrupted: %w", operation, ruleID, ctxErr)
	}
	return fmt.Errorf("%w: %s for rule %s: %w", models.ErrStoreUnavailable, operation, ruleID, err)
}

// TickOwner ticks every active rule of an owner against one observation.
// Rules are ticked concurrently on at most WorkerCount goroutines; the
// outcomes follow the store's listing order. Per-rule errors are joined.
func (d *Driver) TickOwner(ctx context.Context, ownerID string, obs *models.Observation) ([]*TickOutcome, error) {
	if ownerID == "" {
		return nil, &rules.ValidationError{Field: "userId", Err: models.ErrInvalidOwnerID}
	}
	if obs == nil {
		return nil, fmt.Errorf("observation cannot be nil")
	}
	if err := obs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid observation: %w", err)
	}

	var active []*models.Rule
	_, err := d.retry.do(ctx, "list_active_rules", func(ctx context.Context) error {
		list, err := d.store.ListActiveRules(ctx, ownerID)
		if err != nil {
			return err
		}
		active = list
		return nil
	})
	if err != nil {
		return nil, storeFailure(ctx, "list active rules", ownerID, err)
	}

	outcomes := make([]*TickOutcome, len(active))
	errs := make([]error, len(active))
	sem := make(chan struct{}, d.config.WorkerCount)

	var wg sync.WaitGroup
	for i, rule := range active {
		wg.Add(1)
		go func(i int, ruleID string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				outcomes[i] = newOutcome(ruleID, OutcomeFailed)
				errs[i] = fmt.Errorf("tick for rule %s not started: %w", ruleID, ctx.Err())
				outcomes[i].Error = errs[i].Error()
				return
			}
			defer func() { <-sem }()

			outcomes[i], errs[i] = d.Tick(ctx, ruleID, obs)
		}(i, rule.ID)
	}
	wg.Wait()

	logger.Debug("Ticked owner rules",
		logger.String("user_id", ownerID),
		logger.Int("rules", len(active)),
	)

	return outcomes, errors.Join(errs...)
}
