package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mohamedkhairy/trading-rules/internal/engine"
	"github.com/mohamedkhairy/trading-rules/internal/models"
	"github.com/mohamedkhairy/trading-rules/internal/rules"
	"github.com/mohamedkhairy/trading-rules/pkg/logger"
)

// RuleHandler handles rule management endpoints
type RuleHandler struct {
	ruleStore     rules.RuleStore
	settingsStore rules.SettingsStore
}

// NewRuleHandler creates a new rule handler. settingsStore may be nil, in
// which case new rules without a mode default to SAFU.
func NewRuleHandler(ruleStore rules.RuleStore, settingsStore rules.SettingsStore) *RuleHandler {
	return &RuleHandler{
		ruleStore:     ruleStore,
		settingsStore: settingsStore,
	}
}

// CreateRuleRequest is the body of POST /api/v1/users/{ownerId}/rules
type CreateRuleRequest struct {
	ID            string             `json:"id,omitempty"`
	Name          string             `json:"name"`
	Mode          models.Mode        `json:"mode,omitempty"`
	Conditions    []models.Condition `json:"conditions"`
	IsActive      *bool              `json:"isActive,omitempty"`
	WalletAddress string             `json:"walletAddress,omitempty"`
}

// UpdateRuleRequest is the body of PUT /api/v1/rules/{id}; absent fields are kept
type UpdateRuleRequest struct {
	Name          *string            `json:"name,omitempty"`
	Mode          *models.Mode       `json:"mode,omitempty"`
	Conditions    []models.Condition `json:"conditions,omitempty"`
	IsActive      *bool              `json:"isActive,omitempty"`
	WalletAddress *string            `json:"walletAddress,omitempty"`
}

// ListRules handles GET /api/v1/users/{ownerId}/rules
func (h *RuleHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["ownerId"]

	var active *bool
	if raw := r.URL.Query().Get("active"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "active must be true or false")
			return
		}
		active = &parsed
	}

	list, err := h.ruleStore.ListRules(r.Context(), ownerID, active)
	if err != nil {
		respondWithStoreError(w, r, err, "Failed to retrieve rules")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"count": len(list),
	})
}

// GetRule handles GET /api/v1/rules/{id}
func (h *RuleHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.ruleStore.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithStoreError(w, r, err, "Failed to retrieve rule")
		return
	}

	respondWithJSON(w, http.StatusOK, rule)
}

// CreateRule handles POST /api/v1/users/{ownerId}/rules
func (h *RuleHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["ownerId"]

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rule := &models.Rule{
		ID:               req.ID,
		OwnerID:          ownerID,
		Name:             req.Name,
		Mode:             req.Mode,
		Conditions:       req.Conditions,
		IsActive:         true,
		WalletAddress:    req.WalletAddress,
		ExecutionHistory: []models.ExecutionRecord{},
	}

	// Generate ID if not provided
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	if rule.Mode == "" {
		mode, err := rules.DefaultModeFor(r.Context(), h.settingsStore, ownerID)
		if err != nil {
			respondWithStoreError(w, r, err, "Failed to resolve default mode")
			return
		}
		rule.Mode = mode
	}

	if err := h.ruleStore.AddRule(r.Context(), rule); err != nil {
		respondWithStoreError(w, r, err, "Failed to create rule")
		return
	}

	logger.Info("Rule created",
		logger.String("rule_id", rule.ID),
		logger.String("user_id", rule.OwnerID),
		logger.String("mode", string(rule.Mode)),
	)

	respondWithJSON(w, http.StatusCreated, rule)
}

// UpdateRule handles PUT /api/v1/rules/{id}
func (h *RuleHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["id"]

	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rule, err := h.ruleStore.GetRule(r.Context(), ruleID)
	if err != nil {
		respondWithStoreError(w, r, err, "Failed to retrieve rule")
		return
	}

	if req.Mode != nil && *req.Mode != rule.Mode {
		respondWithError(w, http.StatusConflict, models.ErrModeImmutable.Error())
		return
	}
	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Conditions != nil {
		rule.Conditions = req.Conditions
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	if req.WalletAddress != nil {
		rule.WalletAddress = *req.WalletAddress
	}

	if err := h.ruleStore.UpdateRule(r.Context(), rule); err != nil {
		respondWithStoreError(w, r, err, "Failed to update rule")
		return
	}

	updated, err := h.ruleStore.GetRule(r.Context(), ruleID)
	if err != nil {
		respondWithStoreError(w, r, err, "Failed to retrieve rule")
		return
	}

	logger.Info("Rule updated",
		logger.String("rule_id", ruleID),
		logger.Bool("is_active", updated.IsActive),
	)

	respondWithJSON(w, http.StatusOK, updated)
}

// DeleteRule handles DELETE /api/v1/rules/{id}
func (h *RuleHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["id"]

	if err := h.ruleStore.DeleteRule(r.Context(), ruleID); err != nil {
		respondWithStoreError(w, r, err, "Failed to delete rule")
		return
	}

	logger.Info("Rule deleted",
		logger.String("rule_id", ruleID),
	)

	respondWithJSON(w, http.StatusOK, map[string]string{"message": "Rule deleted"})
}

// ListExecutions handles GET /api/v1/rules/{id}/executions
func (h *RuleHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	rule, err := h.ruleStore.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithStoreError(w, r, err, "Failed to retrieve rule")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"ruleId":       rule.ID,
		"executions":   rule.ExecutionHistory,
		"count":        len(rule.ExecutionHistory),
		"lastExecuted": rule.LastExecuted,
	})
}

// TickHandler feeds observations to the engine driver
type TickHandler struct {
	driver *engine.Driver
}

// NewTickHandler creates a new tick handler
func NewTickHandler(driver *engine.Driver) *TickHandler {
	return &TickHandler{driver: driver}
}

// TickRule handles POST /api/v1/rules/{id}/ticks
func (h *TickHandler) TickRule(w http.ResponseWriter, r *http.Request) {
	var obs models.Observation
	if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := obs.Validate(); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.driver.Tick(r.Context(), mux.Vars(r)["id"], &obs)
	if out == nil {
		respondWithStoreError(w, r, err, "Failed to tick rule")
		return
	}

	respondWithJSON(w, statusForOutcome(out.Outcome), out)
}

// TickOwner handles POST /api/v1/users/{ownerId}/ticks
func (h *TickHandler) TickOwner(w http.ResponseWriter, r *http.Request) {
	var obs models.Observation
	if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := obs.Validate(); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcomes, err := h.driver.TickOwner(r.Context(), mux.Vars(r)["ownerId"], &obs)
	if outcomes == nil && err != nil {
		respondWithStoreError(w, r, err, "Failed to tick rules")
		return
	}

	// Per-rule failures are reported inside each outcome
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"outcomes": outcomes,
		"count":    len(outcomes),
	})
}

func statusForOutcome(outcome engine.Outcome) int {
	switch outcome {
	case engine.OutcomeExecuted:
		return http.StatusCreated
	case engine.OutcomeNotFound:
		return http.StatusNotFound
	case engine.OutcomeInvalid:
		return http.StatusUnprocessableEntity
	case engine.OutcomeFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

// SettingsHandler handles user trading settings endpoints
type SettingsHandler struct {
	settingsStore rules.SettingsStore
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(settingsStore rules.SettingsStore) *SettingsHandler {
	return &SettingsHandler{settingsStore: settingsStore}
}

// GetSettings handles GET /api/v1/users/{ownerId}/settings
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settingsStore.GetSettings(r.Context(), mux.Vars(r)["ownerId"])
	if err != nil {
		respondWithStoreError(w, r, err, "Failed to retrieve settings")
		return
	}

	respondWithJSON(w, http.StatusOK, settings)
}

// CreateSettings handles POST /api/v1/users/{ownerId}/settings
func (h *SettingsHandler) CreateSettings(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["ownerId"]

	overrides, ok := decodeOverrides(w, r)
	if !ok {
		return
	}

	settings, err := rules.CreateUserSettings(r.Context(), h.settingsStore, userID, overrides)
	if err != nil {
		respondWithStoreError(w, r, err, "Failed to create settings")
		return
	}

	respondWithJSON(w, http.StatusCreated, settings)
}

// UpdateSettings handles PUT /api/v1/users/{ownerId}/settings.
// Overrides apply on top of the stored settings, or the defaults when none exist.
func (h *SettingsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["ownerId"]

	overrides, ok := decodeOverrides(w, r)
	if !ok {
		return
	}

	settings, err := h.settingsStore.GetSettings(r.Context(), userID)
	if errors.Is(err, models.ErrSettingsNotFound) {
		settings = models.DefaultUserSettings(userID)
	} else if err != nil {
		respondWithStoreError(w, r, err, "Failed to retrieve settings")
		return
	}

	overrides.Apply(settings)
	if err := h.settingsStore.SaveSettings(r.Context(), settings); err != nil {
		respondWithStoreError(w, r, err, "Failed to save settings")
		return
	}

	respondWithJSON(w, http.StatusOK, settings)
}

func decodeOverrides(w http.ResponseWriter, r *http.Request) (rules.SettingsOverrides, bool) {
	var overrides rules.SettingsOverrides
	if r.ContentLength == 0 {
		return overrides, true
	}
	if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return overrides, false
	}
	return overrides, true
}

// respondWithStoreError maps domain errors to HTTP status codes
func respondWithStoreError(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch {
	case rules.IsValidationError(err),
		errors.Is(err, models.ErrInvalidTimestamp),
		errors.Is(err, models.ErrInvalidPrice),
		errors.Is(err, models.ErrInvalidVolume):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrRuleNotFound):
		respondWithError(w, http.StatusNotFound, "Rule not found")
	case errors.Is(err, models.ErrSettingsNotFound):
		respondWithError(w, http.StatusNotFound, "Settings not found")
	case errors.Is(err, models.ErrRuleExists),
		errors.Is(err, models.ErrModeImmutable):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrStoreUnavailable):
		respondWithError(w, http.StatusServiceUnavailable, message)
	default:
		logger.ErrorsTotal.WithLabelValues("api", "store").Inc()
		logger.WithContext(r.Context()).Error(message,
			logger.String("path", r.URL.Path),
			logger.ErrorField(err),
		)
		respondWithError(w, http.StatusInternalServerError, message)
	}
}
