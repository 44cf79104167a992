package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/mohamedkhairy/trading-rules/internal/config"
	"github.com/mohamedkhairy/trading-rules/internal/engine"
	"github.com/mohamedkhairy/trading-rules/internal/models"
	"github.com/mohamedkhairy/trading-rules/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	ruleStore     *rules.InMemoryRuleStore
	settingsStore *rules.InMemorySettingsStore
	handler       http.Handler
}

func newTestServer(t *testing.T, checks map[string]Pinger) *testServer {
	t.Helper()

	ruleStore := rules.NewInMemoryRuleStore()
	settingsStore := rules.NewInMemorySettingsStore()
	driver := engine.NewDriver(ruleStore, engine.DriverConfig{
		StoreTimeout:  time.Second,
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: time.Millisecond,
		WorkerCount:   2,
	})

	router := NewRouter(RouterDeps{
		RuleStore:     ruleStore,
		SettingsStore: settingsStore,
		Driver:        driver,
		Checks:        checks,
	})

	return &testServer{
		ruleStore:     ruleStore,
		settingsStore: settingsStore,
		handler:       NewHandler(router, config.APIConfig{AllowedOrigins: []string{"*"}}),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) addRule(t *testing.T, id string, mode models.Mode) {
	t.Helper()
	require.NoError(t, s.ruleStore.AddRule(context.Background(), &models.Rule{
		ID:         id,
		OwnerID:    "user-1",
		Name:       "rule " + id,
		Mode:       mode,
		Conditions: []models.Condition{{Type: models.ConditionPrice, Operator: models.OperatorGreaterThan, Value: 100}},
		IsActive:   true,
	}))
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestRuleHandler_CreateRule(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, "POST", "/api/v1/users/user-1/rules", map[string]interface{}{
		"name":       "Take profit",
		"mode":       "HOT",
		"conditions": []map[string]interface{}{{"type": "price", "operator": ">", "value": 100}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var rule models.Rule
	decode(t, w, &rule)
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, "user-1", rule.OwnerID)
	assert.Equal(t, models.ModeHOT, rule.Mode)
	assert.True(t, rule.IsActive)
	assert.Empty(t, rule.ExecutionHistory)
	assert.Nil(t, rule.LastExecuted)

	stored, err := s.ruleStore.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "Take profit", stored.Name)
}

func TestRuleHandler_CreateRule_ModeFromSettings(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, "POST", "/api/v1/users/user-1/rules", map[string]interface{}{
		"id":         "rule-safu",
		"name":       "Defaulted",
		"conditions": []map[string]interface{}{{"type": "volume", "operator": ">", "value": 10}},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var rule models.Rule
	decode(t, w, &rule)
	assert.Equal(t, "rule-safu", rule.ID)
	assert.Equal(t, models.ModeSAFU, rule.Mode)

	hot := models.ModeHOT
	_, err := rules.CreateUserSettings(context.Background(), s.settingsStore, "user-2", rules.SettingsOverrides{DefaultMode: &hot})
	require.NoError(t, err)

	w = s.do(t, "POST", "/api/v1/users/user-2/rules", map[string]interface{}{
		"name":       "Hot by default",
		"isActive":   false,
		"conditions": []map[string]interface{}{{"type": "volume", "operator": ">", "value": 10}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	decode(t, w, &rule)
	assert.Equal(t, models.ModeHOT, rule.Mode)
	assert.False(t, rule.IsActive)
}

func TestRuleHandler_CreateRule_Errors(t *testing.T) {
	s := newTestServer(t, nil)
	s.addRule(t, "rule-1", models.ModeHOT)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{
			name: "no conditions",
			body: map[string]interface{}{"name": "empty", "mode": "HOT", "conditions": []interface{}{}},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown condition type",
			body: map[string]interface{}{"name": "rsi", "mode": "HOT", "conditions": []map[string]interface{}{{"type": "rsi", "operator": ">", "value": 1}}},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown mode",
			body: map[string]interface{}{"name": "yolo", "mode": "YOLO", "conditions": []map[string]interface{}{{"type": "price", "operator": ">", "value": 1}}},
			want: http.StatusBadRequest,
		},
		{
			name: "duplicate id",
			body: map[string]interface{}{"id": "rule-1", "name": "again", "mode": "HOT", "conditions": []map[string]interface{}{{"type": "price", "operator": ">", "value": 1}}},
			want: http.StatusConflict,
		},
		{
			name: "malformed body",
			body: "not an object",
			want: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, "POST", "/api/v1/users/user-1/rules", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestRuleHandler_ListRules(t *testing.T) {
	s := newTestServer(t, nil)
	s.addRule(t, "rule-1", models.ModeHOT)
	s.addRule(t, "rule-2", models.ModeSAFU)

	inactive := false
	w := s.do(t, "PUT", "/api/v1/rules/rule-2", map[string]interface{}{"isActive": inactive})
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Rules []models.Rule `json:"rules"`
		Count int           `json:"count"`
	}

	w = s.do(t, "GET", "/api/v1/users/user-1/rules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &response)
	assert.Equal(t, 2, response.Count)

	w = s.do(t, "GET", "/api/v1/users/user-1/rules?active=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &response)
	require.Equal(t, 1, response.Count)
	assert.Equal(t, "rule-1", response.Rules[0].ID)

	w = s.do(t, "GET", "/api/v1/users/nobody/rules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &response)
	assert.Equal(t, 0, response.Count)

	w = s.do(t, "GET", "/api/v1/users/user-1/rules?active=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRuleHandler_GetRule(t *testing.T) {
	s := newTestServer(t, nil)
	s.addRule(t, "rule-1", models.ModeHOT)

	w := s.do(t, "GET", "/api/v1/rules/rule-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Contains(t, w.Body.String(), `"executionHistory":[]`)

	var rule models.Rule
	decode(t, w, &rule)
	assert.Equal(t, "rule-1", rule.ID)

	w = s.do(t, "GET", "/api/v1/rules/rule-1/executions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"executions":[]`)

	w = s.do(t, "GET", "/api/v1/rules/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRuleHandler_UpdateRule(t *testing.T) {
	s := newTestServer(t, nil)
	s.addRule(t, "rule-1", models.ModeHOT)

	w := s.do(t, "PUT", "/api/v1/rules/rule-1", map[string]interface{}{
		"name":       "renamed",
		"conditions": []map[string]interface{}{{"type": "price", "operator": "<", "value": 50}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var rule models.Rule
	decode(t, w, &rule)
	assert.Equal(t, "renamed", rule.Name)
	assert.Equal(t, models.OperatorLessThan, rule.Conditions[0].Operator)
	assert.Equal(t, models.ModeHOT, rule.Mode)
	assert.True(t, rule.IsActive)

	// Restating the current mode is not a change
	w = s.do(t, "PUT", "/api/v1/rules/rule-1", map[string]interface{}{"mode": "HOT"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, "PUT", "/api/v1/rules/rule-1", map[string]interface{}{"mode": "SAFU"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, "PUT", "/api/v1/rules/rule-1", map[string]interface{}{"conditions": []map[string]interface{}{{"type": "price", "operator": "!", "value": 1}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "PUT", "/api/v1/rules/missing", map[string]interface{}{"name": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRuleHandler_DeleteRule(t *testing.T) {
	s := newTestServer(t, nil)
	s.addRule(t, "rule-1", models.ModeHOT)

	w := s.do(t, "DELETE", "/api/v1/rules/rule-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, s.ruleStore.Count())

	w = s.do(t, "DELETE", "/api/v1/rules/rule-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTickHandler_TickRule(t *testing.T) {
	s := newTestServer(t, nil)
	s.addRule(t, "rule-1", models.ModeHOT)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var out engine.TickOutcome

	w := s.do(t, "POST", "/api/v1/rules/rule-1/ticks", models.Observation{Price: 90, Volume: 1, Timestamp: ts})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &out)
	assert.Equal(t, engine.OutcomeIdle, out.Outcome)

	w = s.do(t, "POST", "/api/v1/rules/rule-1/ticks", models.Observation{Price: 150, Volume: 1, Timestamp: ts})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	decode(t, w, &out)
	assert.Equal(t, engine.OutcomeExecuted, out.Outcome)
	require.NotNil(t, out.Record)
	assert.Equal(t, models.ActionSell, out.Record.Action)

	w = s.do(t, "POST", "/api/v1/rules/rule-1/ticks", models.Observation{Price: 150, Volume: 1, Timestamp: ts})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &out)
	assert.Equal(t, engine.OutcomeDuplicate, out.Outcome)

	var history struct {
		Executions   []models.ExecutionRecord `json:"executions"`
		Count        int                      `json:"count"`
		LastExecuted *time.Time               `json:"lastExecuted"`
	}
	w = s.do(t, "GET", "/api/v1/rules/rule-1/executions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &history)
	assert.Equal(t, 1, history.Count)
	require.NotNil(t, history.LastExecuted)
	assert.True(t, history.LastExecuted.Equal(ts))
}

func TestTickHandler_TickRule_Errors(t *testing.T) {
	s := newTestServer(t, nil)
	s.addRule(t, "rule-1", models.ModeHOT)

	w := s.do(t, "POST", "/api/v1/rules/missing/ticks", models.Observation{Price: 150, Timestamp: time.Now()})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, "POST", "/api/v1/rules/rule-1/ticks", map[string]interface{}{"price": 150})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "POST", "/api/v1/rules/rule-1/ticks", map[string]interface{}{"price": 150, "volume": -1, "timestamp": time.Now()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTickHandler_TickOwner(t *testing.T) {
	s := newTestServer(t, nil)
	s.addRule(t, "rule-1", models.ModeHOT)
	s.addRule(t, "rule-2", models.ModeSAFU)

	w := s.do(t, "POST", "/api/v1/users/user-1/ticks", models.Observation{Price: 150, Timestamp: time.Now()})
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Outcomes []engine.TickOutcome `json:"outcomes"`
		Count    int                  `json:"count"`
	}
	decode(t, w, &response)
	require.Equal(t, 2, response.Count)
	for _, out := range response.Outcomes {
		assert.Equal(t, engine.OutcomeExecuted, out.Outcome)
	}

	w = s.do(t, "POST", "/api/v1/users/nobody/ticks", models.Observation{Price: 150, Timestamp: time.Now()})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &response)
	assert.Equal(t, 0, response.Count)
}

func TestSettingsHandler(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, "GET", "/api/v1/users/user-1/settings", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, "POST", "/api/v1/users/user-1/settings", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var settings models.UserSettings
	decode(t, w, &settings)
	assert.Equal(t, models.ModeSAFU, settings.DefaultMode)
	assert.True(t, settings.NotificationPreferences.Email)

	w = s.do(t, "PUT", "/api/v1/users/user-1/settings", map[string]interface{}{"defaultMode": "HOT", "push": false})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &settings)
	assert.Equal(t, models.ModeHOT, settings.DefaultMode)
	assert.True(t, settings.NotificationPreferences.Email)
	assert.False(t, settings.NotificationPreferences.Push)

	w = s.do(t, "GET", "/api/v1/users/user-1/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &settings)
	assert.Equal(t, models.ModeHOT, settings.DefaultMode)

	// PUT without prior settings starts from the defaults
	w = s.do(t, "PUT", "/api/v1/users/user-2/settings", map[string]interface{}{"email": false})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &settings)
	assert.Equal(t, models.ModeSAFU, settings.DefaultMode)
	assert.False(t, settings.NotificationPreferences.Email)

	w = s.do(t, "PUT", "/api/v1/users/user-2/settings", map[string]interface{}{"defaultMode": "YOLO"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthEndpoints(t *testing.T) {
	healthy := newTestServer(t, map[string]Pinger{
		"database": pingFunc(func(ctx context.Context) error { return nil }),
	})
	for _, path := range []string{"/health", "/live", "/ready"} {
		w := healthy.do(t, "GET", path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	down := newTestServer(t, map[string]Pinger{
		"redis": pingFunc(func(ctx context.Context) error { return errors.New("connection refused") }),
	})
	w := down.do(t, "GET", "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]interface{}
	decode(t, w, &body)
	assert.Contains(t, body["failed"], "redis")
}

func TestHandlersWithURLVars(t *testing.T) {
	ruleStore := rules.NewInMemoryRuleStore()
	handler := NewRuleHandler(ruleStore, nil)

	req := httptest.NewRequest("GET", "/api/v1/rules/missing", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "missing"})
	w := httptest.NewRecorder()

	handler.GetRule(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}
