package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mohamedkhairy/trading-rules/internal/config"
	"github.com/mohamedkhairy/trading-rules/internal/engine"
	"github.com/mohamedkhairy/trading-rules/internal/rules"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is implemented by backends that can report connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds what the HTTP surface is built from
type RouterDeps struct {
	RuleStore     rules.RuleStore
	SettingsStore rules.SettingsStore
	Driver        *engine.Driver
	// Checks are pinged by /ready; a nil entry is skipped
	Checks map[string]Pinger
}

// NewRouter builds the routes of the engine service
func NewRouter(deps RouterDeps) *mux.Router {
	ruleHandler := NewRuleHandler(deps.RuleStore, deps.SettingsStore)
	tickHandler := NewTickHandler(deps.Driver)
	settingsHandler := NewSettingsHandler(deps.SettingsStore)

	router := mux.NewRouter()
	router.Use(mux.MiddlewareFunc(LoggingMiddleware()))

	// API v1 routes
	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Rule management endpoints
	v1.HandleFunc("/users/{ownerId}/rules", ruleHandler.ListRules).Methods("GET")
	v1.HandleFunc("/users/{ownerId}/rules", ruleHandler.CreateRule).Methods("POST")
	v1.HandleFunc("/rules/{id}", ruleHandler.GetRule).Methods("GET")
	v1.HandleFunc("/rules/{id}", ruleHandler.UpdateRule).Methods("PUT")
	v1.HandleFunc("/rules/{id}", ruleHandler.DeleteRule).Methods("DELETE")
	v1.HandleFunc("/rules/{id}/executions", ruleHandler.ListExecutions).Methods("GET")

	// Engine endpoints
	v1.HandleFunc("/rules/{id}/ticks", tickHandler.TickRule).Methods("POST")
	v1.HandleFunc("/users/{ownerId}/ticks", tickHandler.TickOwner).Methods("POST")

	// Settings endpoints
	v1.HandleFunc("/users/{ownerId}/settings", settingsHandler.GetSettings).Methods("GET")
	v1.HandleFunc("/users/{ownerId}/settings", settingsHandler.CreateSettings).Methods("POST")
	v1.HandleFunc("/users/{ownerId}/settings", settingsHandler.UpdateSettings).Methods("PUT")

	// Health check endpoints
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods("GET")

	router.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}).Methods("GET")

	router.HandleFunc("/ready", readyHandler(deps.Checks)).Methods("GET")

	// Metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	return router
}

// NewHandler wraps the router in the outer middleware chain
func NewHandler(router http.Handler, cfg config.APIConfig) http.Handler {
	middlewares := ChainMiddleware(
		CORSMiddleware(cfg.AllowedOrigins),
		TraceMiddleware(),
		ErrorHandlingMiddleware(),
		RateLimitMiddleware(cfg.RateLimitRPS),
	)
	return middlewares(router)
}

func readyHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failed := make(map[string]string)
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check.Ping(ctx); err != nil {
				failed[name] = err.Error()
			}
		}

		if len(failed) > 0 {
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "not ready",
				"failed": failed,
			})
			return
		}

		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
