package cmd

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/scr"
)

// StatusHandler serves the runtime introspection endpoints and metrics.
type StatusHandler struct {
	runtime *scr.Runtime
	logger  scr.Logger
}

// NewStatusHandler builds the router:
//
//	GET  /components
//	GET  /components/{id}
//	POST /components/{id}/enable
//	POST /components/{id}/disable
//	GET  /cycles
//	GET  /metrics
func NewStatusHandler(rt *scr.Runtime, gatherer prometheus.Gatherer, logger scr.Logger) http.Handler {
	h := &StatusHandler{runtime: rt, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/components", func(r chi.Router) {
		r.Get("/", h.handleListComponents)
		r.Get("/{id}", h.handleGetComponent)
		r.Post("/{id}/enable", h.handleEnable)
		r.Post("/{id}/disable", h.handleDisable)
	})
	r.Get("/cycles", h.handleCycles)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func (h *StatusHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *StatusHandler) config(w http.ResponseWriter, r *http.Request) (*scr.Config, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid component id", http.StatusBadRequest)
		return nil, false
	}
	cfg, ok := h.runtime.Config(id)
	if !ok {
		http.Error(w, "Component not found", http.StatusNotFound)
		return nil, false
	}
	return cfg, true
}

func (h *StatusHandler) handleListComponents(w http.ResponseWriter, r *http.Request) {
	components := h.runtime.Components()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"components": components,
		"count":      len(components),
	})
}

func (h *StatusHandler) handleGetComponent(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.config(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, cfg.DTO())
}

func (h *StatusHandler) handleEnable(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.config(w, r)
	if !ok {
		return
	}
	h.logger.Info("Enabling component", "component", cfg.Name(), "id", cfg.ID())
	cfg.Enable()
	h.writeJSON(w, http.StatusOK, cfg.DTO())
}

func (h *StatusHandler) handleDisable(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.config(w, r)
	if !ok {
		return
	}
	h.logger.Info("Disabling component", "component", cfg.Name(), "id", cfg.ID())
	cfg.Disable()
	h.writeJSON(w, http.StatusOK, cfg.DTO())
}

func (h *StatusHandler) handleCycles(w http.ResponseWriter, r *http.Request) {
	cycles := h.runtime.Cycles()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"cycles": cycles,
		"count":  len(cycles),
	})
}
