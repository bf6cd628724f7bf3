// Package httpapi is the thin adapter over the registry that spec.md §6
// names: the administrative HTTP surface and the WebSocket gateway that
// hands connections off to a session.Controller.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaykit/broker/internals/config"
	"github.com/relaykit/broker/internals/log"
	"github.com/relaykit/broker/internals/metrics"
	"github.com/relaykit/broker/internals/registry"
)

const serviceName = "relaykit-broker"

// AdminHandler serves the administrative surface described in spec.md §6.
type AdminHandler struct {
	reg *registry.Registry
	cfg *config.Config
}

// NewAdminHandler binds an admin handler to the shared registry.
func NewAdminHandler(reg *registry.Registry, cfg *config.Config) *AdminHandler {
	return &AdminHandler{reg: reg, cfg: cfg}
}

// RegisterRoutes mounts the admin surface, plus the Prometheus scrape
// endpoint when metrics_enabled is set, onto r.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/", h.ServiceInfo)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Route("/topics", func(r chi.Router) {
		r.Get("/", h.ListTopics)
		r.Post("/", h.CreateTopic)
		r.Delete("/{name}", h.DeleteTopic)
	})
	if h.cfg.MetricsEnabled {
		r.Get("/metrics", metrics.Handler().ServeHTTP)
	}
	r.NotFound(h.notFound)
}

// ServiceInfo handles GET / (spec.md §6, SPEC_FULL.md supplemented feature).
func (h *AdminHandler) ServiceInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"topics":  h.reg.TopicCount(),
	})
}

// Health handles GET /health.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.GetHealth())
}

// Stats handles GET /stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"topics": h.reg.GetStats()})
}

// ListTopics handles GET /topics.
func (h *AdminHandler) ListTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"topics": h.reg.ListTopics()})
}

type createTopicRequest struct {
	Name string `json:"name"`
}

// CreateTopic handles POST /topics.
func (h *AdminHandler) CreateTopic(w http.ResponseWriter, r *http.Request) {
	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}

	err := h.reg.CreateTopic(req.Name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "topic": req.Name})
	case errors.Is(err, registry.ErrInvalidTopicName):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Topic name is required"})
	case errors.Is(err, registry.ErrTopicAlreadyExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Topic already exists", "topic": req.Name})
	default:
		h.internalError(w, err)
	}
}

// DeleteTopic handles DELETE /topics/{name}.
func (h *AdminHandler) DeleteTopic(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	err := h.reg.DeleteTopic(name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "topic": name})
	case errors.Is(err, registry.ErrTopicNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Topic not found", "topic": name})
	default:
		h.internalError(w, err)
	}
}

func (h *AdminHandler) notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Endpoint not found"})
}

// internalError reports a 500, exposing the underlying error detail only
// when dev_errors is set (spec.md §7).
func (h *AdminHandler) internalError(w http.ResponseWriter, err error) {
	log.WithComponent("httpapi").Error().Err(err).Msg("unmapped internal failure")
	body := map[string]string{"error": "Internal server error"}
	if h.cfg.DevErrors {
		body["detail"] = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
