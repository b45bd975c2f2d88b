// Package handler contains the HTTP handlers for the control API.
package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/archestra-ai/sandboxd/internal/events"
	"github.com/archestra-ai/sandboxd/internal/service"
)

// Handler contains all HTTP handlers
type Handler struct {
	serverService *service.MCPServerService
	eventBroker   *events.Broker
	logger        *zap.Logger
}

// New creates a new Handler.
func New(serverService *service.MCPServerService, eventBroker *events.Broker, logger *zap.Logger) *Handler {
	return &Handler{
		serverService: serverService,
		eventBroker:   eventBroker,
		logger:        logger.With(zap.String("component", "handler")),
	}
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON helper to decode request body
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
