package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/archestra-ai/sandboxd/internal/mcp"
	"github.com/archestra-ai/sandboxd/internal/store"
)

// InstallServerRequest is the payload for POST /api/mcp_server.
type InstallServerRequest struct {
	Name             string           `json:"name"`
	ServerConfig     mcp.ServerConfig `json:"server_config"`
	UserConfigValues map[string]any   `json:"user_config_values,omitempty"`
}

// InstallServer installs a new MCP server and starts its container.
func (h *Handler) InstallServer(w http.ResponseWriter, r *http.Request) {
	var req InstallServerRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		h.Error(w, http.StatusBadRequest, "name is required")
		return
	}

	server, err := h.serverService.Install(r.Context(), req.Name, req.ServerConfig, req.UserConfigValues)
	if err != nil {
		h.logger.Error("install failed", zap.String("name", req.Name), zap.Error(err))
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.JSON(w, http.StatusCreated, server)
}

// ListServers returns every installed server with its lifecycle status.
func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.serverService.List(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.JSON(w, http.StatusOK, servers)
}

// GetServer returns one server with its lifecycle status.
func (h *Handler) GetServer(w http.ResponseWriter, r *http.Request) {
	status, err := h.serverService.Get(r.Context(), chi.URLParam(r, "serverId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "server not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.JSON(w, http.StatusOK, status)
}

// StartServer brings a server's container to the running state.
func (h *Handler) StartServer(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.serverService.Start)
}

// StopServer stops a server's container.
func (h *Handler) StopServer(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.serverService.Stop)
}

// RestartServer stops and restarts a server's container.
func (h *Handler) RestartServer(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.serverService.Restart)
}

func (h *Handler) lifecycleAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, serverID string) error) {
	serverID := chi.URLParam(r, "serverId")
	if err := action(r.Context(), serverID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "server not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	status, err := h.serverService.Get(r.Context(), serverID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.JSON(w, http.StatusOK, status)
}

// UninstallServer stops a server's container and removes its record.
func (h *Handler) UninstallServer(w http.ResponseWriter, r *http.Request) {
	if err := h.serverService.Uninstall(r.Context(), chi.URLParam(r, "serverId")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "server not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.JSON(w, http.StatusNoContent, nil)
}

// ProxyRequest forwards a JSON-RPC message to a server's container and
// returns the correlated response.
func (h *Handler) ProxyRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if !json.Valid(body) {
		h.Error(w, http.StatusBadRequest, "request body must be JSON")
		return
	}

	resp, err := h.serverService.Forward(r.Context(), chi.URLParam(r, "serverId"), body)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "server not found")
			return
		}
		h.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// ListRequestLogs returns recent JSON-RPC exchanges for one server.
func (h *Handler) ListRequestLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := h.serverService.RequestLogs(r.Context(), chi.URLParam(r, "serverId"), limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.JSON(w, http.StatusOK, logs)
}
