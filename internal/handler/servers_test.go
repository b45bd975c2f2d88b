package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/archestra-ai/sandboxd/internal/container/mock"
	"github.com/archestra-ai/sandboxd/internal/database"
	"github.com/archestra-ai/sandboxd/internal/events"
	"github.com/archestra-ai/sandboxd/internal/machine"
	"github.com/archestra-ai/sandboxd/internal/service"
	"github.com/archestra-ai/sandboxd/internal/store"
)

type fakeMachine struct{}

func (fakeMachine) EnsureRunning(_ context.Context, onProgress func(machine.ProgressReading)) error {
	if onProgress != nil {
		onProgress(machine.ProgressReading{Percentage: 100, Message: "Machine started successfully"})
	}
	return nil
}

func (fakeMachine) Status() machine.Status { return machine.StatusRunning }

func (fakeMachine) Stop(_ context.Context) {}

func newTestRouter(t *testing.T) (*chi.Mux, *mock.ControlPlane) {
	t.Helper()
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cp := mock.NewControlPlane()
	broker := events.NewBroker(zap.NewNop())
	svc := service.NewMCPServerService(store.New(db.DB), fakeMachine{}, cp, broker, service.MCPServerServiceOptions{
		DefaultImage:   "ghcr.io/archestra-ai/mcp-base:latest",
		HealthInterval: time.Millisecond,
		RequestTimeout: time.Second,
	}, zap.NewNop())
	h := New(svc, broker, zap.NewNop())

	r := chi.NewRouter()
	r.Get("/api/status", h.GetSystemStatus)
	r.Route("/api/mcp_server", func(r chi.Router) {
		r.Get("/", h.ListServers)
		r.Post("/", h.InstallServer)
		r.Route("/{serverId}", func(r chi.Router) {
			r.Get("/", h.GetServer)
			r.Delete("/", h.UninstallServer)
			r.Post("/start", h.StartServer)
			r.Post("/stop", h.StopServer)
			r.Post("/restart", h.RestartServer)
			r.Post("/proxy", h.ProxyRequest)
			r.Get("/logs", h.ListRequestLogs)
		})
	})
	return r, cp
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestInstallListAndUninstall(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/mcp_server/", map[string]any{
		"name": "GitHub",
		"server_config": map[string]any{
			"command": "npx",
			"args":    []string{"-y", "@modelcontextprotocol/server-github"},
			"env":     map[string]string{"GITHUB_TOKEN": "${user_config.token}"},
		},
		"user_config_values": map[string]any{"token": "ghp_x"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("install status = %d, body %s", rec.Code, rec.Body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode install response: %v", err)
	}
	if created.ID == "" {
		t.Fatal("no id in install response")
	}

	rec = doJSON(t, r, http.MethodGet, "/api/mcp_server/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list []struct {
		Status struct {
			State             string `json:"state"`
			StartupPercentage int    `json:"startup_percentage"`
		} `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 server, got %d", len(list))
	}
	if list[0].Status.State != "running" || list[0].Status.StartupPercentage != 100 {
		t.Errorf("unexpected status %+v", list[0].Status)
	}

	rec = doJSON(t, r, http.MethodDelete, "/api/mcp_server/"+created.ID+"/", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("uninstall status = %d", rec.Code)
	}
	rec = doJSON(t, r, http.MethodGet, "/api/mcp_server/"+created.ID+"/", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after uninstall = %d", rec.Code)
	}
}

func TestStopAndRestart(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/mcp_server/", map[string]any{
		"name":          "Filesystem",
		"server_config": map[string]any{"command": "node"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("install status = %d", rec.Code)
	}
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doJSON(t, r, http.MethodPost, "/api/mcp_server/"+created.ID+"/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d, body %s", rec.Code, rec.Body)
	}
	var status struct {
		Status struct {
			State             string `json:"state"`
			StartupPercentage int    `json:"startup_percentage"`
		} `json:"status"`
	}
	json.Unmarshal(rec.Body.Bytes(), &status)
	if status.Status.State != "stopped" || status.Status.StartupPercentage != 0 {
		t.Errorf("after stop: %+v", status.Status)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/mcp_server/"+created.ID+"/restart", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("restart status = %d, body %s", rec.Code, rec.Body)
	}
	json.Unmarshal(rec.Body.Bytes(), &status)
	if status.Status.State != "running" {
		t.Errorf("after restart: %+v", status.Status)
	}
}

func TestProxyNotification(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/mcp_server/", map[string]any{
		"name":          "Echo",
		"server_config": map[string]any{"command": "node"},
	})
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doJSON(t, r, http.MethodPost, "/api/mcp_server/"+created.ID+"/proxy", map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("proxy status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/mcp_server/"+created.ID+"/logs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs status = %d", rec.Code)
	}
	var logs []struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Method != "notifications/initialized" {
		t.Errorf("unexpected logs %+v", logs)
	}
}

func TestProxyRejectsInvalidJSON(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/mcp_server/", map[string]any{
		"name":          "Bad",
		"server_config": map[string]any{"command": "node"},
	})
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &created)

	req := httptest.NewRequest(http.MethodPost, "/api/mcp_server/"+created.ID+"/proxy", bytes.NewReader([]byte("not json")))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("proxy status = %d, want 400", rec.Code)
	}
}

func TestSystemStatus(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status SystemStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.MachineStatus != "running" {
		t.Errorf("machine status = %q", status.MachineStatus)
	}
}
