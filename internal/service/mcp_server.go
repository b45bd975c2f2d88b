// Package service implements the application's business logic.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/archestra-ai/sandboxd/internal/container"
	"github.com/archestra-ai/sandboxd/internal/events"
	"github.com/archestra-ai/sandboxd/internal/machine"
	"github.com/archestra-ai/sandboxd/internal/mcp"
	"github.com/archestra-ai/sandboxd/internal/model"
	"github.com/archestra-ai/sandboxd/internal/sandbox"
)

// serverStore is the subset of store operations the service needs.
type serverStore interface {
	CreateMCPServer(ctx context.Context, server *model.MCPServer) error
	GetMCPServerByID(ctx context.Context, id string) (*model.MCPServer, error)
	GetMCPServerByName(ctx context.Context, name string) (*model.MCPServer, error)
	ListMCPServers(ctx context.Context) ([]*model.MCPServer, error)
	UpdateMCPServer(ctx context.Context, server *model.MCPServer) error
	DeleteMCPServer(ctx context.Context, id string) error
	CreateRequestLog(ctx context.Context, entry *model.MCPRequestLog) error
	ListRequestLogs(ctx context.Context, serverID string, limit int) ([]*model.MCPRequestLog, error)
	DeleteRequestLogs(ctx context.Context, serverID string) error
}

// machineManager is the VM lifecycle dependency.
type machineManager interface {
	EnsureRunning(ctx context.Context, onProgress func(machine.ProgressReading)) error
	Status() machine.Status
	Stop(ctx context.Context)
}

// MCPServerServiceOptions configures the service.
type MCPServerServiceOptions struct {
	DefaultImage   string
	HealthInterval time.Duration
	RequestTimeout time.Duration
}

// MCPServerService manages installed MCP servers: persistence, the VM the
// containers run on, per-server lifecycle controllers, and JSON-RPC
// forwarding with request logging.
type MCPServerService struct {
	store   serverStore
	machine machineManager
	cp      container.ControlPlane
	broker  *events.Broker
	opts    MCPServerServiceOptions
	logger  *zap.Logger

	mu          sync.Mutex
	controllers map[string]*sandbox.Controller
}

// NewMCPServerService creates the service.
func NewMCPServerService(store serverStore, mgr machineManager, cp container.ControlPlane, broker *events.Broker, opts MCPServerServiceOptions, logger *zap.Logger) *MCPServerService {
	return &MCPServerService{
		store:       store,
		machine:     mgr,
		cp:          cp,
		broker:      broker,
		opts:        opts,
		logger:      logger.With(zap.String("component", "mcp_server_service")),
		controllers: make(map[string]*sandbox.Controller),
	}
}

// SetControlPlane wires the container runtime once the VM socket is
// available. The service can be constructed and serve status requests
// before this is called; container operations fail until it is.
func (s *MCPServerService) SetControlPlane(cp container.ControlPlane) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp = cp
}

// ensureMachine blocks until the VM is running, republishing provisioning
// progress to event subscribers.
func (s *MCPServerService) ensureMachine(ctx context.Context) error {
	return s.machine.EnsureRunning(ctx, func(r machine.ProgressReading) {
		s.broker.Publish(events.EventTypeMachineProgress, events.MachineProgressData{
			Percentage: r.Percentage,
			Message:    r.Message,
		})
	})
}

// MachineStatus reports the VM's lifecycle status.
func (s *MCPServerService) MachineStatus() machine.Status {
	return s.machine.Status()
}

// Install persists a new MCP server definition and brings its container up.
func (s *MCPServerService) Install(ctx context.Context, name string, cfg mcp.ServerConfig, userValues map[string]any) (*model.MCPServer, error) {
	if name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	server := &model.MCPServer{Name: name}
	if err := server.SetConfig(cfg); err != nil {
		return nil, fmt.Errorf("encode server config: %w", err)
	}
	if err := server.SetUserConfig(userValues); err != nil {
		return nil, fmt.Errorf("encode user config: %w", err)
	}
	if err := s.store.CreateMCPServer(ctx, server); err != nil {
		return nil, fmt.Errorf("persist server: %w", err)
	}
	s.logger.Info("installed MCP server", zap.String("name", name), zap.String("id", server.ID))

	if err := s.Start(ctx, server.ID); err != nil {
		// The record stays installed; the status summary carries the
		// failure and the user can retry.
		s.logger.Warn("initial start failed", zap.String("name", name), zap.Error(err))
	}
	return server, nil
}

// Start brings one server's container to the running state.
func (s *MCPServerService) Start(ctx context.Context, serverID string) error {
	server, err := s.store.GetMCPServerByID(ctx, serverID)
	if err != nil {
		return err
	}
	if err := s.ensureMachine(ctx); err != nil {
		return fmt.Errorf("machine not available: %w", err)
	}
	ctrl, err := s.controller(server)
	if err != nil {
		return err
	}
	return ctrl.StartOrCreate(ctx)
}

// Stop stops one server's container.
func (s *MCPServerService) Stop(ctx context.Context, serverID string) error {
	server, err := s.store.GetMCPServerByID(ctx, serverID)
	if err != nil {
		return err
	}
	ctrl, err := s.controller(server)
	if err != nil {
		return err
	}
	return ctrl.StopContainer(ctx)
}

// Restart stops and restarts one server's container.
func (s *MCPServerService) Restart(ctx context.Context, serverID string) error {
	server, err := s.store.GetMCPServerByID(ctx, serverID)
	if err != nil {
		return err
	}
	if err := s.ensureMachine(ctx); err != nil {
		return fmt.Errorf("machine not available: %w", err)
	}
	ctrl, err := s.controller(server)
	if err != nil {
		return err
	}
	return ctrl.Restart(ctx)
}

// Uninstall stops the server's container, deletes its request logs, and
// removes the record.
func (s *MCPServerService) Uninstall(ctx context.Context, serverID string) error {
	server, err := s.store.GetMCPServerByID(ctx, serverID)
	if err != nil {
		return err
	}
	if ctrl, err := s.controller(server); err == nil {
		if stopErr := ctrl.StopContainer(ctx); stopErr != nil {
			s.logger.Warn("stop during uninstall failed", zap.String("name", server.Name), zap.Error(stopErr))
		}
	}
	s.mu.Lock()
	delete(s.controllers, server.ID)
	s.mu.Unlock()

	if err := s.store.DeleteRequestLogs(ctx, server.ID); err != nil {
		return fmt.Errorf("delete request logs: %w", err)
	}
	if err := s.store.DeleteMCPServer(ctx, server.ID); err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	s.logger.Info("uninstalled MCP server", zap.String("name", server.Name))
	return nil
}

// ServerStatus is one server record with its lifecycle snapshot.
type ServerStatus struct {
	Server  *model.MCPServer      `json:"server"`
	Summary sandbox.StatusSummary `json:"status"`
}

// List returns every installed server with its current status.
func (s *MCPServerService) List(ctx context.Context) ([]ServerStatus, error) {
	servers, err := s.store.ListMCPServers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ServerStatus, 0, len(servers))
	for _, server := range servers {
		status := ServerStatus{Server: server, Summary: sandbox.StatusSummary{State: sandbox.StateNotCreated}}
		s.mu.Lock()
		ctrl := s.controllers[server.ID]
		s.mu.Unlock()
		if ctrl != nil {
			status.Summary = ctrl.Summary()
		}
		out = append(out, status)
	}
	return out, nil
}

// Get returns one server with its current status.
func (s *MCPServerService) Get(ctx context.Context, serverID string) (*ServerStatus, error) {
	server, err := s.store.GetMCPServerByID(ctx, serverID)
	if err != nil {
		return nil, err
	}
	status := &ServerStatus{Server: server, Summary: sandbox.StatusSummary{State: sandbox.StateNotCreated}}
	s.mu.Lock()
	ctrl := s.controllers[server.ID]
	s.mu.Unlock()
	if ctrl != nil {
		status.Summary = ctrl.Summary()
	}
	return status, nil
}

// Forward sends one JSON-RPC message to a server's container and records
// the exchange.
func (s *MCPServerService) Forward(ctx context.Context, serverID string, body json.RawMessage) (json.RawMessage, error) {
	server, err := s.store.GetMCPServerByID(ctx, serverID)
	if err != nil {
		return nil, err
	}
	ctrl, err := s.controller(server)
	if err != nil {
		return nil, err
	}

	var req mcp.Message
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC request: %w", err)
	}

	started := time.Now()
	resp, err := ctrl.Send(ctx, body)
	if err != nil {
		return nil, err
	}
	s.logExchange(server, req.Method, body, resp, time.Since(started))
	return resp, nil
}

func (s *MCPServerService) logExchange(server *model.MCPServer, method string, req, resp json.RawMessage, elapsed time.Duration) {
	entry := &model.MCPRequestLog{
		ServerID:   server.ID,
		ServerName: server.Name,
		Method:     method,
		Request:    string(req),
		Response:   string(resp),
		DurationMs: elapsed.Milliseconds(),
	}
	var parsed mcp.Message
	if json.Unmarshal(resp, &parsed) == nil && parsed.Error != nil {
		code := parsed.Error.Code
		entry.ErrorCode = &code
	}
	// Logging must not fail the forwarded request.
	if err := s.store.CreateRequestLog(context.Background(), entry); err != nil {
		s.logger.Warn("failed to record request log", zap.Error(err))
	}
}

// RequestLogs returns recent request logs, optionally scoped to one server.
func (s *MCPServerService) RequestLogs(ctx context.Context, serverID string, limit int) ([]*model.MCPRequestLog, error) {
	return s.store.ListRequestLogs(ctx, serverID, limit)
}

// StartAll brings every installed server up. Called once at boot; failures
// are logged per server and do not stop the rest.
func (s *MCPServerService) StartAll(ctx context.Context) {
	servers, err := s.store.ListMCPServers(ctx)
	if err != nil {
		s.logger.Error("failed to list servers for startup", zap.Error(err))
		return
	}
	if len(servers) == 0 {
		return
	}
	if err := s.ensureMachine(ctx); err != nil {
		s.logger.Error("machine not available at startup", zap.Error(err))
		return
	}
	for _, server := range servers {
		ctrl, err := s.controller(server)
		if err != nil {
			s.logger.Error("skipping server at startup", zap.String("name", server.Name), zap.Error(err))
			continue
		}
		if err := ctrl.StartOrCreate(ctx); err != nil {
			s.logger.Error("failed to start server at startup", zap.String("name", server.Name), zap.Error(err))
		}
	}
}

// Shutdown stops every controller's container and then the VM.
func (s *MCPServerService) Shutdown(ctx context.Context) {
	s.mu.Lock()
	controllers := make([]*sandbox.Controller, 0, len(s.controllers))
	for _, ctrl := range s.controllers {
		controllers = append(controllers, ctrl)
	}
	s.mu.Unlock()

	for _, ctrl := range controllers {
		if err := ctrl.StopContainer(ctx); err != nil {
			s.logger.Warn("stop during shutdown failed", zap.String("container", ctrl.Name()), zap.Error(err))
		}
	}
	s.machine.Stop(ctx)
}

// controller returns the lifecycle controller for a server, creating it on
// first use with the server's placeholders resolved.
func (s *MCPServerService) controller(server *model.MCPServer) (*sandbox.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctrl, ok := s.controllers[server.ID]; ok {
		return ctrl, nil
	}
	if s.cp == nil {
		return nil, fmt.Errorf("container runtime is not ready yet")
	}

	cfg, err := server.Config()
	if err != nil {
		return nil, fmt.Errorf("decode server config: %w", err)
	}
	values, err := server.UserConfig()
	if err != nil {
		return nil, fmt.Errorf("decode user config: %w", err)
	}
	resolved := mcp.InjectUserConfig(cfg, values)

	serverID, serverName := server.ID, server.Name
	ctrl := sandbox.NewController(s.cp, server.Name, resolved, sandbox.ControllerOptions{
		DefaultImage:   s.opts.DefaultImage,
		HealthInterval: s.opts.HealthInterval,
		RequestTimeout: s.opts.RequestTimeout,
		OnStatusChange: func(summary sandbox.StatusSummary) {
			s.broker.Publish(events.EventTypeServerStatus, events.ServerStatusData{
				ServerID:          serverID,
				ServerName:        serverName,
				State:             string(summary.State),
				StartupPercentage: summary.StartupPercentage,
				Message:           summary.Message,
				Error:             summary.Error,
			})
		},
	}, s.logger)
	s.controllers[server.ID] = ctrl
	return ctrl, nil
}
