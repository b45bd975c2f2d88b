package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/archestra-ai/sandboxd/internal/config"
	"github.com/archestra-ai/sandboxd/internal/container/podman"
	"github.com/archestra-ai/sandboxd/internal/database"
	"github.com/archestra-ai/sandboxd/internal/events"
	"github.com/archestra-ai/sandboxd/internal/handler"
	"github.com/archestra-ai/sandboxd/internal/logger"
	"github.com/archestra-ai/sandboxd/internal/machine"
	"github.com/archestra-ai/sandboxd/internal/service"
	"github.com/archestra-ai/sandboxd/internal/store"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zlog, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("daemon exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	zlog.Info("running database migrations")
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	s := store.New(db.DB)
	broker := events.NewBroker(zlog)

	// VM lifecycle
	runner := machine.NewRunner(cfg.PodmanBinary, cfg.HelperBinaryDir, zlog)
	manager := machine.NewManager(runner, cfg.MachineName, zlog)

	// The control plane is wired in once the machine socket exists, so the
	// API can accept websocket subscribers before provisioning starts and
	// they see the machine_progress stream from the first reading.
	svc := service.NewMCPServerService(s, manager, nil, broker, service.MCPServerServiceOptions{
		DefaultImage:   cfg.ContainerImage,
		HealthInterval: cfg.HealthPollInterval,
		RequestTimeout: cfg.RequestTimeout,
	}, zlog)

	h := handler.New(svc, broker, zlog)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/api/status", h.GetSystemStatus)
	r.Get("/api/ws", h.Events)
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

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler: r,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	errCh := make(chan error, 1)
	go func() {
		zlog.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		if err := provision(cfg, zlog, manager, broker, svc); err != nil {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		zlog.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("http shutdown failed", zap.Error(err))
	}
	svc.Shutdown(shutdownCtx)
	return nil
}

// provision brings the podman machine up, wires the container runtime into
// the service, and restarts every installed server. Progress readings go to
// the log and to websocket subscribers.
func provision(cfg *config.Config, zlog *zap.Logger, manager *machine.Manager, broker *events.Broker, svc *service.MCPServerService) error {
	startCtx, cancel := context.WithTimeout(context.Background(), cfg.StartTimeout)
	defer cancel()

	zlog.Info("ensuring podman machine is running", zap.String("machine", cfg.MachineName))
	if err := manager.EnsureRunning(startCtx, func(r machine.ProgressReading) {
		zlog.Info("machine provisioning", zap.Int("percentage", r.Percentage), zap.String("message", r.Message))
		broker.Publish(events.EventTypeMachineProgress, events.MachineProgressData{
			Percentage: r.Percentage,
			Message:    r.Message,
		})
	}); err != nil {
		return fmt.Errorf("ensure machine running: %w", err)
	}

	socketPath := cfg.MachineSocket
	if socketPath == "" {
		var err error
		socketPath, err = manager.SocketPath(startCtx)
		if err != nil {
			return fmt.Errorf("resolve machine socket: %w", err)
		}
	}
	zlog.Info("using podman socket", zap.String("path", socketPath))

	cp, err := podman.NewClient(socketPath, zlog)
	if err != nil {
		return fmt.Errorf("create podman client: %w", err)
	}
	if err := cp.Ping(startCtx); err != nil {
		return fmt.Errorf("ping podman socket: %w", err)
	}
	svc.SetControlPlane(cp)

	svc.StartAll(startCtx)
	return nil
}
