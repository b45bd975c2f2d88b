package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Status is the lifecycle state of the podman machine.
type Status string

const (
	StatusNotInstalled Status = "not_installed"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
)

// commandRunner abstracts the podman control binary for testing.
type commandRunner interface {
	Run(ctx context.Context, onLine func(line string), args ...string) error
	Output(ctx context.Context, args ...string) ([]byte, error)
}

// Manager guarantees the named podman machine is installed and running.
// Container controllers must not be used until the machine reaches
// StatusRunning.
type Manager struct {
	runner commandRunner
	name   string
	logger *zap.Logger

	// ensureMu serializes EnsureRunning so overlapping calls don't race
	// the install/start commands.
	ensureMu sync.Mutex

	statusMu sync.RWMutex
	status   Status
}

// NewManager creates a machine manager for the named machine.
func NewManager(runner commandRunner, name string, logger *zap.Logger) *Manager {
	return &Manager{
		runner: runner,
		name:   name,
		logger: logger.With(zap.String("component", "machine"), zap.String("machine", name)),
		status: StatusNotInstalled,
	}
}

// Status returns the current machine status.
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.statusMu.Lock()
	m.status = s
	m.statusMu.Unlock()
}

// machineListEntry is the subset of `machine ls --format json` we consume.
type machineListEntry struct {
	Name     string `json:"Name"`
	Running  bool   `json:"Running"`
	Starting bool   `json:"Starting"`
}

// EnsureRunning makes sure the machine exists and is running, installing and
// starting it as needed. Provisioning output is reported through onProgress
// as a side channel; the returned error is the sole success/failure signal.
// A failure is fatal for this call only; callers decide whether to retry.
func (m *Manager) EnsureRunning(ctx context.Context, onProgress func(ProgressReading)) error {
	m.ensureMu.Lock()
	defer m.ensureMu.Unlock()

	report := func(r ProgressReading) {
		if onProgress != nil {
			onProgress(r)
		}
	}
	feed := func(line string) {
		report(ParseProgress(line))
	}

	entry, err := m.lookup(ctx)
	if err != nil {
		return err
	}

	switch {
	case entry == nil:
		m.logger.Info("machine not installed, initializing")
		m.setStatus(StatusInitializing)
		if err := m.runner.Run(ctx, feed, "machine", "init", "--now", m.name); err != nil {
			m.setStatus(StatusNotInstalled)
			return fmt.Errorf("machine init failed: %w", err)
		}
	case !entry.Running:
		m.logger.Info("machine installed but not running, starting")
		m.setStatus(StatusInitializing)
		if err := m.runner.Run(ctx, feed, "machine", "start", m.name); err != nil {
			m.setStatus(StatusStopped)
			return fmt.Errorf("machine start failed: %w", err)
		}
	default:
		m.logger.Debug("machine already running")
	}

	m.setStatus(StatusRunning)
	report(ProgressReading{Percentage: 100, Message: "Machine running"})
	return nil
}

// Stop stops the machine. Best effort: failures are logged and the status is
// updated optimistically.
func (m *Manager) Stop(ctx context.Context) {
	if err := m.runner.Run(ctx, nil, "machine", "stop", m.name); err != nil {
		m.logger.Warn("machine stop failed", zap.Error(err))
	}
	m.setStatus(StatusStopped)
}

// SocketPath resolves the machine's podman API socket path via inspect.
func (m *Manager) SocketPath(ctx context.Context) (string, error) {
	out, err := m.runner.Output(ctx, "machine", "inspect", m.name,
		"--format", "{{.ConnectionInfo.PodmanSocket.Path}}")
	if err != nil {
		return "", fmt.Errorf("machine inspect failed: %w", err)
	}
	path := strings.TrimSpace(string(out))
	if path == "" {
		return "", fmt.Errorf("machine %s has no API socket", m.name)
	}
	return path, nil
}

// lookup returns the list entry for the managed machine, or nil if absent.
func (m *Manager) lookup(ctx context.Context) (*machineListEntry, error) {
	out, err := m.runner.Output(ctx, "machine", "ls", "--format", "json")
	if err != nil {
		return nil, fmt.Errorf("machine ls failed: %w", err)
	}

	var entries []machineListEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse machine list: %w", err)
	}

	for i := range entries {
		// The default machine is marked with a trailing asterisk.
		if strings.TrimSuffix(entries[i].Name, "*") == m.name {
			return &entries[i], nil
		}
	}
	return nil, nil
}
