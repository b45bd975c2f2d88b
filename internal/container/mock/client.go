// Package mock provides an in-memory container.ControlPlane for tests.
package mock

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/containerd/errdefs"

	"github.com/archestra-ai/sandboxd/internal/container"
)

// Call records one control-plane invocation.
type Call struct {
	Op   string
	Name string
}

// ControlPlane is a scriptable fake. Zero value behaves like an empty
// control plane: starts fail with not-found until Create is called.
type ControlPlane struct {
	mu      sync.Mutex
	calls   []Call
	created map[string]string // name -> id
	running map[string]bool

	// Script knobs
	StartErr   error // overrides default start behavior when set
	StopErr    error // overrides default stop behavior when set
	CreateErr  error
	CreatedID  string // id returned by Create (default generated)
	WaitErr    error  // returned by ContainerWait
	AttachConn net.Conn
	AttachErr  error
	LogsReader io.ReadCloser
	LogsErr    error
}

// NewControlPlane creates an empty fake control plane.
func NewControlPlane() *ControlPlane {
	return &ControlPlane{
		created: make(map[string]string),
		running: make(map[string]bool),
	}
}

// Calls returns the recorded invocations in order.
func (m *ControlPlane) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// SetRunning marks a container as existing and running.
func (m *ControlPlane) SetRunning(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created[name] = "existing-" + name
	m.running[name] = true
}

// SetCreated marks a container as existing but stopped.
func (m *ControlPlane) SetCreated(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created[name] = "existing-" + name
	m.running[name] = false
}

func (m *ControlPlane) record(op, name string) {
	m.calls = append(m.calls, Call{Op: op, Name: name})
}

func (m *ControlPlane) ContainerCreate(_ context.Context, name string, _ container.CreateSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create", name)
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	id := m.CreatedID
	if id == "" {
		id = fmt.Sprintf("mock-%s", name)
	}
	m.created[name] = id
	return id, nil
}

func (m *ControlPlane) ContainerStart(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("start", name)
	if m.StartErr != nil {
		return m.StartErr
	}
	if _, ok := m.created[name]; !ok {
		return fmt.Errorf("start container %q: %w", name, errdefs.ErrNotFound)
	}
	if m.running[name] {
		return fmt.Errorf("start container %q: %w", name, errdefs.ErrNotModified)
	}
	m.running[name] = true
	return nil
}

func (m *ControlPlane) ContainerStop(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("stop", name)
	if m.StopErr != nil {
		return m.StopErr
	}
	if _, ok := m.created[name]; !ok {
		return fmt.Errorf("stop container %q: %w", name, errdefs.ErrNotFound)
	}
	if !m.running[name] {
		return fmt.Errorf("stop container %q: %w", name, errdefs.ErrNotModified)
	}
	m.running[name] = false
	return nil
}

func (m *ControlPlane) ContainerWait(_ context.Context, name, _ string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("wait", name)
	return m.WaitErr
}

func (m *ControlPlane) ContainerLogs(_ context.Context, name string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("logs", name)
	if m.LogsErr != nil {
		return nil, m.LogsErr
	}
	if m.LogsReader != nil {
		return m.LogsReader, nil
	}
	// A followed log stream with no output: blocks until closed.
	pr, _ := io.Pipe()
	return pr, nil
}

func (m *ControlPlane) ContainerAttach(_ context.Context, name string) (net.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("attach", name)
	if m.AttachErr != nil {
		return nil, m.AttachErr
	}
	if m.AttachConn != nil {
		return m.AttachConn, nil
	}
	// Default attach endpoint: accepts writes, never responds.
	client, server := net.Pipe()
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()
	return client, nil
}
