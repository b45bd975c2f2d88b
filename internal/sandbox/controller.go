// Package sandbox drives the lifecycle of MCP server containers and the
// attach-socket protocol used to talk to them.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/archestra-ai/sandboxd/internal/container"
	"github.com/archestra-ai/sandboxd/internal/mcp"
)

const (
	containerNamePrefix = "archestra-"
	containerNameSuffix = "-mcp"
)

// ContainerName derives the control-plane container name from a human
// display name. The result satisfies subdomain-name constraints.
func ContainerName(displayName string) string {
	slug := strings.ToLower(strings.TrimSpace(displayName))
	slug = strings.ReplaceAll(slug, " ", "-")
	return containerNamePrefix + slug + containerNameSuffix
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	DefaultImage   string
	HealthInterval time.Duration
	RequestTimeout time.Duration
	// OnStatusChange, when set, receives every status transition.
	OnStatusChange func(StatusSummary)
}

// Controller owns one container's lifecycle: create, start, health-check,
// log streaming, stop, and the attach-socket bridge for JSON-RPC traffic.
// All externally visible status lives in the tracker and is exposed as
// value snapshots via Summary.
type Controller struct {
	cp     container.ControlPlane
	name   string
	config mcp.ServerConfig
	opts   ControllerOptions
	logger *zap.Logger

	tracker *statusTracker
	bridge  *Bridge

	logMu     sync.Mutex
	logStream io.ReadCloser
}

// NewController creates a controller for one MCP server. The config must
// already have its user_config placeholders resolved.
func NewController(cp container.ControlPlane, displayName string, config mcp.ServerConfig, opts ControllerOptions, logger *zap.Logger) *Controller {
	name := ContainerName(displayName)
	log := logger.With(zap.String("component", "sandbox"), zap.String("container", name))
	return &Controller{
		cp:      cp,
		name:    name,
		config:  config,
		opts:    opts,
		logger:  log,
		tracker: newStatusTracker(opts.OnStatusChange),
		bridge:  NewBridge(cp, name, opts.RequestTimeout, opts.HealthInterval, logger),
	}
}

// Name returns the control-plane container name.
func (c *Controller) Name() string { return c.name }

// Summary returns the current lifecycle snapshot.
func (c *Controller) Summary() StatusSummary { return c.tracker.Summary() }

// StartOrCreate brings the container to the running state, creating it
// first if the control plane has never seen it. An already-running
// container is a no-op beyond refreshing the status. A container that was
// started here but has not passed its health check yet is left in the
// initializing state with a message; a freshly created container that
// never becomes healthy is an error.
func (c *Controller) StartOrCreate(ctx context.Context) error {
	err := c.cp.ContainerStart(ctx, c.name)
	switch {
	case err == nil:
		c.tracker.set(StateInitializing, 50, "Starting server...")
		if !c.waitForHealthy(ctx) {
			// The container may still come up; callers can retry or
			// poll the summary.
			return nil
		}
		c.startLogStreaming()
		c.tracker.set(StateRunning, 100, "")
		return nil

	case errdefs.IsNotModified(err):
		c.tracker.set(StateRunning, 100, "")
		c.startLogStreaming()
		return nil

	case errdefs.IsNotFound(err):
		return c.createAndStart(ctx)

	default:
		c.tracker.fail(0, err.Error())
		return err
	}
}

func (c *Controller) createAndStart(ctx context.Context) error {
	image := c.config.Image
	if image == "" {
		image = c.opts.DefaultImage
	}
	spec := container.CreateSpec{
		Image:   image,
		Command: c.commandLine(),
		Env:     c.config.Env,
		Labels:  map[string]string{"managed-by": "sandboxd"},
	}

	id, err := c.cp.ContainerCreate(ctx, c.name, spec)
	if err != nil {
		c.tracker.fail(0, fmt.Sprintf("create container: %v", err))
		return fmt.Errorf("create container %q: %w", c.name, err)
	}
	c.logger.Info("container created", zap.String("id", id))
	c.tracker.set(StateCreated, 30, "Container created")

	c.tracker.set(StateInitializing, 50, "Starting server...")
	if err := c.cp.ContainerStart(ctx, c.name); err != nil {
		c.tracker.fail(0, fmt.Sprintf("start container: %v", err))
		return fmt.Errorf("start container %q: %w", c.name, err)
	}
	c.tracker.set(StateInitializing, 60, "Waiting for server to become healthy...")

	if !c.waitForHealthy(ctx) {
		msg := fmt.Sprintf("container %q never became healthy after creation", c.name)
		c.tracker.fail(0, msg)
		return fmt.Errorf("%s", msg)
	}
	c.tracker.set(StateInitializing, 80, "Server is healthy")

	c.startLogStreaming()
	c.tracker.set(StateInitializing, 90, "Streaming logs")

	c.tracker.set(StateRunning, 100, "")
	return nil
}

// waitForHealthy blocks until the control plane reports the container
// healthy. Failure is recorded as a status message and returned as false;
// the caller decides whether that is fatal.
func (c *Controller) waitForHealthy(ctx context.Context) bool {
	if err := c.cp.ContainerWait(ctx, c.name, "healthy", c.opts.HealthInterval); err != nil {
		c.logger.Warn("health check failed", zap.Error(err))
		c.tracker.note(fmt.Sprintf("health check failed: %v", err))
		return false
	}
	return true
}

// StopContainer stops the container. The bridge connection is destroyed
// first so in-flight JSON-RPC requests fail fast rather than waiting out
// their timeouts. The startup percentage is reset to zero on every exit
// path.
func (c *Controller) StopContainer(ctx context.Context) error {
	c.tracker.set(StateStopping, c.tracker.Summary().StartupPercentage, "Stopping server...")
	c.bridge.Close()
	c.stopLogStreaming()

	err := c.cp.ContainerStop(ctx, c.name)
	switch {
	case err == nil, errdefs.IsNotModified(err):
		c.tracker.set(StateStopped, 0, "")
		return nil
	case errdefs.IsNotFound(err):
		c.tracker.set(StateNotCreated, 0, "")
		return nil
	default:
		c.tracker.fail(0, fmt.Sprintf("stop container: %v", err))
		return fmt.Errorf("stop container %q: %w", c.name, err)
	}
}

// Restart stops the container, then brings it back up.
func (c *Controller) Restart(ctx context.Context) error {
	c.tracker.set(StateRestarting, 0, "Restarting server...")
	if err := c.StopContainer(ctx); err != nil {
		return err
	}
	c.tracker.set(StateRestarting, 0, "Restarting server...")
	return c.StartOrCreate(ctx)
}

// Send forwards one JSON-RPC message over the attach socket and returns
// the correlated response.
func (c *Controller) Send(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	return c.bridge.Send(ctx, body)
}

func (c *Controller) commandLine() []string {
	if c.config.Command == "" {
		return nil
	}
	return append([]string{c.config.Command}, c.config.Args...)
}

// startLogStreaming follows the container's multiplexed log stream and
// forwards each demuxed line into the process log. Restarting streaming
// replaces any previous stream.
func (c *Controller) startLogStreaming() {
	stream, err := c.cp.ContainerLogs(context.Background(), c.name)
	if err != nil {
		c.logger.Warn("log streaming unavailable", zap.Error(err))
		return
	}

	c.logMu.Lock()
	if c.logStream != nil {
		c.logStream.Close()
	}
	c.logStream = stream
	c.logMu.Unlock()

	go func() {
		stdout := &zapio.Writer{Log: c.logger.With(zap.String("stream", "stdout")), Level: zap.InfoLevel}
		stderr := &zapio.Writer{Log: c.logger.With(zap.String("stream", "stderr")), Level: zap.WarnLevel}
		defer stdout.Close()
		defer stderr.Close()

		_, err := stdcopy.StdCopy(stdout, stderr, stream)
		stream.Close()
		if err != nil && err != io.EOF {
			c.logger.Debug("log stream ended", zap.Error(err))
		}
		// A followed stream only ends when the container does. If the
		// controller still believes it is running, it has exited.
		if c.tracker.Summary().State == StateRunning {
			c.tracker.set(StateExited, 0, "Container exited")
		}
	}()
}

func (c *Controller) stopLogStreaming() {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if c.logStream != nil {
		c.logStream.Close()
		c.logStream = nil
	}
}
