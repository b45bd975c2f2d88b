// Package container defines the control-plane abstraction used to manage MCP
// server containers. The podman subpackage implements it against the libpod
// REST API; the mock subpackage provides an in-memory fake for tests.
package container

import (
	"context"
	"io"
	"net"
	"time"
)

// CreateSpec configures container creation. Stdin is always kept open and
// auto-removal is always disabled, because the attach socket needs the
// container's stdio to outlive individual requests.
type CreateSpec struct {
	Image   string            // Container image
	Command []string          // Entrypoint command and arguments
	Env     map[string]string // Environment variables
	Labels  map[string]string // Labels for identification
}

// ControlPlane is the REST control plane for one container runtime.
//
// Start and Stop report the control plane's status classes through error
// identity: a nil error means the operation took effect, errdefs.IsNotModified
// means the container was already in the requested state, and
// errdefs.IsNotFound means it does not exist. Callers branch on these classes.
type ControlPlane interface {
	// ContainerCreate creates a container and returns its id.
	ContainerCreate(ctx context.Context, name string, spec CreateSpec) (string, error)

	// ContainerStart starts a created container.
	ContainerStart(ctx context.Context, name string) error

	// ContainerStop stops a running container.
	ContainerStop(ctx context.Context, name string) error

	// ContainerWait blocks until the container satisfies the condition
	// (e.g. "healthy"), polling at the given interval.
	ContainerWait(ctx context.Context, name, condition string, interval time.Duration) error

	// ContainerLogs follows the container's multiplexed log stream.
	ContainerLogs(ctx context.Context, name string) (io.ReadCloser, error)

	// ContainerAttach upgrades an HTTP request to the container's attach
	// endpoint into a persistent duplex connection carrying the
	// length-prefixed stdio frame stream.
	ContainerAttach(ctx context.Context, name string) (net.Conn, error)
}
