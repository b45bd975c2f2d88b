// Package podman implements container.ControlPlane against the libpod REST
// API served on the podman machine's unix socket.
package podman

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/go-connections/sockets"
	"go.uber.org/zap"

	"github.com/archestra-ai/sandboxd/internal/container"
)

const (
	// apiVersion pins the libpod API version prefix.
	apiVersion = "v5.0.0"

	// apiHost is a placeholder host; the transport dials the unix socket.
	apiHost = "http://d"
)

// Client talks to the libpod REST API over a unix socket.
type Client struct {
	http       *http.Client
	socketPath string
	logger     *zap.Logger
}

// NewClient creates a control-plane client for the given socket path.
func NewClient(socketPath string, logger *zap.Logger) (*Client, error) {
	transport := &http.Transport{}
	if err := sockets.ConfigureTransport(transport, "unix", socketPath); err != nil {
		return nil, fmt.Errorf("failed to configure unix transport: %w", err)
	}

	return &Client{
		http:       &http.Client{Transport: transport},
		socketPath: socketPath,
		logger:     logger.With(zap.String("component", "podman")),
	}, nil
}

// Ping verifies the API socket is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiHost+"/"+apiVersion+"/libpod/_ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach podman API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("podman API ping returned status %d", resp.StatusCode)
	}
	return nil
}

// createRequest is the subset of the libpod SpecGenerator we use.
type createRequest struct {
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
	Stdin   bool              `json:"stdin"`
	Remove  bool              `json:"remove"`
}

type createResponse struct {
	ID string `json:"Id"`
}

// ContainerCreate creates a container with stdin kept open and auto-removal
// disabled, and returns the created id.
func (c *Client) ContainerCreate(ctx context.Context, name string, spec container.CreateSpec) (string, error) {
	body := createRequest{
		Name:    name,
		Image:   spec.Image,
		Command: spec.Command,
		Env:     spec.Env,
		Labels:  spec.Labels,
		Stdin:   true,
		Remove:  false,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal create request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/containers/create", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", c.statusError("create", name, resp)
	}

	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to decode create response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("create for container %q returned no id", name)
	}
	return created.ID, nil
}

// ContainerStart starts the container. Status 304 maps to ErrNotModified
// (already running) and 404 to ErrNotFound.
func (c *Client) ContainerStart(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodPost, "/containers/"+url.PathEscape(name)+"/start", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.lifecycleStatus("start", name, resp)
}

// ContainerStop stops the container. Status 304 maps to ErrNotModified
// (already stopped) and 404 to ErrNotFound.
func (c *Client) ContainerStop(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodPost, "/containers/"+url.PathEscape(name)+"/stop", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.lifecycleStatus("stop", name, resp)
}

// ContainerWait blocks until the container satisfies the condition.
func (c *Client) ContainerWait(ctx context.Context, name, condition string, interval time.Duration) error {
	query := url.Values{}
	query.Set("condition", condition)
	query.Set("interval", interval.String())

	path := "/containers/" + url.PathEscape(name) + "/wait?" + query.Encode()
	resp, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.statusError("wait", name, resp)
	}
	// Drain the exit-code body the API writes on success.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ContainerLogs follows the container's log stream. The returned reader
// carries the same multiplexed frame format as the attach socket.
func (c *Client) ContainerLogs(ctx context.Context, name string) (io.ReadCloser, error) {
	query := url.Values{}
	query.Set("follow", "true")
	query.Set("stdout", "true")
	query.Set("stderr", "true")
	query.Set("timestamps", "true")
	query.Set("tail", "all")

	path := "/containers/" + url.PathEscape(name) + "/logs?" + query.Encode()
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError("logs", name, resp)
	}
	return resp.Body, nil
}

// ContainerAttach opens the persistent duplex attach connection by upgrading
// an HTTP request on a dedicated socket connection. The returned net.Conn
// carries raw multiplexed stdio frames in both directions.
func (c *Client) ContainerAttach(ctx context.Context, name string) (net.Conn, error) {
	query := url.Values{}
	query.Set("stream", "true")
	query.Set("stdin", "true")
	query.Set("stdout", "true")
	query.Set("stderr", "true")

	path := fmt.Sprintf("/%s/libpod/containers/%s/attach?%s", apiVersion, url.PathEscape(name), query.Encode())

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.socketPath, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiHost+path, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "tcp")

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to write attach request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read attach response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusSwitchingProtocols, http.StatusOK:
		// Attached; the connection is now a raw byte stream.
	case http.StatusNotFound:
		conn.Close()
		return nil, fmt.Errorf("attach to container %q: %w", name, errdefs.ErrNotFound)
	default:
		conn.Close()
		return nil, fmt.Errorf("attach to container %q returned status %d", name, resp.StatusCode)
	}

	c.logger.Debug("attached", zap.String("container", name))
	return &hijackedConn{Conn: conn, reader: br}, nil
}

// do issues a request against the libpod API base path.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, apiHost+"/"+apiVersion+"/libpod"+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("control plane request failed: %w", err)
	}
	return resp, nil
}

// lifecycleStatus maps start/stop status classes onto errdefs identities.
func (c *Client) lifecycleStatus(op, name string, resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusNotModified:
		return fmt.Errorf("%s container %q: %w", op, name, errdefs.ErrNotModified)
	case http.StatusNotFound:
		return fmt.Errorf("%s container %q: %w", op, name, errdefs.ErrNotFound)
	default:
		return c.statusError(op, name, resp)
	}
}

// apiError is the libpod error body.
type apiError struct {
	Message string `json:"message"`
}

func (c *Client) statusError(op, name string, resp *http.Response) error {
	var detail apiError
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &detail); err != nil || detail.Message == "" {
		detail.Message = string(bytes.TrimSpace(data))
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s container %q: %w", op, name, errdefs.ErrNotFound)
	}
	return fmt.Errorf("%s container %q returned status %d: %s", op, name, resp.StatusCode, detail.Message)
}

// hijackedConn wraps the upgraded connection so bytes the response parser
// buffered past the HTTP headers are not lost.
type hijackedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (h *hijackedConn) Read(p []byte) (int, error) {
	return h.reader.Read(p)
}
