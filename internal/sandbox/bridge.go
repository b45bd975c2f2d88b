package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/archestra-ai/sandboxd/internal/container"
	"github.com/archestra-ai/sandboxd/internal/mcp"
)

const (
	defaultRequestTimeout = 30 * time.Second
	connectRetryDelay     = 100 * time.Millisecond
)

// Bridge owns the single persistent attach-socket connection to one
// container and multiplexes JSON-RPC requests from concurrent callers over
// it. Responses arrive in any order and are matched back to callers purely
// by id.
type Bridge struct {
	cp             container.ControlPlane
	containerName  string
	requestTimeout time.Duration
	healthInterval time.Duration
	logger         *zap.Logger

	mu         sync.Mutex
	conn       net.Conn
	connecting bool
	pending    map[string]pendingRequest
}

// pendingRequest tracks one in-flight request: the channel its caller is
// blocked on and the original id form, echoed back on connection failure.
type pendingRequest struct {
	id json.RawMessage
	ch chan json.RawMessage
}

// NewBridge creates a bridge for the named container. No connection is
// opened until the first Send.
func NewBridge(cp container.ControlPlane, containerName string, requestTimeout, healthInterval time.Duration, logger *zap.Logger) *Bridge {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Bridge{
		cp:             cp,
		containerName:  containerName,
		requestTimeout: requestTimeout,
		healthInterval: healthInterval,
		logger:         logger.With(zap.String("component", "bridge"), zap.String("container", containerName)),
		pending:        make(map[string]pendingRequest),
	}
}

// Send writes one JSON-RPC message to the container and returns the
// correlated response. Notifications are written and acknowledged with an
// empty object immediately. Requests that see no response within the
// bridge's timeout get a -32603 error response carrying their id; the same
// code is used when the connection drops while the request is in flight.
func (b *Bridge) Send(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	var msg mcp.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC request: %w", err)
	}

	if msg.IsNotification() {
		conn, err := b.getOrCreateSocket(ctx)
		if err != nil {
			return nil, err
		}
		if err := writeLine(conn, body); err != nil {
			b.disconnect(conn)
			return nil, fmt.Errorf("write notification: %w", err)
		}
		return json.RawMessage(`{}`), nil
	}

	id := msg.ID
	if len(id) == 0 {
		generated, err := json.Marshal(uuid.NewString())
		if err != nil {
			return nil, err
		}
		id = generated
		// Splice the id into the original body so fields outside the
		// envelope survive the round trip untouched.
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("invalid JSON-RPC request: %w", err)
		}
		fields["id"] = generated
		if body, err = json.Marshal(fields); err != nil {
			return nil, err
		}
	}
	key := mcp.CorrelationKey(id)

	ch := make(chan json.RawMessage, 1)
	b.mu.Lock()
	if _, live := b.pending[key]; live {
		b.mu.Unlock()
		return nil, fmt.Errorf("request id %s already in flight", key)
	}
	b.pending[key] = pendingRequest{id: id, ch: ch}
	b.mu.Unlock()
	defer b.removePending(key)

	conn, err := b.getOrCreateSocket(ctx)
	if err != nil {
		return nil, err
	}
	if err := writeLine(conn, body); err != nil {
		b.disconnect(conn)
		return nil, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(b.requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		b.logger.Warn("request timed out", zap.String("id", key))
		return mcp.ErrorResponse(id, mcp.CodeInternalError, "Request timed out"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the connection and fails every in-flight request. The
// bridge can reconnect on a later Send.
func (b *Bridge) Close() {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		b.disconnect(conn)
	}
}

// getOrCreateSocket returns the live connection, opening one if needed.
// Only one connection attempt runs at a time; callers that arrive while an
// attempt is underway poll until it resolves instead of dialing a second
// connection.
func (b *Bridge) getOrCreateSocket(ctx context.Context) (net.Conn, error) {
	for {
		b.mu.Lock()
		if b.conn != nil {
			conn := b.conn
			b.mu.Unlock()
			return conn, nil
		}
		if b.connecting {
			b.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(connectRetryDelay):
			}
			continue
		}
		b.connecting = true
		b.mu.Unlock()

		conn, err := b.connect(ctx)

		b.mu.Lock()
		b.connecting = false
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.conn = conn
		b.mu.Unlock()

		go b.readLoop(conn)
		return conn, nil
	}
}

func (b *Bridge) connect(ctx context.Context) (net.Conn, error) {
	if err := b.cp.ContainerWait(ctx, b.containerName, "healthy", b.healthInterval); err != nil {
		return nil, fmt.Errorf("container not healthy: %w", err)
	}
	conn, err := b.cp.ContainerAttach(ctx, b.containerName)
	if err != nil {
		return nil, fmt.Errorf("attach to container: %w", err)
	}
	b.logger.Info("attach socket connected")
	return conn, nil
}

// readLoop demultiplexes the attach stream until the connection dies, then
// fails everything still pending so no caller outlives the socket.
func (b *Bridge) readLoop(conn net.Conn) {
	var decoder frameDecoder
	chunk := make([]byte, 32*1024)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			for _, f := range decoder.feed(chunk[:n]) {
				b.dispatchFrame(f)
			}
		}
		if err != nil {
			b.logger.Info("attach socket closed", zap.Error(err))
			b.disconnect(conn)
			return
		}
	}
}

func (b *Bridge) dispatchFrame(f frame) {
	switch f.streamType {
	case streamStdout:
		text := strings.TrimSpace(string(f.payload))
		if !strings.HasPrefix(text, "{") {
			if text != "" {
				b.logger.Debug("non-JSON stdout", zap.String("text", text))
			}
			return
		}
		var msg mcp.Message
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			b.logger.Warn("dropping malformed JSON-RPC fragment", zap.Error(err))
			return
		}
		if len(msg.ID) == 0 {
			b.logger.Debug("server notification", zap.String("method", msg.Method))
			return
		}
		b.resolve(mcp.CorrelationKey(msg.ID), json.RawMessage(text))
	case streamStderr:
		b.logger.Info("container stderr", zap.String("text", strings.TrimSpace(string(f.payload))))
	default:
		b.logger.Debug("ignoring frame", zap.Uint8("stream", f.streamType))
	}
}

// resolve delivers a response to its pending caller, if one is still
// waiting. Unmatched responses are logged and dropped.
func (b *Bridge) resolve(key string, response json.RawMessage) {
	b.mu.Lock()
	req, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("response with no pending request", zap.String("id", key))
		return
	}
	req.ch <- response
}

func (b *Bridge) removePending(key string) {
	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()
}

// disconnect tears down one specific connection. Every pending request is
// rejected with a -32603 error so callers fail fast instead of waiting out
// their timeouts. A newer connection established meanwhile is left alone.
func (b *Bridge) disconnect(conn net.Conn) {
	conn.Close()

	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	orphaned := b.pending
	b.pending = make(map[string]pendingRequest)
	b.mu.Unlock()

	for _, req := range orphaned {
		req.ch <- mcp.ErrorResponse(req.id, mcp.CodeInternalError, "Connection closed")
	}
}

func writeLine(conn net.Conn, body []byte) error {
	line := make([]byte, 0, len(body)+1)
	line = append(line, body...)
	line = append(line, '\n')
	_, err := conn.Write(line)
	return err
}
