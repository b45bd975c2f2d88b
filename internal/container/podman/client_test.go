package podman

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"go.uber.org/zap"

	"github.com/archestra-ai/sandboxd/internal/container"
)

// newSocketServer serves mux over a unix socket and returns a client
// pointed at it.
func newSocketServer(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "podman.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen on unix socket: %v", err)
	}
	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)
	t.Cleanup(func() { srv.Close() })

	client, err := NewClient(socketPath, zap.NewNop())
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	return client
}

func TestPing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5.0.0/libpod/_ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	client := newSocketServer(t, mux)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestContainerCreate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5.0.0/libpod/containers/create", func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode create body: %v", err)
		}
		if req.Name != "archestra-github-mcp" || req.Image != "ghcr.io/test:latest" {
			t.Errorf("unexpected create request %+v", req)
		}
		if !req.Stdin {
			t.Error("stdin must be kept open")
		}
		if req.Remove {
			t.Error("auto-removal must be disabled")
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(createResponse{ID: "abc123"})
	})
	client := newSocketServer(t, mux)

	id, err := client.ContainerCreate(context.Background(), "archestra-github-mcp", container.CreateSpec{
		Image:   "ghcr.io/test:latest",
		Command: []string{"node", "server.js"},
		Env:     map[string]string{"TOKEN": "x"},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if id != "abc123" {
		t.Errorf("id = %q", id)
	}
}

func TestContainerStartStatusClasses(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"started", http.StatusNoContent, func(err error) bool { return err == nil }},
		{"already running", http.StatusNotModified, errdefs.IsNotModified},
		{"not found", http.StatusNotFound, errdefs.IsNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/v5.0.0/libpod/containers/c1/start", func(w http.ResponseWriter, _ *http.Request) {
				if tc.status == http.StatusNotFound {
					w.WriteHeader(tc.status)
					json.NewEncoder(w).Encode(map[string]string{"message": "no such container"})
					return
				}
				w.WriteHeader(tc.status)
			})
			client := newSocketServer(t, mux)
			err := client.ContainerStart(context.Background(), "c1")
			if !tc.check(err) {
				t.Errorf("start with status %d: unexpected error %v", tc.status, err)
			}
		})
	}
}

func TestContainerStopServerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5.0.0/libpod/containers/c1/stop", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"message": "boom"})
	})
	client := newSocketServer(t, mux)
	err := client.ContainerStop(context.Background(), "c1")
	if err == nil {
		t.Fatal("expected error for status 500")
	}
	if errdefs.IsNotFound(err) || errdefs.IsNotModified(err) {
		t.Errorf("500 must not map to a status-class error: %v", err)
	}
}

func TestContainerWaitCondition(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5.0.0/libpod/containers/c1/wait", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("condition") != "healthy" {
			t.Errorf("condition = %q", q.Get("condition"))
		}
		if q.Get("interval") == "" {
			t.Error("missing poll interval")
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "0")
	})
	client := newSocketServer(t, mux)
	if err := client.ContainerWait(context.Background(), "c1", "healthy", 2*time.Second); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
}

func TestContainerAttachUpgrade(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5.0.0/libpod/containers/c1/attach", func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer does not support hijacking")
			return
		}
		conn, rw, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer conn.Close()
		rw.WriteString("HTTP/1.1 101 Switching Protocols\r\nContent-Type: application/vnd.docker.raw-stream\r\n\r\n")
		rw.Flush()

		// Echo the first line back so the test can verify the duplex pipe.
		line, err := rw.ReadString('\n')
		if err != nil {
			return
		}
		rw.WriteString(line)
		rw.Flush()
	})
	client := newSocketServer(t, mux)

	conn, err := client.ContainerAttach(context.Background(), "c1")
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply != "hello\n" {
		t.Errorf("reply = %q", reply)
	}
}
