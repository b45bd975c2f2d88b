package machine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
)

// fakeRunner scripts podman invocations for manager tests.
type fakeRunner struct {
	listJSON    string
	listErr     error
	runErr      error
	runLines    []string // lines emitted during Run
	runCalls    [][]string
	outputCalls [][]string
	inspectOut  string
}

func (f *fakeRunner) Run(_ context.Context, onLine func(string), args ...string) error {
	f.runCalls = append(f.runCalls, args)
	for _, line := range f.runLines {
		if onLine != nil {
			onLine(line)
		}
	}
	return f.runErr
}

func (f *fakeRunner) Output(_ context.Context, args ...string) ([]byte, error) {
	f.outputCalls = append(f.outputCalls, args)
	if args[1] == "inspect" {
		return []byte(f.inspectOut), nil
	}
	return []byte(f.listJSON), f.listErr
}

func newTestManager(r *fakeRunner) *Manager {
	return NewManager(r, "archestra-machine", zap.NewNop())
}

func TestEnsureRunning_AlreadyRunning(t *testing.T) {
	r := &fakeRunner{listJSON: `[{"Name":"archestra-machine","Running":true}]`}
	m := newTestManager(r)

	var last ProgressReading
	if err := m.EnsureRunning(context.Background(), func(p ProgressReading) { last = p }); err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}
	if len(r.runCalls) != 0 {
		t.Errorf("expected no init/start commands, got %v", r.runCalls)
	}
	if m.Status() != StatusRunning {
		t.Errorf("Status = %s, want running", m.Status())
	}
	if last.Percentage != 100 {
		t.Errorf("final progress = %d, want 100", last.Percentage)
	}
}

func TestEnsureRunning_InstallsWhenAbsent(t *testing.T) {
	r := &fakeRunner{
		listJSON: `[]`,
		runLines: []string{
			"Getting image source signatures",
			"Machine init complete",
			`Machine "archestra-machine" started successfully`,
		},
	}
	m := newTestManager(r)

	var readings []ProgressReading
	if err := m.EnsureRunning(context.Background(), func(p ProgressReading) {
		readings = append(readings, p)
	}); err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}

	if len(r.runCalls) != 1 || strings.Join(r.runCalls[0], " ") != "machine init --now archestra-machine" {
		t.Errorf("unexpected commands: %v", r.runCalls)
	}
	if m.Status() != StatusRunning {
		t.Errorf("Status = %s, want running", m.Status())
	}
	if len(readings) < 3 || readings[0].Percentage != 5 || readings[1].Percentage != 85 {
		t.Errorf("unexpected progress readings: %+v", readings)
	}
}

func TestEnsureRunning_StartsWhenStopped(t *testing.T) {
	r := &fakeRunner{listJSON: `[{"Name":"archestra-machine","Running":false}]`}
	m := newTestManager(r)

	if err := m.EnsureRunning(context.Background(), nil); err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}
	if len(r.runCalls) != 1 || strings.Join(r.runCalls[0], " ") != "machine start archestra-machine" {
		t.Errorf("unexpected commands: %v", r.runCalls)
	}
}

func TestEnsureRunning_InitFailureIsFatal(t *testing.T) {
	r := &fakeRunner{listJSON: `[]`, runErr: errors.New("exit status 125")}
	m := newTestManager(r)

	if err := m.EnsureRunning(context.Background(), nil); err == nil {
		t.Fatal("expected error from failed init")
	}
	if m.Status() != StatusNotInstalled {
		t.Errorf("Status = %s, want not_installed after failed init", m.Status())
	}
}

func TestEnsureRunning_StartFailureLeavesStopped(t *testing.T) {
	r := &fakeRunner{
		listJSON: `[{"Name":"archestra-machine","Running":false}]`,
		runErr:   errors.New("exit status 1"),
	}
	m := newTestManager(r)

	if err := m.EnsureRunning(context.Background(), nil); err == nil {
		t.Fatal("expected error from failed start")
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status = %s, want stopped after failed start", m.Status())
	}
}

func TestEnsureRunning_DefaultMachineAsterisk(t *testing.T) {
	r := &fakeRunner{listJSON: `[{"Name":"archestra-machine*","Running":true}]`}
	m := newTestManager(r)

	if err := m.EnsureRunning(context.Background(), nil); err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}
	if len(r.runCalls) != 0 {
		t.Errorf("expected machine to be recognized as installed, got commands %v", r.runCalls)
	}
}

func TestSocketPath(t *testing.T) {
	r := &fakeRunner{inspectOut: "/run/user/1000/podman/podman.sock\n"}
	m := newTestManager(r)

	path, err := m.SocketPath(context.Background())
	if err != nil {
		t.Fatalf("SocketPath failed: %v", err)
	}
	if path != "/run/user/1000/podman/podman.sock" {
		t.Errorf("SocketPath = %q", path)
	}
}
