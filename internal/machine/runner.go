// Package machine manages the dedicated podman machine that hosts MCP server
// containers. It drives the podman control binary, parses its free-text
// provisioning output into progress readings, and tracks machine status.
package machine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// helperBinaryDirEnv points podman at the directory holding its companion
// network helper (gvproxy).
const helperBinaryDirEnv = "CONTAINERS_HELPER_BINARY_DIR"

// Runner spawns the podman control binary and streams its output.
type Runner struct {
	binary          string
	helperBinaryDir string
	logger          *zap.Logger
}

// NewRunner creates a runner for the given control binary.
func NewRunner(binary, helperBinaryDir string, logger *zap.Logger) *Runner {
	return &Runner{
		binary:          binary,
		helperBinaryDir: helperBinaryDir,
		logger:          logger.With(zap.String("component", "machine_runner")),
	}
}

// Run executes the binary with the given arguments, invoking onLine for every
// line written to stdout or stderr. It blocks until the process exits and
// returns an error for a spawn failure or non-zero exit.
func (r *Runner) Run(ctx context.Context, onLine func(line string), args ...string) error {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Env = r.env()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %s: %w", r.binary, err)
	}

	var wg sync.WaitGroup
	for _, pipe := range []struct {
		name string
		r    *bufio.Scanner
	}{
		{"stdout", bufio.NewScanner(stdout)},
		{"stderr", bufio.NewScanner(stderr)},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pipe.r.Scan() {
				line := pipe.r.Text()
				r.logger.Debug("output", zap.String("stream", pipe.name), zap.String("line", line))
				if onLine != nil {
					onLine(line)
				}
			}
		}()
	}

	wg.Wait()
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s %s: %w", r.binary, args[0], err)
	}
	return nil
}

// Output executes the binary and returns its stdout, for structured queries
// such as "machine ls --format json". Stderr is logged, not returned.
func (r *Runner) Output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Env = r.env()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			r.logger.Debug("query failed", zap.String("stderr", stderr.String()))
		}
		return nil, fmt.Errorf("%s %s: %w", r.binary, args[0], err)
	}
	return stdout.Bytes(), nil
}

func (r *Runner) env() []string {
	env := os.Environ()
	if r.helperBinaryDir != "" {
		env = append(env, helperBinaryDirEnv+"="+r.helperBinaryDir)
	}
	return env
}
