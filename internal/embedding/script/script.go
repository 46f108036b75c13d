// Package script computes embeddings with a local executable: the text is
// written to its stdin and a JSON array of numbers is read from its stdout.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/JakeFAU/recrawl/internal/embedding"
)

// DefaultTimeout bounds one script invocation when none is configured.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout means the script did not exit within the timeout and was killed.
	ErrTimeout = errors.New("embedding script timed out")
	// ErrExit means the script exited with a nonzero status.
	ErrExit = errors.New("embedding script failed")
	// ErrOutput means stdout was not a JSON array of numbers.
	ErrOutput = errors.New("embedding script output invalid")
)

// Config locates the script and bounds its runtime.
type Config struct {
	Path    string
	Timeout time.Duration
}

// Backend runs one script process per Embed call.
type Backend struct {
	path    string
	timeout time.Duration
}

// New validates cfg and returns a Backend.
func New(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("embedding.script.path must be set for the script source")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Backend{path: cfg.Path, timeout: cfg.Timeout}, nil
}

// Embed implements embedding.Backend. The process, and anything it spawned,
// is killed when the timeout elapses or ctx is canceled.
func (b *Backend) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	runCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, b.path)
	cmd.Stdin = strings.NewReader(text)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	killProcessGroup(cmd)

	if err := cmd.Run(); err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("embedding script %s: %w", b.path, ctx.Err())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("%w after %dms: %s", ErrTimeout, b.timeout.Milliseconds(), b.path)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %s exited %d: %s",
				ErrExit, b.path, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("start embedding script %s: %w", b.path, err)
	}

	return parseVector(stdout.String())
}

func parseVector(raw string) (embedding.Vector, error) {
	output := strings.TrimSpace(raw)
	var values []float32
	if err := json.Unmarshal([]byte(output), &values); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrOutput, output, err)
	}
	if values == nil {
		return nil, fmt.Errorf("%w: %q is not an array", ErrOutput, output)
	}
	return embedding.Vector(values), nil
}
