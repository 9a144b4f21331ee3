// Package sandbox locates workspace sandboxes and defines how commands are
// executed inside them. All remote commands run through an Executor — the
// service never touches workspace files directly.
package sandbox

import (
	"context"
	"io"
	"time"

	"github.com/codesail/codesail/internal/domain"
)

// WorkspaceBase is where project roots live inside every sandbox. Executors
// that are not a real pod (the local one) must map this prefix into their
// own root so workspace paths never touch the host filesystem.
const WorkspaceBase = "/workspace"

// Ref identifies one workspace sandbox pod.
type Ref struct {
	Namespace string
	Pod       string
	Container string
}

// ExecRequest defines what to run inside a sandbox.
type ExecRequest struct {
	// Command is the program and arguments to execute (e.g. ["cat", "main.go"]).
	// Arguments are passed as argv — never interpolated into a shell string.
	Command []string

	// Stdin is an optional payload piped to the remote command.
	Stdin io.Reader

	// Timeout overrides the executor default. Zero = use default.
	Timeout time.Duration

	// MaxOutputBytes caps each output stream. Zero = use executor default.
	MaxOutputBytes int64
}

// Executor runs commands inside a workspace sandbox.
//
// A non-zero remote exit code is a result, not an error. Errors are reserved
// for the transport layer: unreachable cluster, missing pod, timed out stream.
type Executor interface {
	Execute(ctx context.Context, ref Ref, req ExecRequest) (*domain.ExecResult, error)
}

// Prober is implemented by executors that can check whether a sandbox
// exists and is ready without running a command. Optional: callers probe
// via a type assertion and treat absence as "assume reachable".
type Prober interface {
	CheckPod(ctx context.Context, ref Ref) error
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int64
}

// LimitWriter returns a writer that discards everything past max bytes.
func LimitWriter(w io.Writer, max int64) io.Writer {
	return &limitedWriter{w: w, remaining: max}
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	if int64(len(p)) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= int64(n)
	return n, err
}
