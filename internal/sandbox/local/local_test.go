package local

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codesail/codesail/internal/domain"
	"github.com/codesail/codesail/internal/fileops"
	"github.com/codesail/codesail/internal/sandbox"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e, err := New(Config{BaseDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("creating executor: %v", err)
	}
	return e
}

var testRef = sandbox.Ref{Namespace: "default", Pod: "user-alice", Container: "runner"}

func TestExecutor_BasicExecution(t *testing.T) {
	e := newTestExecutor(t)

	result, err := e.Execute(context.Background(), testRef, sandbox.ExecRequest{
		Command: []string{"echo", "hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if got := strings.TrimSpace(result.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
}

func TestExecutor_NonZeroExit(t *testing.T) {
	e := newTestExecutor(t)

	result, err := e.Execute(context.Background(), testRef, sandbox.ExecRequest{
		Command: []string{"sh", "-c", "exit 42"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", result.ExitCode)
	}
}

func TestExecutor_Stdin(t *testing.T) {
	e := newTestExecutor(t)

	result, err := e.Execute(context.Background(), testRef, sandbox.ExecRequest{
		Command: []string{"cat"},
		Stdin:   strings.NewReader("piped content"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Stdout != "piped content" {
		t.Errorf("stdout = %q, want %q", result.Stdout, "piped content")
	}
}

func TestExecutor_Timeout(t *testing.T) {
	e := newTestExecutor(t)

	_, err := e.Execute(context.Background(), testRef, sandbox.ExecRequest{
		Command: []string{"sleep", "60"},
		Timeout: 500 * time.Millisecond,
	})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("error = %v, want timeout error", err)
	}
}

func TestExecutor_OutputCap(t *testing.T) {
	e := newTestExecutor(t)

	result, err := e.Execute(context.Background(), testRef, sandbox.ExecRequest{
		Command:        []string{"sh", "-c", "yes x | head -c 10000"},
		MaxOutputBytes: 100,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Stdout) != 100 {
		t.Errorf("stdout length = %d, want 100 (capped)", len(result.Stdout))
	}
}

func TestExecutor_EmptyCommand(t *testing.T) {
	e := newTestExecutor(t)

	_, err := e.Execute(context.Background(), testRef, sandbox.ExecRequest{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want validation error", err)
	}
}

func TestExecutor_SandboxDirIsolation(t *testing.T) {
	e := newTestExecutor(t)

	// Commands run inside a per-sandbox directory named after the pod.
	result, err := e.Execute(context.Background(), testRef, sandbox.ExecRequest{
		Command: []string{"pwd"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); filepath.Base(got) != testRef.Pod {
		t.Errorf("working dir = %q, want basename %q", got, testRef.Pod)
	}
}

func TestExecutor_WorkspacePathsConfined(t *testing.T) {
	base := t.TempDir()
	logger := slog.New(slog.DiscardHandler)
	e, err := New(Config{BaseDir: base}, logger)
	if err != nil {
		t.Fatalf("creating executor: %v", err)
	}
	files := fileops.New(e, fileops.Config{
		FileTimeout:     5 * time.Second,
		TerminalTimeout: 30 * time.Second,
		MaxFileBytes:    1 << 20,
		MaxCommandLen:   4096,
	}, logger)
	ctx := context.Background()

	if err := files.InitProject(ctx, testRef, "proj1"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if err := files.Write(ctx, testRef, "proj1", "a.txt", "hello\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The file must land under the sandbox directory, not the host root.
	hostPath := filepath.Join(base, testRef.Pod, "workspace", "proj1", "a.txt")
	b, err := os.ReadFile(hostPath)
	if err != nil {
		t.Fatalf("file not confined to base dir: %v", err)
	}
	if string(b) != "hello\n" {
		t.Errorf("content on disk = %q, want %q", b, "hello\n")
	}

	content, err := files.Read(ctx, testRef, "proj1", "a.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if content != "hello\n" {
		t.Errorf("read content = %q, want %q", content, "hello\n")
	}

	// Terminal commands run inside the remapped project directory.
	res, err := files.Terminal(ctx, testRef, "proj1", "", "pwd")
	if err != nil {
		t.Fatalf("terminal: %v", err)
	}
	wantCwd := filepath.Join(base, testRef.Pod, "workspace", "proj1")
	if got := strings.TrimSpace(res.Stdout); got != wantCwd {
		t.Errorf("terminal cwd = %q, want %q", got, wantCwd)
	}
}

func TestExecutor_SanitizedEnv(t *testing.T) {
	t.Setenv("LEAKY_SECRET", "value")
	e := newTestExecutor(t)

	result, err := e.Execute(context.Background(), testRef, sandbox.ExecRequest{
		Command: []string{"sh", "-c", "echo ${LEAKY_SECRET:-unset}"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "unset" {
		t.Errorf("host env leaked into sandbox: LEAKY_SECRET = %q", got)
	}
}
