// Package local executes workspace commands as host processes rooted at a
// per-sandbox directory. It stands in for the cluster in development and in
// tests: the same argv contracts, no Kubernetes required.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/codesail/codesail/internal/domain"
	"github.com/codesail/codesail/internal/sandbox"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultOutputCap = 1 << 20 // 1 MB per stream
)

// Config configures the process-based executor.
type Config struct {
	// BaseDir is the directory holding one subdirectory per sandbox pod name.
	// Commands run with the sandbox directory as the filesystem root context.
	BaseDir string

	DefaultTimeout time.Duration
	OutputCap      int64
}

// Executor runs commands as isolated OS processes.
//
// Isolation properties:
//   - Each sandbox gets its own directory under BaseDir
//   - Workspace-absolute argv elements (/workspace/...) are remapped under
//     the sandbox directory, so file operations never touch the host root
//   - Process runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance — only a minimal safe set
//   - stdout/stderr capped to prevent OOM
type Executor struct {
	baseDir        string
	defaultTimeout time.Duration
	outputCap      int64
	logger         *slog.Logger
}

var _ sandbox.Executor = (*Executor)(nil)

// New creates a process-based executor rooted at cfg.BaseDir.
func New(cfg Config, logger *slog.Logger) (*Executor, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("local executor requires a base directory")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox base dir: %w", err)
	}

	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	outCap := cfg.OutputCap
	if outCap == 0 {
		outCap = defaultOutputCap
	}

	return &Executor{
		baseDir:        cfg.BaseDir,
		defaultTimeout: timeout,
		outputCap:      outCap,
		logger:         logger,
	}, nil
}

// mapWorkspacePath rewrites a workspace-absolute path into the sandbox's
// directory. Anything else passes through untouched.
func mapWorkspacePath(sandboxDir, arg string) string {
	if arg == sandbox.WorkspaceBase {
		return filepath.Join(sandboxDir, "workspace")
	}
	if rest, ok := strings.CutPrefix(arg, sandbox.WorkspaceBase+"/"); ok {
		return filepath.Join(sandboxDir, "workspace", rest)
	}
	return arg
}

// Execute runs a command inside the sandbox's directory.
func (e *Executor) Execute(ctx context.Context, ref sandbox.Ref, req sandbox.ExecRequest) (*domain.ExecResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command: %w", domain.ErrValidation)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outCap := req.MaxOutputBytes
	if outCap == 0 {
		outCap = e.outputCap
	}

	sandboxDir := filepath.Join(e.baseDir, ref.Pod)
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox dir: %w: %w", domain.ErrTransport, err)
	}

	// fileops builds pod-absolute paths under /workspace; remap them into
	// this sandbox's directory so they resolve like they would in a pod.
	argv := make([]string, len(req.Command))
	for i, a := range req.Command {
		argv[i] = mapWorkspacePath(sandboxDir, a)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = sandboxDir
	cmd.Stdin = req.Stdin

	// Process group isolation — the child runs in its own group so the whole
	// group can be killed on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// Sanitized environment — no inheritance from the host process.
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + sandboxDir,
		"TMPDIR=" + os.TempDir(),
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = sandbox.LimitWriter(&stdoutBuf, outCap)
	cmd.Stderr = sandbox.LimitWriter(&stderrBuf, outCap)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			e.logger.Warn("local sandbox command timed out",
				slog.String("sandbox", ref.Pod),
				slog.Duration("timeout", timeout),
			)
			return nil, fmt.Errorf("command in sandbox %s timed out after %s: %w", ref.Pod, timeout, domain.ErrTimeout)
		}

		// Non-zero exit code is not an error — it's a result.
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("running command in sandbox %s: %w: %w", ref.Pod, domain.ErrTransport, runErr)
		}
	}

	e.logger.Debug("local sandbox command completed",
		slog.String("sandbox", ref.Pod),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &domain.ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}
