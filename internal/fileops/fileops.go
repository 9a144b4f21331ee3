// Package fileops implements workspace file operations against a sandbox
// executor: reading and writing files, structural tree mutations, directory
// listings, and terminal commands.
//
// Every remote command is built as argv with paths passed as shell positional
// parameters. User-controlled strings are never interpolated into a shell
// script.
package fileops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codesail/codesail/internal/domain"
	"github.com/codesail/codesail/internal/sandbox"
	"github.com/codesail/codesail/internal/tree"
)

// Remote scripts. Paths and commands arrive as $0/$1 — sh treats the first
// argument after the script as $0.
const (
	// writeScript lands content in a temp file first so a failed transfer
	// never truncates the target.
	writeScript = `set -e
tmp=$(mktemp "$0.XXXXXX")
cat > "$tmp"
mv "$tmp" "$0"`

	// renameScript refuses to clobber an existing destination.
	renameScript = `if test -e "$1"; then echo "destination already exists" >&2; exit 45; fi
mv "$0" "$1"`

	// listScript emits type, size, and path per entry. A missing project
	// root lists as empty rather than failing.
	listScript = `test -d "$0" || exit 0
cd "$0"
find . -mindepth 1 -printf '%y\t%s\t%p\n'`

	// missingCwdMarker is written to stderr when the working directory
	// cannot be entered, so exit code 46 from the user's own command is
	// not mistaken for it.
	missingCwdMarker = "codesail: working directory missing"

	// terminalScript confines the command to its working directory. The
	// command itself is shell text by design; eval keeps it out of the
	// script source.
	terminalScript = `cd "$0" || { echo "` + missingCwdMarker + `" 1>&2; exit 46; }
eval "$1"`
)

// Config bounds the service's remote operations.
type Config struct {
	FileTimeout     time.Duration // Read/write/tree/file-op timeout.
	TerminalTimeout time.Duration // Terminal command timeout.
	MaxOutputBytes  int64         // Per-stream remote output cap.
	MaxFileBytes    int64         // Write payload cap.
	MaxCommandLen   int           // Terminal command length cap.
}

// Service performs workspace file operations through a sandbox executor.
type Service struct {
	exec   sandbox.Executor
	cfg    Config
	logger *slog.Logger
}

// New creates a Service. Zero config fields fall back to the executor's own
// defaults.
func New(exec sandbox.Executor, cfg Config, logger *slog.Logger) *Service {
	return &Service{exec: exec, cfg: cfg, logger: logger}
}

// Read returns the content of one file. A missing or unreadable file is a
// remote command error carrying the remote stderr.
func (s *Service) Read(ctx context.Context, ref sandbox.Ref, projectID, relPath string) (string, error) {
	abs, err := ResolveFile(projectID, relPath)
	if err != nil {
		return "", err
	}

	res, err := s.run(ctx, ref, sandbox.ExecRequest{
		Command: []string{"cat", abs},
		Timeout: s.cfg.FileTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("read %s: %w", relPath, err)
	}
	if res.ExitCode != 0 {
		return "", &domain.RemoteError{Op: "read " + relPath, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return res.Stdout, nil
}

// Write replaces the content of one file. The content travels over stdin and
// lands via a temp file, so a partial transfer never truncates the target.
// Success is judged by exit status alone; stderr is diagnostic detail.
func (s *Service) Write(ctx context.Context, ref sandbox.Ref, projectID, relPath, content string) error {
	abs, err := ResolveFile(projectID, relPath)
	if err != nil {
		return err
	}
	if s.cfg.MaxFileBytes > 0 && int64(len(content)) > s.cfg.MaxFileBytes {
		return fmt.Errorf("content exceeds %d bytes: %w", s.cfg.MaxFileBytes, domain.ErrValidation)
	}

	res, err := s.run(ctx, ref, sandbox.ExecRequest{
		Command: []string{"sh", "-c", writeScript, abs},
		Stdin:   strings.NewReader(content),
		Timeout: s.cfg.FileTimeout,
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", relPath, err)
	}
	if res.ExitCode != 0 {
		return &domain.RemoteError{Op: "write " + relPath, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return nil
}

// Apply performs one structural file operation.
func (s *Service) Apply(ctx context.Context, ref sandbox.Ref, projectID string, op domain.FileOperation) error {
	var cmd []string
	switch op.Kind {
	case domain.OpCreateFile:
		abs, err := ResolveFile(projectID, op.Path)
		if err != nil {
			return err
		}
		cmd = []string{"touch", abs}
	case domain.OpCreateFolder:
		abs, err := ResolveFile(projectID, op.Path)
		if err != nil {
			return err
		}
		cmd = []string{"mkdir", "-p", abs}
	case domain.OpRename:
		src, err := ResolveFile(projectID, op.Path)
		if err != nil {
			return err
		}
		dst, err := ResolveFile(projectID, op.NewPath)
		if err != nil {
			return err
		}
		cmd = []string{"sh", "-c", renameScript, src, dst}
	case domain.OpDelete:
		abs, err := ResolveFile(projectID, op.Path)
		if err != nil {
			return err
		}
		cmd = []string{"rm", "-rf", abs}
	default:
		return fmt.Errorf("unknown file operation %q: %w", op.Kind, domain.ErrValidation)
	}

	res, err := s.run(ctx, ref, sandbox.ExecRequest{
		Command: cmd,
		Timeout: s.cfg.FileTimeout,
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", op.Kind, op.Path, err)
	}
	if res.ExitCode != 0 {
		return &domain.RemoteError{
			Op:       string(op.Kind) + " " + op.Path,
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(res.Stderr),
		}
	}
	return nil
}

// Tree lists the project and builds its file tree. A project whose root does
// not exist yet lists as an empty tree.
func (s *Service) Tree(ctx context.Context, ref sandbox.Ref, projectID string) (*tree.Result, error) {
	root, err := ProjectRoot(projectID)
	if err != nil {
		return nil, err
	}

	res, err := s.run(ctx, ref, sandbox.ExecRequest{
		Command: []string{"sh", "-c", listScript, root},
		Timeout: s.cfg.FileTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", projectID, err)
	}
	if res.ExitCode != 0 {
		return nil, &domain.RemoteError{Op: "list " + projectID, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}

	entries, diags := tree.ParseListing(res.Stdout)
	built := tree.Build(entries)
	tree.Rebase(built.Nodes, root)
	built.Diagnostics = append(diags, built.Diagnostics...)
	for _, d := range built.Diagnostics {
		s.logger.Warn("listing anomaly",
			slog.String("project", projectID),
			slog.String("detail", d),
		)
	}
	return built, nil
}

// InitProject creates the project root if it does not exist yet.
func (s *Service) InitProject(ctx context.Context, ref sandbox.Ref, projectID string) error {
	root, err := ProjectRoot(projectID)
	if err != nil {
		return err
	}

	res, err := s.run(ctx, ref, sandbox.ExecRequest{
		Command: []string{"mkdir", "-p", root},
		Timeout: s.cfg.FileTimeout,
	})
	if err != nil {
		return fmt.Errorf("init %s: %w", projectID, err)
	}
	if res.ExitCode != 0 {
		return &domain.RemoteError{Op: "init " + projectID, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return nil
}

// Probe checks that the sandbox exists and is ready. Executors that cannot
// probe (the local one) pass implicitly.
func (s *Service) Probe(ctx context.Context, ref sandbox.Ref) error {
	prober, ok := s.exec.(sandbox.Prober)
	if !ok {
		return nil
	}
	if s.cfg.FileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FileTimeout)
		defer cancel()
	}
	return prober.CheckPod(ctx, ref)
}

// Terminal runs a user shell command confined to a working directory inside
// the project. A non-zero exit is a result for the caller, not an error —
// except a failed cd, which means the working directory is gone.
func (s *Service) Terminal(ctx context.Context, ref sandbox.Ref, projectID, cwd, command string) (*domain.ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("empty command: %w", domain.ErrValidation)
	}
	if s.cfg.MaxCommandLen > 0 && len(command) > s.cfg.MaxCommandLen {
		return nil, fmt.Errorf("command exceeds %d bytes: %w", s.cfg.MaxCommandLen, domain.ErrValidation)
	}
	absCwd, err := ResolveDir(projectID, cwd)
	if err != nil {
		return nil, err
	}

	res, err := s.run(ctx, ref, sandbox.ExecRequest{
		Command: []string{"bash", "-c", terminalScript, absCwd, command},
		Timeout: s.cfg.TerminalTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("terminal in %s: %w", projectID, err)
	}
	if res.ExitCode == 46 && strings.Contains(res.Stderr, missingCwdMarker) {
		return nil, fmt.Errorf("working directory %s does not exist: %w", cwd, domain.ErrInconsistency)
	}
	return res, nil
}

func (s *Service) run(ctx context.Context, ref sandbox.Ref, req sandbox.ExecRequest) (*domain.ExecResult, error) {
	if req.MaxOutputBytes == 0 {
		req.MaxOutputBytes = s.cfg.MaxOutputBytes
	}
	return s.exec.Execute(ctx, ref, req)
}
