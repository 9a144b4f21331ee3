// Package session coordinates workspace operations for one service instance.
// The Coordinator is the single entry point the gateways call: it resolves
// the caller's sandbox, delegates to the file-operations service, serializes
// terminal sessions, bounds concurrent execs, records activity, and
// broadcasts tree-staleness events to subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codesail/codesail/internal/domain"
	"github.com/codesail/codesail/internal/fileops"
	"github.com/codesail/codesail/internal/sandbox"
	"github.com/codesail/codesail/internal/storage"
)

const defaultMaxConcurrentExecs = 4

// Config bounds the coordinator's resource usage.
type Config struct {
	MaxConcurrentExecs int // Default: 4.
}

func (c Config) maxConcurrent() int {
	if c.MaxConcurrentExecs > 0 {
		return c.MaxConcurrentExecs
	}
	return defaultMaxConcurrentExecs
}

// ExecInput describes one terminal command request.
type ExecInput struct {
	Command string
	Cwd     string // Relative to the project root; empty means the root.
	// TerminalID names a long-lived terminal session. Commands sharing a
	// TerminalID run one at a time; an empty ID is a one-shot command with
	// no serialization against others.
	TerminalID string
}

// TreeSnapshot is one point-in-time view of the project tree.
type TreeSnapshot struct {
	Root        *domain.FileTreeNode `json:"root"`
	Diagnostics []string             `json:"diagnostics,omitempty"`
}

// Coordinator orchestrates sandbox operations for all users of this
// instance. All methods are safe for concurrent use; operations never block
// one another except through terminal-session serialization and the exec
// concurrency bound.
type Coordinator struct {
	locator *sandbox.Locator
	files   *fileops.Service
	store   storage.Store // Optional; nil disables activity recording.
	logger  *slog.Logger

	bus *staleBus
	sem chan struct{}

	mu        sync.Mutex
	terminals map[string]*terminalSession
}

type terminalSession struct {
	run        sync.Mutex // Held for the duration of each command.
	mu         sync.Mutex // Guards lastActive.
	lastActive time.Time
}

func (t *terminalSession) touch() {
	t.mu.Lock()
	t.lastActive = time.Now()
	t.mu.Unlock()
}

func (t *terminalSession) idleSince() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActive
}

func New(locator *sandbox.Locator, files *fileops.Service, store storage.Store, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		locator:   locator,
		files:     files,
		store:     store,
		logger:    logger,
		bus:       newStaleBus(),
		sem:       make(chan struct{}, cfg.maxConcurrent()),
		terminals: make(map[string]*terminalSession),
	}
}

// Subscribe registers for tree-staleness events. The returned cancel
// function must be called when the consumer goes away; it closes the
// channel.
func (c *Coordinator) Subscribe() (<-chan StaleEvent, func()) {
	return c.bus.subscribe()
}

// Sandbox resolves the caller's sandbox pod reference and probes that the
// pod is running. A missing or not-yet-ready pod surfaces as an error so
// session opens fail fast instead of on the first file operation.
func (c *Coordinator) Sandbox(ctx context.Context, userID string) (sandbox.Ref, error) {
	ref, err := c.locator.Resolve(userID)
	if err != nil {
		return sandbox.Ref{}, err
	}
	if err := c.files.Probe(ctx, ref); err != nil {
		return sandbox.Ref{}, fmt.Errorf("sandbox %s: %w", ref.Pod, err)
	}
	return ref, nil
}

// GetTree returns the current project tree rooted at the project directory.
// An absent project directory yields an empty tree, not an error.
func (c *Coordinator) GetTree(ctx context.Context, userID, projectID string) (*TreeSnapshot, error) {
	ref, err := c.locator.Resolve(userID)
	if err != nil {
		return nil, err
	}
	rootPath, err := fileops.ProjectRoot(projectID)
	if err != nil {
		return nil, err
	}
	res, err := c.files.Tree(ctx, ref, projectID)
	if err != nil {
		return nil, err
	}
	root := &domain.FileTreeNode{
		Name:     projectID,
		Path:     rootPath,
		Type:     domain.NodeFolder,
		Children: res.Nodes,
	}
	if root.Children == nil {
		root.Children = []*domain.FileTreeNode{}
	}
	return &TreeSnapshot{Root: root, Diagnostics: res.Diagnostics}, nil
}

// ReadFile returns the full content of one file.
func (c *Coordinator) ReadFile(ctx context.Context, userID, projectID, path string) (string, error) {
	ref, err := c.locator.Resolve(userID)
	if err != nil {
		return "", err
	}
	return c.files.Read(ctx, ref, projectID, path)
}

// WriteFile overwrites a file with content, creating it if needed.
func (c *Coordinator) WriteFile(ctx context.Context, userID, projectID, path, content string) error {
	ref, err := c.locator.Resolve(userID)
	if err != nil {
		return err
	}
	start := time.Now()
	err = c.files.Write(ctx, ref, projectID, path, content)
	c.record(ctx, &domain.Activity{
		UserID: userID, ProjectID: projectID, Kind: "write", Path: path,
		DurationMS: time.Since(start).Milliseconds(), Error: domain.Category(err),
	})
	if err != nil {
		return err
	}
	c.notify(userID, projectID, "write")
	return nil
}

// Apply performs one structural file operation.
func (c *Coordinator) Apply(ctx context.Context, userID, projectID string, op domain.FileOperation) error {
	ref, err := c.locator.Resolve(userID)
	if err != nil {
		return err
	}
	start := time.Now()
	err = c.files.Apply(ctx, ref, projectID, op)
	c.record(ctx, &domain.Activity{
		UserID: userID, ProjectID: projectID, Kind: "file_op", Path: op.Path,
		Command: string(op.Kind),
		DurationMS: time.Since(start).Milliseconds(), Error: domain.Category(err),
	})
	if err != nil {
		return err
	}
	c.notify(userID, projectID, "file_op")
	return nil
}

// Exec runs a terminal command in the project. A non-zero remote exit is
// reported in the result, not as an error. Commands judged
// filesystem-mutating trigger a staleness event regardless of outcome,
// since a failed or timed-out command may still have changed files.
func (c *Coordinator) Exec(ctx context.Context, userID, projectID string, in ExecInput) (*domain.ExecResult, error) {
	ref, err := c.locator.Resolve(userID)
	if err != nil {
		return nil, err
	}

	if in.TerminalID != "" {
		t := c.terminal(in.TerminalID)
		t.run.Lock()
		defer t.run.Unlock()
		t.touch()
		defer t.touch()
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("waiting for exec slot: %w", domain.ErrTimeout)
		}
		return nil, fmt.Errorf("waiting for exec slot: %w", ctx.Err())
	}

	start := time.Now()
	result, err := c.files.Terminal(ctx, ref, projectID, in.Cwd, in.Command)

	a := &domain.Activity{
		UserID: userID, ProjectID: projectID, Kind: "exec", Path: in.Cwd,
		Command:    in.Command,
		DurationMS: time.Since(start).Milliseconds(), Error: domain.Category(err),
	}
	if result != nil {
		a.ExitCode = result.ExitCode
	}
	c.record(ctx, a)

	if commandMutates(in.Command) {
		c.notify(userID, projectID, "exec")
	}
	return result, err
}

// InitProject creates the project root directory. Idempotent.
func (c *Coordinator) InitProject(ctx context.Context, userID, projectID string) error {
	ref, err := c.locator.Resolve(userID)
	if err != nil {
		return err
	}
	if err := c.files.InitProject(ctx, ref, projectID); err != nil {
		return err
	}
	c.notify(userID, projectID, "init")
	return nil
}

// Activity returns the most recent recorded operations, newest first.
func (c *Coordinator) Activity(ctx context.Context, userID, projectID string, limit int) ([]domain.Activity, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.Activities().Query(ctx, userID, projectID, limit)
}

// CloseIdleTerminals drops terminal sessions with no command activity for
// at least idleFor. Returns the number closed. In-flight commands keep
// their session alive through the activity timestamp taken at start.
func (c *Coordinator) CloseIdleTerminals(idleFor time.Duration) int {
	cutoff := time.Now().Add(-idleFor)
	c.mu.Lock()
	defer c.mu.Unlock()
	closed := 0
	for id, t := range c.terminals {
		if t.idleSince().Before(cutoff) {
			delete(c.terminals, id)
			closed++
		}
	}
	if closed > 0 {
		c.logger.Info("closed idle terminal sessions", slog.Int("count", closed))
	}
	return closed
}

func (c *Coordinator) terminal(id string) *terminalSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.terminals[id]
	if !ok {
		t = &terminalSession{lastActive: time.Now()}
		c.terminals[id] = t
	}
	return t
}

func (c *Coordinator) notify(userID, projectID, reason string) {
	c.bus.publish(StaleEvent{
		UserID:    userID,
		ProjectID: projectID,
		Reason:    reason,
		At:        time.Now().UTC(),
	})
}

// record appends an activity row. Recording is best-effort: a storage
// failure is logged, never surfaced to the caller.
func (c *Coordinator) record(ctx context.Context, a *domain.Activity) {
	if c.store == nil {
		return
	}
	// The operation's own context may already be expired; recording should
	// still get a chance to land.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.store.Activities().Append(rctx, a); err != nil {
		c.logger.Warn("recording activity",
			slog.String("kind", a.Kind),
			slog.String("user_id", a.UserID),
			slog.String("error", err.Error()),
		)
	}
}
