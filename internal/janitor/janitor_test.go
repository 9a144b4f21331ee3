package janitor

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/codesail/codesail/internal/config"
	"github.com/codesail/codesail/internal/domain"
	"github.com/codesail/codesail/internal/fileops"
	"github.com/codesail/codesail/internal/ratelimit"
	"github.com/codesail/codesail/internal/sandbox"
	"github.com/codesail/codesail/internal/sandbox/local"
	"github.com/codesail/codesail/internal/session"
	"github.com/codesail/codesail/internal/storage"
	"github.com/codesail/codesail/internal/storage/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCoordinator(t *testing.T, store storage.Store) *session.Coordinator {
	t.Helper()
	logger := discardLogger()
	exec, err := local.New(local.Config{BaseDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	files := fileops.New(exec, fileops.Config{}, logger)
	locator := sandbox.NewLocator("default", "runner", "user-")
	return session.New(locator, files, store, session.Config{}, logger)
}

func TestSweep(t *testing.T) {
	logger := discardLogger()

	store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	// One row old enough to prune, one recent.
	old := &domain.Activity{UserID: "alice", ProjectID: "p", Kind: "write",
		CreatedAt: time.Now().UTC().Add(-40 * 24 * time.Hour)}
	if err := store.Activities().Append(ctx, old); err != nil {
		t.Fatalf("Append: %v", err)
	}
	recent := &domain.Activity{UserID: "alice", ProjectID: "p", Kind: "write",
		CreatedAt: time.Now().UTC()}
	if err := store.Activities().Append(ctx, recent); err != nil {
		t.Fatalf("Append: %v", err)
	}

	coordinator := newCoordinator(t, store)

	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 60})
	limiter.Allow("alice")

	// Idle cutoffs of zero are below the config minimums; SessionIdleSeconds
	// of 1 gives a short test window.
	cfg := &config.JanitorConfig{SessionIdleSeconds: 1, ActivityRetentionDays: 30}
	j := New(coordinator, store, limiter, cfg, logger)

	j.Sweep(ctx)

	rows, err := store.Activities().Query(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows after sweep, want 1", len(rows))
	}
}

func TestStartStop(t *testing.T) {
	j := New(newCoordinator(t, nil), nil, nil, &config.JanitorConfig{}, discardLogger())
	if err := j.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j.Stop()
}

func TestStartRejectsBadSchedule(t *testing.T) {
	j := New(newCoordinator(t, nil), nil, nil, &config.JanitorConfig{Schedule: "not a cron"}, discardLogger())
	if err := j.Start(); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}
