package sqlite

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/codesail/codesail/internal/domain"
	"github.com/codesail/codesail/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "codesail.db")}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestStoreDriver(t *testing.T) {
	s := newTestStore(t)
	if s.Driver() != storage.DriverSQLite {
		t.Fatalf("Driver = %q, want %q", s.Driver(), storage.DriverSQLite)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestActivityAppendAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acts := s.Activities()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		a := &domain.Activity{
			UserID:    "alice",
			ProjectID: "proj-1",
			Kind:      "write",
			Path:      "src/main.go",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := acts.Append(ctx, a); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if a.ID == uuid.Nil {
			t.Fatal("Append did not assign an ID")
		}
	}
	if err := acts.Append(ctx, &domain.Activity{
		UserID:    "bob",
		ProjectID: "proj-2",
		Kind:      "exec",
		Command:   "go test ./...",
		ExitCode:  1,
		CreatedAt: base.Add(10 * time.Minute),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	t.Run("filter by user", func(t *testing.T) {
		got, err := acts.Query(ctx, "alice", "", 0)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("got %d activities, want 3", len(got))
		}
		// Newest first.
		for i := 1; i < len(got); i++ {
			if got[i].CreatedAt.After(got[i-1].CreatedAt) {
				t.Fatalf("activities not ordered newest-first: %v after %v", got[i].CreatedAt, got[i-1].CreatedAt)
			}
		}
	})

	t.Run("filter by project", func(t *testing.T) {
		got, err := acts.Query(ctx, "", "proj-2", 0)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("got %d activities, want 1", len(got))
		}
		if got[0].Kind != "exec" || got[0].ExitCode != 1 {
			t.Fatalf("unexpected activity: %+v", got[0])
		}
	})

	t.Run("limit", func(t *testing.T) {
		got, err := acts.Query(ctx, "", "", 2)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d activities, want 2", len(got))
		}
	})
}

func TestActivityDeleteOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acts := s.Activities()

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()
	for _, ts := range []time.Time{old, old.Add(time.Minute), recent} {
		if err := acts.Append(ctx, &domain.Activity{
			UserID:    "alice",
			ProjectID: "proj-1",
			Kind:      "read",
			CreatedAt: ts,
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := acts.DeleteOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d rows, want 2", n)
	}

	got, err := acts.Query(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d activities after prune, want 1", len(got))
	}
}
