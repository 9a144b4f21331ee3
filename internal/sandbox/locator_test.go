package sandbox

import (
	"errors"
	"testing"

	"github.com/codesail/codesail/internal/domain"
)

func TestLocator_Resolve(t *testing.T) {
	l := NewLocator("default", "runner", "user-")

	tests := []struct {
		name    string
		userID  string
		wantPod string
	}{
		{"plain", "alice", "user-alice"},
		{"uppercase lowered", "Alice", "user-alice"},
		{"special chars replaced", "alice@example.com", "user-alice-example-com"},
		{"digits kept", "user42", "user-user42"},
		{"unicode replaced", "ünïcode", "user--n-code"},
		{
			"long id capped",
			"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			"user-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := l.Resolve(tt.userID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ref.Pod != tt.wantPod {
				t.Errorf("pod = %q, want %q", ref.Pod, tt.wantPod)
			}
			if ref.Namespace != "default" {
				t.Errorf("namespace = %q, want %q", ref.Namespace, "default")
			}
			if ref.Container != "runner" {
				t.Errorf("container = %q, want %q", ref.Container, "runner")
			}
		})
	}
}

func TestLocator_ResolveDeterministic(t *testing.T) {
	l := NewLocator("default", "runner", "user-")

	first, err := l.Resolve("Some.User@Example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := l.Resolve("Some.User@Example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Errorf("resolution not deterministic: %+v vs %+v", first, second)
	}
}

func TestLocator_ResolveRejectsEmpty(t *testing.T) {
	l := NewLocator("default", "runner", "user-")

	for _, userID := range []string{"", "   ", "\t", "...", "@@@"} {
		if _, err := l.Resolve(userID); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("Resolve(%q) = %v, want validation error", userID, err)
		}
	}
}

func TestLocator_ResolveNoTrailingHyphen(t *testing.T) {
	l := NewLocator("default", "runner", "user-")

	ref, err := l.Resolve("alice...")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ref.Pod; got[len(got)-1] == '-' {
		t.Errorf("pod name %q ends with '-'", got)
	}
}

func TestLimitWriter(t *testing.T) {
	var buf []byte
	w := LimitWriter(writerFunc(func(p []byte) (int, error) {
		buf = append(buf, p...)
		return len(p), nil
	}), 5)

	n, err := w.Write([]byte("hello world"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 11 {
		t.Errorf("n = %d, want 11 (excess silently discarded)", n)
	}
	if string(buf) != "hello" {
		t.Errorf("written = %q, want %q", buf, "hello")
	}

	// Further writes are fully discarded.
	if _, err := w.Write([]byte("more")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("written after cap = %q, want %q", buf, "hello")
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
