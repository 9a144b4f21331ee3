package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	for i := 0; i < 3; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request over burst: err = %v, want ErrRateLimited", err)
	}
}

func TestUsersAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	if err := l.Allow("alice"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("alice second request: err = %v", err)
	}
	if err := l.Allow("bob"); err != nil {
		t.Fatalf("bob blocked by alice's bucket: %v", err)
	}
}

func TestUnlimitedWhenZeroRate(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
}

func TestRefillOverTime(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 6000, BurstSize: 1})
	if err := l.Allow("alice"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("immediate second request: err = %v", err)
	}
	// 100 tokens/s: one token back after ~10ms.
	time.Sleep(30 * time.Millisecond)
	if err := l.Allow("alice"); err != nil {
		t.Fatalf("request after refill window: %v", err)
	}
}

func TestPrune(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60})
	l.Allow("alice")
	l.Allow("bob")

	if n := l.Prune(time.Hour); n != 0 {
		t.Fatalf("pruned %d fresh buckets, want 0", n)
	}
	if n := l.Prune(-time.Second); n != 2 {
		t.Fatalf("pruned %d buckets, want 2", n)
	}
	// Pruned users start over with a full bucket.
	if err := l.Allow("alice"); err != nil {
		t.Fatalf("alice after prune: %v", err)
	}
}
