package ratelimiter

import (
	"testing"
	"time"
)

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *Limiter
	if !l.Allow("any", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	if l.KeyCount() != 0 {
		t.Fatal("nil limiter tracks nothing")
	}
	if New(0, 1, time.Minute) != nil {
		t.Fatal("invalid rps must yield nil limiter")
	}
}

func TestBurstThenRefusal(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Now()
	if !l.Allow("dice.roll", now) || !l.Allow("dice.roll", now) {
		t.Fatal("burst capacity must be honored")
	}
	if l.Allow("dice.roll", now) {
		t.Fatal("third immediate call must be refused")
	}
	// A different key has its own bucket.
	if !l.Allow("meta.get", now) {
		t.Fatal("keys must not share a bucket")
	}
	if !l.Allow("dice.roll", now.Add(1100*time.Millisecond)) {
		t.Fatal("token must refill after a second")
	}
}

func TestIdleBucketsSwept(t *testing.T) {
	l := New(100, 100, 10*time.Millisecond)
	start := time.Now()
	l.Allow("stale", start)
	if l.KeyCount() != 1 {
		t.Fatalf("expected one bucket, got %d", l.KeyCount())
	}
	// The next Allow past the sweep horizon drops the idle bucket.
	l.Allow("busy", start.Add(time.Minute))
	if l.KeyCount() != 1 {
		t.Fatalf("expected only the busy bucket to survive, got %d", l.KeyCount())
	}
}
