package ratelimiter

import (
	"testing"
	"time"
)

func TestAllowIsPerKey(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()

	if !l.Allow("QmA", now) {
		t.Fatal("first attempt for QmA must pass")
	}
	if l.Allow("QmA", now) {
		t.Fatal("second immediate attempt for QmA must be throttled")
	}
	if !l.Allow("QmB", now) {
		t.Fatal("a different key must have its own bucket")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()

	if !l.Allow("QmA", now) {
		t.Fatal("first attempt must pass")
	}
	if l.Allow("QmA", now.Add(100*time.Millisecond)) {
		t.Fatal("attempt before refill must be throttled")
	}
	if !l.Allow("QmA", now.Add(2*time.Second)) {
		t.Fatal("attempt after refill must pass")
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *MapLimiter
	if !l.Allow("anything", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
}

func TestInvalidArgsReturnNil(t *testing.T) {
	if New(0, 1, time.Minute) != nil {
		t.Fatal("zero rps must return nil")
	}
	if New(1, 0, time.Minute) != nil {
		t.Fatal("zero burst must return nil")
	}
}

func TestEmptyKeyBypasses(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()
	if !l.Allow("", now) || !l.Allow("  ", now) {
		t.Fatal("blank keys must bypass limiting")
	}
}
