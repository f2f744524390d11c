package ratelimit

import (
	"testing"
	"time"
)

func TestTryConsumeExhaustsBurst(t *testing.T) {
	l := New(3, time.Second)
	for i := 0; i < 3; i++ {
		if !l.TryConsume() {
			t.Fatalf("call %d: expected allow", i)
		}
	}
	if l.TryConsume() {
		t.Fatal("expected 4th call within the same instant to be denied")
	}
}

func TestDisabledAlwaysAllows(t *testing.T) {
	l := Disabled()
	for i := 0; i < 100; i++ {
		if !l.TryConsume() {
			t.Fatal("disabled limiter denied a call")
		}
	}
}

func TestNewWithZeroMaxDisables(t *testing.T) {
	l := New(0, time.Second)
	if !l.TryConsume() {
		t.Fatal("zero max should behave as disabled")
	}
}
