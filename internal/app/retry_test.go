package app

import (
	"testing"
	"time"
)

func TestRetryBackoffDoublesUpToCap(t *testing.T) {
	r := NewRetryPolicy(5, time.Second, 5*time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		delay, ok := r.Next()
		if !ok {
			t.Fatalf("attempt %d: budget exhausted early", i+1)
		}
		if delay != w {
			t.Fatalf("attempt %d: delay = %v, want %v", i+1, delay, w)
		}
	}
	if _, ok := r.Next(); ok {
		t.Fatal("budget not exhausted after max attempts")
	}
}

func TestRetryExhaustionIsSticky(t *testing.T) {
	r := NewRetryPolicy(1, time.Second, 5*time.Second)
	if _, ok := r.Next(); !ok {
		t.Fatal("first attempt rejected")
	}
	for i := 0; i < 3; i++ {
		if _, ok := r.Next(); ok {
			t.Fatal("exhausted policy granted an attempt")
		}
	}
	if r.Attempts() != 1 {
		t.Fatalf("attempts = %d, want 1", r.Attempts())
	}
}

func TestRetryResetRestoresFullBudget(t *testing.T) {
	r := NewRetryPolicy(2, time.Second, 5*time.Second)
	r.Next()
	r.Next()
	r.Reset()
	if r.Attempts() != 0 {
		t.Fatalf("attempts after reset = %d, want 0", r.Attempts())
	}
	delay, ok := r.Next()
	if !ok || delay != time.Second {
		t.Fatalf("post-reset attempt = (%v, %v), want (1s, true)", delay, ok)
	}
}
