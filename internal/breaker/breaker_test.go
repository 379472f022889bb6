package breaker

import (
	"testing"
	"time"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	cb := New(time.Minute, 10*time.Millisecond, 0.5, 4)
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("closed breaker must allow")
		}
		cb.Record(false)
	}
	if cb.State() != Open {
		t.Fatalf("expected Open, got %v", cb.State())
	}
	if cb.Allow() {
		t.Fatalf("open breaker must deny before cooldown")
	}
	time.Sleep(15 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected half-open probe after cooldown")
	}
	if cb.Allow() {
		t.Fatalf("only one probe allowed in half-open")
	}
	cb.Record(true)
	if cb.State() != Closed {
		t.Fatalf("successful probe must close breaker, got %v", cb.State())
	}
}

func TestCancelProbeReleasesSlot(t *testing.T) {
	cb := New(time.Minute, time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	if cb.State() != Open {
		t.Fatalf("expected Open")
	}
	time.Sleep(5 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected probe")
	}
	// caller found no work; without CancelProbe the breaker would wedge
	cb.CancelProbe()
	if !cb.Allow() {
		t.Fatalf("expected probe slot to be reusable after cancel")
	}
}
