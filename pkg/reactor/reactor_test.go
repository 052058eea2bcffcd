package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"ovenctl/pkg/oerr"
)

func TestNowMSMonotonic(t *testing.T) {
	r := New()
	defer r.Shutdown()

	a := r.NowMS()
	time.Sleep(5 * time.Millisecond)
	b := r.NowMS()
	if b < a {
		t.Fatalf("clock went backwards: %d then %d", a, b)
	}
}

func TestSleepMSWaitsAtLeast(t *testing.T) {
	r := New()
	defer r.Shutdown()

	start := r.NowMS()
	r.SleepMS(20)
	elapsed := r.NowMS() - start
	if elapsed < 20 {
		t.Fatalf("SleepMS(20) returned after %dms", elapsed)
	}
}

func TestSpawnRunsTask(t *testing.T) {
	r := New()

	done := make(chan struct{})
	if err := r.Spawn("test", func() { close(done) }); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawned task never ran")
	}
	r.Shutdown()
}

func TestSpawnAfterShutdown(t *testing.T) {
	r := New()
	r.Shutdown()

	err := r.Spawn("late", func() {})
	if err == nil {
		t.Fatal("expected error spawning after shutdown")
	}
	if !oerr.Is(err, oerr.ResourceExhausted) {
		t.Fatalf("expected resource_exhausted, got %v", err)
	}
}

func TestEveryMSFiresRepeatedly(t *testing.T) {
	r := New()
	defer r.Shutdown()

	var count atomic.Int32
	ticker, err := r.EveryMS(10, func(nowMS uint64) {
		count.Add(1)
	})
	if err != nil {
		t.Fatalf("EveryMS: %v", err)
	}
	defer ticker.Stop()

	deadline := time.After(time.Second)
	for count.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("ticker fired only %d times", count.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEveryMSZeroPeriod(t *testing.T) {
	r := New()
	defer r.Shutdown()

	if _, err := r.EveryMS(0, func(uint64) {}); !oerr.Is(err, oerr.InvalidArgument) {
		t.Fatalf("expected invalid_argument, got %v", err)
	}
}

func TestTickerStopIdempotent(t *testing.T) {
	r := New()
	defer r.Shutdown()

	ticker, err := r.EveryMS(10, func(uint64) {})
	if err != nil {
		t.Fatalf("EveryMS: %v", err)
	}
	ticker.Stop()
	ticker.Stop()
}
