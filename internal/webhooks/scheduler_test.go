package webhooks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSchedulerRunsAndStops(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(zap.NewNop().Sugar())
	s.Add(Worker{
		Name:     "ticker",
		Interval: 5 * time.Millisecond,
		Run:      func(context.Context) { runs.Add(1) },
	})

	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Stop()
	if runs.Load() < 3 {
		t.Fatalf("worker ran %d times, want at least 3", runs.Load())
	}

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != after {
		t.Fatalf("worker kept running after Stop")
	}
}

func TestJitteredStaysWithinBounds(t *testing.T) {
	base := time.Second
	for i := 0; i < 100; i++ {
		d := jittered(base, 0.2)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered = %v, outside [0.8s, 1.2s]", d)
		}
	}
	if jittered(base, 0) != base {
		t.Fatalf("zero jitter must return the interval unchanged")
	}
}
