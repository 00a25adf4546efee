package webhooks

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Worker runs a periodic job with jittered ticks until the context is
// cancelled. Jitter keeps replicas from scanning in lockstep.
type Worker struct {
	Name     string
	Interval time.Duration
	Jitter   float64 // fraction of Interval, 0..1
	Run      func(ctx context.Context)
}

// Scheduler owns the background workers (delivery retries, expiry sweep,
// retention purge) and stops them together on shutdown.
type Scheduler struct {
	log     *zap.SugaredLogger
	workers []Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{log: log}
}

func (s *Scheduler) Add(w Worker) {
	s.workers = append(s.workers, w)
}

// Start launches every worker. Each runs once immediately, then on its
// jittered interval.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w Worker) {
			defer s.wg.Done()
			s.loop(ctx, w)
		}(w)
	}
}

// Stop cancels the workers and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, w Worker) {
	s.log.Infow("worker started", "worker", w.Name, "interval", w.Interval)
	w.Run(ctx)
	for {
		t := time.NewTimer(jittered(w.Interval, w.Jitter))
		select {
		case <-ctx.Done():
			t.Stop()
			s.log.Infow("worker stopped", "worker", w.Name)
			return
		case <-t.C:
			w.Run(ctx)
		}
	}
}

func jittered(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	// spread ticks over [d*(1-frac), d*(1+frac)]
	delta := float64(d) * frac
	return d + time.Duration((rand.Float64()*2-1)*delta)
}
