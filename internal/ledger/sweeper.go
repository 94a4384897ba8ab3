package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Purger deletes expired entries and reports how many went away.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// Sweeper calls every Purger on a fixed interval until stopped.
type Sweeper struct {
	interval time.Duration
	purgers  []Purger
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper returns a stopped sweeper.
func NewSweeper(interval time.Duration, logger *zap.Logger, purgers ...Purger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		interval: interval,
		purgers:  purgers,
		logger:   logger.Named("sweeper"),
	}
}

// Start launches the sweep goroutine. Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.interval <= 0 {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop halts the sweep goroutine and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SweepOnce runs every purger now and returns the total purged.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	total := 0
	for _, p := range s.purgers {
		n, err := p.Purge(ctx)
		if err != nil {
			s.logger.Warn("sweep failed", zap.Error(err))
			continue
		}
		total += n
	}
	return total
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.SweepOnce(ctx); n > 0 {
				s.logger.Debug("sweep complete", zap.Int("purged", n))
			}
		}
	}
}
