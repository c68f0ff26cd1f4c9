package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/wenwu/saas-platform/vps-service/internal/queue"
)

// ErrSweepInProgress is returned when a sweep is requested while one runs.
var ErrSweepInProgress = errors.New("billing sweep already running")

const (
	sweepLeaseKey = "lease:billing-sweep"
	sweepLeaseTTL = 30 * time.Minute
)

// Sweeper runs the billing sweep on a fixed interval. Runs never overlap,
// within this process or, with a lease, across replicas and the sweep
// command.
type Sweeper struct {
	billing  *BillingService
	clock    clockwork.Clock
	interval time.Duration
	lease    queue.KeyLocker
	mu       sync.Mutex
}

// NewSweeper creates a sweeper.
func NewSweeper(billing *BillingService, clock clockwork.Clock, interval time.Duration) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{billing: billing, clock: clock, interval: interval}
}

// WithLease makes every sweep hold a shared lease first.
func (s *Sweeper) WithLease(l queue.KeyLocker) *Sweeper {
	s.lease = l
	return s
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("Billing sweeper started")
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Billing sweeper stopped")
			return
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

// RunOnce performs a single sweep unless one is already running.
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	if !s.mu.TryLock() {
		return nil, ErrSweepInProgress
	}
	defer s.mu.Unlock()

	if s.lease != nil {
		held, err := s.lease.Claim(ctx, sweepLeaseKey, sweepLeaseTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire sweep lease: %w", err)
		}
		if !held {
			return nil, ErrSweepInProgress
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := s.lease.Release(releaseCtx, sweepLeaseKey); err != nil {
				log.Warn().Err(err).Msg("Failed to release sweep lease")
			}
		}()
	}
	return s.billing.Sweep(ctx)
}

func (s *Sweeper) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrSweepInProgress) {
			log.Warn().Msg("Previous billing sweep still running, skipping tick")
			return
		}
		log.Error().Err(err).Msg("Billing sweep failed")
	}
}
