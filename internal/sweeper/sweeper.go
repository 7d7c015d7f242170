// Package sweeper periodically releases escrows whose grace period has ended.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Releaser is the engine entry point the sweeper drives.
type Releaser interface {
	ProcessScheduledReleases(ctx context.Context) (int, error)
}

// Locker keeps two instances from sweeping at the same time. Acquire reports
// ok=false when another holder has the lock.
type Locker interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

type Sweeper struct {
	releaser Releaser
	locker   Locker
	interval time.Duration
	log      *zap.Logger
}

// New builds a sweeper. A nil locker sweeps unconditionally; row locks in the
// engine still keep each escrow safe.
func New(releaser Releaser, locker Locker, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{releaser: releaser, locker: locker, interval: interval, log: log}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("release sweeper started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("release sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.log.Info("release sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep and returns the number of escrows released.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx)
		switch {
		case err != nil:
			s.log.Warn("sweep lock unavailable, sweeping without it", zap.Error(err))
		case !ok:
			s.log.Debug("sweep skipped, another instance holds the lock")
			return 0, nil
		default:
			defer release()
		}
	}

	start := time.Now()
	n, err := s.releaser.ProcessScheduledReleases(ctx)
	if err != nil {
		return n, err
	}
	s.log.Info("release sweep finished",
		zap.Int("released", n),
		zap.Duration("took", time.Since(start)))
	return n, nil
}
