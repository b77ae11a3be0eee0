package auction

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/carbontc/auction-engine/internal/clock"
	"github.com/carbontc/auction-engine/internal/metrics"
	"github.com/carbontc/auction-engine/internal/store"
)

// Scanner periodically finalizes every Open auction whose end time has
// passed.
type Scanner struct {
	store        store.Store
	finalizer    *Finalizer
	clock        clock.Clock
	interval     time.Duration
	initialDelay time.Duration
	running      atomic.Bool
}

// NewScanner creates a scanner that first fires after initialDelay and
// then every interval.
func NewScanner(st store.Store, f *Finalizer, clk clock.Clock, interval, initialDelay time.Duration) *Scanner {
	return &Scanner{
		store:        st,
		finalizer:    f,
		clock:        clk,
		interval:     interval,
		initialDelay: initialDelay,
	}
}

// Run blocks until ctx is done.
func (s *Scanner) Run(ctx context.Context) {
	slog.Info("expiry scanner started", "interval", s.interval, "initial_delay", s.initialDelay)

	delay := time.NewTimer(s.initialDelay)
	select {
	case <-ctx.Done():
		delay.Stop()
		return
	case <-delay.C:
	}
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("expiry scanner stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scanner) tick(ctx context.Context) {
	// RunOnce may be running concurrently.
	if !s.running.CompareAndSwap(false, true) {
		metrics.ScannerRuns.WithLabelValues("skipped").Inc()
		return
	}
	defer s.running.Store(false)

	if _, err := s.scan(ctx); err != nil {
		metrics.ScannerRuns.WithLabelValues("error").Inc()
		slog.Error("expiry scan failed", "err", err)
		return
	}
	metrics.ScannerRuns.WithLabelValues("ok").Inc()
}

// RunOnce performs a single scan and returns how many listings were moved
// to a terminal state.
func (s *Scanner) RunOnce(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.ScannerRuns.WithLabelValues("skipped").Inc()
		return 0, nil
	}
	defer s.running.Store(false)
	return s.scan(ctx)
}

func (s *Scanner) scan(ctx context.Context) (int, error) {
	ids, err := s.store.ListExpiredAuctions(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	done := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		out, err := s.finalizer.Finalize(ctx, id)
		if err != nil {
			level := slog.LevelError
			if errors.Is(err, ErrBusy) {
				level = slog.LevelWarn
			}
			slog.Log(ctx, level, "finalization failed, will retry next tick", "listing_id", id, "err", err)
			continue
		}
		if out != OutcomeNoOp {
			done++
		}
	}
	slog.Info("expiry scan complete", "expired", len(ids), "finalized", done)
	return done, nil
}
