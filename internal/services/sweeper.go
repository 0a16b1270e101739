package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/markjakearzadon/notipay-terminal.git/internal/db"
	"github.com/markjakearzadon/notipay-terminal.git/internal/events"
	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
)

type SweeperConfig struct {
	// Deadline is how long a transaction may stay in flight before it expires.
	Deadline time.Duration
	// Retention is how long a finished transaction stays readable before eviction.
	Retention time.Duration
	Interval  time.Duration
}

type SweepReport struct {
	Expired int
	Evicted int
}

// ExpirySweeper expires transactions that never got a result and evicts
// finished ones once their retention window has passed.
type ExpirySweeper struct {
	store     db.Store
	publisher events.Publisher
	cfg       SweeperConfig
	logger    *slog.Logger
	now       func() time.Time
	running   atomic.Bool
}

func NewExpirySweeper(store db.Store, publisher events.Publisher, cfg SweeperConfig, logger *slog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps every Interval until ctx is cancelled. It can be started again
// after it returns.
func (s *ExpirySweeper) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started",
		"interval", s.cfg.Interval,
		"deadline", s.cfg.Deadline,
		"retention", s.cfg.Retention,
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			report, err := s.Sweep(ctx, s.now())
			if err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", "error", err)
			}
			if report.Expired > 0 || report.Evicted > 0 {
				s.logger.InfoContext(ctx, "sweep finished", "expired", report.Expired, "evicted", report.Evicted)
			}
		}
	}
}

// Sweep performs one pass as of now.
func (s *ExpirySweeper) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport
	var errs []error

	candidates, err := s.store.ListExpirable(ctx, now.Add(-s.cfg.Deadline))
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list expirable transactions: %w", err))
	}
	for _, tx := range candidates {
		expired, err := s.expire(ctx, tx, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if expired {
			report.Expired++
		}
	}

	completed, err := s.store.ListCompleted(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list completed transactions: %w", err))
	}
	for _, tx := range completed {
		if err := s.store.Evict(ctx, tx.ID); err != nil {
			errs = append(errs, fmt.Errorf("failed to evict %s: %w", tx.ID, err))
			continue
		}
		report.Evicted++
	}

	return report, errors.Join(errs...)
}

// expire moves tx to EXPIRED from whatever pending state it is in. A poll may
// publish it between the listing and the transition, so a CREATED miss is
// retried once from COMMAND_PUBLISHED.
func (s *ExpirySweeper) expire(ctx context.Context, tx models.Transaction, now time.Time) (bool, error) {
	from := tx.State
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.store.TryTransition(ctx, tx.ID, models.Transition{
			From: from,
			To:   models.StateExpired,
			At:   now,
		})
		if errors.Is(err, db.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to expire %s: %w", tx.ID, err)
		}
		if ok {
			tx.State = models.StateExpired
			s.logger.InfoContext(ctx, "transaction expired",
				"transaction_id", tx.ID,
				"device_id", tx.DeviceID,
				"previous_state", from,
				"created_at", tx.CreatedAt,
			)
			publish(ctx, s.publisher, s.logger, newEvent(models.EventExpired, &tx, now))
			return true, nil
		}
		if from != models.StateCreated {
			return false, nil
		}
		from = models.StateCommandPublished
	}
	return false, nil
}
