package reservation

import (
	"context"
	"log/slog"
	"time"

	"github.com/flexype/flashsale/store"
)

// AuditRecorder receives the expire events appended by the sweeper.
type AuditRecorder interface {
	RecordExpire(ctx context.Context, res store.Reservation, expiredAt time.Time) error
}

// Notifier pushes availability changes after a release. The broadcaster
// implements it; failures are best-effort by contract.
type Notifier interface {
	Publish(sku string, available, total int)
}

// SweeperConfig configures the expiry sweeper.
type SweeperConfig struct {
	Service  *Service
	Audit    AuditRecorder
	Notifier Notifier
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time

	// Released is called after each successful release; metrics hook.
	Released func()
}

// Sweeper periodically releases reservations whose TTL has elapsed,
// restoring their units to the pool. Release removes the ledger entry in a
// single atomic step, which makes concurrent replicas safe: each reservation
// is released at most once.
type Sweeper struct {
	service  *Service
	audit    AuditRecorder
	notifier Notifier
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	released func()
}

// NewSweeper constructs a sweeper with a 10 s default interval.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Released == nil {
		cfg.Released = func() {}
	}
	return &Sweeper{
		service:  cfg.Service,
		audit:    cfg.Audit,
		notifier: cfg.Notifier,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		now:      cfg.Now,
		released: cfg.Released,
	}
}

// Run ticks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("expiry sweep released reservations", "count", n)
			}
		}
	}
}

// Sweep releases every due reservation once and returns the release count.
// Errors on individual ids are logged and do not abort the pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.service.ledger.RangeDue(ctx, now)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, id := range due {
		ok, res, err := s.service.Release(ctx, id)
		if err != nil {
			s.logger.Error("release failed", "reservation_id", id, "error", err)
			continue
		}
		if !ok {
			// A concurrent confirm or another sweeper replica got
			// there first; Release already cleared the index entry.
			continue
		}
		released++
		s.released()

		if s.audit != nil {
			if err := s.audit.RecordExpire(ctx, *res, now); err != nil {
				s.logger.Error("expire audit failed", "reservation_id", id, "error", err)
			}
		}
		if s.notifier != nil {
			if avail, err := s.service.stock.Availability(ctx, res.SKU); err == nil {
				s.notifier.Publish(res.SKU, avail.Available, avail.Total())
			}
		}
	}
	return released, nil
}
