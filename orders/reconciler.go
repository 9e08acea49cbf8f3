package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/flexype/flashsale/models"
)

// Reconciler surfaces orders stranded by the dual write: rows stuck in
// pending or failed past the cutoff. Stock consumed by a failed finalise is
// deliberately not refunded; the report exists so an operator can settle the
// divergence.
type Reconciler struct {
	db     *gorm.DB
	cutoff time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// Report summarises one reconciliation pass.
type Report struct {
	Pending  int
	Failed   int
	OrderIDs []string
}

// NewReconciler builds a reconciler; cutoff defaults to 10 minutes.
func NewReconciler(db *gorm.DB, cutoff time.Duration, logger *slog.Logger) *Reconciler {
	if cutoff <= 0 {
		cutoff = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{db: db, cutoff: cutoff, logger: logger, now: time.Now}
}

// Run scans for stranded orders older than the cutoff.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	before := r.now().UTC().Add(-r.cutoff)

	var stranded []models.Order
	err := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]models.OrderStatus{models.OrderStatusPending, models.OrderStatusFailed}, before).
		Order("created_at").
		Find(&stranded).Error
	if err != nil {
		return Report{}, fmt.Errorf("scan stranded orders: %w", err)
	}

	var report Report
	for _, order := range stranded {
		report.OrderIDs = append(report.OrderIDs, order.OrderID)
		if order.Status == models.OrderStatusPending {
			report.Pending++
		} else {
			report.Failed++
		}
	}

	if len(report.OrderIDs) > 0 {
		r.logger.Warn("stranded orders require operator attention",
			"pending", report.Pending, "failed", report.Failed, "order_ids", report.OrderIDs)
	}
	return report, nil
}

// Schedule runs the reconciler on a fixed cadence until the context is
// cancelled.
func (r *Reconciler) Schedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				r.logger.Error("reconciliation run failed", "error", err)
			}
		}
	}
}
