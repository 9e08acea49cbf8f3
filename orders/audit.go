package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/flexype/flashsale/models"
	"github.com/flexype/flashsale/store"
)

// AuditWriter appends events to the relational audit log.
type AuditWriter struct {
	db  *gorm.DB
	now func() time.Time
}

// NewAuditWriter wraps a gorm handle.
func NewAuditWriter(db *gorm.DB) *AuditWriter {
	return &AuditWriter{db: db, now: time.Now}
}

// Record appends one audit row. Details is marshalled to JSON text.
func (w *AuditWriter) Record(ctx context.Context, eventType, userID, sku, reservationID string, details map[string]any) error {
	return appendAudit(w.db.WithContext(ctx), w.now(), eventType, userID, sku, reservationID, details)
}

// RecordExpire appends the expire event written by the sweeper.
func (w *AuditWriter) RecordExpire(ctx context.Context, res store.Reservation, expiredAt time.Time) error {
	return w.Record(ctx, models.EventExpire, res.UserID, res.SKU, res.ID, map[string]any{
		"quantity":   res.Quantity,
		"created_at": res.CreatedAt.UTC().Format(time.RFC3339),
		"expired_at": expiredAt.UTC().Format(time.RFC3339),
	})
}

// appendAudit writes an audit row on the given handle so callers can append
// inside an open transaction.
func appendAudit(tx *gorm.DB, at time.Time, eventType, userID, sku, reservationID string, details map[string]any) error {
	blob, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	row := models.AuditLog{
		EventType:     eventType,
		UserID:        userID,
		SKU:           sku,
		ReservationID: reservationID,
		Details:       string(blob),
		Timestamp:     at.UTC(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
