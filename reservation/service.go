// Package reservation implements the reservation state machine: the atomic
// acquisition of stock under a named, TTL-bound hold, and the single
// consumption of that hold by confirm, cancel, or expiry.
package reservation

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flexype/flashsale/observability/logging"
	"github.com/flexype/flashsale/store"
)

// ConfirmGrace is the safety buffer applied over the expiry score on confirm
// to tolerate clock skew and network latency near the TTL edge.
const ConfirmGrace = 5 * time.Second

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Config captures the dependencies required to construct the service.
type Config struct {
	Stock       store.StockStore
	Ledger      store.Ledger
	Idempotency store.IdempotencyCache

	TTL            time.Duration
	IdempotencyTTL time.Duration
	MinQuantity    int
	MaxQuantity    int

	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

// Service orchestrates the stock store, the ledger, and the idempotency
// cache. It is the only component that mutates stock or ledger state.
type Service struct {
	stock       store.StockStore
	ledger      store.Ledger
	idempotency store.IdempotencyCache

	ttl     time.Duration
	idemTTL time.Duration
	minQty  int
	maxQty  int

	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New constructs a service with defaults matching the production
// configuration: 300 s reservation TTL, 310 s idempotency TTL, quantities
// 1..5.
func New(cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 300 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = cfg.TTL + 10*time.Second
	}
	if cfg.MinQuantity <= 0 {
		cfg.MinQuantity = 1
	}
	if cfg.MaxQuantity < cfg.MinQuantity {
		cfg.MaxQuantity = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = NewReservationID
	}
	return &Service{
		stock:       cfg.Stock,
		ledger:      cfg.Ledger,
		idempotency: cfg.Idempotency,
		ttl:         cfg.TTL,
		idemTTL:     cfg.IdempotencyTTL,
		minQty:      cfg.MinQuantity,
		maxQty:      cfg.MaxQuantity,
		logger:      cfg.Logger,
		now:         cfg.Now,
		newID:       cfg.NewID,
	}
}

// NewReservationID mints a fresh opaque reservation token.
func NewReservationID() string {
	id := uuid.New()
	return "rsv_" + hex.EncodeToString(id[:])[:12]
}

// TTLSeconds reports the reservation lifetime in whole seconds.
func (s *Service) TTLSeconds() int { return int(s.ttl / time.Second) }

// Reserve atomically acquires quantity units of sku under a fresh
// reservation. A repeated idempotency key within the cache TTL returns the
// recorded result verbatim without touching stock.
func (s *Service) Reserve(ctx context.Context, sku string, quantity int, userID, idempotencyKey string) (store.ReserveResult, error) {
	sku, err := store.NormalizeSKU(sku)
	if err != nil {
		return store.ReserveResult{}, &ValidationError{Field: "sku", Message: err.Error()}
	}
	if quantity < s.minQty || quantity > s.maxQty {
		return store.ReserveResult{}, &ValidationError{
			Field:   "quantity",
			Message: fmt.Sprintf("quantity must be between %d and %d", s.minQty, s.maxQty),
		}
	}

	// The idempotency gate runs before any stock mutation.
	if idempotencyKey != "" {
		cached, err := s.idempotency.Get(ctx, idempotencyKey)
		if err != nil {
			return store.ReserveResult{}, fmt.Errorf("idempotency lookup: %w", err)
		}
		if cached != nil {
			s.logger.Info("idempotent replay",
				logging.MaskField("idempotency_key", idempotencyKey),
				"reservation_id", cached.ReservationID)
			return *cached, nil
		}
	}

	if err := s.stock.TryDecrement(ctx, sku, quantity); err != nil {
		return store.ReserveResult{}, err
	}

	now := s.now().UTC()
	res := store.Reservation{
		ID:        s.newID(),
		UserID:    userID,
		SKU:       sku,
		Quantity:  quantity,
		CreatedAt: now,
	}
	expiresAt := now.Add(s.ttl)

	if err := s.ledger.Insert(ctx, res, expiresAt); err != nil {
		// The units are already held; give them back before surfacing.
		if restoreErr := s.stock.Restore(ctx, sku, quantity); restoreErr != nil {
			s.logger.Error("compensation failed after ledger insert error",
				"sku", sku, "quantity", quantity, "error", restoreErr)
		}
		return store.ReserveResult{}, fmt.Errorf("ledger insert: %w", err)
	}

	result := store.ReserveResult{
		ReservationID: res.ID,
		SKU:           sku,
		Quantity:      quantity,
		ExpiresAt:     expiresAt,
		TTLSeconds:    s.TTLSeconds(),
	}

	if idempotencyKey != "" {
		if err := s.idempotency.Put(ctx, idempotencyKey, result, s.idemTTL); err != nil {
			// The reservation stands; a lost record only costs replay safety.
			s.logger.Warn("idempotency record failed",
				logging.MaskField("idempotency_key", idempotencyKey), "error", err)
		}
	}

	s.logger.Info("reserved inventory",
		"sku", sku, "quantity", quantity, "user_id", userID,
		"reservation_id", res.ID, "expires_at", expiresAt)
	return result, nil
}

// Confirm consumes the reservation for good: the held units convert into an
// order and stock is not restored. Fails with store.ErrNotFound,
// store.ErrExpired, or store.ErrWrongOwner.
func (s *Service) Confirm(ctx context.Context, reservationID, userID string) (*store.Reservation, error) {
	res, err := s.ledger.Consume(ctx, reservationID, userID, ConfirmGrace)
	if err != nil {
		return nil, err
	}
	// The reserved-sum counter is advisory; a failed burn must not undo
	// the consume.
	if err := s.stock.CommitReserved(ctx, res.SKU, res.Quantity); err != nil {
		s.logger.Warn("reserved counter burn failed", "sku", res.SKU, "error", err)
	}
	s.logger.Info("confirmed reservation", "reservation_id", reservationID, "user_id", userID)
	return res, nil
}

// Cancel is the user-initiated release. It returns false when the
// reservation is already gone and store.ErrWrongOwner when the principal
// does not own it; stock is only restored on a successful cancel.
func (s *Service) Cancel(ctx context.Context, reservationID, userID string) (*store.Reservation, error) {
	res, err := s.ledger.Lookup(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("lookup reservation: %w", err)
	}
	if res == nil {
		return nil, nil
	}
	if res.UserID != userID {
		return nil, store.ErrWrongOwner
	}
	released, _, err := s.Release(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if !released {
		// Raced with the sweeper or a concurrent confirm.
		return nil, nil
	}
	s.logger.Info("canceled reservation", "reservation_id", reservationID, "user_id", userID)
	return res, nil
}

// Release removes the ledger entry and restores the held units. The removal
// is a single atomic step, so of any number of concurrent releases exactly
// one restores stock. It performs no ownership check; the sweeper and Cancel
// share it.
func (s *Service) Release(ctx context.Context, reservationID string) (bool, *store.Reservation, error) {
	res, err := s.ledger.Take(ctx, reservationID)
	if err != nil {
		return false, nil, fmt.Errorf("take reservation: %w", err)
	}
	if res == nil {
		// Already confirmed or released.
		return false, nil, nil
	}
	if err := s.stock.Restore(ctx, res.SKU, res.Quantity); err != nil {
		// The entry is gone; reinserting it would resurrect an expired
		// hold. Surface the failure for the operator to reconcile.
		return false, res, fmt.Errorf("restore stock: %w", err)
	}
	s.logger.Info("released reservation",
		"reservation_id", reservationID, "sku", res.SKU, "quantity", res.Quantity)
	return true, res, nil
}

// Lookup reads the live reservation blob without consuming it.
func (s *Service) Lookup(ctx context.Context, reservationID string) (*store.Reservation, error) {
	return s.ledger.Lookup(ctx, reservationID)
}

// Status reads the per-SKU counters. Reserved is maintained alongside every
// decrement/restore; total derives from both.
func (s *Service) Status(ctx context.Context, sku string) (store.Availability, error) {
	sku, err := store.NormalizeSKU(sku)
	if err != nil {
		return store.Availability{}, &ValidationError{Field: "sku", Message: err.Error()}
	}
	return s.stock.Availability(ctx, sku)
}

// SetInventory overwrites the available counter for sku. Administrative.
func (s *Service) SetInventory(ctx context.Context, sku string, quantity int) (store.Availability, error) {
	sku, err := store.NormalizeSKU(sku)
	if err != nil {
		return store.Availability{}, &ValidationError{Field: "sku", Message: err.Error()}
	}
	if quantity < 0 {
		return store.Availability{}, &ValidationError{Field: "quantity", Message: "quantity must not be negative"}
	}
	if err := s.stock.Set(ctx, sku, quantity); err != nil {
		return store.Availability{}, fmt.Errorf("set inventory: %w", err)
	}
	s.logger.Info("set inventory", "sku", sku, "quantity", quantity)
	// Re-read so callers broadcast the authoritative counters, not the
	// request value.
	return s.stock.Availability(ctx, sku)
}
