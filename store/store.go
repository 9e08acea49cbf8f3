// Package store defines the backing-store ports for the reservation engine:
// atomic per-SKU stock counters, the reservation ledger with its expiry
// index, the idempotency cache, and the fixed-window rate limiter. Two
// implementations exist, store/redis for production and store/memory for
// tests and single-node deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound   = errors.New("reservation not found")
	ErrExpired    = errors.New("reservation expired")
	ErrWrongOwner = errors.New("reservation belongs to another user")
)

// InsufficientError reports a failed check-and-decrement together with the
// quantity that was available at the time of the attempt.
type InsufficientError struct {
	Available int
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient inventory: %d available", e.Available)
}

// Reservation is the ledger blob held for the lifetime of a hold.
type Reservation struct {
	ID        string    `json:"reservation_id"`
	UserID    string    `json:"user_id"`
	SKU       string    `json:"sku"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

// Availability is a point-in-time snapshot of the per-SKU counters.
type Availability struct {
	Available int
	Reserved  int
}

// Total is the stock the SKU accounts for across both counters.
func (a Availability) Total() int { return a.Available + a.Reserved }

// StockStore owns the per-SKU counters. TryDecrement and Restore must be
// indivisible with respect to each other; no interleaving may observe a
// negative available count.
type StockStore interface {
	// TryDecrement moves n units from available to reserved if at least n
	// are available, otherwise it leaves both counters untouched and
	// returns an *InsufficientError carrying the observed availability.
	TryDecrement(ctx context.Context, sku string, n int) error

	// Restore moves n units back from reserved to available. A missing
	// key counts as zero before the increment; the reserved counter is
	// clamped at zero.
	Restore(ctx context.Context, sku string, n int) error

	// CommitReserved burns n reserved units without returning them to the
	// pool. Used when a reservation converts into an order.
	CommitReserved(ctx context.Context, sku string, n int) error

	// Set overwrites the available counter. Administrative only.
	Set(ctx context.Context, sku string, n int) error

	// Availability reads both counters. The read may lag concurrent
	// mutations but never reports a negative value.
	Availability(ctx context.Context, sku string) (Availability, error)
}

// Ledger couples the reservation map with the time-ordered expiry index. At
// every quiescent point an id is present in both collections or neither.
type Ledger interface {
	Insert(ctx context.Context, res Reservation, expiresAt time.Time) error
	Lookup(ctx context.Context, id string) (*Reservation, error)

	// Consume validates ownership and non-expiry under the grace window,
	// then atomically removes both the blob and the index entry. It
	// returns the prior reservation, or ErrNotFound, ErrExpired,
	// ErrWrongOwner.
	Consume(ctx context.Context, id, userID string, grace time.Duration) (*Reservation, error)

	// Take removes the blob and the index entry unconditionally, in one
	// atomic step, and returns the prior reservation or (nil, nil) when
	// already gone. Of any number of concurrent callers exactly one
	// observes the blob; release paths use this to restore stock at most
	// once.
	Take(ctx context.Context, id string) (*Reservation, error)

	// RangeDue lists ids whose expiry score is at or before now. The
	// result is advisory: a concurrent Consume may remove an entry
	// between the scan and the caller acting on it.
	RangeDue(ctx context.Context, now time.Time) ([]string, error)

	// Remove deletes the blob and index entry if present. Idempotent.
	Remove(ctx context.Context, id string) error
}

// ReserveResult is the response payload recorded for idempotent replays.
type ReserveResult struct {
	ReservationID string    `json:"reservation_id"`
	SKU           string    `json:"sku"`
	Quantity      int       `json:"quantity"`
	ExpiresAt     time.Time `json:"expires_at"`
	TTLSeconds    int       `json:"ttl_seconds"`
}

// IdempotencyCache stores reserve responses under client-supplied keys.
type IdempotencyCache interface {
	// Get returns the recorded result for key, or (nil, nil) on a miss.
	Get(ctx context.Context, key string) (*ReserveResult, error)
	Put(ctx context.Context, key string, result ReserveResult, ttl time.Duration) error
}

// RateLimiter counts requests per (principal, endpoint) over a fixed window.
type RateLimiter interface {
	// Allow records one request. When the counter has reached limit the
	// request is rejected and retryAfter holds the remaining window,
	// never zero.
	Allow(ctx context.Context, principal, endpoint string, limit int, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
}

const maxSKULength = 50

// NormalizeSKU upper-cases and validates a SKU: 1..50 characters drawn from
// [A-Za-z0-9-]. Equality everywhere else is byte-equality of the normalised
// form.
func NormalizeSKU(sku string) (string, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if len(sku) == 0 || len(sku) > maxSKULength {
		return "", fmt.Errorf("sku must be 1-%d characters", maxSKULength)
	}
	for i := 0; i < len(sku); i++ {
		c := sku[i]
		if c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' {
			continue
		}
		return "", fmt.Errorf("sku contains invalid character %q", c)
	}
	return sku, nil
}
