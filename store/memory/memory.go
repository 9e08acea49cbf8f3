// Package memory provides an in-process implementation of the store ports.
// A single mutex guards every collection, which makes the check-and-decrement
// and the two-key consume trivially indivisible. It backs unit tests and
// single-node deployments that run without Redis.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/flexype/flashsale/store"
)

type idempotencyEntry struct {
	result    store.ReserveResult
	expiresAt time.Time
}

type windowEntry struct {
	count     int
	windowEnd time.Time
}

// Store implements store.StockStore, store.Ledger, store.IdempotencyCache and
// store.RateLimiter over process-local maps.
type Store struct {
	mu sync.Mutex

	available map[string]int
	reserved  map[string]int

	reservations map[string]store.Reservation
	expiry       map[string]int64 // reservation id -> unix-second expiry score

	idempotency map[string]idempotencyEntry
	windows     map[string]windowEntry

	now func() time.Time
}

var (
	_ store.StockStore       = (*Store)(nil)
	_ store.Ledger           = (*Store)(nil)
	_ store.IdempotencyCache = (*Store)(nil)
	_ store.RateLimiter      = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Tests use this to cross TTL edges
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-process store.
func New(opts ...Option) *Store {
	s := &Store{
		available:    make(map[string]int),
		reserved:     make(map[string]int),
		reservations: make(map[string]store.Reservation),
		expiry:       make(map[string]int64),
		idempotency:  make(map[string]idempotencyEntry),
		windows:      make(map[string]windowEntry),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryDecrement implements store.StockStore.
func (s *Store) TryDecrement(_ context.Context, sku string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	avail := s.available[sku]
	if avail < n {
		return &store.InsufficientError{Available: avail}
	}
	s.available[sku] = avail - n
	s.reserved[sku] += n
	return nil
}

// Restore implements store.StockStore.
func (s *Store) Restore(_ context.Context, sku string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available[sku] += n
	if s.reserved[sku] -= n; s.reserved[sku] < 0 {
		s.reserved[sku] = 0
	}
	return nil
}

// CommitReserved implements store.StockStore.
func (s *Store) CommitReserved(_ context.Context, sku string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserved[sku] -= n; s.reserved[sku] < 0 {
		s.reserved[sku] = 0
	}
	return nil
}

// Set implements store.StockStore.
func (s *Store) Set(_ context.Context, sku string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available[sku] = n
	return nil
}

// Availability implements store.StockStore.
func (s *Store) Availability(_ context.Context, sku string) (store.Availability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.Availability{Available: s.available[sku], Reserved: s.reserved[sku]}, nil
}

// Insert implements store.Ledger.
func (s *Store) Insert(_ context.Context, res store.Reservation, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[res.ID] = res
	s.expiry[res.ID] = expiresAt.Unix()
	return nil
}

// Lookup implements store.Ledger.
func (s *Store) Lookup(_ context.Context, id string) (*store.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return nil, nil
	}
	out := res
	return &out, nil
}

// Consume implements store.Ledger.
func (s *Store) Consume(_ context.Context, id, userID string, grace time.Duration) (*store.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	score, ok := s.expiry[id]
	if !ok {
		// Blob without an index entry means the sweeper is mid-release.
		return nil, store.ErrExpired
	}
	if s.now().Unix() > score+int64(grace/time.Second) {
		return nil, store.ErrExpired
	}
	if res.UserID != userID {
		return nil, store.ErrWrongOwner
	}
	delete(s.reservations, id)
	delete(s.expiry, id)
	out := res
	return &out, nil
}

// Take implements store.Ledger.
func (s *Store) Take(_ context.Context, id string) (*store.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		delete(s.expiry, id)
		return nil, nil
	}
	delete(s.reservations, id)
	delete(s.expiry, id)
	out := res
	return &out, nil
}

// RangeDue implements store.Ledger.
func (s *Store) RangeDue(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []string
	cutoff := now.Unix()
	for id, score := range s.expiry {
		if score <= cutoff {
			due = append(due, id)
		}
	}
	return due, nil
}

// Remove implements store.Ledger.
func (s *Store) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reservations, id)
	delete(s.expiry, id)
	return nil
}

// Get implements store.IdempotencyCache.
func (s *Store) Get(_ context.Context, key string) (*store.ReserveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.idempotency[key]
	if !ok {
		return nil, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.idempotency, key)
		return nil, nil
	}
	out := entry.result
	return &out, nil
}

// Put implements store.IdempotencyCache.
func (s *Store) Put(_ context.Context, key string, result store.ReserveResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idempotency[key] = idempotencyEntry{result: result, expiresAt: s.now().Add(ttl)}
	return nil
}

// Allow implements store.RateLimiter.
func (s *Store) Allow(_ context.Context, principal, endpoint string, limit int, window time.Duration) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := "ratelimit:" + principal + ":" + endpoint
	now := s.now()
	entry, ok := s.windows[key]
	if !ok || !now.Before(entry.windowEnd) {
		s.windows[key] = windowEntry{count: 1, windowEnd: now.Add(window)}
		return true, 0, nil
	}
	if entry.count >= limit {
		retry := entry.windowEnd.Sub(now)
		if retry <= 0 {
			retry = window
		}
		return false, retry, nil
	}
	entry.count++
	s.windows[key] = entry
	return true, 0, nil
}
