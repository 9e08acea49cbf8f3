// Package redis implements the store ports on Redis.
//
// The decisive atomic steps are Lua scripts: check-and-decrement for reserve,
// the paired restore, the two-key consume over the reservation blob and the
// expiry index, and the unconditional take backing release. No interleaving
// of concurrent callers can observe a negative stock count or consume or
// release a reservation twice, which also makes the expiry sweeper safe to
// run in multiple replicas.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flexype/flashsale/store"
)

// Store is the Redis-backed implementation of every store port.
type Store struct {
	client goredis.Cmdable
}

var (
	_ store.StockStore       = (*Store)(nil)
	_ store.Ledger           = (*Store)(nil)
	_ store.IdempotencyCache = (*Store)(nil)
	_ store.RateLimiter      = (*Store)(nil)
)

// New wraps a connected client. The client must be a *goredis.Client or
// *goredis.ClusterClient.
func New(client goredis.Cmdable) *Store {
	return &Store{client: client}
}

const expiryIndexKey = "expiring_reservations"

func inventoryKey(sku string) string   { return "inventory:" + sku }
func reservedKey(sku string) string    { return "reserved:" + sku }
func reservationKey(id string) string  { return "reservation:" + id }
func idempotencyKey(key string) string { return "idempotency:" + key }

// reserveScript atomically checks and decrements the available counter while
// crediting the reserved-sum counter.
// KEYS[1] = inventory key, KEYS[2] = reserved key, ARGV[1] = quantity.
// Returns {1, remaining} on success, {0, available} on shortage.
var reserveScript = goredis.NewScript(`
local quantity = tonumber(ARGV[1])
local available = tonumber(redis.call('GET', KEYS[1]) or 0)
if available >= quantity then
    redis.call('DECRBY', KEYS[1], quantity)
    redis.call('INCRBY', KEYS[2], quantity)
    return {1, available - quantity}
end
return {0, available}
`)

// restoreScript returns quantity units to the pool and releases them from the
// reserved-sum counter, clamping at zero.
var restoreScript = goredis.NewScript(`
local quantity = tonumber(ARGV[1])
redis.call('INCRBY', KEYS[1], quantity)
local reserved = redis.call('DECRBY', KEYS[2], quantity)
if reserved < 0 then
    redis.call('SET', KEYS[2], 0)
end
return 1
`)

// commitScript burns reserved units on confirm without refunding the pool.
var commitScript = goredis.NewScript(`
local reserved = redis.call('DECRBY', KEYS[1], tonumber(ARGV[1]))
if reserved < 0 then
    redis.call('SET', KEYS[1], 0)
end
return 1
`)

// consumeScript deletes the reservation blob and its expiry-index entry in
// one step after validating presence, expiry under the grace window, and
// ownership.
// KEYS[1] = reservation key, KEYS[2] = expiry index.
// ARGV[1] = reservation id, ARGV[2] = user id, ARGV[3] = now (unix seconds),
// ARGV[4] = grace seconds.
// Returns {1, blob} on success, {-1} not found, {-2} expired, {-3} wrong owner.
var consumeScript = goredis.NewScript(`
local blob = redis.call('GET', KEYS[1])
if not blob then
    return {-1}
end
local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not score then
    return {-2}
end
if tonumber(ARGV[3]) > tonumber(score) + tonumber(ARGV[4]) then
    return {-2}
end
local res = cjson.decode(blob)
if res['user_id'] ~= ARGV[2] then
    return {-3}
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return {1, blob}
`)

// takeScript deletes the reservation blob and its expiry-index entry
// unconditionally and hands the blob to whichever caller got there first.
// KEYS[1] = reservation key, KEYS[2] = expiry index, ARGV[1] = reservation id.
// Returns the blob, or nil when the reservation was already gone.
var takeScript = goredis.NewScript(`
local blob = redis.call('GET', KEYS[1])
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if not blob then
    return false
end
return blob
`)

// rateLimitScript applies the fixed-window counter. The first request in a
// window creates the key with the window TTL; once the counter reaches the
// cap the request is rejected with the remaining TTL, falling back to the
// window size when the key carries no TTL.
// KEYS[1] = ratelimit key, ARGV[1] = limit, ARGV[2] = window seconds.
// Returns {1, 0} when allowed, {0, retry_after_seconds} when rejected.
var rateLimitScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
    redis.call('SET', KEYS[1], 1, 'EX', tonumber(ARGV[2]))
    return {1, 0}
end
if tonumber(current) >= tonumber(ARGV[1]) then
    local ttl = redis.call('TTL', KEYS[1])
    if ttl <= 0 then
        ttl = tonumber(ARGV[2])
    end
    return {0, ttl}
end
redis.call('INCR', KEYS[1])
return {1, 0}
`)

// TryDecrement implements store.StockStore.
func (s *Store) TryDecrement(ctx context.Context, sku string, n int) error {
	result, err := reserveScript.Run(ctx, s.client,
		[]string{inventoryKey(sku), reservedKey(sku)}, n,
	).Slice()
	if err != nil {
		return fmt.Errorf("redis: reserve script: %w", err)
	}
	ok, available, err := decodePair(result)
	if err != nil {
		return fmt.Errorf("redis: reserve script: %w", err)
	}
	if ok == 0 {
		return &store.InsufficientError{Available: int(available)}
	}
	return nil
}

// Restore implements store.StockStore.
func (s *Store) Restore(ctx context.Context, sku string, n int) error {
	if err := restoreScript.Run(ctx, s.client,
		[]string{inventoryKey(sku), reservedKey(sku)}, n,
	).Err(); err != nil {
		return fmt.Errorf("redis: restore script: %w", err)
	}
	return nil
}

// CommitReserved implements store.StockStore.
func (s *Store) CommitReserved(ctx context.Context, sku string, n int) error {
	if err := commitScript.Run(ctx, s.client, []string{reservedKey(sku)}, n).Err(); err != nil {
		return fmt.Errorf("redis: commit script: %w", err)
	}
	return nil
}

// Set implements store.StockStore.
func (s *Store) Set(ctx context.Context, sku string, n int) error {
	if err := s.client.Set(ctx, inventoryKey(sku), n, 0).Err(); err != nil {
		return fmt.Errorf("redis: set inventory: %w", err)
	}
	return nil
}

// Availability implements store.StockStore.
func (s *Store) Availability(ctx context.Context, sku string) (store.Availability, error) {
	values, err := s.client.MGet(ctx, inventoryKey(sku), reservedKey(sku)).Result()
	if err != nil {
		return store.Availability{}, fmt.Errorf("redis: read counters: %w", err)
	}
	return store.Availability{
		Available: parseCounter(values[0]),
		Reserved:  parseCounter(values[1]),
	}, nil
}

// Insert implements store.Ledger.
func (s *Store) Insert(ctx context.Context, res store.Reservation, expiresAt time.Time) error {
	blob, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("redis: encode reservation: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, reservationKey(res.ID), blob, 0)
	pipe.ZAdd(ctx, expiryIndexKey, goredis.Z{Score: float64(expiresAt.Unix()), Member: res.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: insert reservation: %w", err)
	}
	return nil
}

// Lookup implements store.Ledger.
func (s *Store) Lookup(ctx context.Context, id string) (*store.Reservation, error) {
	blob, err := s.client.Get(ctx, reservationKey(id)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: lookup reservation: %w", err)
	}
	var res store.Reservation
	if err := json.Unmarshal([]byte(blob), &res); err != nil {
		return nil, fmt.Errorf("redis: decode reservation: %w", err)
	}
	return &res, nil
}

// Consume implements store.Ledger.
func (s *Store) Consume(ctx context.Context, id, userID string, grace time.Duration) (*store.Reservation, error) {
	result, err := consumeScript.Run(ctx, s.client,
		[]string{reservationKey(id), expiryIndexKey},
		id, userID, time.Now().Unix(), int(grace/time.Second),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis: consume script: %w", err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("redis: consume script: empty reply")
	}
	code, ok := result[0].(int64)
	if !ok {
		return nil, fmt.Errorf("redis: consume script: unexpected reply %v", result[0])
	}
	switch code {
	case 1:
		blob, _ := result[1].(string)
		var res store.Reservation
		if err := json.Unmarshal([]byte(blob), &res); err != nil {
			return nil, fmt.Errorf("redis: decode reservation: %w", err)
		}
		return &res, nil
	case -1:
		return nil, store.ErrNotFound
	case -2:
		return nil, store.ErrExpired
	case -3:
		return nil, store.ErrWrongOwner
	default:
		return nil, fmt.Errorf("redis: consume script: unexpected code %d", code)
	}
}

// Take implements store.Ledger.
func (s *Store) Take(ctx context.Context, id string) (*store.Reservation, error) {
	blob, err := takeScript.Run(ctx, s.client,
		[]string{reservationKey(id), expiryIndexKey}, id,
	).Text()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: take script: %w", err)
	}
	var res store.Reservation
	if err := json.Unmarshal([]byte(blob), &res); err != nil {
		return nil, fmt.Errorf("redis: decode reservation: %w", err)
	}
	return &res, nil
}

// RangeDue implements store.Ledger.
func (s *Store) RangeDue(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, expiryIndexKey, &goredis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: scan due reservations: %w", err)
	}
	return ids, nil
}

// Remove implements store.Ledger.
func (s *Store) Remove(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, reservationKey(id))
	pipe.ZRem(ctx, expiryIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: remove reservation: %w", err)
	}
	return nil
}

// Get implements store.IdempotencyCache.
func (s *Store) Get(ctx context.Context, key string) (*store.ReserveResult, error) {
	blob, err := s.client.Get(ctx, idempotencyKey(key)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: idempotency get: %w", err)
	}
	var result store.ReserveResult
	if err := json.Unmarshal([]byte(blob), &result); err != nil {
		return nil, fmt.Errorf("redis: decode idempotency record: %w", err)
	}
	return &result, nil
}

// Put implements store.IdempotencyCache.
func (s *Store) Put(ctx context.Context, key string, result store.ReserveResult, ttl time.Duration) error {
	blob, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("redis: encode idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, idempotencyKey(key), blob, ttl).Err(); err != nil {
		return fmt.Errorf("redis: idempotency put: %w", err)
	}
	return nil
}

// Allow implements store.RateLimiter.
func (s *Store) Allow(ctx context.Context, principal, endpoint string, limit int, window time.Duration) (bool, time.Duration, error) {
	key := "ratelimit:" + principal + ":" + endpoint
	result, err := rateLimitScript.Run(ctx, s.client, []string{key}, limit, int(window/time.Second)).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis: rate limit script: %w", err)
	}
	allowed, retry, err := decodePair(result)
	if err != nil {
		return false, 0, fmt.Errorf("redis: rate limit script: %w", err)
	}
	if allowed == 1 {
		return true, 0, nil
	}
	return false, time.Duration(retry) * time.Second, nil
}

func decodePair(reply []interface{}) (int64, int64, error) {
	if len(reply) != 2 {
		return 0, 0, fmt.Errorf("unexpected reply length %d", len(reply))
	}
	first, ok := reply[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected reply %v", reply[0])
	}
	second, ok := reply[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected reply %v", reply[1])
	}
	return first, second, nil
}

func parseCounter(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
