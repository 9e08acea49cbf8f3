package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/flexype/flashsale/auth"
	"github.com/flexype/flashsale/broadcast"
	"github.com/flexype/flashsale/config"
	"github.com/flexype/flashsale/middleware"
	"github.com/flexype/flashsale/models"
	"github.com/flexype/flashsale/orders"
	"github.com/flexype/flashsale/reservation"
	"github.com/flexype/flashsale/store/memory"
)

type testEnv struct {
	server  *Server
	backend *memory.Store
	db      *gorm.DB
	hub     *broadcast.Hub
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	runtime := &config.Config{
		Port:                 "8000",
		Env:                  "test",
		JWTSecret:            "test-secret",
		JWTExpiry:            15 * time.Minute,
		ReservationTTL:       300 * time.Second,
		MinQuantity:          1,
		MaxQuantity:          5,
		RateLimitPerMinute:   1000,
		RateLimitPerIPMinute: 100000,
		IdempotencyTTL:       310 * time.Second,
	}
	if mutate != nil {
		mutate(runtime)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := memory.New()
	hub := broadcast.NewHub()
	tokens := auth.NewService(runtime.JWTSecret, runtime.JWTExpiry)
	reservations := reservation.New(reservation.Config{
		Stock:          backend,
		Ledger:         backend,
		Idempotency:    backend,
		TTL:            runtime.ReservationTTL,
		IdempotencyTTL: runtime.IdempotencyTTL,
		MinQuantity:    runtime.MinQuantity,
		MaxQuantity:    runtime.MaxQuantity,
		Logger:         logger,
	})
	promoter := orders.New(orders.Config{DB: db, Consumer: reservations, Logger: logger})
	observer := middleware.NewObservability(middleware.ObservabilityConfig{}, logger)

	srv := New(Config{
		Runtime:      runtime,
		DB:           db,
		Auth:         tokens,
		Reservations: reservations,
		Promoter:     promoter,
		Audit:        orders.NewAuditWriter(db),
		Hub:          hub,
		Limiter:      backend,
		Observer:     observer,
		Logger:       logger,
	})
	return &testEnv{server: srv, backend: backend, db: db, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(blob)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func (e *testEnv) register(t *testing.T, userID, password string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"user_id": userID, "password": password,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", userID, rec.Code, rec.Body.String())
	}
}

func (e *testEnv) login(t *testing.T, userID, password string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"user_id": userID, "password": password,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", userID, rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatalf("no access token in %v", body)
	}
	return token
}

func (e *testEnv) seed(t *testing.T, sku string, quantity int) {
	t.Helper()
	if err := e.backend.Set(context.Background(), sku, quantity); err != nil {
		t.Fatalf("seed inventory: %v", err)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t, nil)

	env.register(t, "alice", "correct-horse-battery")

	// Duplicate registration is a conflict.
	rec := env.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"user_id": "alice", "password": "correct-horse-battery",
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type = %s", ct)
	}

	token := env.login(t, "alice", "correct-horse-battery")
	if token == "" {
		t.Fatal("empty token")
	}

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"user_id": "alice", "password": "wrong-password-here",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password login: %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"user_id": "nobody-here", "password": "whatever-password",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown user login: %d", rec.Code)
	}
}

func TestReserveRequiresAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/inventory/reserve", "", map[string]any{
		"sku": "FLASH-1", "quantity": 1,
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated reserve: %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/inventory/reserve", "not-a-token", map[string]any{
		"sku": "FLASH-1", "quantity": 1,
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token reserve: %d", rec.Code)
	}
}

func TestReserveFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice", "correct-horse-battery")
	token := env.login(t, "alice", "correct-horse-battery")
	env.seed(t, "FLASH-1", 10)

	rec := env.do(t, http.MethodPost, "/api/v1/inventory/reserve", token, map[string]any{
		"sku": "flash-1", "quantity": 2,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("reserve: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
	if rec.Header().Get("X-Process-Time") == "" {
		t.Fatal("missing X-Process-Time header")
	}
	body := decodeBody(t, rec)
	rid, _ := body["reservation_id"].(string)
	if !strings.HasPrefix(rid, "rsv_") {
		t.Fatalf("reservation id = %q", rid)
	}
	if body["sku"] != "FLASH-1" || body["ttl_seconds"] != float64(300) {
		t.Fatalf("body = %v", body)
	}

	// Status reflects the hold.
	rec = env.do(t, http.MethodGet, "/api/v1/inventory/FLASH-1", token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	status := decodeBody(t, rec)
	if status["available"] != float64(8) || status["reserved"] != float64(2) || status["total"] != float64(10) {
		t.Fatalf("status = %v", status)
	}

	// An audit row was appended.
	var count int64
	if err := env.db.Model(&models.AuditLog{}).Where("event_type = ?", models.EventReserve).Count(&count).Error; err != nil {
		t.Fatalf("count audits: %v", err)
	}
	if count != 1 {
		t.Fatalf("reserve audits = %d", count)
	}
}

func TestReserveValidationProblem(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice", "correct-horse-battery")
	token := env.login(t, "alice", "correct-horse-battery")

	rec := env.do(t, http.MethodPost, "/api/v1/inventory/reserve", token, map[string]any{
		"sku": "bad_sku!", "quantity": 1,
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid sku: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["title"] != "Validation Error" {
		t.Fatalf("problem = %v", body)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/inventory/reserve", token, map[string]any{
		"sku": "FLASH-1", "quantity": 6,
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("quantity above max: %d", rec.Code)
	}
}

func TestReserveInsufficientProblem(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice", "correct-horse-battery")
	token := env.login(t, "alice", "correct-horse-battery")
	env.seed(t, "FLASH-1", 1)

	rec := env.do(t, http.MethodPost, "/api/v1/inventory/reserve", token, map[string]any{
		"sku": "FLASH-1", "quantity": 2,
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("insufficient: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["available"] != float64(1) {
		t.Fatalf("problem = %v", body)
	}
}

func TestReserveIdempotencyKey(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice", "correct-horse-battery")
	token := env.login(t, "alice", "correct-horse-battery")
	env.seed(t, "FLASH-1", 10)

	headers := map[string]string{"X-Idempotency-Key": "key-123"}
	first := env.do(t, http.MethodPost, "/api/v1/inventory/reserve", token, map[string]any{
		"sku": "FLASH-1", "quantity": 2,
	}, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("first reserve: %d", first.Code)
	}
	second := env.do(t, http.MethodPost, "/api/v1/inventory/reserve", token, map[string]any{
		"sku": "FLASH-1", "quantity": 2,
	}, headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: %d", second.Code)
	}

	if decodeBody(t, first)["reservation_id"] != decodeBody(t, second)["reservation_id"] {
		t.Fatal("replay minted a new reservation")
	}

	status := decodeBody(t, env.do(t, http.MethodGet, "/api/v1/inventory/FLASH-1", token, nil, nil))
	if status["available"] != float64(8) {
		t.Fatalf("stock decremented twice: %v", status)
	}
}

func TestConcurrentReserveLastItem(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "HOT-1", 1)

	const users = 100
	tokens := make([]string, users)
	for i := range tokens {
		user := fmt.Sprintf("user-%03d", i)
		env.register(t, user, "correct-horse-battery")
		tokens[i] = env.login(t, user, "correct-horse-battery")
	}

	var wg sync.WaitGroup
	codes := make(chan int, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			rec := env.do(t, http.MethodPost, "/api/v1/inventory/reserve", token, map[string]any{
				"sku": "HOT-1", "quantity": 1,
			}, nil)
			codes <- rec.Code
		}(tokens[i])
	}
	wg.Wait()
	close(codes)

	granted, conflicts := 0, 0
	for code := range codes {
		switch code {
		case http.StatusCreated:
			granted++
		case http.StatusConflict:
			conflicts++
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	if granted != 1 || conflicts != users-1 {
		t.Fatalf("granted = %d, conflicts = %d", granted, conflicts)
	}
}

func TestConfirmFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice", "correct-horse-battery")
	env.register(t, "bob", "correct-horse-battery")
	alice := env.login(t, "alice", "correct-horse-battery")
	bob := env.login(t, "bob", "correct-horse-battery")
	env.seed(t, "FLASH-1", 5)

	reserve := decodeBody(t, env.do(t, http.MethodPost, "/api/v1/inventory/reserve", alice, map[string]any{
		"sku": "FLASH-1", "quantity": 2,
	}, nil))
	rid := reserve["reservation_id"].(string)

	// Another user cannot confirm the reservation.
	rec := env.do(t, http.MethodPost, "/api/v1/checkout/confirm", bob, map[string]string{"reservation_id": rid}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign confirm: %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/checkout/confirm", alice, map[string]string{"reservation_id": rid}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", rec.Code, rec.Body.String())
	}
	order := decodeBody(t, rec)
	orderID, _ := order["order_id"].(string)
	if !strings.HasPrefix(orderID, "ord_") || order["status"] != "confirmed" {
		t.Fatalf("order = %v", order)
	}
	if order["total"] != "59.98" {
		t.Fatalf("total = %v", order["total"])
	}

	// A second confirm of the same reservation finds nothing.
	rec = env.do(t, http.MethodPost, "/api/v1/checkout/confirm", alice, map[string]string{"reservation_id": rid}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double confirm: %d", rec.Code)
	}

	// The order is readable by its owner only.
	rec = env.do(t, http.MethodGet, "/api/v1/checkout/orders/"+orderID, alice, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get order: %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/checkout/orders/"+orderID, bob, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign order read: %d", rec.Code)
	}
}

func TestCancelFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice", "correct-horse-battery")
	token := env.login(t, "alice", "correct-horse-battery")
	env.seed(t, "FLASH-1", 5)

	reserve := decodeBody(t, env.do(t, http.MethodPost, "/api/v1/inventory/reserve", token, map[string]any{
		"sku": "FLASH-1", "quantity": 2,
	}, nil))
	rid := reserve["reservation_id"].(string)

	rec := env.do(t, http.MethodPost, "/api/v1/checkout/cancel", token, map[string]string{"reservation_id": rid}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "canceled" {
		t.Fatalf("cancel body = %v", body)
	}

	status := decodeBody(t, env.do(t, http.MethodGet, "/api/v1/inventory/FLASH-1", token, nil, nil))
	if status["available"] != float64(5) || status["reserved"] != float64(0) {
		t.Fatalf("status after cancel = %v", status)
	}

	// Cancelling again, or cancelling an unknown id, is a 404.
	rec = env.do(t, http.MethodPost, "/api/v1/checkout/cancel", token, map[string]string{"reservation_id": rid}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("repeat cancel: %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/v1/checkout/cancel", token, map[string]string{"reservation_id": "rsv_missing"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing cancel: %d", rec.Code)
	}
}

func TestInitializeInventory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "admin", "correct-horse-battery")
	token := env.login(t, "admin", "correct-horse-battery")

	rec := env.do(t, http.MethodPost, "/api/v1/inventory/flash-9/initialize?quantity=50", token, nil, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("initialize: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["sku"] != "FLASH-9" || body["available"] != float64(50) {
		t.Fatalf("body = %v", body)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/inventory/flash-9/initialize?quantity=-1", token, nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative initialize: %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/inventory/flash-9/initialize", token, nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing quantity: %d", rec.Code)
	}
}

func TestUserRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimitPerMinute = 3
	})
	env.register(t, "alice", "correct-horse-battery")
	token := env.login(t, "alice", "correct-horse-battery")
	env.seed(t, "FLASH-1", 100)

	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/inventory/reserve", token, map[string]any{
			"sku": "FLASH-1", "quantity": 1,
		}, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("request %d: %d", i+1, rec.Code)
		}
	}

	rec := env.do(t, http.MethodPost, "/api/v1/inventory/reserve", token, map[string]any{
		"sku": "FLASH-1", "quantity": 1,
	}, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over limit: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	body := decodeBody(t, rec)
	if body["retry_after"] == nil {
		t.Fatalf("problem = %v", body)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["version"] != config.Version {
		t.Fatalf("health body = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "flashsale_requests_total") {
		// The counter only appears after the first labelled observation.
		env.do(t, http.MethodGet, "/health", "", nil, nil)
		rec = env.do(t, http.MethodGet, "/metrics", "", nil, nil)
		if !strings.Contains(rec.Body.String(), "flashsale_requests_total") {
			t.Fatalf("metrics body missing request counter: %s", rec.Body.String()[:min(200, rec.Body.Len())])
		}
	}
}

func TestMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice", "correct-horse-battery")
	token := env.login(t, "alice", "correct-horse-battery")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/inventory/reserve", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: %d", rec.Code)
	}
}
