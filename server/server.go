// Package server exposes the reservation engine over HTTP: credentialed
// auth, the reserve/confirm/cancel flow, inventory reads and administration,
// and the per-SKU availability stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/flexype/flashsale/auth"
	"github.com/flexype/flashsale/broadcast"
	"github.com/flexype/flashsale/config"
	"github.com/flexype/flashsale/middleware"
	"github.com/flexype/flashsale/models"
	"github.com/flexype/flashsale/orders"
	"github.com/flexype/flashsale/reservation"
	"github.com/flexype/flashsale/store"
)

// Config wires the server's collaborators.
type Config struct {
	Runtime      *config.Config
	DB           *gorm.DB
	Auth         *auth.Service
	Reservations *reservation.Service
	Promoter     *orders.Promoter
	Audit        *orders.AuditWriter
	Hub          *broadcast.Hub
	Limiter      store.RateLimiter
	Observer     *middleware.Observability
	Logger       *slog.Logger

	// RedisPing probes the backing store for the health endpoint. Nil means
	// the in-memory backend is in use and the probe is skipped.
	RedisPing func(ctx context.Context) error
}

// Server is the HTTP surface.
type Server struct {
	cfg      Config
	router   chi.Router
	validate *validator.Validate
	logger   *slog.Logger
}

// New assembles the router.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   cfg.Logger,
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(middleware.CORSConfig{}))

	ipLimiter := middleware.NewIPRateLimiter(s.cfg.Runtime.RateLimitPerIPMinute, func(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
		s.cfg.Observer.RateLimited.Inc()
		writeRateLimited(w, r, retryAfter)
	})
	r.Use(ipLimiter.Middleware)

	userLimiter := middleware.NewUserRateLimiter(
		s.cfg.Limiter,
		s.cfg.Runtime.RateLimitPerMinute,
		time.Minute,
		writeRateLimited,
		func() { s.cfg.Observer.RateLimited.Inc() },
	)

	r.With(s.cfg.Observer.Middleware("health")).Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.cfg.Observer.MetricsHandler())

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Use(s.cfg.Observer.Middleware("auth"))
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
	})

	r.Route("/api/v1/inventory", func(r chi.Router) {
		// The stream endpoint skips the response-wrapping middleware so the
		// connection can still be hijacked for the upgrade.
		r.Get("/ws/{sku}", s.handleInventoryStream)

		r.Group(func(r chi.Router) {
			r.Use(s.cfg.Observer.Middleware("inventory"))
			r.Use(s.authMiddleware)
			r.With(userLimiter.Middleware).Post("/reserve", s.handleReserve)
			r.Get("/{sku}", s.handleInventoryStatus)
			r.Post("/{sku}/initialize", s.handleInventoryInitialize)
		})
	})

	r.Route("/api/v1/checkout", func(r chi.Router) {
		r.Use(s.cfg.Observer.Middleware("checkout"))
		r.Use(s.authMiddleware)
		r.Post("/confirm", s.handleConfirm)
		r.Post("/cancel", s.handleCancel)
		r.Get("/orders/{order_id}", s.handleOrder)
	})

	return r
}

// authMiddleware resolves the bearer token into the principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeUnauthorized(w, r, "missing bearer token")
			return
		}
		userID, err := s.cfg.Auth.Verify(token)
		if err != nil {
			writeUnauthorized(w, r, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), userID)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	// Browsers cannot set headers on WebSocket dials; accept the query form.
	return r.URL.Query().Get("token")
}

// --- auth ---

type credentialsRequest struct {
	UserID   string `json:"user_id" validate:"required,min=3,max=50"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	user := models.User{UserID: req.UserID, PasswordHash: hash}
	if err := s.cfg.DB.WithContext(r.Context()).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique") {
			writeProblem(w, r, Problem{
				Type:   problemTypeBase + "user-exists",
				Title:  "User Already Exists",
				Status: http.StatusConflict,
				Detail: "user_id is already registered",
			})
			return
		}
		writeError(w, r, err)
		return
	}
	token, err := s.cfg.Auth.Token(req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.logger.Info("registered user", "user_id", req.UserID)
	s.respond(w, http.StatusCreated, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(s.cfg.Auth.TTL() / time.Second),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	var user models.User
	err := s.cfg.DB.WithContext(r.Context()).First(&user, "user_id = ?", req.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !auth.CheckPassword(user.PasswordHash, req.Password)) {
		writeUnauthorized(w, r, "invalid credentials")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	token, err := s.cfg.Auth.Token(user.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(s.cfg.Auth.TTL() / time.Second),
	})
}

// --- inventory ---

type reserveRequest struct {
	SKU      string `json:"sku" validate:"required"`
	Quantity int    `json:"quantity" validate:"required"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	var req reserveRequest
	if !s.decode(w, r, &req) {
		return
	}
	idemKey := r.Header.Get("X-Idempotency-Key")

	result, err := s.cfg.Reservations.Reserve(r.Context(), req.SKU, req.Quantity, userID, idemKey)
	if err != nil {
		var insufficient *store.InsufficientError
		if errors.As(err, &insufficient) {
			s.cfg.Observer.Reservations.WithLabelValues("insufficient").Inc()
		} else {
			s.cfg.Observer.Reservations.WithLabelValues("error").Inc()
		}
		writeError(w, r, err)
		return
	}
	s.cfg.Observer.Reservations.WithLabelValues("success").Inc()

	if err := s.cfg.Audit.Record(r.Context(), models.EventReserve, userID, result.SKU, result.ReservationID, map[string]any{
		"quantity":   result.Quantity,
		"expires_at": result.ExpiresAt.UTC().Format(time.RFC3339),
	}); err != nil {
		s.logger.Error("reserve audit append failed", "reservation_id", result.ReservationID, "error", err)
	}
	s.publishAvailability(r.Context(), result.SKU)

	s.respond(w, http.StatusCreated, result)
}

func (s *Server) handleInventoryStatus(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")
	availability, err := s.cfg.Reservations.Status(r.Context(), sku)
	if err != nil {
		writeError(w, r, err)
		return
	}
	normalized, _ := store.NormalizeSKU(sku)
	s.respond(w, http.StatusOK, map[string]any{
		"sku":       normalized,
		"available": availability.Available,
		"reserved":  availability.Reserved,
		"total":     availability.Total(),
	})
}

func (s *Server) handleInventoryInitialize(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")
	quantity, err := strconv.Atoi(r.URL.Query().Get("quantity"))
	if err != nil {
		writeProblem(w, r, Problem{
			Type:   problemTypeBase + "validation-error",
			Title:  "Validation Error",
			Status: http.StatusBadRequest,
			Detail: "request validation failed",
			Errors: []FieldError{{Field: "quantity", Message: "quantity must be an integer"}},
		})
		return
	}
	availability, err := s.cfg.Reservations.SetInventory(r.Context(), sku, quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	normalized, _ := store.NormalizeSKU(sku)
	s.cfg.Hub.Publish(normalized, availability.Available, availability.Total())
	s.respond(w, http.StatusCreated, map[string]any{
		"sku":       normalized,
		"available": availability.Available,
		"reserved":  availability.Reserved,
		"total":     availability.Total(),
	})
}

// --- checkout ---

type checkoutRequest struct {
	ReservationID string `json:"reservation_id" validate:"required"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	var req checkoutRequest
	if !s.decode(w, r, &req) {
		return
	}
	order, err := s.cfg.Promoter.Confirm(r.Context(), req.ReservationID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(order.Items) > 0 {
		s.publishAvailability(r.Context(), order.Items[0].SKU)
	}
	s.respond(w, http.StatusOK, order)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	var req checkoutRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.cfg.Reservations.Cancel(r.Context(), req.ReservationID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res == nil {
		writeError(w, r, store.ErrNotFound)
		return
	}
	if err := s.cfg.Audit.Record(r.Context(), models.EventCancel, userID, res.SKU, res.ID, map[string]any{
		"quantity": res.Quantity,
	}); err != nil {
		s.logger.Error("cancel audit append failed", "reservation_id", res.ID, "error", err)
	}
	s.publishAvailability(r.Context(), res.SKU)
	s.respond(w, http.StatusOK, map[string]any{
		"status":         "canceled",
		"message":        fmt.Sprintf("reservation released, %d unit(s) restored", res.Quantity),
		"reservation_id": res.ID,
	})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	order, err := s.cfg.Promoter.Get(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if order.UserID != userID {
		// Treat another user's order as absent rather than leaking it.
		writeError(w, r, store.ErrNotFound)
		return
	}
	items := make([]map[string]any, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, map[string]any{
			"sku":            item.SKU,
			"quantity":       item.Quantity,
			"price_per_unit": item.PricePerUnit,
		})
	}
	s.respond(w, http.StatusOK, map[string]any{
		"order_id":     order.OrderID,
		"status":       order.Status,
		"total_amount": order.TotalAmount,
		"created_at":   order.CreatedAt.UTC().Format(time.RFC3339),
		"items":        items,
	})
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	redisStatus := "skipped"
	if s.cfg.RedisPing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.RedisPing(ctx); err != nil {
			status = "degraded"
			redisStatus = "unavailable"
		} else {
			redisStatus = "ok"
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	s.respond(w, code, map[string]string{
		"status":  status,
		"version": config.Version,
		"redis":   redisStatus,
	})
}

// --- helpers ---

func (s *Server) publishAvailability(ctx context.Context, sku string) {
	availability, err := s.cfg.Reservations.Status(ctx, sku)
	if err != nil {
		s.logger.Error("availability read for broadcast failed", "sku", sku, "error", err)
		return
	}
	s.cfg.Hub.Publish(sku, availability.Available, availability.Total())
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

// decode parses and validates the JSON body, writing the problem response
// itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeProblem(w, r, Problem{
			Type:   problemTypeBase + "invalid-body",
			Title:  "Invalid Request Body",
			Status: http.StatusBadRequest,
			Detail: "request body must be valid JSON",
		})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		problem := Problem{
			Type:   problemTypeBase + "validation-error",
			Title:  "Validation Error",
			Status: http.StatusBadRequest,
			Detail: "request validation failed",
		}
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				problem.Errors = append(problem.Errors, FieldError{
					Field:   strings.ToLower(fe.Field()),
					Message: "failed on rule " + fe.Tag(),
				})
			}
		}
		writeProblem(w, r, problem)
		return false
	}
	return true
}
