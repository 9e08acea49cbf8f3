package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flexype/flashsale/reservation"
	"github.com/flexype/flashsale/store"
)

const problemTypeBase = "https://api.flexype.com/errors/"

// Problem is the RFC 7807 error body. Every non-2xx response uses it.
type Problem struct {
	Type       string       `json:"type"`
	Title      string       `json:"title"`
	Status     int          `json:"status"`
	Detail     string       `json:"detail,omitempty"`
	TraceID    string       `json:"trace_id,omitempty"`
	Errors     []FieldError `json:"errors,omitempty"`
	Available  *int         `json:"available,omitempty"`
	RetryAfter *int         `json:"retry_after,omitempty"`
}

// FieldError reports one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, p Problem) {
	if p.Type == "" {
		p.Type = problemTypeBase + "internal"
	}
	p.TraceID = chimw.GetReqID(r.Context())
	w.Header().Set("Content-Type", "application/problem+json")
	if p.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*p.RetryAfter))
	}
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeError maps domain errors onto problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *reservation.ValidationError
	if errors.As(err, &validation) {
		writeProblem(w, r, Problem{
			Type:   problemTypeBase + "validation-error",
			Title:  "Validation Error",
			Status: http.StatusBadRequest,
			Detail: "request validation failed",
			Errors: []FieldError{{Field: validation.Field, Message: validation.Message}},
		})
		return
	}

	var insufficient *store.InsufficientError
	if errors.As(err, &insufficient) {
		available := insufficient.Available
		writeProblem(w, r, Problem{
			Type:      problemTypeBase + "insufficient-inventory",
			Title:     "Insufficient Inventory",
			Status:    http.StatusConflict,
			Detail:    err.Error(),
			Available: &available,
		})
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, r, Problem{
			Type:   problemTypeBase + "not-found",
			Title:  "Not Found",
			Status: http.StatusNotFound,
			Detail: err.Error(),
		})
	case errors.Is(err, store.ErrExpired):
		writeProblem(w, r, Problem{
			Type:   problemTypeBase + "reservation-expired",
			Title:  "Reservation Expired",
			Status: http.StatusNotFound,
			Detail: err.Error(),
		})
	case errors.Is(err, store.ErrWrongOwner):
		writeProblem(w, r, Problem{
			Type:   problemTypeBase + "forbidden",
			Title:  "Forbidden",
			Status: http.StatusForbidden,
			Detail: err.Error(),
		})
	default:
		writeProblem(w, r, Problem{
			Type:   problemTypeBase + "internal",
			Title:  "Internal Server Error",
			Status: http.StatusInternalServerError,
			Detail: "an unexpected error occurred",
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeProblem(w, r, Problem{
		Type:   problemTypeBase + "unauthorized",
		Title:  "Unauthorized",
		Status: http.StatusUnauthorized,
		Detail: detail,
	})
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	seconds := int(retryAfter / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	writeProblem(w, r, Problem{
		Type:       problemTypeBase + "rate-limited",
		Title:      "Too Many Requests",
		Status:     http.StatusTooManyRequests,
		Detail:     "rate limit exceeded, retry later",
		RetryAfter: &seconds,
	})
}
