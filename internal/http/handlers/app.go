// Package handlers exposes the studio over HTTP. Handlers decode the
// request, call one orchestration operation and map its error to a status
// code and a sanitized message.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"studio/internal/dispatch"
	"studio/internal/domain"
	"studio/internal/middleware"
	"studio/internal/suggest"
	"studio/internal/versions"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type App struct {
	Logger      zerolog.Logger
	Dispatcher  *dispatch.Dispatcher
	Versions    *versions.Store
	Images      domain.ImageRepository
	Ledger      domain.Ledger
	Credits     domain.CreditWatcher
	Suggestions *suggest.Service
	Checks      map[string]HealthCheck
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Balance *int   `json:"balance,omitempty"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{"error": errorBody{Code: errCode, Message: message}})
}

// fail maps an operation error onto the response. The raw error only goes
// to the log.
func (a *App) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := classify(err)
	body := errorBody{Code: code, Message: domain.UserMessage(err)}
	var ice *domain.InsufficientCreditsError
	if errors.As(err, &ice) {
		balance := ice.Balance
		body.Balance = &balance
	}

	logger := a.logger(r)
	ev := logger.Warn()
	if status >= http.StatusInternalServerError {
		ev = logger.Error()
	}
	owner, _ := middleware.OwnerFromContext(r.Context())
	ev.Err(err).Str("op", op).Str("brand_id", owner.BrandID).Int("status", status).Msg("request failed")
	a.json(w, status, map[string]any{"error": body})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, domain.ErrEditLimitReached):
		return http.StatusUnprocessableEntity, "edit_limit_reached"
	case errors.Is(err, domain.ErrInvalidPrompt):
		return http.StatusBadRequest, "invalid_prompt"
	case errors.Is(err, domain.ErrVersionOutOfRange):
		return http.StatusBadRequest, "version_out_of_range"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrAlreadyGenerating),
		errors.Is(err, domain.ErrAlreadyComparing),
		errors.Is(err, domain.ErrEditInFlight):
		return http.StatusConflict, "busy"
	case errors.Is(err, domain.ErrNotReady):
		return http.StatusConflict, "not_ready"
	case errors.Is(err, domain.ErrBatchClosed):
		return http.StatusGone, "batch_closed"
	case errors.Is(err, domain.ErrVariantUnavailable), errors.Is(err, domain.ErrSessionExhausted):
		return http.StatusConflict, "variant_unavailable"
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusBadGateway, "persistence_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusBadGateway, "generation_failed"
	}
}

func (a *App) owner(w http.ResponseWriter, r *http.Request) (domain.Owner, bool) {
	owner, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
	}
	return owner, ok
}

func (a *App) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return false
	}
	return true
}

func (a *App) logger(r *http.Request) *zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &a.Logger
}
