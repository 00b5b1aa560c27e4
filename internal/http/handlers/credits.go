package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"studio/internal/middleware"
)

const (
	maxBatchWait   = 130 * time.Second
	keepaliveEvery = 25 * time.Second
	// writeSlack leaves room to encode the response once a wait ends.
	writeSlack = 10 * time.Second
)

// contextWithMaxWait bounds a long poll and moves the connection's write
// deadline past it, since the wait may outlast the server WriteTimeout.
func contextWithMaxWait(w http.ResponseWriter, r *http.Request, secs int) (context.Context, context.CancelFunc) {
	d := time.Duration(secs) * time.Second
	if d > maxBatchWait {
		d = maxBatchWait
	}
	holdWrite(w, d)
	return context.WithTimeout(r.Context(), d)
}

// holdWrite extends the write deadline by d. Writers that cannot change
// their deadline keep the server default.
func holdWrite(w http.ResponseWriter, d time.Duration) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(d + writeSlack))
}

func (a *App) GetCredits(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	balance, err := a.Ledger.Balance(r.Context(), owner.UserID)
	if err != nil {
		a.fail(w, r, "credits", err)
		return
	}
	a.json(w, http.StatusOK, map[string]int{"balance": balance})
}

// StreamCredits pushes balance changes as server-sent events until the
// client goes away.
func (a *App) StreamCredits(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if a.Credits == nil || !canFlush {
		a.error(w, http.StatusNotImplemented, "unsupported", "live credit updates are not available")
		return
	}
	updates, err := a.Credits.Subscribe(r.Context(), owner.UserID)
	if err != nil {
		a.fail(w, r, "credits_stream", err)
		return
	}
	balance, err := a.Ledger.Balance(r.Context(), owner.UserID)
	if err != nil {
		a.fail(w, r, "credits_stream", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	holdWrite(w, keepaliveEvery)
	writeBalance(w, balance)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveEvery)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case b, open := <-updates:
			if !open {
				return
			}
			writeBalance(w, b)
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
		}
		holdWrite(w, keepaliveEvery)
		flusher.Flush()
	}
}

func writeBalance(w http.ResponseWriter, balance int) {
	_, _ = fmt.Fprintf(w, "event: balance\ndata: {\"balance\":%d}\n\n", balance)
}

func (a *App) GetSuggestions(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	if a.Suggestions == nil {
		a.json(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	locale := middleware.LocaleFromContext(r.Context())
	items, err := a.Suggestions.For(r.Context(), owner, locale)
	if err != nil {
		a.fail(w, r, "suggestions", err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"items": items, "locale": locale})
}
