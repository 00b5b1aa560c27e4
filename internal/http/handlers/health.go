package handlers

import (
	"context"
	"net/http"
	"time"
)

// Health reports ok when every registered check passes within two seconds.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(a.Checks))
	status := http.StatusOK
	for name, check := range a.Checks {
		if err := check(ctx); err != nil {
			a.logger(r).Warn().Err(err).Str("check", name).Msg("health check failed")
			checks[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	a.json(w, status, map[string]any{"status": state, "checks": checks})
}
