package infra

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// HTTPServer wraps http.Server with context-driven shutdown.
type HTTPServer struct {
	server          *http.Server
	logger          Logger
	shutdownTimeout time.Duration
}

// NewHTTPServer creates a configured HTTP server instance. The write timeout
// must outlast a full generation call, so it never drops below the
// configured generation timeout.
func NewHTTPServer(cfg *Config, handler http.Handler, logger Logger) *HTTPServer {
	writeTimeout := cfg.HTTPWriteTimeout
	if cfg.GenerationTimeout+5*time.Second > writeTimeout {
		writeTimeout = cfg.GenerationTimeout + 5*time.Second
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	return &HTTPServer{server: srv, logger: logger, shutdownTimeout: cfg.HTTPIdleTimeout}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("http: listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http: stopped")
	return nil
}
