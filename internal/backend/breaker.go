package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"studio/internal/domain"
)

// Breaker trips after consecutive backend failures so a dead variant fails
// fast instead of holding a comparison slot for the full timeout. Caller-side
// outcomes (insufficient credits, bad input, cancellation) do not count.
type Breaker struct {
	next Generator
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(name string, next Generator, failures int, cooldown time.Duration, logger zerolog.Logger) *Breaker {
	if failures <= 0 {
		failures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(failures)
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("backend: breaker state change")
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Generate(ctx context.Context, req Request) (*Render, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("backend %s: %w: %v", b.cb.Name(), domain.ErrVariantUnavailable, err)
		}
		return nil, err
	}
	return out.(*Render), nil
}

// State exposes the breaker state for health reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func countsAsSuccess(err error) bool {
	return err == nil ||
		errors.Is(err, domain.ErrInsufficientCredits) ||
		errors.Is(err, domain.ErrInvalidPrompt) ||
		errors.Is(err, domain.ErrSessionExhausted) ||
		errors.Is(err, context.Canceled)
}

var _ Generator = (*Breaker)(nil)
