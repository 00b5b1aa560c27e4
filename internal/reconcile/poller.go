package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often the list is re-fetched while an image is
// rendering.
const DefaultPollInterval = 2 * time.Second

// Poller re-fetches on a fixed interval while active reports true and goes
// idle otherwise. Kick wakes an idle poller.
type Poller struct {
	interval time.Duration
	active   func() bool
	fetch    func(ctx context.Context) error
	kick     chan struct{}
	log      zerolog.Logger
}

func NewPoller(interval time.Duration, active func() bool, fetch func(ctx context.Context) error, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		interval: interval,
		active:   active,
		fetch:    fetch,
		kick:     make(chan struct{}, 1),
		log:      log.With().Str("component", "poller").Logger(),
	}
}

// Kick asks the poller to re-check its predicate. It never blocks.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.kick:
		}
		if err := p.poll(ctx); err != nil {
			return err
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for p.active() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := p.fetch(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn().Err(err).Msg("poll failed")
		}
	}
	return nil
}
