// Package compare runs one prompt against every variant under a single
// credit session and lets the caller keep the results it likes.
//
// A Batch moves idle -> sessionReserved -> closed. Each variant moves
// loading -> ready|failed exactly once and never goes back to loading.
package compare

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"studio/internal/backend"
	"studio/internal/domain"
	"studio/internal/metrics"
	"studio/internal/retry"
)

type State string

const (
	StateIdle            State = "idle"
	StateSessionReserved State = "session_reserved"
	StateClosed          State = "closed"
)

type VariantStatus string

const (
	StatusLoading VariantStatus = "loading"
	StatusReady   VariantStatus = "ready"
	StatusFailed  VariantStatus = "failed"
)

// Result is the state of one variant. Render is kept so a ready variant can
// be saved later without calling the backend again.
type Result struct {
	Variant domain.Variant
	Status  VariantStatus
	Render  *backend.Render
	// Image is the persisted row, once there is one.
	Image *domain.Image
	// Err is the generation error for failed variants, or the persistence
	// error of a ready variant whose automatic save failed.
	Err error
}

// Snapshot maps every variant of a batch to its current result.
type Snapshot map[domain.Variant]Result

// Done reports whether no variant is still loading.
func (s Snapshot) Done() bool {
	for _, r := range s {
		if r.Status == StatusLoading {
			return false
		}
	}
	return true
}

// Config describes one batch.
type Config struct {
	Owner   domain.Owner
	Request backend.Request
	// AutoPersist stores every successful variant as soon as it resolves.
	AutoPersist bool
	MaxEdits    int
	Repo        domain.ImageRepository
	Blobs       domain.BlobStore
	Policy      retry.Policy
	Lookups     []LookupStrategy
	Logger      zerolog.Logger
}

type Batch struct {
	id        string
	cfg       Config
	log       zerolog.Logger
	createdAt time.Time
	flow      string

	mu      sync.Mutex
	state   State
	session domain.Session
	results map[domain.Variant]*Result
	saved   map[domain.Variant]*domain.Image
	cancel  context.CancelFunc

	updates chan Result
	done    chan struct{}
	saves   singleflight.Group
}

// New creates an idle batch with a fresh variation group id.
func New(cfg Config) *Batch {
	id := uuid.NewString()
	if len(cfg.Lookups) == 0 {
		cfg.Lookups = DefaultLookups()
	}
	flow := "compare"
	if cfg.AutoPersist {
		flow = "variations"
	}
	b := &Batch{
		id:        id,
		cfg:       cfg,
		createdAt: time.Now().UTC(),
		flow:      flow,
		state:     StateIdle,
		results:   make(map[domain.Variant]*Result, len(domain.Variants)),
		saved:     map[domain.Variant]*domain.Image{},
		updates:   make(chan Result, len(domain.Variants)),
		done:      make(chan struct{}),
	}
	b.log = cfg.Logger.With().
		Str("component", "compare").
		Str("batch_id", id).
		Str("brand_id", cfg.Owner.BrandID).
		Str("prompt", domain.TruncatePrompt(cfg.Request.Prompt, 48)).
		Logger()
	for _, v := range domain.Variants {
		b.results[v] = &Result{Variant: v, Status: StatusLoading}
	}
	return b
}

func (b *Batch) ID() string           { return b.id }
func (b *Batch) Owner() domain.Owner  { return b.cfg.Owner }
func (b *Batch) CreatedAt() time.Time { return b.createdAt }
func (b *Batch) AutoPersist() bool    { return b.cfg.AutoPersist }
func (b *Batch) Prompt() string       { return b.cfg.Request.Prompt }

func (b *Batch) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Batch) Session() domain.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// Start issues one call per variant, all carrying the session id. The calls
// are independent: one failing neither cancels nor delays the others. A
// variant without a generator fails immediately.
func (b *Batch) Start(ctx context.Context, session domain.Session, gens map[domain.Variant]backend.Generator) error {
	b.mu.Lock()
	if b.state != StateIdle {
		b.mu.Unlock()
		return fmt.Errorf("compare: batch %s already started", b.id)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.state = StateSessionReserved
	b.session = session
	b.cancel = cancel
	b.mu.Unlock()

	b.log.Info().Str("session_id", session.ID).Bool("auto_persist", b.cfg.AutoPersist).Msg("batch started")

	var g errgroup.Group
	for _, v := range domain.Variants {
		gen := gens[v]
		g.Go(func() error {
			if gen == nil {
				b.resolve(runCtx, v, nil, domain.ErrVariantUnavailable)
				return nil
			}
			req := b.cfg.Request
			req.Variant = v
			req.SessionID = session.ID
			start := time.Now()
			render, err := retry.Do(runCtx, b.policyFor(v), func(ctx context.Context) (*backend.Render, error) {
				return gen.Generate(ctx, req)
			})
			metrics.RecordBackendCall("generate", string(v), err, time.Since(start))
			b.resolve(runCtx, v, render, err)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(b.updates)
		close(b.done)
	}()
	return nil
}

func (b *Batch) policyFor(v domain.Variant) retry.Policy {
	return b.cfg.Policy.WithNotify(func(attempt int, err error, wait time.Duration) {
		metrics.RecordRetry("generate")
		b.log.Warn().Err(err).Str("variant", string(v)).Int("attempt", attempt).Dur("wait", wait).Msg("variant retry")
	})
}

func (b *Batch) resolve(ctx context.Context, v domain.Variant, render *backend.Render, err error) {
	res := Result{Variant: v, Status: StatusReady, Render: render}
	if err != nil || render == nil {
		if err == nil {
			err = domain.ErrVariantUnavailable
		}
		res = Result{Variant: v, Status: StatusFailed, Err: err}
		b.log.Warn().Err(err).Str("variant", string(v)).Msg("variant failed")
	} else if b.cfg.AutoPersist {
		img, perr := b.persist(ctx, v, render)
		if perr != nil {
			res.Err = perr
		} else {
			res.Image = img
		}
	}

	b.mu.Lock()
	*b.results[v] = res
	if res.Image != nil {
		b.saved[v] = res.Image
	}
	b.mu.Unlock()
	b.updates <- cloneResult(res)
}

// Snapshot returns the current tri-state of every variant.
func (b *Batch) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(Snapshot, len(b.results))
	for v, r := range b.results {
		out[v] = cloneResult(*r)
	}
	return out
}

// Updates delivers one Result per variant as it resolves and is closed once
// all have resolved. Only one consumer should read it.
func (b *Batch) Updates() <-chan Result {
	return b.updates
}

// Wait blocks until every variant resolved or ctx is done.
func (b *Batch) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-b.done:
		return b.Snapshot(), nil
	case <-ctx.Done():
		return b.Snapshot(), ctx.Err()
	}
}

// Save persists a ready variant as a new image. Repeated and concurrent
// calls for the same variant persist it once and return the same row. In
// auto-persist batches it returns the row stored when the variant resolved,
// retrying the store only if that failed.
func (b *Batch) Save(ctx context.Context, v domain.Variant) (*domain.Image, error) {
	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return nil, domain.ErrBatchClosed
	}
	if b.state == StateIdle {
		b.mu.Unlock()
		return nil, domain.ErrNotReady
	}
	if img, ok := b.saved[v]; ok {
		b.mu.Unlock()
		out := img.Clone()
		return &out, nil
	}
	res, ok := b.results[v]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("compare: unknown variant %q", v)
	}
	status, render := res.Status, res.Render
	b.mu.Unlock()

	switch status {
	case StatusLoading:
		return nil, domain.ErrNotReady
	case StatusFailed:
		return nil, domain.ErrVariantUnavailable
	}

	val, err, _ := b.saves.Do(string(v), func() (any, error) {
		b.mu.Lock()
		if img, ok := b.saved[v]; ok {
			b.mu.Unlock()
			return img, nil
		}
		b.mu.Unlock()

		img, err := b.persist(ctx, v, render)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.saved[v] = img
		b.results[v].Image = img
		b.results[v].Err = nil
		b.mu.Unlock()
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	out := val.(*domain.Image).Clone()
	return &out, nil
}

// Saved returns the variants that have a persisted row.
func (b *Batch) Saved() []domain.Variant {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Variant
	for _, v := range domain.Variants {
		if _, ok := b.saved[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

// EditFrom makes sure the variant is persisted and returns the stored row
// an edit should start from, resolved through the lookup strategies.
func (b *Batch) EditFrom(ctx context.Context, v domain.Variant) (*domain.Image, error) {
	saved, err := b.Save(ctx, v)
	if err != nil {
		return nil, err
	}
	img, strategy, err := Lookup(ctx, b.cfg.Repo, b.cfg.Owner, b.cfg.Lookups, Key{GroupID: b.id, Variant: v, ImageID: saved.ID})
	if err != nil {
		b.log.Error().Err(err).Str("variant", string(v)).Str("image_id", saved.ID).Msg("saved variant not found")
		return nil, err
	}
	if strategy != b.cfg.Lookups[0].Name {
		b.log.Info().Str("variant", string(v)).Str("strategy", strategy).Msg("variant resolved by fallback lookup")
	}
	return img, nil
}

// Close ends the batch. It charges nothing and deletes nothing; variants
// still rendering in a batch that does not auto-persist are cancelled since
// nobody can save them anymore.
func (b *Batch) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		return
	}
	prev := b.state
	b.state = StateClosed
	if b.cancel != nil && !b.cfg.AutoPersist {
		b.cancel()
	}
	b.log.Info().Str("from", string(prev)).Int("saved", len(b.saved)).Msg("batch closed")
}

// release frees the run context once the batch is gone for good.
func (b *Batch) release() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		select {
		case <-b.done:
			cancel()
		default:
			go func() {
				<-b.done
				cancel()
			}()
		}
	}
}

func cloneResult(r Result) Result {
	if r.Image != nil {
		img := r.Image.Clone()
		r.Image = &img
	}
	return r
}

