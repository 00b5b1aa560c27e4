// Package dispatch turns a user's prompt into backend calls.
//
// GenerateSingle creates the image row first so it can be shown while one
// variant renders it asynchronously. GenerateVariations and Compare reserve
// one credit session up front and run every variant against it.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"studio/internal/backend"
	"studio/internal/compare"
	"studio/internal/domain"
	"studio/internal/domain/jsoncfg"
	"studio/internal/metrics"
	"studio/internal/retry"
)

// Options wires a Dispatcher.
type Options struct {
	Repo       domain.ImageRepository
	Ledger     domain.Ledger
	Blobs      domain.BlobStore
	Submitter  backend.Submitter
	Generators map[domain.Variant]backend.Generator
	Registry   *compare.Registry
	// Generation bounds generate calls; Session bounds the reservation.
	Generation retry.Policy
	Session    retry.Policy
	MaxEdits   int
	Logger     zerolog.Logger
}

type Dispatcher struct {
	opts Options
	log  zerolog.Logger

	mu         sync.Mutex
	generating map[domain.Owner]struct{}
	comparing  map[domain.Owner]struct{}
}

func New(opts Options) *Dispatcher {
	if opts.MaxEdits <= 0 {
		opts.MaxEdits = domain.DefaultMaxEdits
	}
	return &Dispatcher{
		opts:       opts,
		log:        opts.Logger.With().Str("component", "dispatch").Logger(),
		generating: map[domain.Owner]struct{}{},
		comparing:  map[domain.Owner]struct{}{},
	}
}

// GenerateSingle inserts a generating row and hands it to v1. The returned
// row is still generating; it turns ready or error when the render lands.
// On insufficient credits the row is deleted again. On any other failure it
// is kept and marked error so the attempt stays visible.
func (d *Dispatcher) GenerateSingle(ctx context.Context, owner domain.Owner, in jsoncfg.GenerateJSON) (*domain.Image, error) {
	in.Normalize("")
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if !d.acquire(d.generating, owner) {
		return nil, domain.ErrAlreadyGenerating
	}
	defer d.release(d.generating, owner)

	img := &domain.Image{
		ID:       uuid.NewString(),
		UserID:   owner.UserID,
		BrandID:  owner.BrandID,
		Status:   domain.ImageStatusGenerating,
		Prompt:   in.Prompt,
		MaxEdits: d.opts.MaxEdits,
		Metadata: domain.Metadata{
			AspectRatio: in.AspectRatio,
			ProductID:   in.ProductID,
			Provenance:  map[string]any{"variant": string(domain.VariantV1)},
		},
	}
	logger := d.log.With().
		Str("brand_id", owner.BrandID).
		Str("image_id", img.ID).
		Str("prompt", domain.TruncatePrompt(in.Prompt, 48)).
		Logger()

	if err := d.opts.Repo.Insert(ctx, img); err != nil {
		logger.Error().Err(err).Msg("insert placeholder failed")
		return nil, &domain.PersistenceError{ImageID: img.ID, Stage: "row", Err: err}
	}

	req := backend.Request{
		Variant:     domain.VariantV1,
		Prompt:      in.Prompt,
		BrandID:     owner.BrandID,
		UserID:      owner.UserID,
		ImageID:     img.ID,
		AspectRatio: in.AspectRatio,
		ProductID:   in.ProductID,
		Assets:      in.Assets,
		References:  in.References,
	}.Capped()

	policy := d.opts.Generation.WithNotify(func(attempt int, err error, wait time.Duration) {
		metrics.RecordRetry("submit")
		logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("submit retry")
	})
	start := time.Now()
	err := retry.Run(ctx, policy, func(ctx context.Context) error {
		return d.opts.Submitter.Submit(ctx, req)
	})
	metrics.RecordBackendCall("submit", string(domain.VariantV1), err, time.Since(start))
	if err == nil {
		logger.Info().Msg("generation submitted")
		return img, nil
	}

	cleanup := context.WithoutCancel(ctx)
	if errors.Is(err, domain.ErrInsufficientCredits) {
		if derr := d.opts.Repo.Delete(cleanup, owner, img.ID); derr != nil && !errors.Is(derr, domain.ErrNotFound) {
			logger.Error().Err(derr).Msg("delete placeholder failed")
		}
		logger.Info().Err(err).Msg("generation rejected")
		return nil, err
	}

	logger.Error().Err(err).Msg("generation failed")
	return d.failPlaceholder(cleanup, logger, owner, img, err)
}

// failPlaceholder marks a generating row as error after its submit failed.
// The backend may have accepted the job before the error reached us, so a
// row that already finished is returned as stored.
func (d *Dispatcher) failPlaceholder(ctx context.Context, logger zerolog.Logger, owner domain.Owner, img *domain.Image, cause error) (*domain.Image, error) {
	cur, err := d.opts.Repo.Get(ctx, owner, img.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			logger.Error().Err(err).Msg("read placeholder failed")
		}
		return nil, cause
	}
	for attempt := 0; attempt < 2; attempt++ {
		if cur.Status.Terminal() {
			logger.Info().Str("status", string(cur.Status)).Msg("row finished despite submit error")
			if cur.Status == domain.ImageStatusReady {
				return cur, nil
			}
			return cur, cause
		}
		failed := cur.Clone()
		failed.Status = domain.ImageStatusError
		failed.UpdatedAt = time.Time{}
		if failed.Metadata.Provenance == nil {
			failed.Metadata.Provenance = map[string]any{}
		}
		failed.Metadata.Provenance["failure"] = metrics.Outcome(cause)
		uerr := d.opts.Repo.Update(ctx, &failed)
		if uerr == nil {
			return &failed, cause
		}
		if !errors.Is(uerr, domain.ErrTerminalStatus) {
			logger.Error().Err(uerr).Msg("mark placeholder error failed")
			return &failed, cause
		}
		if cur, err = d.opts.Repo.Get(ctx, owner, img.ID); err != nil {
			return nil, cause
		}
	}
	return cur, cause
}

// GenerateVariations reserves one session and runs every variant against
// it, persisting each success as soon as it resolves.
func (d *Dispatcher) GenerateVariations(ctx context.Context, owner domain.Owner, in jsoncfg.VariationsJSON) (*compare.Batch, error) {
	return d.startBatch(ctx, owner, in, true)
}

// Compare is GenerateVariations without automatic persistence: the caller
// saves the variants it wants.
func (d *Dispatcher) Compare(ctx context.Context, owner domain.Owner, in jsoncfg.VariationsJSON) (*compare.Batch, error) {
	return d.startBatch(ctx, owner, in, false)
}

// Batch returns an open batch of owner.
func (d *Dispatcher) Batch(owner domain.Owner, id string) (*compare.Batch, error) {
	if d.opts.Registry == nil {
		return nil, domain.ErrNotFound
	}
	return d.opts.Registry.Get(owner, id)
}

// Generating reports whether owner has a single generation in flight.
func (d *Dispatcher) Generating(owner domain.Owner) bool {
	return d.busy(d.generating, owner)
}

// Comparing reports whether owner has a batch still resolving.
func (d *Dispatcher) Comparing(owner domain.Owner) bool {
	return d.busy(d.comparing, owner)
}

func (d *Dispatcher) startBatch(ctx context.Context, owner domain.Owner, in jsoncfg.VariationsJSON, autoPersist bool) (*compare.Batch, error) {
	in.Normalize("")
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if !d.acquire(d.comparing, owner) {
		return nil, domain.ErrAlreadyComparing
	}
	logger := d.log.With().
		Str("brand_id", owner.BrandID).
		Str("prompt", domain.TruncatePrompt(in.Prompt, 48)).
		Bool("auto_persist", autoPersist).
		Logger()

	session, err := retry.Do(ctx, d.opts.Session, func(ctx context.Context) (*domain.Session, error) {
		return d.opts.Ledger.Reserve(ctx, owner.UserID, in.CreditCost, in.MaxGenerations)
	})
	if err != nil {
		d.release(d.comparing, owner)
		logger.Info().Err(err).Int("credit_cost", in.CreditCost).Msg("session reservation failed")
		return nil, err
	}

	b := compare.New(compare.Config{
		Owner: owner,
		Request: backend.Request{
			Prompt:      in.Prompt,
			BrandID:     owner.BrandID,
			UserID:      owner.UserID,
			AspectRatio: in.AspectRatio,
			ProductID:   in.ProductID,
			Assets:      in.Assets,
			References:  in.References,
		}.Capped(),
		AutoPersist: autoPersist,
		MaxEdits:    d.opts.MaxEdits,
		Repo:        d.opts.Repo,
		Blobs:       d.opts.Blobs,
		Policy:      d.opts.Generation,
		Logger:      d.opts.Logger,
	})
	if err := b.Start(ctx, *session, d.opts.Generators); err != nil {
		d.release(d.comparing, owner)
		return nil, err
	}
	if d.opts.Registry != nil {
		d.opts.Registry.Put(b)
	}
	go func() {
		_, _ = b.Wait(context.Background())
		d.release(d.comparing, owner)
	}()
	logger.Info().Str("batch_id", b.ID()).Str("session_id", session.ID).Int("remaining_credits", session.RemainingCredits).Msg("batch started")
	return b, nil
}

func (d *Dispatcher) acquire(set map[domain.Owner]struct{}, owner domain.Owner) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := set[owner]; ok {
		return false
	}
	set[owner] = struct{}{}
	return true
}

func (d *Dispatcher) release(set map[domain.Owner]struct{}, owner domain.Owner) {
	d.mu.Lock()
	delete(set, owner)
	d.mu.Unlock()
}

func (d *Dispatcher) busy(set map[domain.Owner]struct{}, owner domain.Owner) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := set[owner]
	return ok
}
