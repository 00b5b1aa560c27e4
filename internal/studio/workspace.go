// Package studio is the per-owner workspace a UI drives. Every mutation is
// applied to the local state first and confirmed or reverted when the call
// returns; a poller keeps the list authoritative while renders are running.
package studio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"studio/internal/compare"
	"studio/internal/dispatch"
	"studio/internal/domain"
	"studio/internal/domain/jsoncfg"
	"studio/internal/reconcile"
	"studio/internal/suggest"
	"studio/internal/versions"
)

// Options wires a Workspace.
type Options struct {
	Owner      domain.Owner
	Dispatcher *dispatch.Dispatcher
	Versions   *versions.Store
	Repo       domain.ImageRepository
	Ledger     domain.Ledger
	// Watcher pushes balance changes; nil disables live updates.
	Watcher      domain.CreditWatcher
	Suggestions  *suggest.Service
	PollInterval time.Duration
	Logger       zerolog.Logger
}

type Workspace struct {
	opts    Options
	owner   domain.Owner
	store   *reconcile.Store
	poller  *reconcile.Poller
	log     zerolog.Logger
	credits atomic.Int64

	mu      sync.Mutex
	batches []*compare.Batch
	bg      sync.WaitGroup
}

func New(opts Options) *Workspace {
	w := &Workspace{
		opts:  opts,
		owner: opts.Owner,
		store: reconcile.NewStore(reconcile.State{}),
		log: opts.Logger.With().
			Str("component", "studio").
			Str("brand_id", opts.Owner.BrandID).
			Logger(),
	}
	w.poller = reconcile.NewPoller(opts.PollInterval, func() bool {
		return reconcile.HasTransient(w.store.State())
	}, w.Refresh, opts.Logger)
	return w
}

// Run loads the list and the balance, then keeps both current until ctx is
// done.
func (w *Workspace) Run(ctx context.Context) error {
	if err := w.Refresh(ctx); err != nil {
		return err
	}
	w.refreshCredits(ctx)
	w.poller.Kick()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.poller.Run(ctx) })
	if w.opts.Watcher != nil {
		g.Go(func() error { return w.watchCredits(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// State returns the current local view.
func (w *Workspace) State() reconcile.State { return w.store.State() }

// Subscribe streams state changes until ctx is done.
func (w *Workspace) Subscribe(ctx context.Context) <-chan reconcile.State {
	return w.store.Subscribe(ctx)
}

// Credits returns the last known balance.
func (w *Workspace) Credits() int { return int(w.credits.Load()) }

// Generate shows a placeholder immediately and replaces it with the server
// row once the generation is accepted. On insufficient credits the
// placeholder disappears.
func (w *Workspace) Generate(ctx context.Context, in jsoncfg.GenerateJSON) (*domain.Image, error) {
	placeholder := domain.Image{
		ID:       "pending-" + uuid.NewString(),
		UserID:   w.owner.UserID,
		BrandID:  w.owner.BrandID,
		Status:   domain.ImageStatusGenerating,
		Prompt:   in.Prompt,
		MaxEdits: domain.DefaultMaxEdits,
		Metadata: domain.Metadata{
			AspectRatio: in.AspectRatio,
			ProductID:   in.ProductID,
		},
		CreatedAt: time.Now().UTC(),
	}
	w.store.Dispatch(reconcile.Submit{Image: placeholder})

	img, err := w.opts.Dispatcher.GenerateSingle(ctx, w.owner, in)
	switch {
	case img != nil:
		w.store.Dispatch(reconcile.SubmitResolve{PlaceholderID: placeholder.ID, Image: *img})
	default:
		w.store.Dispatch(reconcile.SubmitReject{PlaceholderID: placeholder.ID})
	}
	if err != nil {
		w.logFailure(err, "generate", in.Prompt, "")
		w.refreshCredits(ctx)
		return img, err
	}
	w.poller.Kick()
	w.invalidateSuggestions(ctx)
	w.refreshCredits(ctx)
	return img, nil
}

// Variations starts an auto-persisting comparison batch. Persisted rows
// appear in the list once the batch resolves.
func (w *Workspace) Variations(ctx context.Context, in jsoncfg.VariationsJSON) (*compare.Batch, error) {
	b, err := w.opts.Dispatcher.GenerateVariations(ctx, w.owner, in)
	if err != nil {
		w.logFailure(err, "variations", in.Prompt, "")
		return nil, err
	}
	w.track(ctx, b)
	return b, nil
}

// Compare starts a batch whose variants are kept only when saved.
func (w *Workspace) Compare(ctx context.Context, in jsoncfg.VariationsJSON) (*compare.Batch, error) {
	b, err := w.opts.Dispatcher.Compare(ctx, w.owner, in)
	if err != nil {
		w.logFailure(err, "compare", in.Prompt, "")
		return nil, err
	}
	w.track(ctx, b)
	return b, nil
}

// Save persists a compare variant and brings the row into the list.
func (w *Workspace) Save(ctx context.Context, b *compare.Batch, v domain.Variant) (*domain.Image, error) {
	img, err := b.Save(ctx, v)
	if err != nil {
		w.logFailure(err, "save", b.Prompt(), "")
		return nil, err
	}
	w.afterPersist(ctx)
	return img, nil
}

// Edit renders a new version of imageID from version index (nil for the
// latest). A failed edit restores the image and puts the prompt back into
// the draft.
func (w *Workspace) Edit(ctx context.Context, imageID string, index *int, prompt string) (*domain.Image, error) {
	st, started := w.store.Apply(reconcile.EditStart{ImageID: imageID, Prompt: prompt})
	if !started && reconcile.EditInFlight(st, imageID) {
		return nil, domain.ErrEditInFlight
	}
	img, err := w.opts.Versions.EditFrom(ctx, w.owner, imageID, index, prompt)
	if err != nil {
		if started {
			w.store.Dispatch(reconcile.EditReject{ImageID: imageID})
		}
		w.logFailure(err, "edit", prompt, imageID)
		return nil, err
	}
	w.store.Dispatch(reconcile.EditResolve{Image: *img})
	w.refreshCredits(ctx)
	return img, nil
}

// SetDraft records unsent edit text for an image.
func (w *Workspace) SetDraft(imageID, text string) {
	w.store.Dispatch(reconcile.SetDraft{ImageID: imageID, Text: text})
}

// Delete removes the image from the list at once and restores it if the
// delete fails.
func (w *Workspace) Delete(ctx context.Context, imageID string) error {
	w.store.Dispatch(reconcile.DeleteStart{ImageID: imageID})
	err := w.opts.Repo.Delete(ctx, w.owner, imageID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		w.store.Dispatch(reconcile.DeleteReject{ImageID: imageID})
		w.logFailure(err, "delete", "", imageID)
		return err
	}
	w.store.Dispatch(reconcile.DeleteResolve{ImageID: imageID})
	w.invalidateSuggestions(ctx)
	return err
}

// Select opens an image; an empty id closes the view.
func (w *Workspace) Select(imageID string) error {
	st := w.store.Dispatch(reconcile.Select{ImageID: imageID})
	if st.SelectedID != imageID {
		return domain.ErrNotFound
	}
	return nil
}

// Refresh replaces the list with the rows from the repository.
func (w *Workspace) Refresh(ctx context.Context) error {
	images, err := w.opts.Repo.ListByOwner(ctx, w.owner)
	if err != nil {
		return err
	}
	w.store.Dispatch(reconcile.PollTick{Images: images})
	return nil
}

// Suggestions returns prompt suggestions for the brand.
func (w *Workspace) Suggestions(ctx context.Context, locale string) ([]suggest.Suggestion, error) {
	if w.opts.Suggestions == nil {
		return nil, nil
	}
	return w.opts.Suggestions.For(ctx, w.owner, locale)
}

// Close closes every batch this workspace started and waits for their
// follow-up refreshes.
func (w *Workspace) Close() {
	w.mu.Lock()
	batches := w.batches
	w.batches = nil
	w.mu.Unlock()
	for _, b := range batches {
		b.Close()
	}
	w.bg.Wait()
}

func (w *Workspace) track(ctx context.Context, b *compare.Batch) {
	w.mu.Lock()
	w.batches = append(w.batches, b)
	w.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		_, _ = b.Wait(bg)
		if b.AutoPersist() {
			w.afterPersist(bg)
		}
		w.refreshCredits(bg)
	}()
}

func (w *Workspace) afterPersist(ctx context.Context) {
	if err := w.Refresh(ctx); err != nil {
		w.log.Warn().Err(err).Msg("refresh after persist failed")
	}
	w.invalidateSuggestions(ctx)
}

func (w *Workspace) refreshCredits(ctx context.Context) {
	if w.opts.Ledger == nil {
		return
	}
	balance, err := w.opts.Ledger.Balance(context.WithoutCancel(ctx), w.owner.UserID)
	if err != nil {
		w.log.Warn().Err(err).Msg("balance refresh failed")
		return
	}
	w.credits.Store(int64(balance))
}

func (w *Workspace) watchCredits(ctx context.Context) error {
	ch, err := w.opts.Watcher.Subscribe(ctx, w.owner.UserID)
	if err != nil {
		return err
	}
	for balance := range ch {
		w.credits.Store(int64(balance))
	}
	return ctx.Err()
}

func (w *Workspace) invalidateSuggestions(ctx context.Context) {
	if w.opts.Suggestions != nil {
		w.opts.Suggestions.Invalidate(ctx, w.owner.BrandID)
	}
}

func (w *Workspace) logFailure(err error, op, prompt, imageID string) {
	ev := w.log.Warn()
	if !errors.Is(err, domain.ErrInsufficientCredits) && !errors.Is(err, domain.ErrEditLimitReached) {
		ev = w.log.Error()
	}
	ev.Err(err).
		Str("op", op).
		Str("image_id", imageID).
		Str("prompt", domain.TruncatePrompt(prompt, 48)).
		Str("user_message", domain.UserMessage(err)).
		Msg("operation failed")
}
