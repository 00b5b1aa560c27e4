package versions

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"studio/internal/backend"
	"studio/internal/domain"
	"studio/internal/metrics"
	"studio/internal/retry"
	"studio/internal/storage"
)

// Store runs edits against the authoritative image rows.
type Store struct {
	repo   domain.ImageRepository
	editor backend.Editor
	blobs  domain.BlobStore
	policy retry.Policy
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewStore(repo domain.ImageRepository, editor backend.Editor, blobs domain.BlobStore, policy retry.Policy, log zerolog.Logger) *Store {
	logger := log.With().Str("component", "versions").Logger()
	policy = policy.WithNotify(func(attempt int, err error, wait time.Duration) {
		metrics.RecordRetry("edit")
		logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("edit retry")
	})
	return &Store{
		repo:     repo,
		editor:   editor,
		blobs:    blobs,
		policy:   policy,
		log:      logger,
		now:      time.Now,
		inflight: map[string]struct{}{},
	}
}

// Versions returns the full version list of an image.
func (s *Store) Versions(ctx context.Context, owner domain.Owner, imageID string) ([]domain.Version, error) {
	img, err := s.repo.Get(ctx, owner, imageID)
	if err != nil {
		return nil, err
	}
	return AllVersions(*img), nil
}

// EditFrom renders a new version from the version at index (latest when
// nil) and appends it after the current latest. The edit cap is checked
// against a fresh read before any backend call. Only one edit per image may
// run at a time.
func (s *Store) EditFrom(ctx context.Context, owner domain.Owner, imageID string, index *int, prompt string) (*domain.Image, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: edit prompt is empty", domain.ErrInvalidPrompt)
	}
	if !s.acquire(imageID) {
		return nil, domain.ErrEditInFlight
	}
	defer s.release(imageID)

	img, err := s.repo.Get(ctx, owner, imageID)
	if err != nil {
		return nil, err
	}
	if err := CheckEditable(*img); err != nil {
		return nil, err
	}
	source, err := SourceURL(*img, index)
	if err != nil {
		return nil, err
	}

	logger := s.log.With().
		Str("brand_id", owner.BrandID).
		Str("image_id", imageID).
		Str("prompt", domain.TruncatePrompt(prompt, 48)).
		Logger()

	start := time.Now()
	render, err := retry.Do(ctx, s.policy, func(ctx context.Context) (*backend.Render, error) {
		return s.editor.Edit(ctx, backend.EditRequest{
			ImageID:          img.ID,
			BrandID:          img.BrandID,
			UserID:           img.UserID,
			Prompt:           prompt,
			PreviousImageURL: source,
			AspectRatio:      img.Metadata.AspectRatio,
		})
	})
	metrics.RecordBackendCall("edit", "edit", err, time.Since(start))
	if err != nil {
		logger.Error().Err(err).Msg("edit failed")
		return nil, err
	}

	mime := storage.Sniff(render.Data, render.MIME)
	key := storage.ImageKey(img.BrandID, img.ID, uuid.NewString(), mime)
	url, err := s.blobs.Put(ctx, key, bytes.NewReader(render.Data), int64(len(render.Data)), mime)
	if err != nil {
		metrics.RecordPersist("edit", err)
		logger.Error().Err(err).Msg("edit upload failed")
		return nil, &domain.PersistenceError{ImageID: img.ID, Stage: "upload", Err: err}
	}

	fresh, err := s.repo.Get(ctx, owner, imageID)
	if err != nil {
		metrics.RecordPersist("edit", err)
		logger.Error().Err(err).Msg("edit re-read failed")
		return nil, &domain.PersistenceError{ImageID: img.ID, Stage: "read", Err: err}
	}
	if fresh.EditCount >= maxEdits(*fresh) {
		return nil, domain.ErrEditLimitReached
	}
	next := AppendVersion(*fresh, url, prompt, s.now().UTC())
	next.Metadata.Provenance = mergeProvenance(next.Metadata.Provenance, render)
	if err := s.repo.Update(ctx, &next); err != nil {
		metrics.RecordPersist("edit", err)
		logger.Error().Err(err).Msg("edit row write failed")
		return nil, &domain.PersistenceError{ImageID: img.ID, Stage: "row", Err: err}
	}
	metrics.RecordPersist("edit", nil)
	logger.Info().Int("edit_count", next.EditCount).Int("versions", len(AllVersions(next))).Msg("edit applied")
	return &next, nil
}

// InFlight reports whether an edit on imageID is running.
func (s *Store) InFlight(imageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[imageID]
	return ok
}

func (s *Store) acquire(imageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[imageID]; ok {
		return false
	}
	s.inflight[imageID] = struct{}{}
	return true
}

func (s *Store) release(imageID string) {
	s.mu.Lock()
	delete(s.inflight, imageID)
	s.mu.Unlock()
}

func mergeProvenance(in map[string]any, render *backend.Render) map[string]any {
	out := make(map[string]any, len(in)+3)
	for k, v := range in {
		out[k] = v
	}
	if render.Provider != "" {
		out["edit_provider"] = render.Provider
	}
	out["edit_latency_ms"] = render.Latency.Milliseconds()
	return out
}

