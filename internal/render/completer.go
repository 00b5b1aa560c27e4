// Package render completes images created by the single-generate flow: the
// row exists in generating status and a variant renders it asynchronously.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"studio/internal/backend"
	"studio/internal/domain"
	"studio/internal/metrics"
	"studio/internal/retry"
	"studio/internal/storage"
	"studio/internal/versions"
)

// Rows is the row access the completer needs. It addresses rows by id only
// because jobs carry no brand.
type Rows interface {
	GetByID(ctx context.Context, id string) (*domain.Image, error)
	Update(ctx context.Context, img *domain.Image) error
}

// Completer renders a queued image, uploads it and marks the row ready, or
// marks it error when the render cannot be produced.
type Completer struct {
	rows   Rows
	blobs  domain.BlobStore
	policy retry.Policy
	log    zerolog.Logger
	now    func() time.Time
}

func NewCompleter(rows Rows, blobs domain.BlobStore, policy retry.Policy, log zerolog.Logger) *Completer {
	logger := log.With().Str("component", "render").Logger()
	return &Completer{
		rows:  rows,
		blobs: blobs,
		policy: policy.WithNotify(func(attempt int, err error, wait time.Duration) {
			metrics.RecordRetry("render")
			logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("render retry")
		}),
		log: logger,
		now: time.Now,
	}
}

// Complete renders req into the image row req.ImageID. Rows that already
// reached a terminal status are left alone, so a redelivered job is harmless.
func (c *Completer) Complete(ctx context.Context, gen backend.Generator, req backend.Request) error {
	img, err := c.rows.GetByID(ctx, req.ImageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.log.Info().Str("image_id", req.ImageID).Msg("image deleted before render")
			return nil
		}
		return fmt.Errorf("load image: %w", err)
	}
	if img.Status.Terminal() {
		return nil
	}
	logger := c.log.With().
		Str("brand_id", img.BrandID).
		Str("image_id", img.ID).
		Str("variant", string(req.Variant)).
		Str("prompt", domain.TruncatePrompt(img.Prompt, 48)).
		Logger()

	start := time.Now()
	out, err := retry.Do(ctx, c.policy, func(ctx context.Context) (*backend.Render, error) {
		return gen.Generate(ctx, req)
	})
	metrics.RecordBackendCall("render", string(req.Variant), err, time.Since(start))
	if err != nil {
		logger.Error().Err(err).Msg("render failed")
		if ferr := c.Fail(ctx, img.ID, err); ferr != nil {
			logger.Error().Err(ferr).Msg("mark image error failed")
		}
		return err
	}

	mime := storage.Sniff(out.Data, out.MIME)
	url, err := c.blobs.Put(ctx, storage.ImageKey(img.BrandID, img.ID, uuid.NewString(), mime), bytes.NewReader(out.Data), int64(len(out.Data)), mime)
	if err != nil {
		perr := &domain.PersistenceError{ImageID: img.ID, Stage: "upload", Err: err}
		metrics.RecordPersist("single", perr)
		logger.Error().Err(err).Msg("render upload failed")
		if ferr := c.Fail(ctx, img.ID, perr); ferr != nil {
			logger.Error().Err(ferr).Msg("mark image error failed")
		}
		return perr
	}

	fresh, err := c.rows.GetByID(ctx, img.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Info().Msg("image deleted during render")
			return nil
		}
		return &domain.PersistenceError{ImageID: img.ID, Stage: "read", Err: err}
	}
	done := versions.Complete(*fresh, url, c.now().UTC())
	if done.Metadata.Provenance == nil {
		done.Metadata.Provenance = map[string]any{}
	}
	done.Metadata.Provenance["variant"] = string(req.Variant)
	done.Metadata.Provenance["provider"] = out.Provider
	done.Metadata.Provenance["latency_ms"] = out.Latency.Milliseconds()
	if err := c.rows.Update(ctx, &done); err != nil {
		perr := &domain.PersistenceError{ImageID: img.ID, Stage: "row", Err: err}
		metrics.RecordPersist("single", perr)
		logger.Error().Err(err).Msg("render row write failed")
		return perr
	}
	metrics.RecordPersist("single", nil)
	logger.Info().Dur("elapsed", time.Since(start)).Msg("image ready")
	return nil
}

// Fail marks a generating image as error. The cause is kept in metadata for
// support; it is never shown to users.
func (c *Completer) Fail(ctx context.Context, imageID string, cause error) error {
	img, err := c.rows.GetByID(ctx, imageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	if img.Status.Terminal() {
		return nil
	}
	failed := img.Clone()
	failed.Status = domain.ImageStatusError
	failed.UpdatedAt = c.now().UTC()
	if failed.Metadata.Provenance == nil {
		failed.Metadata.Provenance = map[string]any{}
	}
	failed.Metadata.Provenance["failure"] = metrics.Outcome(cause)
	if err := c.rows.Update(ctx, &failed); err != nil && !errors.Is(err, domain.ErrTerminalStatus) {
		return err
	}
	return nil
}
