package compare

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"

	"studio/internal/backend"
	"studio/internal/domain"
	"studio/internal/metrics"
	"studio/internal/storage"
)

// LegacyTag is the prompt_version value older releases wrote on saved
// comparison rows. It is still written so those readers keep working.
func LegacyTag(groupID string, v domain.Variant) string {
	return fmt.Sprintf("compare:%s:%s", groupID, v)
}

// persist uploads a render and inserts it as a ready image of this batch's
// variation group. Nothing is written to the row store when the upload
// fails.
func (b *Batch) persist(ctx context.Context, v domain.Variant, render *backend.Render) (*domain.Image, error) {
	id := uuid.NewString()
	logger := b.log.With().Str("variant", string(v)).Str("image_id", id).Logger()

	mime := storage.Sniff(render.Data, render.MIME)
	key := storage.ImageKey(b.cfg.Owner.BrandID, id, "v0", mime)
	url, err := b.cfg.Blobs.Put(ctx, key, bytes.NewReader(render.Data), int64(len(render.Data)), mime)
	if err != nil {
		perr := &domain.PersistenceError{ImageID: id, Stage: "upload", Err: err}
		metrics.RecordPersist(b.flow, perr)
		logger.Error().Err(err).Msg("variant upload failed")
		return nil, perr
	}

	b.mu.Lock()
	sessionID := b.session.ID
	b.mu.Unlock()

	meta := domain.Metadata{
		VariationGroupID: b.id,
		VariationIndex:   domain.IntPtr(v.Index()),
		AspectRatio:      b.cfg.Request.AspectRatio,
		ProductID:        b.cfg.Request.ProductID,
		Provenance: map[string]any{
			"variant":    string(v),
			"provider":   render.Provider,
			"session_id": sessionID,
			"latency_ms": render.Latency.Milliseconds(),
			"width":      render.Width,
			"height":     render.Height,
		},
	}
	if !b.cfg.AutoPersist {
		meta.PromptVersion = LegacyTag(b.id, v)
	}
	img := &domain.Image{
		ID:       id,
		UserID:   b.cfg.Owner.UserID,
		BrandID:  b.cfg.Owner.BrandID,
		Status:   domain.ImageStatusReady,
		Prompt:   b.cfg.Request.Prompt,
		ImageURL: url,
		MaxEdits: b.cfg.MaxEdits,
		Metadata: meta,
	}
	if err := b.cfg.Repo.Insert(ctx, img); err != nil {
		perr := &domain.PersistenceError{ImageID: id, Stage: "row", Err: err}
		metrics.RecordPersist(b.flow, perr)
		logger.Error().Err(err).Msg("variant row insert failed")
		return nil, perr
	}
	metrics.RecordPersist(b.flow, nil)
	logger.Info().Int("variation_index", v.Index()).Msg("variant persisted")
	return img, nil
}
