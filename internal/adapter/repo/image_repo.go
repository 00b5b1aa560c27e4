package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/sqlinline"
)

// ErrStaleHistory is returned when an update would shrink version_history,
// which only happens when the writer read the row before another edit landed.
var ErrStaleHistory = errors.New("image history changed since it was read")

const listLimit = 200

// ImageRepositoryPG implements domain.ImageRepository.
type ImageRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewImageRepository creates a new image repository backed by PostgreSQL.
func NewImageRepository(sql infra.SQLExecutor) *ImageRepositoryPG {
	return &ImageRepositoryPG{sql: sql}
}

// Insert stores a new image row. CreatedAt and UpdatedAt are taken from the
// database.
func (r *ImageRepositoryPG) Insert(ctx context.Context, img *domain.Image) error {
	history, metadata, err := encodeImageJSON(img)
	if err != nil {
		return err
	}
	maxEdits := img.MaxEdits
	if maxEdits <= 0 {
		maxEdits = domain.DefaultMaxEdits
		img.MaxEdits = maxEdits
	}
	return r.sql.QueryRow(ctx, sqlinline.QInsertImage,
		img.ID,
		img.UserID,
		img.BrandID,
		string(img.Status),
		img.Prompt,
		img.ImageURL,
		history,
		img.EditCount,
		maxEdits,
		metadata,
	).Scan(&img.CreatedAt, &img.UpdatedAt)
}

// Get fetches an image owned by owner.
func (r *ImageRepositoryPG) Get(ctx context.Context, owner domain.Owner, id string) (*domain.Image, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectImage, id, owner.UserID, owner.BrandID)
	img, err := scanImage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return img, nil
}

// GetByID fetches an image regardless of owner. Only the render worker uses it.
func (r *ImageRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Image, error) {
	img, err := scanImage(r.sql.QueryRow(ctx, sqlinline.QSelectImageByID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return img, nil
}

// Update writes every mutable column. A zero UpdatedAt lets the database
// stamp the row.
func (r *ImageRepositoryPG) Update(ctx context.Context, img *domain.Image) error {
	history, metadata, err := encodeImageJSON(img)
	if err != nil {
		return err
	}
	var updatedAt *time.Time
	if !img.UpdatedAt.IsZero() {
		ts := img.UpdatedAt
		updatedAt = &ts
	}
	err = r.sql.QueryRow(ctx, sqlinline.QUpdateImage,
		img.ID,
		img.UserID,
		img.BrandID,
		string(img.Status),
		img.Prompt,
		img.ImageURL,
		history,
		img.EditCount,
		img.MaxEdits,
		metadata,
		updatedAt,
	).Scan(&img.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	cur, getErr := r.Get(ctx, img.Owner(), img.ID)
	if getErr != nil {
		return getErr
	}
	if !cur.Status.CanBecome(img.Status) {
		return fmt.Errorf("update image %s from %s to %s: %w", img.ID, cur.Status, img.Status, domain.ErrTerminalStatus)
	}
	return fmt.Errorf("update image %s: %w", img.ID, ErrStaleHistory)
}

// Delete hard-deletes an image. Deleting a missing row reports ErrNotFound.
func (r *ImageRepositoryPG) Delete(ctx context.Context, owner domain.Owner, id string) error {
	tag, err := r.sql.Exec(ctx, sqlinline.QDeleteImage, id, owner.UserID, owner.BrandID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByOwner returns the newest images of a brand first.
func (r *ImageRepositoryPG) ListByOwner(ctx context.Context, owner domain.Owner) ([]domain.Image, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListImagesByOwner, owner.UserID, owner.BrandID, listLimit)
	if err != nil {
		return nil, err
	}
	return collectImages(rows)
}

// FindByMetadata returns matching images in creation order.
func (r *ImageRepositoryPG) FindByMetadata(ctx context.Context, owner domain.Owner, filter domain.MetadataFilter) ([]domain.Image, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QFindImagesByMetadata,
		owner.UserID,
		owner.BrandID,
		filter.VariationGroupID,
		filter.VariationIndex,
		filter.PromptVersion,
	)
	if err != nil {
		return nil, err
	}
	return collectImages(rows)
}

// RecentPrompts returns distinct prompts of ready images, most recent first.
func (r *ImageRepositoryPG) RecentPrompts(ctx context.Context, owner domain.Owner, limit int) ([]string, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QRecentPrompts, owner.UserID, owner.BrandID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func collectImages(rows pgx.Rows) ([]domain.Image, error) {
	defer rows.Close()
	var out []domain.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *img)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanImage(row pgx.Row) (*domain.Image, error) {
	var (
		img      domain.Image
		status   string
		history  []byte
		metadata []byte
	)
	if err := row.Scan(
		&img.ID,
		&img.UserID,
		&img.BrandID,
		&status,
		&img.Prompt,
		&img.ImageURL,
		&history,
		&img.EditCount,
		&img.MaxEdits,
		&metadata,
		&img.CreatedAt,
		&img.UpdatedAt,
	); err != nil {
		return nil, err
	}
	img.Status = domain.ImageStatus(status)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &img.VersionHistory); err != nil {
			return nil, fmt.Errorf("decode version_history for %s: %w", img.ID, err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &img.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", img.ID, err)
		}
	}
	return &img, nil
}

func encodeImageJSON(img *domain.Image) ([]byte, []byte, error) {
	history := img.VersionHistory
	if history == nil {
		history = []domain.Version{}
	}
	h, err := json.Marshal(history)
	if err != nil {
		return nil, nil, fmt.Errorf("encode version_history: %w", err)
	}
	m, err := json.Marshal(img.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return h, m, nil
}

var _ domain.ImageRepository = (*ImageRepositoryPG)(nil)
