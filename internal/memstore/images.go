// Package memstore provides in-process implementations of the studio
// repositories. The CLI uses them for offline runs and the tests of every
// orchestration package build on them.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"studio/internal/domain"
)

// ErrStaleHistory mirrors the Postgres repository's refusal to shrink
// version_history.
var ErrStaleHistory = errors.New("image history changed since it was read")

// Images is a domain.ImageRepository held in memory.
type Images struct {
	mu   sync.Mutex
	rows map[string]domain.Image
	seq  int
	now  func() time.Time

	// Hooks run before the matching write and may reject it.
	BeforeInsert func(img *domain.Image) error
	BeforeUpdate func(img *domain.Image) error
}

func NewImages() *Images {
	return &Images{rows: map[string]domain.Image{}, now: time.Now}
}

func (s *Images) Insert(ctx context.Context, img *domain.Image) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.BeforeInsert != nil {
		if err := s.BeforeInsert(img); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[img.ID]; ok {
		return errors.New("memstore: duplicate image id")
	}
	if slotTaken(img, s.all()) {
		return errors.New("memstore: duplicate variation index")
	}
	if img.MaxEdits <= 0 {
		img.MaxEdits = domain.DefaultMaxEdits
	}
	s.seq++
	ts := s.now().UTC().Add(time.Duration(s.seq) * time.Microsecond)
	img.CreatedAt, img.UpdatedAt = ts, ts
	s.rows[img.ID] = img.Clone()
	return nil
}

func (s *Images) Get(ctx context.Context, owner domain.Owner, id string) (*domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.rows[id]
	if !ok || !img.OwnedBy(owner) {
		return nil, domain.ErrNotFound
	}
	out := img.Clone()
	return &out, nil
}

func (s *Images) Update(ctx context.Context, img *domain.Image) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.BeforeUpdate != nil {
		if err := s.BeforeUpdate(img); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.rows[img.ID]
	if !ok || !prev.OwnedBy(img.Owner()) {
		return domain.ErrNotFound
	}
	if !prev.Status.CanBecome(img.Status) {
		return domain.ErrTerminalStatus
	}
	if len(img.VersionHistory) < len(prev.VersionHistory) {
		return ErrStaleHistory
	}
	if img.UpdatedAt.IsZero() {
		img.UpdatedAt = s.now().UTC()
	}
	img.CreatedAt = prev.CreatedAt
	s.rows[img.ID] = img.Clone()
	return nil
}

func (s *Images) Delete(ctx context.Context, owner domain.Owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.rows[id]
	if !ok || !img.OwnedBy(owner) {
		return domain.ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

// ListByOwner returns the newest images first.
func (s *Images) ListByOwner(ctx context.Context, owner domain.Owner) ([]domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Image
	for _, img := range s.all() {
		if img.OwnedBy(owner) {
			out = append(out, img.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// FindByMetadata returns matching images in creation order.
func (s *Images) FindByMetadata(ctx context.Context, owner domain.Owner, filter domain.MetadataFilter) ([]domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Image
	for _, img := range s.all() {
		if !img.OwnedBy(owner) || !filter.Matches(img.Metadata) {
			continue
		}
		out = append(out, img.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetByID fetches an image regardless of owner.
func (s *Images) GetByID(ctx context.Context, id string) (*domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := img.Clone()
	return &out, nil
}

// RecentPrompts returns distinct prompts of ready images, newest first.
func (s *Images) RecentPrompts(ctx context.Context, owner domain.Owner, limit int) ([]string, error) {
	images, _ := s.ListByOwner(ctx, owner)
	seen := map[string]struct{}{}
	var out []string
	for _, img := range images {
		if img.Status != domain.ImageStatusReady {
			continue
		}
		if _, ok := seen[img.Prompt]; ok {
			continue
		}
		seen[img.Prompt] = struct{}{}
		out = append(out, img.Prompt)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored rows.
func (s *Images) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *Images) all() []domain.Image {
	out := make([]domain.Image, 0, len(s.rows))
	for _, img := range s.rows {
		out = append(out, img)
	}
	return out
}

// slotTaken mirrors the unique index on (variation_group_id, variation_index).
func slotTaken(img *domain.Image, rows []domain.Image) bool {
	if !img.Metadata.InGroup() {
		return false
	}
	for _, r := range rows {
		if r.Metadata.InGroup() &&
			r.Metadata.VariationGroupID == img.Metadata.VariationGroupID &&
			*r.Metadata.VariationIndex == *img.Metadata.VariationIndex {
			return true
		}
	}
	return false
}

var _ domain.ImageRepository = (*Images)(nil)
