package compare

import (
	"context"
	"fmt"

	"studio/internal/domain"
)

// Key identifies the saved row of one variant in a batch.
type Key struct {
	GroupID string
	Variant domain.Variant
	ImageID string
}

// LookupStrategy finds the persisted row of a saved variant.
//
// Rows have been tagged two ways over time: by variation group and index,
// and by a legacy prompt_version value. A freshly saved row may also not be
// visible to the first query yet. Strategies are tried in order and the
// first hit wins. Drop the legacy entry once no prompt_version-only rows
// remain.
type LookupStrategy struct {
	Name string
	Find func(ctx context.Context, repo domain.ImageRepository, owner domain.Owner, key Key) ([]domain.Image, error)
}

// ByVariationIndex matches variation_group_id and variation_index.
var ByVariationIndex = LookupStrategy{
	Name: "variation_index",
	Find: func(ctx context.Context, repo domain.ImageRepository, owner domain.Owner, key Key) ([]domain.Image, error) {
		return repo.FindByMetadata(ctx, owner, domain.MetadataFilter{
			VariationGroupID: key.GroupID,
			VariationIndex:   domain.IntPtr(key.Variant.Index()),
		})
	},
}

// ByPromptVersion matches the legacy prompt_version tag.
var ByPromptVersion = LookupStrategy{
	Name: "prompt_version",
	Find: func(ctx context.Context, repo domain.ImageRepository, owner domain.Owner, key Key) ([]domain.Image, error) {
		return repo.FindByMetadata(ctx, owner, domain.MetadataFilter{PromptVersion: LegacyTag(key.GroupID, key.Variant)})
	},
}

// ByImageID reads the row the save returned.
var ByImageID = LookupStrategy{
	Name: "image_id",
	Find: func(ctx context.Context, repo domain.ImageRepository, owner domain.Owner, key Key) ([]domain.Image, error) {
		if key.ImageID == "" {
			return nil, nil
		}
		img, err := repo.Get(ctx, owner, key.ImageID)
		if err != nil {
			return nil, err
		}
		return []domain.Image{*img}, nil
	},
}

func DefaultLookups() []LookupStrategy {
	return []LookupStrategy{ByVariationIndex, ByPromptVersion, ByImageID}
}

// Lookup runs strategies in order and returns the first row found along with
// the name of the strategy that found it. Not-found results fall through to
// the next strategy; other errors stop the search.
func Lookup(ctx context.Context, repo domain.ImageRepository, owner domain.Owner, strategies []LookupStrategy, key Key) (*domain.Image, string, error) {
	for _, s := range strategies {
		rows, err := s.Find(ctx, repo, owner, key)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, s.Name, fmt.Errorf("lookup %s: %w", s.Name, err)
		}
		if len(rows) > 0 {
			img := rows[0]
			return &img, s.Name, nil
		}
	}
	return nil, "", fmt.Errorf("lookup variant %s of group %s: %w", key.Variant, key.GroupID, domain.ErrNotFound)
}
