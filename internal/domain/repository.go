package domain

import (
	"context"
	"io"
)

// ImageRepository is the authoritative row storage for images.
type ImageRepository interface {
	Insert(ctx context.Context, img *Image) error
	Get(ctx context.Context, owner Owner, id string) (*Image, error)
	Update(ctx context.Context, img *Image) error
	Delete(ctx context.Context, owner Owner, id string) error
	ListByOwner(ctx context.Context, owner Owner) ([]Image, error)
	FindByMetadata(ctx context.Context, owner Owner, filter MetadataFilter) ([]Image, error)
}

// MetadataFilter selects rows by metadata fields. Empty fields are ignored.
type MetadataFilter struct {
	VariationGroupID string
	VariationIndex   *int
	PromptVersion    string
}

// Matches reports whether m satisfies every non-empty field of f.
func (f MetadataFilter) Matches(m Metadata) bool {
	if f.VariationGroupID != "" && m.VariationGroupID != f.VariationGroupID {
		return false
	}
	if f.VariationIndex != nil && (m.VariationIndex == nil || *m.VariationIndex != *f.VariationIndex) {
		return false
	}
	if f.PromptVersion != "" && m.PromptVersion != f.PromptVersion {
		return false
	}
	return true
}

// Ledger reserves and redeems credits server-side. Reserve is the single
// critical section protecting the balance across concurrent requests.
type Ledger interface {
	Reserve(ctx context.Context, userID string, creditCost, maxGenerations int) (*Session, error)
	Redeem(ctx context.Context, sessionID string) (*Session, error)
	Balance(ctx context.Context, userID string) (int, error)
}

// BlobStore turns raw bytes into a durably addressable public URL.
type BlobStore interface {
	Put(ctx context.Context, path string, body io.Reader, size int64, contentType string) (string, error)
}

// CreditWatcher pushes balance changes for a user.
type CreditWatcher interface {
	Subscribe(ctx context.Context, userID string) (<-chan int, error)
}
