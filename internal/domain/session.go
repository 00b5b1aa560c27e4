package domain

import (
	"fmt"
	"strings"
	"time"
)

// Variant names one of the interchangeable generation back-ends.
type Variant string

const (
	VariantV1 Variant = "v1"
	VariantV2 Variant = "v2"
	VariantV3 Variant = "v3"
)

// Variants lists the comparison variants in their stable order.
var Variants = []Variant{VariantV1, VariantV2, VariantV3}

// Index returns the stable variation index of the variant.
func (v Variant) Index() int {
	switch v {
	case VariantV1:
		return 0
	case VariantV2:
		return 1
	case VariantV3:
		return 2
	}
	return -1
}

// ParseVariant normalizes user input into a variant.
func ParseVariant(s string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(s)))
	if v.Index() < 0 {
		return "", fmt.Errorf("unknown variant %q", s)
	}
	return v, nil
}

// Session is a server-side credit reservation shared by every call in one
// comparison batch.
type Session struct {
	ID               string
	UserID           string
	CreditCost       int
	MaxGenerations   int
	Redeemed         int
	RemainingCredits int
	CreatedAt        time.Time
}

// AttachmentCategory classifies the selectable inputs of a request.
type AttachmentCategory string

const (
	AttachmentLogo      AttachmentCategory = "logo"
	AttachmentAsset     AttachmentCategory = "asset"
	AttachmentReference AttachmentCategory = "reference"
	AttachmentProduct   AttachmentCategory = "product"
	AttachmentStyle     AttachmentCategory = "style"
)

// Attachment is a brand asset, reference, style swatch or product photo. The
// core only reads it.
type Attachment struct {
	ID       string             `json:"id"`
	URL      string             `json:"url"`
	Category AttachmentCategory `json:"category"`
}

const (
	// MaxAssets caps the brand assets forwarded to a backend.
	MaxAssets = 4
	// MaxReferences caps the reference images forwarded to a backend.
	MaxReferences = 3
	// DefaultMaxEdits applies when an image row does not carry its own cap.
	DefaultMaxEdits = 10
)
