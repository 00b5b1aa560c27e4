package domain

import (
	"encoding/json"
	"time"
)

// ImageStatus enumerates the lifecycle states of a generated image.
type ImageStatus string

const (
	ImageStatusGenerating ImageStatus = "generating"
	ImageStatusReady      ImageStatus = "ready"
	ImageStatusError      ImageStatus = "error"
)

// Terminal reports whether no further render will update the image.
func (s ImageStatus) Terminal() bool {
	return s == ImageStatusReady || s == ImageStatusError
}

// CanBecome reports whether an image in status s may be written with status
// next. Ready and error images only ever keep their status.
func (s ImageStatus) CanBecome(next ImageStatus) bool {
	return !s.Terminal() || s == next
}

// Valid reports whether s is a known status.
func (s ImageStatus) Valid() bool {
	switch s {
	case ImageStatusGenerating, ImageStatusReady, ImageStatusError:
		return true
	}
	return false
}

// Owner identifies the brand/user pairing that exclusively owns an image.
type Owner struct {
	UserID  string
	BrandID string
}

// Version is one historical or current render of an image. It is a
// projection over the image row and never persisted on its own.
type Version struct {
	ImageURL   string    `json:"image_url"`
	EditPrompt string    `json:"edit_prompt,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Image is a generated artifact together with its render history.
type Image struct {
	ID             string
	UserID         string
	BrandID        string
	Status         ImageStatus
	Prompt         string
	ImageURL       string
	VersionHistory []Version
	EditCount      int
	MaxEdits       int
	Metadata       Metadata
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Owner returns the brand/user pairing of the image.
func (i Image) Owner() Owner {
	return Owner{UserID: i.UserID, BrandID: i.BrandID}
}

// OwnedBy reports whether the image belongs to o.
func (i Image) OwnedBy(o Owner) bool {
	return i.UserID == o.UserID && i.BrandID == o.BrandID
}

// Clone returns a deep copy so callers can mutate without aliasing history
// slices or metadata maps.
func (i Image) Clone() Image {
	out := i
	if i.VersionHistory != nil {
		out.VersionHistory = append([]Version(nil), i.VersionHistory...)
	}
	out.Metadata = i.Metadata.Clone()
	return out
}

// Metadata is the open bag attached to an image. Known keys are surfaced as
// typed fields; everything else travels in Extra.
type Metadata struct {
	VariationGroupID string         `json:"variation_group_id,omitempty"`
	VariationIndex   *int           `json:"variation_index,omitempty"`
	AspectRatio      string         `json:"aspect_ratio,omitempty"`
	PromptVersion    string         `json:"prompt_version,omitempty"`
	EditPrompt       string         `json:"edit_prompt,omitempty"`
	ProductID        string         `json:"product_id,omitempty"`
	Provenance       map[string]any `json:"provenance,omitempty"`
	Extra            map[string]any `json:"-"`
}

// InGroup reports whether the image belongs to a variation group.
func (m Metadata) InGroup() bool {
	return m.VariationGroupID != "" && m.VariationIndex != nil
}

// Clone deep-copies the metadata maps.
func (m Metadata) Clone() Metadata {
	out := m
	if m.VariationIndex != nil {
		idx := *m.VariationIndex
		out.VariationIndex = &idx
	}
	out.Provenance = cloneMap(m.Provenance)
	out.Extra = cloneMap(m.Extra)
	return out
}

var metadataKnownKeys = []string{
	"variation_group_id",
	"variation_index",
	"aspect_ratio",
	"prompt_version",
	"edit_prompt",
	"product_id",
	"provenance",
}

// MarshalJSON flattens Extra next to the known keys.
func (m Metadata) MarshalJSON() ([]byte, error) {
	type known Metadata
	base, err := json.Marshal(known(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}
	merged := make(map[string]any, len(m.Extra)+len(metadataKnownKeys))
	for k, v := range m.Extra {
		merged[k] = v
	}
	var fields map[string]any
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON keeps unknown keys in Extra.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	type known Metadata
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, key := range metadataKnownKeys {
		delete(all, key)
	}
	*m = Metadata(k)
	if len(all) > 0 {
		m.Extra = all
	}
	return nil
}

// IntPtr is a small helper for optional indices.
func IntPtr(v int) *int {
	return &v
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
