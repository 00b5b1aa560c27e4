// Package reconcile keeps the client-side image list in step with the
// server. Mutations are applied optimistically through Reduce and either
// confirmed or reverted when the call resolves; a poll replaces the list
// with the authoritative one.
package reconcile

import (
	"slices"

	"studio/internal/domain"
)

// State is the client view of one owner's workspace. Treat it as a value:
// Reduce never mutates its input.
type State struct {
	Images     []domain.Image
	SelectedID string
	// Drafts holds unsent edit text per image.
	Drafts map[string]string
	// Pending holds edits in flight per image.
	Pending map[string]PendingEdit
	// Deleting holds images removed ahead of the delete call.
	Deleting map[string]Deletion
	// Placeholders are ids inserted locally that the server has not
	// confirmed yet.
	Placeholders map[string]struct{}
}

// PendingEdit remembers what an edit replaced so a failure can restore it.
type PendingEdit struct {
	Previous domain.Image
	Prompt   string
}

// Deletion remembers a removed image and where it was.
type Deletion struct {
	Image    domain.Image
	Position int
}

// Selected returns the open image, if any.
func (s State) Selected() (domain.Image, bool) {
	if s.SelectedID == "" {
		return domain.Image{}, false
	}
	return s.find(s.SelectedID)
}

func (s State) find(id string) (domain.Image, bool) {
	for _, img := range s.Images {
		if img.ID == id {
			return img, true
		}
	}
	return domain.Image{}, false
}

func (s State) index(id string) int {
	return slices.IndexFunc(s.Images, func(img domain.Image) bool { return img.ID == id })
}

// HasTransient reports whether any image is still rendering. Polling runs
// only while it holds.
func HasTransient(s State) bool {
	for _, img := range s.Images {
		if img.Status == domain.ImageStatusGenerating {
			return true
		}
	}
	return false
}

// EditInFlight reports whether an edit on id has not resolved yet.
func EditInFlight(s State, id string) bool {
	_, ok := s.Pending[id]
	return ok
}

func (s State) clone() State {
	out := s
	out.Images = make([]domain.Image, len(s.Images))
	for i, img := range s.Images {
		out.Images[i] = img.Clone()
	}
	out.Drafts = cloneMap(s.Drafts)
	out.Pending = cloneMap(s.Pending)
	out.Deleting = cloneMap(s.Deleting)
	out.Placeholders = cloneMap(s.Placeholders)
	return out
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
