// Package versions owns the render history of an image.
//
// The history is linear: an edit always appends after the current render,
// whichever version its pixels were taken from. AppendVersion is the only
// function that grows VersionHistory and nothing ever shrinks it.
package versions

import (
	"fmt"
	"time"

	"studio/internal/domain"
)

// AllVersions returns the stored history followed by the current render.
func AllVersions(img domain.Image) []domain.Version {
	out := make([]domain.Version, 0, len(img.VersionHistory)+1)
	out = append(out, img.VersionHistory...)
	if img.ImageURL != "" {
		out = append(out, current(img))
	}
	return out
}

// AppendVersion moves the current render into history and makes newURL the
// latest version.
func AppendVersion(img domain.Image, newURL, editPrompt string, now time.Time) domain.Image {
	out := img.Clone()
	if img.ImageURL != "" {
		out.VersionHistory = append(out.VersionHistory, current(img))
	}
	out.ImageURL = newURL
	out.Metadata.EditPrompt = editPrompt
	out.EditCount++
	out.UpdatedAt = now
	return out
}

// Complete records the first render of an image. It is not an edit.
func Complete(img domain.Image, url string, now time.Time) domain.Image {
	out := img.Clone()
	out.ImageURL = url
	out.Status = domain.ImageStatusReady
	out.UpdatedAt = now
	return out
}

// SourceURL resolves the url an edit should start from. A nil index means
// the latest version.
func SourceURL(img domain.Image, index *int) (string, error) {
	all := AllVersions(img)
	if len(all) == 0 {
		return "", domain.ErrNotReady
	}
	if index == nil {
		return all[len(all)-1].ImageURL, nil
	}
	if *index < 0 || *index >= len(all) {
		return "", fmt.Errorf("%w: %d of %d", domain.ErrVersionOutOfRange, *index, len(all))
	}
	return all[*index].ImageURL, nil
}

// CheckEditable rejects edits on images that are not ready or have used up
// their edit budget.
func CheckEditable(img domain.Image) error {
	if img.Status != domain.ImageStatusReady || img.ImageURL == "" {
		return domain.ErrNotReady
	}
	if img.EditCount >= maxEdits(img) {
		return domain.ErrEditLimitReached
	}
	return nil
}

// RemainingEdits reports how many edits are still allowed.
func RemainingEdits(img domain.Image) int {
	return max(maxEdits(img)-img.EditCount, 0)
}

func maxEdits(img domain.Image) int {
	if img.MaxEdits <= 0 {
		return domain.DefaultMaxEdits
	}
	return img.MaxEdits
}

func current(img domain.Image) domain.Version {
	return domain.Version{
		ImageURL:   img.ImageURL,
		EditPrompt: img.Metadata.EditPrompt,
		Timestamp:  img.UpdatedAt,
	}
}
