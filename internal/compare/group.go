package compare

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"studio/internal/domain"
)

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

// ValidateGroup checks the members of one variation group: a single group
// id, unique indices inside the range of issued slots, and a shared prompt
// and aspect ratio. Slots whose variant failed are simply absent.
func ValidateGroup(images []domain.Image, slots int) error {
	if len(images) == 0 {
		return nil
	}
	if slots <= 0 {
		slots = len(domain.Variants)
	}
	groupID := images[0].Metadata.VariationGroupID
	prompt := images[0].Prompt
	aspect := images[0].Metadata.AspectRatio
	seen := make(map[int]string, len(images))
	for _, img := range images {
		m := img.Metadata
		if !m.InGroup() {
			return fmt.Errorf("image %s: missing variation tags", img.ID)
		}
		if m.VariationGroupID != groupID {
			return fmt.Errorf("image %s: group %s, want %s", img.ID, m.VariationGroupID, groupID)
		}
		idx := *m.VariationIndex
		if idx < 0 || idx >= slots {
			return fmt.Errorf("image %s: variation_index %d outside [0,%d)", img.ID, idx, slots)
		}
		if other, dup := seen[idx]; dup {
			return fmt.Errorf("images %s and %s share variation_index %d", other, img.ID, idx)
		}
		seen[idx] = img.ID
		if img.Prompt != prompt {
			return fmt.Errorf("image %s: prompt differs from the group", img.ID)
		}
		if m.AspectRatio != aspect {
			return fmt.Errorf("image %s: aspect ratio %q differs from %q", img.ID, m.AspectRatio, aspect)
		}
	}
	return nil
}

// Group is one variation group as shown in the gallery.
type Group struct {
	ID     string
	Prompt string
	Images []domain.Image
}

// GroupImages collects grouped images by group id, members ordered by
// variation_index and groups newest first. Ungrouped images are skipped.
func GroupImages(images []domain.Image) []Group {
	byID := map[string]*Group{}
	var order []string
	for _, img := range images {
		if !img.Metadata.InGroup() {
			continue
		}
		gid := img.Metadata.VariationGroupID
		g, ok := byID[gid]
		if !ok {
			g = &Group{ID: gid, Prompt: img.Prompt}
			byID[gid] = g
			order = append(order, gid)
		}
		g.Images = append(g.Images, img)
	}
	out := make([]Group, 0, len(order))
	for _, gid := range order {
		g := byID[gid]
		sort.SliceStable(g.Images, func(i, j int) bool {
			return *g.Images[i].Metadata.VariationIndex < *g.Images[j].Metadata.VariationIndex
		})
		out = append(out, *g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return newest(out[i]).After(newest(out[j]))
	})
	return out
}

func newest(g Group) (t time.Time) {
	for _, img := range g.Images {
		if img.CreatedAt.After(t) {
			t = img.CreatedAt
		}
	}
	return t
}
