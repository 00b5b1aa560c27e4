package reconcile

import (
	"slices"

	"studio/internal/domain"
)

// Action is a state transition. The set is closed.
type Action interface{ action() }

// Submit inserts a placeholder at the top of the list before the generate
// call is issued.
type Submit struct{ Image domain.Image }

// SubmitResolve replaces the placeholder PlaceholderID with the row the
// server returned.
type SubmitResolve struct {
	PlaceholderID string
	Image         domain.Image
}

// SubmitReject removes the placeholder, e.g. on insufficient credits.
type SubmitReject struct{ PlaceholderID string }

// SetDraft records unsent edit text.
type SetDraft struct {
	ImageID string
	Text    string
}

// EditStart marks an edit in flight and consumes the draft.
type EditStart struct {
	ImageID string
	Prompt  string
}

// EditResolve swaps in the edited row.
type EditResolve struct{ Image domain.Image }

// EditReject restores the pre-edit image and the draft text.
type EditReject struct{ ImageID string }

// DeleteStart removes the image ahead of the delete call.
type DeleteStart struct{ ImageID string }

type DeleteResolve struct{ ImageID string }

// DeleteReject puts the image back where it was.
type DeleteReject struct{ ImageID string }

// PollTick replaces the list with the authoritative one.
type PollTick struct{ Images []domain.Image }

// Select opens an image; an empty id closes the view.
type Select struct{ ImageID string }

func (Submit) action()        {}
func (SubmitResolve) action() {}
func (SubmitReject) action()  {}
func (SetDraft) action()      {}
func (EditStart) action()     {}
func (EditResolve) action()   {}
func (EditReject) action()    {}
func (DeleteStart) action()   {}
func (DeleteResolve) action() {}
func (DeleteReject) action()  {}
func (PollTick) action()      {}
func (Select) action()        {}

// Reduce returns the state after a. It never mutates s. Actions that refer
// to unknown images leave the state unchanged.
func Reduce(s State, a Action) State {
	next, _ := apply(s, a)
	return next
}

// apply is Reduce that also reports whether a changed anything.
func apply(s State, a Action) (State, bool) {
	next := s.clone()
	switch a := a.(type) {
	case Submit:
		if next.index(a.Image.ID) >= 0 {
			return s, false
		}
		next.Images = append([]domain.Image{a.Image.Clone()}, next.Images...)
		next.Placeholders[a.Image.ID] = struct{}{}

	case SubmitResolve:
		delete(next.Placeholders, a.PlaceholderID)
		i := next.index(a.PlaceholderID)
		if i < 0 {
			if j := next.index(a.Image.ID); j >= 0 {
				next.Images[j] = a.Image.Clone()
			} else {
				next.Images = append([]domain.Image{a.Image.Clone()}, next.Images...)
			}
			break
		}
		if j := next.index(a.Image.ID); j >= 0 && j != i {
			// A poll already brought the real row in.
			next.Images = slices.Delete(next.Images, i, i+1)
			break
		}
		next.Images[i] = a.Image.Clone()
		if next.SelectedID == a.PlaceholderID {
			next.SelectedID = a.Image.ID
		}

	case SubmitReject:
		if _, ok := next.Placeholders[a.PlaceholderID]; !ok {
			return s, false
		}
		delete(next.Placeholders, a.PlaceholderID)
		if i := next.index(a.PlaceholderID); i >= 0 {
			next.Images = slices.Delete(next.Images, i, i+1)
		}

	case SetDraft:
		if a.Text == "" {
			delete(next.Drafts, a.ImageID)
		} else {
			next.Drafts[a.ImageID] = a.Text
		}

	case EditStart:
		img, ok := next.find(a.ImageID)
		if !ok || EditInFlight(next, a.ImageID) {
			return s, false
		}
		next.Pending[a.ImageID] = PendingEdit{Previous: img, Prompt: a.Prompt}
		delete(next.Drafts, a.ImageID)

	case EditResolve:
		delete(next.Pending, a.Image.ID)
		if i := next.index(a.Image.ID); i >= 0 {
			next.Images[i] = a.Image.Clone()
		}

	case EditReject:
		p, ok := next.Pending[a.ImageID]
		if !ok {
			return s, false
		}
		delete(next.Pending, a.ImageID)
		if i := next.index(a.ImageID); i >= 0 {
			next.Images[i] = p.Previous.Clone()
		}
		if p.Prompt != "" {
			next.Drafts[a.ImageID] = p.Prompt
		}

	case DeleteStart:
		i := next.index(a.ImageID)
		if i < 0 {
			return s, false
		}
		next.Deleting[a.ImageID] = Deletion{Image: next.Images[i], Position: i}
		next.Images = slices.Delete(next.Images, i, i+1)
		next.dropImageState(a.ImageID)

	case DeleteResolve:
		delete(next.Deleting, a.ImageID)

	case DeleteReject:
		d, ok := next.Deleting[a.ImageID]
		if !ok {
			return s, false
		}
		delete(next.Deleting, a.ImageID)
		if next.index(a.ImageID) < 0 {
			pos := min(d.Position, len(next.Images))
			next.Images = slices.Insert(next.Images, pos, d.Image)
		}

	case PollTick:
		next.Images = next.merge(a.Images)
		if next.SelectedID != "" && next.index(next.SelectedID) < 0 {
			next.SelectedID = ""
		}
		for id := range next.Pending {
			if next.index(id) < 0 {
				delete(next.Pending, id)
			}
		}

	case Select:
		if a.ImageID != "" && next.index(a.ImageID) < 0 {
			return s, false
		}
		next.SelectedID = a.ImageID

	default:
		return s, false
	}
	return next, true
}

// merge builds the list after a poll: the server list wholesale, minus
// images whose delete is still in flight, with placeholders the server does
// not know yet kept on top.
func (s *State) merge(server []domain.Image) []domain.Image {
	known := make(map[string]struct{}, len(server))
	for _, img := range server {
		known[img.ID] = struct{}{}
	}
	out := make([]domain.Image, 0, len(server)+len(s.Placeholders))
	for _, img := range s.Images {
		if _, ok := s.Placeholders[img.ID]; !ok {
			continue
		}
		if _, ok := known[img.ID]; ok {
			delete(s.Placeholders, img.ID)
			continue
		}
		out = append(out, img)
	}
	for _, img := range server {
		if _, ok := s.Deleting[img.ID]; ok {
			continue
		}
		out = append(out, img.Clone())
	}
	return out
}

func (s *State) dropImageState(id string) {
	delete(s.Drafts, id)
	delete(s.Pending, id)
	delete(s.Placeholders, id)
	if s.SelectedID == id {
		s.SelectedID = ""
	}
}
