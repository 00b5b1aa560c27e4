package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"studio/internal/compare"
	"studio/internal/domain"
	"studio/internal/domain/jsoncfg"
	"studio/internal/middleware"
	"studio/internal/versions"
)

type imageDTO struct {
	ID             string           `json:"id"`
	BrandID        string           `json:"brand_id"`
	Status         string           `json:"status"`
	Prompt         string           `json:"prompt"`
	ImageURL       string           `json:"image_url,omitempty"`
	Versions       []domain.Version `json:"versions"`
	EditCount      int              `json:"edit_count"`
	MaxEdits       int              `json:"max_edits"`
	RemainingEdits int              `json:"remaining_edits"`
	Metadata       domain.Metadata  `json:"metadata"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func toImageDTO(img domain.Image) imageDTO {
	all := versions.AllVersions(img)
	if all == nil {
		all = []domain.Version{}
	}
	return imageDTO{
		ID:             img.ID,
		BrandID:        img.BrandID,
		Status:         string(img.Status),
		Prompt:         img.Prompt,
		ImageURL:       img.ImageURL,
		Versions:       all,
		EditCount:      img.EditCount,
		MaxEdits:       img.MaxEdits,
		RemainingEdits: versions.RemainingEdits(img),
		Metadata:       img.Metadata,
		CreatedAt:      img.CreatedAt,
		UpdatedAt:      img.UpdatedAt,
	}
}

func toImageDTOs(images []domain.Image) []imageDTO {
	out := make([]imageDTO, len(images))
	for i, img := range images {
		out[i] = toImageDTO(img)
	}
	return out
}

func (a *App) ListImages(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	images, err := a.Images.ListByOwner(r.Context(), owner)
	if err != nil {
		a.fail(w, r, "list", err)
		return
	}
	transient := false
	for _, img := range images {
		if img.Status == domain.ImageStatusGenerating {
			transient = true
			break
		}
	}
	// Clients keep polling while poll_after_ms is present.
	resp := map[string]any{"items": toImageDTOs(images)}
	if transient {
		resp["poll_after_ms"] = 2000
	}
	a.json(w, http.StatusOK, resp)
}

func (a *App) GetImage(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	img, err := a.Images.Get(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, "get", err)
		return
	}
	a.json(w, http.StatusOK, toImageDTO(*img))
}

func (a *App) ImageVersions(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	list, err := a.Versions.Versions(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, "versions", err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"items": list})
}

func (a *App) GenerateImage(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	var req jsoncfg.GenerateJSON
	if !a.decode(w, r, &req) {
		return
	}
	req.Normalize(middleware.LocaleFromContext(r.Context()))
	img, err := a.Dispatcher.GenerateSingle(r.Context(), owner, req)
	if err != nil {
		a.fail(w, r, "generate", err)
		return
	}
	a.invalidateSuggestions(r, owner)
	a.json(w, http.StatusAccepted, toImageDTO(*img))
}

type editRequest struct {
	Prompt       string `json:"prompt"`
	VersionIndex *int   `json:"version_index,omitempty"`
}

func (a *App) EditImage(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	var req editRequest
	if !a.decode(w, r, &req) {
		return
	}
	img, err := a.Versions.EditFrom(r.Context(), owner, chi.URLParam(r, "id"), req.VersionIndex, req.Prompt)
	if err != nil {
		a.fail(w, r, "edit", err)
		return
	}
	a.json(w, http.StatusOK, toImageDTO(*img))
}

func (a *App) DeleteImage(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	if err := a.Images.Delete(r.Context(), owner, chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, "delete", err)
		return
	}
	a.invalidateSuggestions(r, owner)
	w.WriteHeader(http.StatusNoContent)
}

type groupDTO struct {
	ID     string     `json:"id"`
	Prompt string     `json:"prompt"`
	Valid  bool       `json:"valid"`
	Images []imageDTO `json:"images"`
}

// ListGroups returns the brand's variation groups, newest first.
func (a *App) ListGroups(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	images, err := a.Images.ListByOwner(r.Context(), owner)
	if err != nil {
		a.fail(w, r, "groups", err)
		return
	}
	groups := compare.GroupImages(images)
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(groups) {
		groups = groups[:limit]
	}
	out := make([]groupDTO, len(groups))
	for i, g := range groups {
		out[i] = groupDTO{
			ID:     g.ID,
			Prompt: g.Prompt,
			Valid:  compare.ValidateGroup(g.Images, len(domain.Variants)) == nil,
			Images: toImageDTOs(g.Images),
		}
	}
	a.json(w, http.StatusOK, map[string]any{"items": out})
}

func (a *App) invalidateSuggestions(r *http.Request, owner domain.Owner) {
	if a.Suggestions != nil {
		a.Suggestions.Invalidate(r.Context(), owner.BrandID)
	}
}
