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
	"studio/internal/storage"
	"studio/pkg/zip"
)

type variantDTO struct {
	Status     string    `json:"status"`
	Image      *imageDTO `json:"image,omitempty"`
	PreviewURL string    `json:"preview_url,omitempty"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type batchDTO struct {
	ID               string                `json:"id"`
	State            string                `json:"state"`
	Prompt           string                `json:"prompt"`
	AutoPersist      bool                  `json:"auto_persist"`
	SessionID        string                `json:"session_id"`
	CreditCost       int                   `json:"credit_cost"`
	MaxGenerations   int                   `json:"max_generations"`
	RemainingCredits int                   `json:"remaining_credits"`
	Done             bool                  `json:"done"`
	Results          map[string]variantDTO `json:"results"`
	CreatedAt        time.Time             `json:"created_at"`
}

func toBatchDTO(b *compare.Batch) batchDTO {
	snap := b.Snapshot()
	sess := b.Session()
	out := batchDTO{
		ID:               b.ID(),
		State:            string(b.State()),
		Prompt:           b.Prompt(),
		AutoPersist:      b.AutoPersist(),
		SessionID:        sess.ID,
		CreditCost:       sess.CreditCost,
		MaxGenerations:   sess.MaxGenerations,
		RemainingCredits: sess.RemainingCredits,
		Done:             snap.Done(),
		Results:          make(map[string]variantDTO, len(snap)),
		CreatedAt:        b.CreatedAt(),
	}
	for v, res := range snap {
		dto := variantDTO{Status: string(res.Status)}
		if res.Image != nil {
			img := toImageDTO(*res.Image)
			dto.Image = &img
		}
		if res.Render != nil {
			dto.Width, dto.Height = res.Render.Width, res.Render.Height
			if res.Image == nil {
				dto.PreviewURL = "/v1/batches/" + b.ID() + "/variants/" + string(v) + "/preview"
			}
		}
		if res.Err != nil {
			dto.Error = domain.UserMessage(res.Err)
		}
		out.Results[string(v)] = dto
	}
	return out
}

func (a *App) StartVariations(w http.ResponseWriter, r *http.Request) {
	a.startBatch(w, r, true)
}

func (a *App) StartCompare(w http.ResponseWriter, r *http.Request) {
	a.startBatch(w, r, false)
}

func (a *App) startBatch(w http.ResponseWriter, r *http.Request, autoPersist bool) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	var req jsoncfg.VariationsJSON
	if !a.decode(w, r, &req) {
		return
	}
	req.Normalize(middleware.LocaleFromContext(r.Context()))
	start := a.Dispatcher.Compare
	op := "compare"
	if autoPersist {
		start, op = a.Dispatcher.GenerateVariations, "variations"
	}
	b, err := start(r.Context(), owner, req)
	if err != nil {
		a.fail(w, r, op, err)
		return
	}
	if autoPersist {
		a.invalidateSuggestions(r, owner)
	}
	a.json(w, http.StatusAccepted, toBatchDTO(b))
}

func (a *App) batch(w http.ResponseWriter, r *http.Request) (*compare.Batch, bool) {
	owner, ok := a.owner(w, r)
	if !ok {
		return nil, false
	}
	b, err := a.Dispatcher.Batch(owner, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, "batch", err)
		return nil, false
	}
	return b, true
}

func (a *App) variant(w http.ResponseWriter, r *http.Request) (domain.Variant, bool) {
	v, err := domain.ParseVariant(chi.URLParam(r, "variant"))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unknown variant")
		return "", false
	}
	return v, true
}

// GetBatch returns the current tri-state. With ?wait=<seconds> it blocks
// until every variant resolved or the wait elapses.
func (a *App) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := a.batch(w, r)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(r.URL.Query().Get("wait")); err == nil && secs > 0 {
		ctx, cancel := contextWithMaxWait(w, r, secs)
		_, _ = b.Wait(ctx)
		cancel()
	}
	a.json(w, http.StatusOK, toBatchDTO(b))
}

func (a *App) SaveVariant(w http.ResponseWriter, r *http.Request) {
	b, ok := a.batch(w, r)
	if !ok {
		return
	}
	v, ok := a.variant(w, r)
	if !ok {
		return
	}
	img, err := b.Save(r.Context(), v)
	if err != nil {
		a.fail(w, r, "save", err)
		return
	}
	a.invalidateSuggestions(r, b.Owner())
	a.json(w, http.StatusOK, toImageDTO(*img))
}

// EditFromVariant saves the variant if needed and returns the persisted row
// the edit view should open.
func (a *App) EditFromVariant(w http.ResponseWriter, r *http.Request) {
	b, ok := a.batch(w, r)
	if !ok {
		return
	}
	v, ok := a.variant(w, r)
	if !ok {
		return
	}
	img, err := b.EditFrom(r.Context(), v)
	if err != nil {
		a.fail(w, r, "edit_from", err)
		return
	}
	a.json(w, http.StatusOK, toImageDTO(*img))
}

func (a *App) VariantPreview(w http.ResponseWriter, r *http.Request) {
	b, ok := a.batch(w, r)
	if !ok {
		return
	}
	v, ok := a.variant(w, r)
	if !ok {
		return
	}
	res := b.Snapshot()[v]
	if res.Render == nil {
		a.fail(w, r, "preview", domain.ErrVariantUnavailable)
		return
	}
	w.Header().Set("Content-Type", res.Render.MIME)
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Render.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Render.Data)
}

func (a *App) CloseBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := a.batch(w, r)
	if !ok {
		return
	}
	b.Close()
	a.json(w, http.StatusOK, toBatchDTO(b))
}

// BatchArchive downloads every rendered variant of a batch as one zip.
func (a *App) BatchArchive(w http.ResponseWriter, r *http.Request) {
	b, ok := a.batch(w, r)
	if !ok {
		return
	}
	snap := b.Snapshot()
	var entries []zip.Entry
	for _, v := range domain.Variants {
		res := snap[v]
		if res.Render == nil {
			continue
		}
		entries = append(entries, zip.Entry{
			Name:     b.ID() + "-" + string(v) + storage.ExtensionFor(res.Render.MIME),
			Data:     res.Render.Data,
			Modified: b.CreatedAt(),
		})
	}
	if len(entries) == 0 {
		a.fail(w, r, "archive", domain.ErrVariantUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+b.ID()+`.zip"`)
	w.WriteHeader(http.StatusOK)
	if err := zip.Write(w, entries); err != nil {
		a.logger(r).Error().Err(err).Str("batch_id", b.ID()).Msg("archive write failed")
	}
}
