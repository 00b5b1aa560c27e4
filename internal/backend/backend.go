// Package backend talks to the interchangeable image generation variants.
//
// A Generator renders synchronously and returns bytes (comparison flow). A
// Submitter only accepts the job; the image row identified by ImageID is
// completed later by whoever renders it (single-generate flow). An Editor
// renders a new image from a previous one.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"studio/internal/domain"
)

// Request is the normalized payload sent to every variant.
type Request struct {
	Variant     domain.Variant      `json:"variant,omitempty"`
	Prompt      string              `json:"prompt"`
	BrandID     string              `json:"brand_id"`
	UserID      string              `json:"user_id,omitempty"`
	ImageID     string              `json:"image_id,omitempty"`
	AspectRatio string              `json:"aspect_ratio,omitempty"`
	ProductID   string              `json:"product_id,omitempty"`
	Assets      []domain.Attachment `json:"assets,omitempty"`
	References  []domain.Attachment `json:"references,omitempty"`
	SessionID   string              `json:"session_id,omitempty"`
}

// EditRequest asks a backend to render a new image from PreviousImageURL.
type EditRequest struct {
	ImageID          string
	BrandID          string
	UserID           string
	Prompt           string
	PreviousImageURL string
	AspectRatio      string
}

// Render is a completed render in the common result shape.
type Render struct {
	Data     []byte
	MIME     string
	Width    int
	Height   int
	Variant  domain.Variant
	Provider string
	Latency  time.Duration
}

type Generator interface {
	Generate(ctx context.Context, req Request) (*Render, error)
}

type Submitter interface {
	Submit(ctx context.Context, req Request) error
}

type Editor interface {
	Edit(ctx context.Context, req EditRequest) (*Render, error)
}

// Capped returns a copy of req with attachments truncated to the caps and
// blank urls dropped.
func (r Request) Capped() Request {
	out := r
	out.Assets = capAttachments(r.Assets, domain.MaxAssets)
	out.References = capAttachments(r.References, domain.MaxReferences)
	return out
}

func capAttachments(in []domain.Attachment, max int) []domain.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Attachment, 0, min(len(in), max))
	for _, a := range in {
		if strings.TrimSpace(a.URL) == "" {
			continue
		}
		out = append(out, a)
		if len(out) == max {
			break
		}
	}
	return out
}

// StatusError is a non-retryable response that maps to no domain condition.
type StatusError struct {
	Variant string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend %s: status %d", e.Variant, e.Code)
	}
	return fmt.Sprintf("backend %s: status %d: %s", e.Variant, e.Code, e.Message)
}

// classifyStatus maps a backend status code to the error taxonomy. The body
// message is kept for logs only.
func classifyStatus(variant string, code int, body errorBody) error {
	msg := domain.TruncatePrompt(strings.TrimSpace(body.Error), 200)
	switch {
	case code == http.StatusPaymentRequired:
		balance := 0
		if body.Balance != nil {
			balance = *body.Balance
		}
		return &domain.InsufficientCreditsError{Balance: balance}
	case code == http.StatusConflict && body.Code == "session_exhausted":
		return fmt.Errorf("backend %s: %w", variant, domain.ErrSessionExhausted)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return fmt.Errorf("backend %s: %w: %s", variant, domain.ErrInvalidPrompt, msg)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("backend %s: %w: status %d", variant, domain.ErrTransient, code)
	}
	return &StatusError{Variant: variant, Code: code, Message: msg}
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Balance *int   `json:"balance"`
}

// describe fills MIME and dimensions the backend left out.
func describe(data []byte, mime string, width, height int) (string, int, int) {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if mime == "" || mime == "application/octet-stream" {
		mime = mimetype.Detect(data).String()
	}
	if i := strings.IndexByte(mime, ';'); i > 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if width <= 0 || height <= 0 {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			width, height = cfg.Width, cfg.Height
		}
	}
	return mime, width, height
}
