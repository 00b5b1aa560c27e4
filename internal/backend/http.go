package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"studio/internal/domain"
)

// HTTPOptions configures a remote variant or editor.
type HTTPOptions struct {
	BaseURL string
	Token   string
	Model   string
	// Timeout is the per-request ceiling; retry policies usually apply a
	// tighter deadline through the context.
	Timeout time.Duration
	// DownloadHosts lists the hosts an editor may fetch result urls from in
	// addition to its own.
	DownloadHosts []string
	Logger        *zerolog.Logger
}

func newRestyClient(opts HTTPOptions) *resty.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 125 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}
	return client
}

func loggerOrDiscard(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return zerolog.New(io.Discard)
	}
	return *l
}

type generatePayload struct {
	Variant     string   `json:"variant"`
	Model       string   `json:"model,omitempty"`
	Prompt      string   `json:"prompt"`
	BrandID     string   `json:"brand_id"`
	ImageID     string   `json:"image_id,omitempty"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	ProductID   string   `json:"product_id,omitempty"`
	Assets      []string `json:"assets,omitempty"`
	References  []string `json:"references,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	Async       bool     `json:"async,omitempty"`
}

type renderResponse struct {
	ImageBase64 string `json:"image_base64"`
	ImageURL    string `json:"image_url"`
	MimeType    string `json:"mime_type"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Provider    string `json:"provider"`
}

// HTTPVariant is one remote generation variant. It renders synchronously
// through Generate and accepts asynchronous jobs through Submit.
type HTTPVariant struct {
	variant domain.Variant
	model   string
	client  *resty.Client
	logger  zerolog.Logger
}

func NewHTTPVariant(variant domain.Variant, opts HTTPOptions) *HTTPVariant {
	logger := loggerOrDiscard(opts.Logger).With().Str("component", "backend").Str("variant", string(variant)).Logger()
	return &HTTPVariant{
		variant: variant,
		model:   strings.TrimSpace(opts.Model),
		client:  newRestyClient(opts),
		logger:  logger,
	}
}

func (h *HTTPVariant) payload(req Request, async bool) generatePayload {
	req = req.Capped()
	p := generatePayload{
		Variant:     string(h.variant),
		Model:       h.model,
		Prompt:      req.Prompt,
		BrandID:     req.BrandID,
		ImageID:     req.ImageID,
		AspectRatio: req.AspectRatio,
		ProductID:   req.ProductID,
		SessionID:   req.SessionID,
		Async:       async,
	}
	for _, a := range req.Assets {
		p.Assets = append(p.Assets, a.URL)
	}
	for _, r := range req.References {
		p.References = append(p.References, r.URL)
	}
	return p
}

// Generate renders synchronously and decodes the base64 payload.
func (h *HTTPVariant) Generate(ctx context.Context, req Request) (*Render, error) {
	start := time.Now()
	var out renderResponse
	var failure errorBody
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(h.payload(req, false)).
		SetResult(&out).
		SetError(&failure).
		Post("/generate")
	if err != nil {
		return nil, transportError(ctx, string(h.variant), err)
	}
	if resp.IsError() {
		return nil, classifyStatus(string(h.variant), resp.StatusCode(), failure)
	}
	if out.ImageBase64 == "" {
		return nil, fmt.Errorf("backend %s: %w: empty image payload", h.variant, domain.ErrTransient)
	}
	data, err := base64.StdEncoding.DecodeString(out.ImageBase64)
	if err != nil {
		return nil, fmt.Errorf("backend %s: decode image: %w", h.variant, err)
	}
	mime, width, height := describe(data, out.MimeType, out.Width, out.Height)
	h.logger.Debug().
		Str("brand_id", req.BrandID).
		Str("prompt", domain.TruncatePrompt(req.Prompt, 48)).
		Dur("latency", time.Since(start)).
		Msg("backend: rendered")
	return &Render{
		Data:     data,
		MIME:     mime,
		Width:    width,
		Height:   height,
		Variant:  h.variant,
		Provider: firstNonEmpty(out.Provider, h.model, string(h.variant)),
		Latency:  time.Since(start),
	}, nil
}

// Submit hands the job to the backend, which completes the row for
// req.ImageID on its own.
func (h *HTTPVariant) Submit(ctx context.Context, req Request) error {
	if req.ImageID == "" {
		return errors.New("backend: submit requires an image id")
	}
	var failure errorBody
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(h.payload(req, true)).
		SetError(&failure).
		Post("/generate")
	if err != nil {
		return transportError(ctx, string(h.variant), err)
	}
	if resp.IsError() {
		return classifyStatus(string(h.variant), resp.StatusCode(), failure)
	}
	return nil
}

func (h *HTTPVariant) String() string {
	return "http:" + string(h.variant)
}

var (
	_ Generator = (*HTTPVariant)(nil)
	_ Submitter = (*HTTPVariant)(nil)
)

type editPayload struct {
	Model            string `json:"model,omitempty"`
	ImageID          string `json:"image_id"`
	BrandID          string `json:"brand_id"`
	Prompt           string `json:"prompt"`
	PreviousImageURL string `json:"previous_image_url"`
	AspectRatio      string `json:"aspect_ratio,omitempty"`
}

// HTTPEditor calls the remote edit endpoint. Results arrive either inline as
// base64 or as a url that is downloaded.
type HTTPEditor struct {
	model  string
	client *resty.Client
	hosts  map[string]struct{}
	logger zerolog.Logger
}

func NewHTTPEditor(opts HTTPOptions) *HTTPEditor {
	hosts := map[string]struct{}{}
	if u, err := url.Parse(opts.BaseURL); err == nil && u.Hostname() != "" {
		hosts[strings.ToLower(u.Hostname())] = struct{}{}
	}
	for _, h := range opts.DownloadHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts[h] = struct{}{}
		}
	}
	return &HTTPEditor{
		model:  strings.TrimSpace(opts.Model),
		client: newRestyClient(opts),
		hosts:  hosts,
		logger: loggerOrDiscard(opts.Logger).With().Str("component", "backend").Str("variant", "edit").Logger(),
	}
}

func (e *HTTPEditor) Edit(ctx context.Context, req EditRequest) (*Render, error) {
	start := time.Now()
	var out renderResponse
	var failure errorBody
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(editPayload{
			Model:            e.model,
			ImageID:          req.ImageID,
			BrandID:          req.BrandID,
			Prompt:           req.Prompt,
			PreviousImageURL: req.PreviousImageURL,
			AspectRatio:      req.AspectRatio,
		}).
		SetResult(&out).
		SetError(&failure).
		Post("/edit")
	if err != nil {
		return nil, transportError(ctx, "edit", err)
	}
	if resp.IsError() {
		return nil, classifyStatus("edit", resp.StatusCode(), failure)
	}

	var data []byte
	switch {
	case out.ImageBase64 != "":
		data, err = base64.StdEncoding.DecodeString(out.ImageBase64)
		if err != nil {
			return nil, fmt.Errorf("backend edit: decode image: %w", err)
		}
	case out.ImageURL != "":
		data, out.MimeType, err = e.download(ctx, out.ImageURL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("backend edit: %w: empty image payload", domain.ErrTransient)
	}
	mime, width, height := describe(data, out.MimeType, out.Width, out.Height)
	e.logger.Debug().Str("image_id", req.ImageID).Dur("latency", time.Since(start)).Msg("backend: edited")
	return &Render{
		Data:     data,
		MIME:     mime,
		Width:    width,
		Height:   height,
		Provider: firstNonEmpty(out.Provider, e.model, "edit"),
		Latency:  time.Since(start),
	}, nil
}

func (e *HTTPEditor) download(ctx context.Context, raw string) ([]byte, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("backend edit: invalid image url %q", raw)
	}
	if _, ok := e.hosts[strings.ToLower(u.Hostname())]; !ok {
		return nil, "", fmt.Errorf("backend edit: image host %q not allowed", u.Hostname())
	}
	resp, err := e.client.R().SetContext(ctx).Get(u.String())
	if err != nil {
		return nil, "", transportError(ctx, "edit", err)
	}
	if resp.IsError() {
		return nil, "", classifyStatus("edit", resp.StatusCode(), errorBody{})
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}

var _ Editor = (*HTTPEditor)(nil)

// transportError keeps context cancellation distinct from retryable
// connection failures.
func transportError(ctx context.Context, variant string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("backend %s: %w", variant, ctxErr)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("backend %s: %w: timeout", variant, domain.ErrTransient)
	}
	return fmt.Errorf("backend %s: %w: %v", variant, domain.ErrTransient, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
