package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"studio/internal/domain"
)

func syntheticPNG(t *testing.T) []byte {
	t.Helper()
	r, err := NewSynthetic(domain.VariantV1).Generate(context.Background(), Request{Prompt: "fixture"})
	if err != nil {
		t.Fatalf("synthetic: %v", err)
	}
	return r.Data
}

func TestHTTPVariantGenerateDecodesPayload(t *testing.T) {
	png := syntheticPNG(t)
	var got generatePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"image_base64": base64.StdEncoding.EncodeToString(png)})
	}))
	defer srv.Close()

	var assets []domain.Attachment
	for i := 0; i < 6; i++ {
		assets = append(assets, domain.Attachment{URL: "https://cdn.example.com/a.png"})
	}
	v := NewHTTPVariant(domain.VariantV2, HTTPOptions{BaseURL: srv.URL, Token: "tok"})
	render, err := v.Generate(context.Background(), Request{Prompt: "logo", BrandID: "b1", SessionID: "s1", Assets: assets})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if render.MIME != "image/png" || render.Width != 256 || render.Height != 256 {
		t.Fatalf("unexpected render description: %s %dx%d", render.MIME, render.Width, render.Height)
	}
	if render.Variant != domain.VariantV2 {
		t.Fatalf("variant = %q", render.Variant)
	}
	if got.SessionID != "s1" || got.Variant != "v2" || len(got.Assets) != domain.MaxAssets {
		t.Fatalf("unexpected payload: %#v", got)
	}
}

func TestHTTPVariantMapsStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"insufficient", http.StatusPaymentRequired, `{"error":"no credits","balance":1}`, func(err error) bool {
			var ice *domain.InsufficientCreditsError
			return errors.As(err, &ice) && ice.Balance == 1
		}},
		{"transient", http.StatusServiceUnavailable, `{"error":"busy"}`, func(err error) bool { return errors.Is(err, domain.ErrTransient) }},
		{"rate limited", http.StatusTooManyRequests, `{}`, func(err error) bool { return errors.Is(err, domain.ErrTransient) }},
		{"bad input", http.StatusBadRequest, `{"error":"prompt"}`, func(err error) bool { return errors.Is(err, domain.ErrInvalidPrompt) }},
		{"session exhausted", http.StatusConflict, `{"code":"session_exhausted"}`, func(err error) bool { return errors.Is(err, domain.ErrSessionExhausted) }},
		{"forbidden", http.StatusForbidden, `{"error":"nope"}`, func(err error) bool {
			var se *StatusError
			return errors.As(err, &se) && se.Code == http.StatusForbidden && !errors.Is(err, domain.ErrTransient)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			v := NewHTTPVariant(domain.VariantV1, HTTPOptions{BaseURL: srv.URL})
			_, err := v.Generate(context.Background(), Request{Prompt: "x"})
			if !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestHTTPVariantConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	v := NewHTTPVariant(domain.VariantV3, HTTPOptions{BaseURL: base})
	_, err := v.Generate(context.Background(), Request{Prompt: "x"})
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestHTTPVariantSubmitSendsAsync(t *testing.T) {
	var got generatePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	v := NewHTTPVariant(domain.VariantV1, HTTPOptions{BaseURL: srv.URL})
	if err := v.Submit(context.Background(), Request{Prompt: "x", ImageID: "img-1"}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if !got.Async || got.ImageID != "img-1" {
		t.Fatalf("unexpected payload: %#v", got)
	}
	if err := v.Submit(context.Background(), Request{Prompt: "x"}); err == nil {
		t.Fatalf("expected error without image id")
	}
}

func TestHTTPEditorDownloadsResultURL(t *testing.T) {
	png := syntheticPNG(t)
	var edit editPayload
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/edit", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&edit)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"image_url": srv.URL + "/files/out.png"})
	})
	mux.HandleFunc("/files/out.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	})

	e := NewHTTPEditor(HTTPOptions{BaseURL: srv.URL})
	render, err := e.Edit(context.Background(), EditRequest{ImageID: "img", Prompt: "bluer", PreviousImageURL: "https://cdn.example.com/v0.png"})
	if err != nil {
		t.Fatalf("Edit error: %v", err)
	}
	if len(render.Data) != len(png) || render.MIME != "image/png" {
		t.Fatalf("unexpected render: %d bytes %s", len(render.Data), render.MIME)
	}
	if edit.PreviousImageURL != "https://cdn.example.com/v0.png" {
		t.Fatalf("previous image not forwarded: %#v", edit)
	}
}

func TestHTTPEditorRejectsForeignHosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"image_url": "https://evil.example.net/x.png"})
	}))
	defer srv.Close()

	e := NewHTTPEditor(HTTPOptions{BaseURL: srv.URL})
	if _, err := e.Edit(context.Background(), EditRequest{Prompt: "x"}); err == nil {
		t.Fatalf("expected host rejection")
	}
}

func TestTransportErrorKeepsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := transportError(ctx, "v1", &url.Error{Op: "Post", URL: "x", Err: context.Canceled})
	if !errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrTransient) {
		t.Fatalf("unexpected classification: %v", err)
	}
}
