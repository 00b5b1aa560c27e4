package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"studio/internal/domain"
)

func TestRateLimitKeysByUser(t *testing.T) {
	h := RateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(owner *domain.Owner, remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/images", nil)
		req.RemoteAddr = remote
		if owner != nil {
			req = req.WithContext(ContextWithOwner(req.Context(), *owner))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	brandA := domain.Owner{UserID: "u1", BrandID: "b1"}
	brandB := domain.Owner{UserID: "u1", BrandID: "b2"}
	if rec := call(&brandA, "198.51.100.1:1000"); rec.Code != http.StatusNoContent {
		t.Fatalf("first call status = %d", rec.Code)
	}
	if rec := call(&brandB, "198.51.100.2:1000"); rec.Code != http.StatusNoContent {
		t.Fatalf("second call status = %d", rec.Code)
	}
	rec := call(&brandA, "198.51.100.3:1000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("switching brand or address must not reset the window, status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}

	other := domain.Owner{UserID: "u2", BrandID: "b1"}
	if rec := call(&other, "198.51.100.3:1000"); rec.Code != http.StatusNoContent {
		t.Fatalf("other user status = %d", rec.Code)
	}
	if rec := call(nil, "198.51.100.3:1000"); rec.Code != http.StatusNoContent {
		t.Fatalf("anonymous caller status = %d", rec.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	h := RateLimit(0, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d status = %d", i, rec.Code)
		}
	}
}

func TestClientIPForRateLimit(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		remoteAddr string
		want       string
	}{
		{"forwarded first valid", "garbage, 203.0.113.7, 198.51.100.2", "198.51.100.10:1234", "203.0.113.7"},
		{"no forwarded header", "", "198.51.100.10:1234", "198.51.100.10"},
		{"ipv6 remote", "", "[2001:db8::2]:443", "2001:db8::2"},
		{"bare remote", "nope", "203.0.113.1", "203.0.113.1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.header != "" {
				req.Header.Set("X-Forwarded-For", tc.header)
			}
			if got := clientIPForRateLimit(req); got != tc.want {
				t.Fatalf("clientIPForRateLimit() = %q, want %q", got, tc.want)
			}
		})
	}
}
