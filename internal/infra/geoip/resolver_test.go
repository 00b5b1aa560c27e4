package geoip

import (
	"errors"
	"net"
	"testing"

	"github.com/oschwald/geoip2-golang"
)

type stubReader struct {
	codes map[string]string
	err   error
	calls int
}

func (s *stubReader) Country(ip net.IP) (*geoip2.Country, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	rec := &geoip2.Country{}
	rec.Country.IsoCode = s.codes[ip.String()]
	return rec, nil
}

func (s *stubReader) Close() error { return nil }

func TestCountryCodeCachesLookups(t *testing.T) {
	reader := &stubReader{codes: map[string]string{"203.0.113.9": "id"}}
	r := newResolver(reader)
	for i := 0; i < 3; i++ {
		code, err := r.CountryCode("203.0.113.9")
		if err != nil || code != "ID" {
			t.Fatalf("CountryCode = %q, %v", code, err)
		}
	}
	if reader.calls != 1 {
		t.Fatalf("expected one database lookup, got %d", reader.calls)
	}
}

func TestCountryCodeSkipsPrivateAndInvalid(t *testing.T) {
	reader := &stubReader{}
	r := newResolver(reader)
	for _, ip := range []string{"10.0.0.4", "127.0.0.1", "::1"} {
		if code, err := r.CountryCode(ip); err != nil || code != "" {
			t.Fatalf("%s: got %q, %v", ip, code, err)
		}
	}
	if reader.calls != 0 {
		t.Fatalf("private addresses must not hit the database")
	}
	if _, err := r.CountryCode("not-an-ip"); err == nil {
		t.Fatalf("expected error for invalid ip")
	}
}

func TestNilResolver(t *testing.T) {
	var r *Resolver
	if _, err := r.CountryCode("203.0.113.9"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if r.Lookup() != nil {
		t.Fatalf("nil resolver should give a nil lookup")
	}
	got, err := NewResolver("  ")
	if err != nil || got != nil {
		t.Fatalf("empty path should disable geoip, got %v %v", got, err)
	}
}

func TestLookupErrors(t *testing.T) {
	r := newResolver(&stubReader{err: errors.New("corrupt db")})
	if _, err := r.CountryCode("198.51.100.1"); err == nil {
		t.Fatalf("expected lookup error")
	}
}
