package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type memRemote struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
	err  error
}

func newMemRemote() *memRemote {
	return &memRemote{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memRemote) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return v, nil
}

func (m *memRemote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memRemote) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newCache(t *testing.T, remote Remote) (*TwoTier[[]string], *clock) {
	t.Helper()
	c, err := NewTwoTier[[]string](Options{Prefix: "suggest:", Size: 8, TTL: time.Minute, Remote: remote, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewTwoTier: %v", err)
	}
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clk.now
	return c, clk
}

func TestSetGetInvalidate(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	c, _ := newCache(t, remote)

	if _, ok := c.Get(ctx, "b1"); ok {
		t.Fatalf("empty cache returned a value")
	}
	if err := c.Set(ctx, "b1", []string{"a", "b"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get(ctx, "b1")
	if !ok || len(got) != 2 {
		t.Fatalf("Get: %v %v", got, ok)
	}
	if _, ok := remote.data["suggest:b1"]; !ok {
		t.Fatalf("remote tier not written under prefix")
	}
	if remote.ttls["suggest:b1"] != 2*time.Minute {
		t.Fatalf("remote ttl should cover the stale window, got %s", remote.ttls["suggest:b1"])
	}
	if err := c.Invalidate(ctx, "b1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok := c.Get(ctx, "b1"); ok {
		t.Fatalf("value survived invalidation")
	}
}

func TestRemoteTierFillsLocal(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	writer, clk := newCache(t, remote)
	if err := writer.Set(ctx, "b1", []string{"shared"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	reader, _ := newCache(t, remote)
	reader.now = clk.now
	got, ok := reader.Get(ctx, "b1")
	if !ok || got[0] != "shared" {
		t.Fatalf("second instance should read the remote tier: %v %v", got, ok)
	}
	if _, ok := reader.local.Get("b1"); !ok {
		t.Fatalf("remote hit should populate the local tier")
	}
}

func TestExpiredEntryIsNotFresh(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache(t, nil)
	_ = c.Set(ctx, "b1", []string{"old"})
	clk.advance(61 * time.Second)
	if _, ok := c.Get(ctx, "b1"); ok {
		t.Fatalf("expired entry returned by Get")
	}
}

func TestGetOrLoadServesStaleOnError(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache(t, nil)
	_ = c.Set(ctx, "b1", []string{"old"})
	clk.advance(90 * time.Second)

	got, err := c.GetOrLoad(ctx, "b1", func(ctx context.Context) ([]string, error) {
		return nil, errors.New("db down")
	})
	if err != nil || len(got) != 1 || got[0] != "old" {
		t.Fatalf("expected stale value, got %v %v", got, err)
	}

	clk.advance(time.Hour)
	if _, err := c.GetOrLoad(ctx, "b1", func(ctx context.Context) ([]string, error) {
		return nil, errors.New("db down")
	}); err == nil {
		t.Fatalf("entry past its stale window must not be served")
	}
}

func TestGetOrLoadRefreshesExpired(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache(t, nil)
	_ = c.Set(ctx, "b1", []string{"old"})
	clk.advance(2 * time.Minute)
	got, err := c.GetOrLoad(ctx, "b1", func(ctx context.Context) ([]string, error) {
		return []string{"new"}, nil
	})
	if err != nil || got[0] != "new" {
		t.Fatalf("GetOrLoad: %v %v", got, err)
	}
	if cached, ok := c.Get(ctx, "b1"); !ok || cached[0] != "new" {
		t.Fatalf("refreshed value not cached: %v", cached)
	}
}

func TestGetOrLoadSharesConcurrentLoads(t *testing.T) {
	c, _ := newCache(t, nil)
	var calls atomic.Int32
	release := make(chan struct{})
	load := func(ctx context.Context) ([]string, error) {
		calls.Add(1)
		<-release
		return []string{"x"}, nil
	}
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetOrLoad(context.Background(), "b1", load); err != nil {
				t.Errorf("GetOrLoad: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	if n := calls.Load(); n < 1 || n > 5 {
		t.Fatalf("unexpected load count %d", n)
	}
}

func TestRemoteFailureKeepsLocal(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	remote.err = errors.New("connection refused")
	c, _ := newCache(t, remote)
	if err := c.Set(ctx, "b1", []string{"v"}); err != nil {
		t.Fatalf("Set should tolerate a remote failure: %v", err)
	}
	if got, ok := c.Get(ctx, "b1"); !ok || got[0] != "v" {
		t.Fatalf("local tier lost the value")
	}
}
