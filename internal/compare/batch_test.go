package compare

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"studio/internal/backend"
	"studio/internal/domain"
	"studio/internal/memstore"
	"studio/internal/retry"
)

var owner = domain.Owner{UserID: "u1", BrandID: "b1"}

type stubGenerator struct {
	mu       sync.Mutex
	variant  domain.Variant
	err      error
	delay    time.Duration
	sessions []string
}

func (g *stubGenerator) Generate(ctx context.Context, req backend.Request) (*backend.Render, error) {
	g.mu.Lock()
	g.sessions = append(g.sessions, req.SessionID)
	g.mu.Unlock()
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	return backend.NewSynthetic(g.variant).Generate(ctx, req)
}

func (g *stubGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

type fixture struct {
	images *memstore.Images
	blobs  *memstore.Blobs
	gens   map[domain.Variant]*stubGenerator
}

func newFixture() *fixture {
	f := &fixture{images: memstore.NewImages(), blobs: memstore.NewBlobs(), gens: map[domain.Variant]*stubGenerator{}}
	for _, v := range domain.Variants {
		f.gens[v] = &stubGenerator{variant: v}
	}
	return f
}

func (f *fixture) generators() map[domain.Variant]backend.Generator {
	out := map[domain.Variant]backend.Generator{}
	for v, g := range f.gens {
		out[v] = g
	}
	return out
}

func (f *fixture) batch(auto bool) *Batch {
	policy := retry.Generation(5*time.Second, 1)
	policy.InitialInterval = time.Millisecond
	return New(Config{
		Owner:       owner,
		Request:     backend.Request{Prompt: "A blue logo on white background", BrandID: owner.BrandID, AspectRatio: "1:1"},
		AutoPersist: auto,
		MaxEdits:    3,
		Repo:        f.images,
		Blobs:       f.blobs,
		Policy:      policy,
		Logger:      zerolog.Nop(),
	})
}

func start(t *testing.T, b *Batch, f *fixture) Snapshot {
	t.Helper()
	if err := b.Start(context.Background(), domain.Session{ID: "sess-1", CreditCost: 2, MaxGenerations: 3}, f.generators()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := b.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return snap
}

func TestEveryCallCarriesTheSession(t *testing.T) {
	f := newFixture()
	start(t, f.batch(false), f)
	for v, g := range f.gens {
		if len(g.sessions) != 1 || g.sessions[0] != "sess-1" {
			t.Fatalf("%s sessions = %v", v, g.sessions)
		}
	}
}

func TestPartialFailureIsolated(t *testing.T) {
	f := newFixture()
	f.gens[domain.VariantV1].err = errors.New("model crashed")
	f.gens[domain.VariantV3].err = domain.ErrTransient
	b := f.batch(true)
	snap := start(t, b, f)

	if snap[domain.VariantV1].Status != StatusFailed || snap[domain.VariantV3].Status != StatusFailed {
		t.Fatalf("unexpected statuses: %+v", snap)
	}
	if snap[domain.VariantV2].Status != StatusReady || snap[domain.VariantV2].Image == nil {
		t.Fatalf("v2 should be ready and persisted: %+v", snap[domain.VariantV2])
	}
	if f.gens[domain.VariantV3].Calls() != 2 {
		t.Fatalf("transient v3 attempts = %d, want 2", f.gens[domain.VariantV3].Calls())
	}
	if f.gens[domain.VariantV1].Calls() != 1 {
		t.Fatalf("permanent v1 attempts = %d, want 1", f.gens[domain.VariantV1].Calls())
	}
	rows, _ := f.images.ListByOwner(context.Background(), owner)
	if len(rows) != 1 || *rows[0].Metadata.VariationIndex != 1 || rows[0].Metadata.VariationGroupID != b.ID() {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestUpdatesAreProgressiveAndNeverRegress(t *testing.T) {
	f := newFixture()
	f.gens[domain.VariantV1].delay = 50 * time.Millisecond
	b := f.batch(false)
	if err := b.Start(context.Background(), domain.Session{ID: "s"}, f.generators()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	seen := map[domain.Variant]int{}
	var order []domain.Variant
	for u := range b.Updates() {
		seen[u.Variant]++
		order = append(order, u.Variant)
		if u.Status == StatusLoading {
			t.Fatalf("update with loading status")
		}
		if snap := b.Snapshot(); snap[u.Variant].Status == StatusLoading {
			t.Fatalf("snapshot regressed for %s", u.Variant)
		}
	}
	if len(order) != 3 || order[2] != domain.VariantV1 {
		t.Fatalf("update order = %v", order)
	}
	for v, n := range seen {
		if n != 1 {
			t.Fatalf("%s resolved %d times", v, n)
		}
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	f := newFixture()
	b := f.batch(false)
	start(t, b, f)
	if f.images.Len() != 0 {
		t.Fatalf("compare batch persisted without save")
	}

	var wg sync.WaitGroup
	ids := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			img, err := b.Save(context.Background(), domain.VariantV2)
			if err != nil {
				t.Errorf("Save: %v", err)
				return
			}
			ids <- img.ID
		}()
	}
	wg.Wait()
	close(ids)
	first := ""
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Fatalf("save returned different rows %s and %s", first, id)
		}
	}
	again, err := b.Save(context.Background(), domain.VariantV2)
	if err != nil || again.ID != first {
		t.Fatalf("repeat save = %v, %v", again, err)
	}
	if f.images.Len() != 1 || f.blobs.Len() != 1 {
		t.Fatalf("rows=%d blobs=%d, want 1 each", f.images.Len(), f.blobs.Len())
	}
	if again.Metadata.PromptVersion != LegacyTag(b.ID(), domain.VariantV2) {
		t.Fatalf("legacy tag = %q", again.Metadata.PromptVersion)
	}
}

func TestSaveInAutoPersistReturnsExistingRow(t *testing.T) {
	f := newFixture()
	b := f.batch(true)
	snap := start(t, b, f)
	img, err := b.Save(context.Background(), domain.VariantV3)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if img.ID != snap[domain.VariantV3].Image.ID || f.images.Len() != 3 {
		t.Fatalf("auto-persisted variant saved again")
	}
	rows, _ := f.images.FindByMetadata(context.Background(), owner, domain.MetadataFilter{VariationGroupID: b.ID()})
	if err := ValidateGroup(rows, len(domain.Variants)); err != nil {
		t.Fatalf("ValidateGroup: %v", err)
	}
}

func TestAutoPersistFailureCanBeRetriedBySave(t *testing.T) {
	f := newFixture()
	f.blobs.SetErr(errors.New("bucket unavailable"))
	b := f.batch(true)
	snap := start(t, b, f)
	res := snap[domain.VariantV1]
	if res.Status != StatusReady || !errors.Is(res.Err, domain.ErrPersistence) || res.Image != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if f.images.Len() != 0 {
		t.Fatalf("row written despite upload failure")
	}
	f.blobs.SetErr(nil)
	img, err := b.Save(context.Background(), domain.VariantV1)
	if err != nil || img == nil {
		t.Fatalf("retry save: %v", err)
	}
	if got := b.Snapshot()[domain.VariantV1]; got.Err != nil || got.Image == nil {
		t.Fatalf("snapshot not updated after save: %+v", got)
	}
}

func TestSaveUnavailableAndClosed(t *testing.T) {
	f := newFixture()
	f.gens[domain.VariantV1].err = errors.New("nope")
	b := f.batch(false)
	if _, err := b.Save(context.Background(), domain.VariantV2); !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("save before start: %v", err)
	}
	start(t, b, f)
	if _, err := b.Save(context.Background(), domain.VariantV1); !errors.Is(err, domain.ErrVariantUnavailable) {
		t.Fatalf("expected ErrVariantUnavailable, got %v", err)
	}
	b.Close()
	b.Close()
	if b.State() != StateClosed {
		t.Fatalf("state = %s", b.State())
	}
	if _, err := b.Save(context.Background(), domain.VariantV2); !errors.Is(err, domain.ErrBatchClosed) {
		t.Fatalf("expected ErrBatchClosed, got %v", err)
	}
}

func TestCloseKeepsPersistedRows(t *testing.T) {
	f := newFixture()
	b := f.batch(true)
	start(t, b, f)
	b.Close()
	if f.images.Len() != 3 {
		t.Fatalf("rows after close = %d, want 3", f.images.Len())
	}
}

func TestCloseCancelsUnsavableWork(t *testing.T) {
	f := newFixture()
	f.gens[domain.VariantV2].delay = 10 * time.Second
	b := f.batch(false)
	if err := b.Start(context.Background(), domain.Session{ID: "s"}, f.generators()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := b.Wait(ctx)
	if err != nil {
		t.Fatalf("batch did not finish after close: %v", err)
	}
	if snap[domain.VariantV2].Status != StatusFailed {
		t.Fatalf("v2 status = %s", snap[domain.VariantV2].Status)
	}
}

type laggingRepo struct {
	*memstore.Images
}

// FindByMetadata hides rows from the index lookup, as a lagging read would.
func (r laggingRepo) FindByMetadata(ctx context.Context, o domain.Owner, f domain.MetadataFilter) ([]domain.Image, error) {
	if f.VariationIndex != nil {
		return nil, nil
	}
	return r.Images.FindByMetadata(ctx, o, f)
}

func TestEditFromFallsBackToLegacyTag(t *testing.T) {
	f := newFixture()
	b := New(Config{
		Owner:   owner,
		Request: backend.Request{Prompt: "p", BrandID: owner.BrandID},
		Repo:    laggingRepo{f.images},
		Blobs:   f.blobs,
		Policy:  retry.Generation(time.Second, 0),
		Logger:  zerolog.Nop(),
	})
	start(t, b, f)
	img, err := b.EditFrom(context.Background(), domain.VariantV3)
	if err != nil {
		t.Fatalf("EditFrom: %v", err)
	}
	if img.Metadata.PromptVersion != LegacyTag(b.ID(), domain.VariantV3) {
		t.Fatalf("unexpected row: %+v", img)
	}
	if len(b.Saved()) != 1 || b.Saved()[0] != domain.VariantV3 {
		t.Fatalf("EditFrom did not save first: %v", b.Saved())
	}
}

func TestLookupOrder(t *testing.T) {
	calls := []string{}
	mk := func(name string, rows []domain.Image, err error) LookupStrategy {
		return LookupStrategy{Name: name, Find: func(context.Context, domain.ImageRepository, domain.Owner, Key) ([]domain.Image, error) {
			calls = append(calls, name)
			return rows, err
		}}
	}
	img, name, err := Lookup(context.Background(), nil, owner, []LookupStrategy{
		mk("a", nil, nil),
		mk("b", nil, domain.ErrNotFound),
		mk("c", []domain.Image{{ID: "x"}}, nil),
		mk("d", []domain.Image{{ID: "y"}}, nil),
	}, Key{})
	if err != nil || img.ID != "x" || name != "c" || len(calls) != 3 {
		t.Fatalf("Lookup = %v %q %v calls=%v", img, name, err, calls)
	}
	if _, _, err := Lookup(context.Background(), nil, owner, []LookupStrategy{mk("e", nil, errors.New("db down"))}, Key{}); err == nil || errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("hard error should stop lookup, got %v", err)
	}
	if _, _, err := Lookup(context.Background(), nil, owner, nil, Key{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMissingGeneratorFailsVariant(t *testing.T) {
	f := newFixture()
	gens := f.generators()
	delete(gens, domain.VariantV2)
	b := f.batch(false)
	if err := b.Start(context.Background(), domain.Session{ID: "s"}, gens); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap, _ := b.Wait(context.Background())
	if snap[domain.VariantV2].Status != StatusFailed || !errors.Is(snap[domain.VariantV2].Err, domain.ErrVariantUnavailable) {
		t.Fatalf("v2 = %+v", snap[domain.VariantV2])
	}
	if err := b.Start(context.Background(), domain.Session{ID: "s"}, gens); err == nil {
		t.Fatalf("second Start should fail")
	}
}

type flakyOnce struct {
	mu     sync.Mutex
	next   backend.Generator
	failed bool
}

func (g *flakyOnce) Generate(ctx context.Context, req backend.Request) (*backend.Render, error) {
	g.mu.Lock()
	first := !g.failed
	g.failed = true
	g.mu.Unlock()
	if first {
		return nil, domain.ErrTransient
	}
	return g.next.Generate(ctx, req)
}

func TestRetryDoesNotSpendSiblingGeneration(t *testing.T) {
	for run := 0; run < 5; run++ {
		f := newFixture()
		ledger := memstore.NewLedger()
		ctx := context.Background()
		if _, err := ledger.Grant(ctx, owner.UserID, 2); err != nil {
			t.Fatalf("Grant: %v", err)
		}
		session, err := ledger.Reserve(ctx, owner.UserID, 2, 3)
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		gens := map[domain.Variant]backend.Generator{}
		for v, g := range f.gens {
			var next backend.Generator = g
			if v == domain.VariantV1 {
				next = &flakyOnce{next: g}
			}
			gens[v] = backend.NewSessionGate(next, ledger)
		}
		b := f.batch(false)
		if err := b.Start(ctx, *session, gens); err != nil {
			t.Fatalf("Start: %v", err)
		}
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		snap, err := b.Wait(waitCtx)
		cancel()
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		for _, v := range domain.Variants {
			if r := snap[v]; r.Status != StatusReady {
				t.Fatalf("run %d: %s status=%s err=%v", run, v, r.Status, r.Err)
			}
		}
	}
}
