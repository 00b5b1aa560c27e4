package studio

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"studio/internal/backend"
	"studio/internal/compare"
	"studio/internal/dispatch"
	"studio/internal/domain"
	"studio/internal/domain/jsoncfg"
	"studio/internal/memstore"
	"studio/internal/reconcile"
	"studio/internal/render"
	"studio/internal/retry"
	"studio/internal/versions"
)

var owner = domain.Owner{UserID: "u1", BrandID: "b1"}

type countingEditor struct {
	err     error
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (e *countingEditor) Edit(ctx context.Context, req backend.EditRequest) (*backend.Render, error) {
	e.calls.Add(1)
	if e.entered != nil {
		e.entered <- struct{}{}
		<-e.release
	}
	if e.err != nil {
		return nil, e.err
	}
	return backend.NewSynthetic("edit").Edit(ctx, req)
}

type failingDeletes struct {
	*memstore.Images
}

func (f failingDeletes) Delete(ctx context.Context, o domain.Owner, id string) error {
	return errors.New("row store unavailable")
}

type harness struct {
	images *memstore.Images
	ledger *memstore.Ledger
	editor *countingEditor
	inline *render.Inline
	ws     *Workspace
}

func newHarness(t *testing.T, balance int, repo domain.ImageRepository) *harness {
	t.Helper()
	h := &harness{images: memstore.NewImages(), ledger: memstore.NewLedger(), editor: &countingEditor{}}
	if repo == nil {
		repo = h.images
	}
	if balance > 0 {
		_, _ = h.ledger.Grant(context.Background(), owner.UserID, balance)
	}
	blobs := memstore.NewBlobs()
	policy := retry.Generation(5*time.Second, 1)
	policy.InitialInterval = time.Millisecond

	gens := map[domain.Variant]backend.Generator{}
	for _, v := range domain.Variants {
		gens[v] = backend.NewSessionGate(backend.NewSynthetic(v), h.ledger)
	}
	completer := render.NewCompleter(h.images, blobs, policy, zerolog.Nop())
	h.inline = render.NewInline(completer, backend.NewSynthetic(domain.VariantV1), h.ledger, 1)
	d := dispatch.New(dispatch.Options{
		Repo:       repo,
		Ledger:     h.ledger,
		Blobs:      blobs,
		Submitter:  h.inline,
		Generators: gens,
		Generation: policy,
		Session:    retry.Session(time.Second),
		Logger:     zerolog.Nop(),
	})
	h.ws = New(Options{
		Owner:        owner,
		Dispatcher:   d,
		Versions:     versions.NewStore(repo, h.editor, blobs, policy, zerolog.Nop()),
		Repo:         repo,
		Ledger:       h.ledger,
		Watcher:      h.ledger,
		PollInterval: 5 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ws.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
		h.ws.Close()
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func seedReady(t *testing.T, h *harness, maxEdits int) domain.Image {
	t.Helper()
	img := &domain.Image{
		ID:       "img-1",
		UserID:   owner.UserID,
		BrandID:  owner.BrandID,
		Status:   domain.ImageStatusReady,
		Prompt:   "A blue logo on white background",
		ImageURL: "mem://images/b1/img-1/v0.png",
		MaxEdits: maxEdits,
	}
	if err := h.images.Insert(context.Background(), img); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := h.ws.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	return *img
}

func TestGenerateBecomesReadyThroughPolling(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.run(t)

	img, err := h.ws.Generate(context.Background(), jsoncfg.GenerateJSON{Prompt: "A blue logo on white background"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	st := h.ws.State()
	if len(st.Images) != 1 || st.Images[0].ID != img.ID {
		t.Fatalf("placeholder should be replaced by the server row: %+v", st.Images)
	}
	eventually(t, "ready image", func() bool {
		st := h.ws.State()
		return len(st.Images) == 1 && st.Images[0].Status == domain.ImageStatusReady
	})
	got := h.ws.State().Images[0]
	if got.ImageURL == "" || got.EditCount != 0 {
		t.Fatalf("unexpected ready image: %+v", got)
	}
	eventually(t, "credit refresh", func() bool { return h.ws.Credits() == 2 })
}

func TestInsufficientCreditsRemovesPlaceholder(t *testing.T) {
	h := newHarness(t, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := h.ws.Subscribe(ctx)
	<-updates

	_, err := h.ws.Generate(context.Background(), jsoncfg.GenerateJSON{Prompt: "Sunset banner"})
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	if st := h.ws.State(); len(st.Images) != 0 || reconcile.HasTransient(st) {
		t.Fatalf("placeholder should be gone: %+v", st.Images)
	}
	if err := h.ws.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if n := len(h.ws.State().Images); n != 0 {
		t.Fatalf("no image should exist after a rejected generation, got %d", n)
	}
}

func TestEditCapStopsBeforeNetwork(t *testing.T) {
	h := newHarness(t, 0, nil)
	img := seedReady(t, h, 3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := h.ws.Edit(ctx, img.ID, nil, "make it brighter"); err != nil {
			t.Fatalf("edit %d: %v", i+1, err)
		}
	}
	if _, err := h.ws.Edit(ctx, img.ID, nil, "one more"); !errors.Is(err, domain.ErrEditLimitReached) {
		t.Fatalf("expected edit limit, got %v", err)
	}
	if n := h.editor.calls.Load(); n != 3 {
		t.Fatalf("fourth edit must not reach the backend, got %d calls", n)
	}
	st := h.ws.State()
	if st.Images[0].EditCount != 3 || len(versions.AllVersions(st.Images[0])) != 4 {
		t.Fatalf("unexpected state after edits: %+v", st.Images[0])
	}
	if st.Drafts[img.ID] != "one more" {
		t.Fatalf("rejected edit prompt should return to the draft, got %q", st.Drafts[img.ID])
	}
}

func TestFailedEditRestoresImageAndDraft(t *testing.T) {
	h := newHarness(t, 0, nil)
	img := seedReady(t, h, 10)
	h.editor.err = errors.New("backend exploded")
	h.ws.SetDraft(img.ID, "warmer colors")

	if _, err := h.ws.Edit(context.Background(), img.ID, nil, "warmer colors"); err == nil {
		t.Fatalf("expected edit failure")
	}
	st := h.ws.State()
	if st.Images[0].ImageURL != img.ImageURL || st.Images[0].EditCount != 0 {
		t.Fatalf("image not restored: %+v", st.Images[0])
	}
	if st.Drafts[img.ID] != "warmer colors" {
		t.Fatalf("draft lost: %q", st.Drafts[img.ID])
	}
	if reconcile.EditInFlight(st, img.ID) {
		t.Fatalf("edit should no longer be in flight")
	}
}

func TestConcurrentEditKeepsWinnerPending(t *testing.T) {
	h := newHarness(t, 0, nil)
	img := seedReady(t, h, 10)
	h.editor.entered = make(chan struct{}, 1)
	h.editor.release = make(chan struct{})

	first := make(chan error, 1)
	go func() {
		_, err := h.ws.Edit(context.Background(), img.ID, nil, "warmer colors")
		first <- err
	}()
	<-h.editor.entered

	if _, err := h.ws.Edit(context.Background(), img.ID, nil, "cooler colors"); !errors.Is(err, domain.ErrEditInFlight) {
		t.Fatalf("expected edit in flight, got %v", err)
	}
	st := h.ws.State()
	if !reconcile.EditInFlight(st, img.ID) {
		t.Fatalf("losing edit cleared the running edit")
	}
	if d := st.Drafts[img.ID]; d != "" {
		t.Fatalf("draft refilled while the edit runs: %q", d)
	}

	close(h.editor.release)
	if err := <-first; err != nil {
		t.Fatalf("first edit: %v", err)
	}
	st = h.ws.State()
	if reconcile.EditInFlight(st, img.ID) || st.Images[0].EditCount != 1 {
		t.Fatalf("unexpected state after edit: %+v", st.Images[0])
	}
	if n := h.editor.calls.Load(); n != 1 {
		t.Fatalf("backend edit calls = %d, want 1", n)
	}
}

func TestDeleteFailureRestoresImage(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.ws.opts.Repo = failingDeletes{h.images}
	img := seedReady(t, h, 10)
	if err := h.ws.Select(img.ID); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := h.ws.Delete(context.Background(), img.ID); err == nil {
		t.Fatalf("expected delete failure")
	}
	st := h.ws.State()
	if len(st.Images) != 1 || st.Images[0].ID != img.ID {
		t.Fatalf("image should be restored: %+v", st.Images)
	}
}

func TestDeleteClosesSelection(t *testing.T) {
	h := newHarness(t, 0, nil)
	img := seedReady(t, h, 10)
	_ = h.ws.Select(img.ID)
	if err := h.ws.Delete(context.Background(), img.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	st := h.ws.State()
	if len(st.Images) != 0 || st.SelectedID != "" {
		t.Fatalf("deleted image still visible: %+v selected=%q", st.Images, st.SelectedID)
	}
	if err := h.ws.Select(img.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("selecting a deleted image should fail, got %v", err)
	}
}

func TestVariationsAppearAfterBatch(t *testing.T) {
	h := newHarness(t, 10, nil)
	b, err := h.ws.Variations(context.Background(), jsoncfg.VariationsJSON{GenerateJSON: jsoncfg.GenerateJSON{Prompt: "Blue logo"}})
	if err != nil {
		t.Fatalf("Variations: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := b.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	h.ws.Close()
	st := h.ws.State()
	if len(st.Images) != 3 {
		t.Fatalf("expected 3 persisted variations in the list, got %d", len(st.Images))
	}
	if err := compare.ValidateGroup(st.Images, 3); err != nil {
		t.Fatalf("ValidateGroup: %v", err)
	}
	if h.ws.Credits() != 8 {
		t.Fatalf("expected balance 8, got %d", h.ws.Credits())
	}
}

func TestCompareSaveAddsRow(t *testing.T) {
	h := newHarness(t, 10, nil)
	b, err := h.ws.Compare(context.Background(), jsoncfg.VariationsJSON{GenerateJSON: jsoncfg.GenerateJSON{Prompt: "Blue logo"}})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := b.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	img, err := h.ws.Save(ctx, b, domain.VariantV3)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := h.ws.Save(ctx, b, domain.VariantV3); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	st := h.ws.State()
	if len(st.Images) != 1 || st.Images[0].ID != img.ID {
		t.Fatalf("expected the saved row only, got %+v", st.Images)
	}
}

func TestCreditsFollowWatcher(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.run(t)
	eventually(t, "initial balance", func() bool { return h.ws.Credits() == 1 })
	if _, err := h.ledger.Grant(context.Background(), owner.UserID, 4); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	eventually(t, "pushed balance", func() bool { return h.ws.Credits() == 5 })
}
