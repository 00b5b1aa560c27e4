package backend

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"studio/internal/domain"
	"studio/internal/sqlinline"
)

type stubGenerator struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *stubGenerator) Generate(ctx context.Context, req Request) (*Render, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Render{Data: []byte("png"), Variant: req.Variant}, nil
}

func TestSyntheticIsDeterministic(t *testing.T) {
	s := NewSynthetic(domain.VariantV1)
	req := Request{Prompt: "A blue logo on white background", BrandID: "b1", AspectRatio: "16:9"}
	a, err := s.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	b, _ := s.Generate(context.Background(), req)
	if !bytes.Equal(a.Data, b.Data) {
		t.Fatalf("renders differ for identical requests")
	}
	if a.Width != 320 || a.Height != 180 {
		t.Fatalf("aspect not honoured: %dx%d", a.Width, a.Height)
	}
	other, _ := NewSynthetic(domain.VariantV2).Generate(context.Background(), req)
	if bytes.Equal(a.Data, other.Data) {
		t.Fatalf("variants should render differently")
	}
	if _, err := s.Generate(context.Background(), Request{Prompt: " "}); !errors.Is(err, domain.ErrInvalidPrompt) {
		t.Fatalf("expected invalid prompt, got %v", err)
	}
}

func TestSyntheticHonoursCancellation(t *testing.T) {
	s := &Synthetic{Variant: domain.VariantV1, Delay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Generate(ctx, Request{Prompt: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestRequestCapped(t *testing.T) {
	var refs []domain.Attachment
	for i := 0; i < 5; i++ {
		refs = append(refs, domain.Attachment{URL: "u"})
	}
	refs = append([]domain.Attachment{{URL: ""}}, refs...)
	got := Request{References: refs}.Capped()
	if len(got.References) != domain.MaxReferences || got.Assets != nil {
		t.Fatalf("unexpected capping: %#v", got)
	}
	if len(refs) != 6 {
		t.Fatalf("input mutated")
	}
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	next := &stubGenerator{err: domain.ErrTransient}
	b := NewBreaker("test", next, 2, time.Minute, zerolog.Nop())
	for i := 0; i < 2; i++ {
		if _, err := b.Generate(context.Background(), Request{}); !errors.Is(err, domain.ErrTransient) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	_, err := b.Generate(context.Background(), Request{})
	if !errors.Is(err, domain.ErrVariantUnavailable) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if next.calls != 2 {
		t.Fatalf("calls = %d, want 2", next.calls)
	}
}

func TestBreakerIgnoresInsufficientCredits(t *testing.T) {
	next := &stubGenerator{err: &domain.InsufficientCreditsError{}}
	b := NewBreaker("test", next, 1, time.Minute, zerolog.Nop())
	for i := 0; i < 3; i++ {
		if _, err := b.Generate(context.Background(), Request{}); !errors.Is(err, domain.ErrInsufficientCredits) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if b.State() != "closed" {
		t.Fatalf("state = %s", b.State())
	}
}

type stubRedeemer struct {
	left  int
	calls int
}

func (s *stubRedeemer) Redeem(ctx context.Context, id string) (*domain.Session, error) {
	s.calls++
	if s.left == 0 {
		return nil, domain.ErrSessionExhausted
	}
	s.left--
	return &domain.Session{ID: id}, nil
}

func TestSessionGateRedeemsPerVariant(t *testing.T) {
	next := &stubGenerator{}
	ledger := &stubRedeemer{left: 1}
	g := NewSessionGate(next, ledger)
	if _, err := g.Generate(context.Background(), Request{SessionID: "s", Variant: domain.VariantV1}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := g.Generate(context.Background(), Request{SessionID: "s", Variant: domain.VariantV2}); !errors.Is(err, domain.ErrSessionExhausted) {
		t.Fatalf("expected exhausted session, got %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", next.calls)
	}
	if _, err := g.Generate(context.Background(), Request{}); err == nil {
		t.Fatalf("expected error without session")
	}
}

func TestSessionGateRetryReusesRedemption(t *testing.T) {
	next := &stubGenerator{}
	ledger := &stubRedeemer{left: 2}
	g := NewSessionGate(next, ledger)
	req := Request{SessionID: "s", Variant: domain.VariantV1}
	for i := 0; i < 3; i++ {
		if _, err := g.Generate(context.Background(), req); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if ledger.calls != 1 || ledger.left != 1 {
		t.Fatalf("retries of one variant redeemed %d times, %d left", ledger.calls, ledger.left)
	}
	if _, err := g.Generate(context.Background(), Request{SessionID: "s", Variant: domain.VariantV2}); err != nil {
		t.Fatalf("sibling variant: %v", err)
	}
	if _, err := g.Generate(context.Background(), Request{SessionID: "other", Variant: domain.VariantV1}); !errors.Is(err, domain.ErrSessionExhausted) {
		t.Fatalf("new session must redeem again, got %v", err)
	}
}

type queueExecutor struct {
	enqueued bool
	balance  int
	args     []any
}

func (q *queueExecutor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (q *queueExecutor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	switch query {
	case sqlinline.QEnqueueRender:
		q.args = args
		if !q.enqueued {
			return scanRow{err: pgx.ErrNoRows}
		}
		return scanRow{values: []any{"job-1", q.balance}}
	case sqlinline.QSelectBalance:
		return scanRow{values: []any{q.balance}}
	}
	return scanRow{err: errors.New("unexpected query")}
}

func (q *queueExecutor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type scanRow struct {
	values []any
	err    error
}

func (r scanRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *int:
			*p = r.values[i].(int)
		}
	}
	return nil
}

func TestQueueSubmit(t *testing.T) {
	exec := &queueExecutor{enqueued: true, balance: 4}
	q := NewQueue(exec, domain.VariantV1, 1)
	if err := q.Submit(context.Background(), Request{Prompt: "x", ImageID: "img", UserID: "u1"}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if exec.args[0] != "u1" || exec.args[1] != "img" || exec.args[2] != "v1" || exec.args[4] != 1 {
		t.Fatalf("unexpected args: %#v", exec.args)
	}
	job, err := DecodeJob("job-1", "img", "u1", "v1", exec.args[3].([]byte))
	if err != nil || job.Request.Prompt != "x" || job.Variant != domain.VariantV1 {
		t.Fatalf("DecodeJob = %#v, %v", job, err)
	}
}

func TestQueueSubmitInsufficientCredits(t *testing.T) {
	q := NewQueue(&queueExecutor{balance: 0}, domain.VariantV1, 1)
	err := q.Submit(context.Background(), Request{Prompt: "x", ImageID: "img", UserID: "u1"})
	var ice *domain.InsufficientCreditsError
	if !errors.As(err, &ice) || ice.Balance != 0 {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
}
