package render

import (
	"context"
	"errors"
	"sync"

	"studio/internal/backend"
	"studio/internal/domain"
)

// Debiter charges a single generation outright.
type Debiter interface {
	Debit(ctx context.Context, userID string, amount int) (int, error)
}

// Inline is a Submitter that charges the generation and renders it in the
// same process. It backs offline runs where no render worker exists.
type Inline struct {
	completer *Completer
	gen       backend.Generator
	debit     Debiter
	cost      int

	wg sync.WaitGroup
}

func NewInline(completer *Completer, gen backend.Generator, debit Debiter, cost int) *Inline {
	if cost <= 0 {
		cost = 1
	}
	return &Inline{completer: completer, gen: gen, debit: debit, cost: cost}
}

// Submit returns once the generation is charged; the render continues in
// the background and outlives ctx.
func (q *Inline) Submit(ctx context.Context, req backend.Request) error {
	if req.ImageID == "" || req.UserID == "" {
		return errors.New("render: submit requires image and user ids")
	}
	if _, err := q.debit.Debit(ctx, req.UserID, q.cost); err != nil {
		return err
	}
	req = req.Capped()
	if req.Variant == "" {
		req.Variant = domain.VariantV1
	}
	bg := context.WithoutCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		_ = q.completer.Complete(bg, q.gen, req)
	}()
	return nil
}

// Wait blocks until every submitted render finished.
func (q *Inline) Wait() {
	q.wg.Wait()
}

var _ backend.Submitter = (*Inline)(nil)
