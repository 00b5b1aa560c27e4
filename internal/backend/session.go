package backend

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"studio/internal/domain"
)

// redeemedKeys bounds how many (session, variant) redemptions a gate
// remembers. Sessions live for one batch, so a few hundred open batches fit.
const redeemedKeys = 1024

// Redeemer records one generation against a reserved session.
type Redeemer interface {
	Redeem(ctx context.Context, sessionID string) (*domain.Session, error)
}

// SessionGate redeems the batch session before calling a generator that
// cannot enforce the cap itself (local renderers). Remote variants receive
// the session id in the payload and redeem server-side.
//
// A variant redeems once per session: retried attempts of the same call
// reuse the redemption instead of consuming a sibling's generation.
type SessionGate struct {
	next     Generator
	ledger   Redeemer
	redeemed *lru.Cache
}

func NewSessionGate(next Generator, ledger Redeemer) *SessionGate {
	redeemed, _ := lru.New(redeemedKeys)
	return &SessionGate{next: next, ledger: ledger, redeemed: redeemed}
}

func (g *SessionGate) Generate(ctx context.Context, req Request) (*Render, error) {
	if req.SessionID == "" {
		return nil, errors.New("backend: generation requires a session")
	}
	key := req.SessionID + "/" + string(req.Variant)
	if !g.redeemed.Contains(key) {
		if _, err := g.ledger.Redeem(ctx, req.SessionID); err != nil {
			return nil, fmt.Errorf("redeem session: %w", err)
		}
		g.redeemed.Add(key, struct{}{})
	}
	return g.next.Generate(ctx, req)
}

var _ Generator = (*SessionGate)(nil)
