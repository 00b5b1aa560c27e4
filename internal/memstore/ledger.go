package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"studio/internal/domain"
)

// Ledger is a domain.Ledger and domain.CreditWatcher held in memory. Reserve
// debits under a single lock, the same critical section the Postgres ledger
// gets from its conditional update.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]int
	sessions map[string]*domain.Session
	watchers map[string][]chan int

	reserveCalls int
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: map[string]int{},
		sessions: map[string]*domain.Session{},
		watchers: map[string][]chan int{},
	}
}

// Grant adds credits and returns the new balance.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += amount
	l.publish(userID)
	return l.balances[userID], nil
}

func (l *Ledger) Reserve(ctx context.Context, userID string, creditCost, maxGenerations int) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if creditCost < 0 || maxGenerations <= 0 {
		return nil, fmt.Errorf("memstore: invalid reservation cost=%d max=%d", creditCost, maxGenerations)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserveCalls++
	balance := l.balances[userID]
	if balance < creditCost {
		return nil, &domain.InsufficientCreditsError{Balance: balance}
	}
	l.balances[userID] = balance - creditCost
	sess := &domain.Session{
		ID:               uuid.NewString(),
		UserID:           userID,
		CreditCost:       creditCost,
		MaxGenerations:   maxGenerations,
		RemainingCredits: l.balances[userID],
		CreatedAt:        time.Now().UTC(),
	}
	l.sessions[sess.ID] = sess
	l.publish(userID)
	cp := *sess
	return &cp, nil
}

func (l *Ledger) Redeem(ctx context.Context, sessionID string) (*domain.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if sess.Redeemed >= sess.MaxGenerations {
		return nil, domain.ErrSessionExhausted
	}
	sess.Redeemed++
	sess.RemainingCredits = l.balances[sess.UserID]
	cp := *sess
	return &cp, nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

// Debit charges amount outright, as the render queue does for a single
// generation.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balances[userID]
	if balance < amount {
		return balance, &domain.InsufficientCreditsError{Balance: balance}
	}
	l.balances[userID] = balance - amount
	l.publish(userID)
	return l.balances[userID], nil
}

// ReserveCalls returns how many reservations were attempted.
func (l *Ledger) ReserveCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserveCalls
}

// Subscribe streams balance changes for userID until ctx is done.
func (l *Ledger) Subscribe(ctx context.Context, userID string) (<-chan int, error) {
	ch := make(chan int, 4)
	l.mu.Lock()
	l.watchers[userID] = append(l.watchers[userID], ch)
	l.mu.Unlock()
	go func() {
		<-ctx.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		subs := l.watchers[userID]
		for i, c := range subs {
			if c == ch {
				l.watchers[userID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// publish must be called with l.mu held. Slow subscribers miss updates
// rather than block the ledger.
func (l *Ledger) publish(userID string) {
	balance := l.balances[userID]
	for _, ch := range l.watchers[userID] {
		select {
		case ch <- balance:
		default:
		}
	}
}

var (
	_ domain.Ledger        = (*Ledger)(nil)
	_ domain.CreditWatcher = (*Ledger)(nil)
)
