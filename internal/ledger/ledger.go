// Package ledger keeps credit balances and generation sessions in Postgres.
//
// Reserve is the one place a balance is debited for a comparison batch. The
// debit, the balance check and the session insert run as a single statement,
// so concurrent batches for the same user serialize on the account row.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/metrics"
	"studio/internal/sqlinline"
)

type Ledger struct {
	sql infra.SQLExecutor
	log zerolog.Logger
}

func New(sql infra.SQLExecutor, log zerolog.Logger) *Ledger {
	return &Ledger{sql: sql, log: log.With().Str("component", "ledger").Logger()}
}

// Reserve debits creditCost and opens a session allowing maxGenerations
// redemptions. A short balance yields *domain.InsufficientCreditsError.
func (l *Ledger) Reserve(ctx context.Context, userID string, creditCost, maxGenerations int) (*domain.Session, error) {
	if creditCost < 0 || maxGenerations <= 0 {
		return nil, fmt.Errorf("ledger: invalid reservation cost=%d max=%d", creditCost, maxGenerations)
	}
	var s domain.Session
	err := l.sql.QueryRow(ctx, sqlinline.QReserveSession, userID, creditCost, maxGenerations).Scan(
		&s.ID,
		&s.UserID,
		&s.CreditCost,
		&s.MaxGenerations,
		&s.Redeemed,
		&s.RemainingCredits,
		&s.CreatedAt,
	)
	if err == nil {
		metrics.RecordSession(nil)
		l.log.Info().Str("user_id", userID).Str("session_id", s.ID).Int("cost", creditCost).Int("remaining", s.RemainingCredits).Msg("session reserved")
		return &s, nil
	}
	if !infra.IsNoRows(err) {
		metrics.RecordSession(err)
		return nil, fmt.Errorf("reserve session: %w", err)
	}
	balance, balErr := l.Balance(ctx, userID)
	if balErr != nil {
		return nil, fmt.Errorf("reserve session: read balance: %w", balErr)
	}
	ice := &domain.InsufficientCreditsError{Balance: balance}
	metrics.RecordSession(ice)
	l.log.Info().Str("user_id", userID).Int("cost", creditCost).Int("balance", balance).Msg("session rejected")
	return nil, ice
}

// Redeem counts one generation against a session. A session at its cap
// yields domain.ErrSessionExhausted; an unknown one domain.ErrNotFound.
func (l *Ledger) Redeem(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := scanSession(l.sql.QueryRow(ctx, sqlinline.QRedeemSession, sessionID))
	if err == nil {
		if bal, balErr := l.Balance(ctx, s.UserID); balErr == nil {
			s.RemainingCredits = bal
		}
		return s, nil
	}
	if !infra.IsNoRows(err) {
		return nil, fmt.Errorf("redeem session: %w", err)
	}
	if _, err := l.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	return nil, domain.ErrSessionExhausted
}

// Session reads a session without redeeming it.
func (l *Ledger) Session(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := scanSession(l.sql.QueryRow(ctx, sqlinline.QSelectSession, sessionID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("select session: %w", err)
	}
	return s, nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	if err := l.sql.QueryRow(ctx, sqlinline.QSelectBalance, userID).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// Grant adds amount to the user's balance, creating the account if needed.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int) (int, error) {
	if amount == 0 {
		return 0, errors.New("ledger: grant amount must be non-zero")
	}
	var balance int
	if err := l.sql.QueryRow(ctx, sqlinline.QGrantCredits, userID, amount).Scan(&balance); err != nil {
		return 0, fmt.Errorf("grant credits: %w", err)
	}
	l.log.Info().Str("user_id", userID).Int("amount", amount).Int("balance", balance).Msg("credits granted")
	return balance, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	if err := row.Scan(&s.ID, &s.UserID, &s.CreditCost, &s.MaxGenerations, &s.Redeemed, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

var _ domain.Ledger = (*Ledger)(nil)
