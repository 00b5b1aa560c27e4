package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"studio/internal/infra"
	"studio/internal/sqlinline"
)

// Provider names under which backend tokens are stored.
const (
	ProviderV1   = "backend-v1"
	ProviderV2   = "backend-v2"
	ProviderV3   = "backend-v3"
	ProviderEdit = "backend-edit"
)

// ProviderForVariant maps a variant name (v1, v2, v3, edit) to its token key.
func ProviderForVariant(variant string) string {
	return "backend-" + strings.ToLower(strings.TrimSpace(variant))
}

// Store reads and writes backend tokens kept in backend_tokens.
type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// Token returns the stored token for provider, or "" when none exists.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectBackendToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// Resolve prefers the configured value and falls back to the stored token.
func (s *Store) Resolve(ctx context.Context, provider, configured string) (string, error) {
	if v := strings.TrimSpace(configured); v != "" {
		return v, nil
	}
	return s.Token(ctx, provider)
}

func (s *Store) SetToken(ctx context.Context, provider, token string, props map[string]any) error {
	provider = strings.TrimSpace(provider)
	token = strings.TrimSpace(token)
	if provider == "" {
		return errors.New("provider is required")
	}
	if token == "" {
		return fmt.Errorf("%s token is required", provider)
	}
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertBackendToken, provider, token, raw)
	return err
}
