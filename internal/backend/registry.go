package backend

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/infra/credentials"
)

// TokenResolver looks up a backend token, preferring the configured value.
type TokenResolver interface {
	Resolve(ctx context.Context, provider, configured string) (string, error)
}

// Set is the wired collection of backends for one process.
type Set struct {
	// Generators are the comparison variants, ready for concurrent use.
	Generators map[domain.Variant]Generator
	// Renderers are the raw local renderers the render worker drives.
	Renderers map[domain.Variant]Generator
	Submitter Submitter
	Editor    Editor
}

// Build wires each variant to its remote endpoint when one is configured
// and to the synthetic renderer otherwise. Local renderers redeem the
// session themselves; the single-generate path falls back to the queue.
func Build(ctx context.Context, cfg *infra.Config, tokens TokenResolver, sql infra.SQLExecutor, ledger Redeemer, logger zerolog.Logger) (*Set, error) {
	set := &Set{
		Generators: map[domain.Variant]Generator{},
		Renderers:  map[domain.Variant]Generator{},
	}
	var remoteV1 *HTTPVariant
	for _, variant := range domain.Variants {
		bc := cfg.Backends[string(variant)]
		if cfg.Synthetic || bc.BaseURL == "" {
			synthetic := NewSynthetic(variant)
			set.Renderers[variant] = synthetic
			set.Generators[variant] = NewSessionGate(synthetic, ledger)
			logger.Warn().Str("variant", string(variant)).Msg("backend: no endpoint configured, using synthetic renders")
			continue
		}
		token, err := resolveToken(ctx, tokens, credentials.ProviderForVariant(string(variant)), bc.Token)
		if err != nil {
			logger.Warn().Err(err).Str("variant", string(variant)).Msg("backend: token lookup failed")
		}
		remote := NewHTTPVariant(variant, HTTPOptions{
			BaseURL: bc.BaseURL,
			Token:   token,
			Model:   bc.Model,
			Timeout: cfg.GenerationTimeout + 5*time.Second,
			Logger:  &logger,
		})
		if variant == domain.VariantV1 {
			remoteV1 = remote
		}
		set.Renderers[variant] = remote
		set.Generators[variant] = NewBreaker("backend-"+string(variant), remote, cfg.BreakerFailures, 30*time.Second, logger)
	}

	if remoteV1 != nil {
		set.Submitter = remoteV1
	} else {
		set.Submitter = NewQueue(sql, domain.VariantV1, 1)
	}

	if cfg.Synthetic || cfg.EditURL == "" {
		set.Editor = NewSynthetic("")
	} else {
		token, err := resolveToken(ctx, tokens, credentials.ProviderEdit, cfg.EditToken)
		if err != nil {
			logger.Warn().Err(err).Msg("backend: edit token lookup failed")
		}
		set.Editor = NewHTTPEditor(HTTPOptions{
			BaseURL:       cfg.EditURL,
			Token:         token,
			Timeout:       cfg.GenerationTimeout + 5*time.Second,
			DownloadHosts: cfg.ImageSourceAllowlist,
			Logger:        &logger,
		})
	}
	return set, nil
}

func resolveToken(ctx context.Context, tokens TokenResolver, provider, configured string) (string, error) {
	if tokens == nil {
		return configured, nil
	}
	return tokens.Resolve(ctx, provider, configured)
}
