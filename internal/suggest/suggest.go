// Package suggest derives prompt suggestions for a brand from its recent
// prompts and a localized catalog of starter ideas.
package suggest

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"studio/internal/cache"
	"studio/internal/domain"
)

const (
	recentLimit = 8
	maxIdeas    = 6
)

// PromptSource lists a brand's most recent distinct prompts, newest first.
type PromptSource interface {
	RecentPrompts(ctx context.Context, owner domain.Owner, limit int) ([]string, error)
}

// Suggestion is one prompt the user can start from.
type Suggestion struct {
	Title    string   `json:"title"`
	Prompt   string   `json:"prompt"`
	Source   string   `json:"source"`
	Keywords []string `json:"keywords,omitempty"`
}

type Service struct {
	prompts PromptSource
	cache   *cache.TwoTier[[]string]
	log     zerolog.Logger
}

func NewService(prompts PromptSource, c *cache.TwoTier[[]string], log zerolog.Logger) *Service {
	return &Service{prompts: prompts, cache: c, log: log.With().Str("component", "suggest").Logger()}
}

// For returns suggestions for owner's brand in locale. Recent prompts come
// first; catalog ideas fill the rest.
func (s *Service) For(ctx context.Context, owner domain.Owner, locale string) ([]Suggestion, error) {
	recent, err := s.cache.GetOrLoad(ctx, owner.BrandID, func(ctx context.Context) ([]string, error) {
		return s.prompts.RecentPrompts(ctx, owner, recentLimit)
	})
	if err != nil {
		s.log.Warn().Err(err).Str("brand_id", owner.BrandID).Msg("recent prompts unavailable")
		recent = nil
	}

	tag := localeTag(locale)
	title := cases.Title(tag)
	out := make([]Suggestion, 0, len(recent)+maxIdeas)
	seen := map[string]struct{}{}
	for _, p := range recent {
		key := strings.ToLower(strings.TrimSpace(p))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Suggestion{
			Title:  title.String(domain.TruncatePrompt(p, 40)),
			Prompt: p,
			Source: "recent",
		})
	}
	limit := len(out) + maxIdeas
	for _, idea := range catalog(tag) {
		if len(out) >= limit {
			break
		}
		if _, dup := seen[strings.ToLower(idea.Prompt)]; dup {
			continue
		}
		idea.Title = title.String(idea.Title)
		out = append(out, idea)
	}
	return out, nil
}

// Invalidate drops the cached suggestions of a brand. Call it whenever the
// brand's image set changes.
func (s *Service) Invalidate(ctx context.Context, brandID string) {
	if err := s.cache.Invalidate(ctx, brandID); err != nil {
		s.log.Warn().Err(err).Str("brand_id", brandID).Msg("invalidate failed")
	}
}

func localeTag(locale string) language.Tag {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return language.English
	}
	return tag
}
