package jsoncfg

import (
	"encoding/json"
	"fmt"
	"strings"

	"studio/internal/domain"
)

// GenerateJSON is the wire contract for a generation request, shared by the
// HTTP API and the CLI.
type GenerateJSON struct {
	Prompt      string              `json:"prompt"`
	AspectRatio string              `json:"aspect_ratio,omitempty"`
	ProductID   string              `json:"product_id,omitempty"`
	Assets      []domain.Attachment `json:"assets,omitempty"`
	References  []domain.Attachment `json:"references,omitempty"`
	Locale      string              `json:"locale,omitempty"`
}

// VariationsJSON extends GenerateJSON with session reservation parameters.
type VariationsJSON struct {
	GenerateJSON
	CreditCost     int `json:"credit_cost"`
	MaxGenerations int `json:"max_generations"`
}

var allowedAspectRatios = map[string]struct{}{
	"1:1":  {},
	"4:3":  {},
	"3:4":  {},
	"16:9": {},
	"9:16": {},
	"4:5":  {},
	"3:2":  {},
}

const (
	// DefaultAspectRatio is applied by the backends when none is given.
	DefaultAspectRatio = "1:1"
	// DefaultCreditCost is charged once per comparison batch.
	DefaultCreditCost = 2
	// DefaultMaxGenerations bounds the calls that may redeem one session.
	DefaultMaxGenerations = 3
	// DefaultLocale is applied when no locale preference is provided.
	DefaultLocale = "en"
)

// Normalize trims input, applies the attachment caps and fills defaults.
// The aspect ratio is left empty when absent so backends can pick their own.
func (g *GenerateJSON) Normalize(preferredLocale string) {
	if g == nil {
		return
	}
	g.Prompt = strings.TrimSpace(g.Prompt)
	g.AspectRatio = strings.TrimSpace(g.AspectRatio)
	g.ProductID = strings.TrimSpace(g.ProductID)
	g.Assets = capAttachments(g.Assets, domain.MaxAssets)
	g.References = capAttachments(g.References, domain.MaxReferences)
	if g.Locale == "" {
		if preferredLocale != "" {
			g.Locale = preferredLocale
		} else {
			g.Locale = DefaultLocale
		}
	}
}

// Validate ensures the request satisfies the contract before dispatch.
func (g GenerateJSON) Validate() error {
	if strings.TrimSpace(g.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", domain.ErrInvalidPrompt)
	}
	if g.AspectRatio != "" {
		if _, ok := allowedAspectRatios[g.AspectRatio]; !ok {
			return fmt.Errorf("%w: aspect_ratio must be one of 1:1, 4:3, 3:4, 16:9, 9:16, 4:5, 3:2", domain.ErrInvalidPrompt)
		}
	}
	return nil
}

// Normalize applies the session defaults on top of GenerateJSON.Normalize.
func (v *VariationsJSON) Normalize(preferredLocale string) {
	if v == nil {
		return
	}
	v.GenerateJSON.Normalize(preferredLocale)
	if v.CreditCost <= 0 {
		v.CreditCost = DefaultCreditCost
	}
	if v.MaxGenerations <= 0 {
		v.MaxGenerations = DefaultMaxGenerations
	}
}

func capAttachments(in []domain.Attachment, max int) []domain.Attachment {
	out := make([]domain.Attachment, 0, len(in))
	for _, a := range in {
		a.URL = strings.TrimSpace(a.URL)
		if a.URL == "" {
			continue
		}
		out = append(out, a)
		if len(out) == max {
			break
		}
	}
	return out
}

func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("json marshal: %w", err))
	}
	return b
}
