package enrich

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/cache"
	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/pkg/anthropic"
)

const explainSystem = `You explain US tariff catalog entries to non-specialists. Given an HTS code, its description and the current total duty rate, respond with one short plain-English paragraph. No markdown, no lists.`

// Explain returns a plain-language description of a tariff entry. Responses
// are cached per code; a model failure degrades to the template text.
func (a *AIClassifier) Explain(ctx context.Context, htsCode, description string, totalRate float64) (string, error) {
	key := "explain:" + model.NormalizeHTSCode(htsCode)

	if a.cache != nil {
		if raw, ok := a.cache.Get(cache.TierAI, key); ok {
			return string(raw), nil
		}
	}

	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    explainSystem,
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf("HTS %s: %s. Current total duty rate: %.2f%%.", htsCode, description, totalRate)},
		},
	})
	if err != nil {
		a.log.Warn("explanation fell back to template",
			zap.String("hts_code", htsCode),
			zap.Error(err))
		return a.fallback.Explain(ctx, htsCode, description, totalRate)
	}
	resp.Usage.LogCost(a.model, "explain")

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return a.fallback.Explain(ctx, htsCode, description, totalRate)
	}

	if a.cache != nil {
		a.cache.Set(cache.TierAI, key, []byte(text), a.cacheTTL)
	}
	return text, nil
}

// Explain builds deterministic template text from the chapter category.
func (p *PrefixClassifier) Explain(_ context.Context, htsCode, description string, totalRate float64) (string, error) {
	category, ok := chapterCategories[model.ChapterPrefix(htsCode)]
	if !ok {
		category = "general merchandise"
	}
	return fmt.Sprintf("HTS %s (%s) falls under %s. Imports classified here currently carry a total duty rate of %.2f%%.",
		htsCode, description, category, totalRate), nil
}
