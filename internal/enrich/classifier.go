// Package enrich derives search metadata for catalog products: a category,
// keywords, common names and search terms. The primary classifier asks the
// model; a deterministic chapter-prefix table backs it up so imports never
// stall on an AI outage.
package enrich

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/cache"
	"github.com/sells-group/tariff-sync/internal/config"
	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/pkg/anthropic"
)

// Classifier derives search metadata and plain-language text for one
// product.
type Classifier interface {
	Classify(ctx context.Context, htsCode, description string) (*model.Classification, error)
	Explain(ctx context.Context, htsCode, description string, totalRate float64) (string, error)
}

const classifySystem = `You classify US tariff catalog entries. Given an HTS code and its description, respond with a single JSON object and nothing else:
{"category": "...", "keywords": ["..."], "common_names": ["..."], "search_terms": ["..."]}
Category is a short consumer-facing product category. Keywords and common names are lowercase. Keep each list under 8 entries.`

// AIClassifier asks the model and caches results per HTS code. Cache hits
// skip the API entirely, so re-imports of an unchanged catalog are free.
type AIClassifier struct {
	client    anthropic.Client
	cache     *cache.Cache
	model     string
	maxTokens int64
	cacheTTL  time.Duration
	fallback  *PrefixClassifier
	log       *zap.Logger
}

// NewAIClassifier builds the model-backed classifier with a prefix fallback.
func NewAIClassifier(client anthropic.Client, c *cache.Cache, cfg config.AnthropicConfig, cacheTTL time.Duration) *AIClassifier {
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AIClassifier{
		client:    client,
		cache:     c,
		model:     cfg.Model,
		maxTokens: maxTokens,
		cacheTTL:  cacheTTL,
		fallback:  NewPrefixClassifier(),
		log:       zap.L().Named("enrich"),
	}
}

func (a *AIClassifier) Classify(ctx context.Context, htsCode, description string) (*model.Classification, error) {
	key := model.NormalizeHTSCode(htsCode)

	if a.cache != nil {
		if raw, ok := a.cache.Get(cache.TierAI, key); ok {
			var cls model.Classification
			if err := json.Unmarshal(raw, &cls); err == nil {
				return &cls, nil
			}
			a.cache.Delete(cache.TierAI, key)
		}
	}

	cls, err := a.classifyRemote(ctx, htsCode, description)
	if err != nil {
		a.log.Warn("classification fell back to chapter prefix",
			zap.String("hts_code", htsCode),
			zap.Error(err))
		return a.fallback.Classify(ctx, htsCode, description)
	}

	if a.cache != nil {
		if raw, err := json.Marshal(cls); err == nil {
			a.cache.Set(cache.TierAI, key, raw, a.cacheTTL)
		}
	}
	return cls, nil
}

func (a *AIClassifier) classifyRemote(ctx context.Context, htsCode, description string) (*model.Classification, error) {
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    classifySystem,
		Messages: []anthropic.Message{
			{Role: "user", Content: "HTS " + htsCode + ": " + description},
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: classify %s", htsCode)
	}
	resp.Usage.LogCost(a.model, "classify")

	cls, err := parseClassification(resp.Text())
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: parse classification for %s", htsCode)
	}
	cls.Source = "model"
	return cls, nil
}

// parseClassification extracts the JSON object from a model response,
// tolerating surrounding prose or a code fence.
func parseClassification(text string) (*model.Classification, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("no JSON object in response")
	}
	var cls model.Classification
	if err := json.Unmarshal([]byte(text[start:end+1]), &cls); err != nil {
		return nil, eris.Wrap(err, "unmarshal classification")
	}
	if cls.Category == "" {
		return nil, eris.New("classification missing category")
	}
	return &cls, nil
}

// BuildSearchText flattens a product's metadata into one lowercase blob for
// substring search.
func BuildSearchText(description string, cls *model.Classification) string {
	parts := []string{strings.ToLower(description)}
	if cls != nil {
		parts = append(parts, strings.ToLower(cls.Category))
		parts = append(parts, cls.Keywords...)
		parts = append(parts, cls.CommonNames...)
		parts = append(parts, cls.SearchTerms...)
	}
	return strings.Join(parts, " ")
}
