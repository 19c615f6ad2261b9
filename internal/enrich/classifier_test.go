package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-sync/internal/cache"
	"github.com/sells-group/tariff-sync/internal/config"
	"github.com/sells-group/tariff-sync/pkg/anthropic"
)

type fakeClient struct {
	text  string
	err   error
	calls int
}

func (f *fakeClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: f.text}},
	}, nil
}

func testAIClassifier(t *testing.T, client anthropic.Client) *AIClassifier {
	t.Helper()
	c := cache.New(cache.Options{})
	t.Cleanup(c.Close)
	return NewAIClassifier(client, c, config.AnthropicConfig{Model: "claude-haiku-4-5-20251001"}, time.Hour)
}

func TestParseClassification(t *testing.T) {
	cls, err := parseClassification(`{"category":"footwear","keywords":["boots"]}`)
	require.NoError(t, err)
	assert.Equal(t, "footwear", cls.Category)
	assert.Equal(t, []string{"boots"}, cls.Keywords)

	// Surrounding prose and code fences are tolerated.
	cls, err = parseClassification("Sure, here you go:\n```json\n{\"category\":\"toys\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "toys", cls.Category)

	_, err = parseClassification("no json here")
	assert.Error(t, err)

	_, err = parseClassification(`{"keywords":["x"]}`)
	assert.Error(t, err, "category is required")
}

func TestAIClassifier(t *testing.T) {
	client := &fakeClient{text: `{"category":"electronics","keywords":["laptop"],"common_names":["notebook"]}`}
	a := testAIClassifier(t, client)

	cls, err := a.Classify(context.Background(), "8471.30.0100", "Portable computers")
	require.NoError(t, err)
	assert.Equal(t, "electronics", cls.Category)
	assert.Equal(t, "model", cls.Source)
	assert.Equal(t, 1, client.calls)

	// Second call for the same code is served from the cache.
	again, err := a.Classify(context.Background(), "8471.30.0100", "Portable computers")
	require.NoError(t, err)
	assert.Equal(t, cls.Category, again.Category)
	assert.Equal(t, 1, client.calls)

	// Dotted and bare codes share a cache entry.
	_, err = a.Classify(context.Background(), "8471300100", "Portable computers")
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls)
}

func TestAIClassifierFallsBackOnError(t *testing.T) {
	client := &fakeClient{err: eris.New("api down")}
	a := testAIClassifier(t, client)

	cls, err := a.Classify(context.Background(), "8471.30.0100", "Portable computers")
	require.NoError(t, err, "fallback keeps the import moving")
	assert.Equal(t, "machinery", cls.Category)
	assert.Equal(t, "prefix", cls.Source)
}

func TestAIClassifierFallsBackOnGarbage(t *testing.T) {
	client := &fakeClient{text: "I cannot classify that."}
	a := testAIClassifier(t, client)

	cls, err := a.Classify(context.Background(), "6402.99.3165", "Footwear")
	require.NoError(t, err)
	assert.Equal(t, "footwear", cls.Category)
	assert.Equal(t, "prefix", cls.Source)
}

func TestPrefixClassifier(t *testing.T) {
	p := NewPrefixClassifier()

	cls, err := p.Classify(context.Background(), "0101.21.0010", "")
	require.NoError(t, err)
	assert.Equal(t, "live animals", cls.Category)

	cls, err = p.Classify(context.Background(), "9999.99.9999", "")
	require.NoError(t, err)
	assert.Equal(t, "general merchandise", cls.Category)
	assert.Equal(t, "prefix", cls.Source)
}

func TestAIExplain(t *testing.T) {
	client := &fakeClient{text: "This code covers portable computers such as laptops."}
	a := testAIClassifier(t, client)

	text, err := a.Explain(context.Background(), "8471.30.0100", "Portable computers", 2.5)
	require.NoError(t, err)
	assert.Contains(t, text, "portable computers")
	assert.Equal(t, 1, client.calls)

	// Cached per code, same as classification.
	_, err = a.Explain(context.Background(), "8471300100", "Portable computers", 2.5)
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls)
}

func TestAIExplainFallsBackOnError(t *testing.T) {
	client := &fakeClient{err: eris.New("api down")}
	a := testAIClassifier(t, client)

	text, err := a.Explain(context.Background(), "8471.30.0100", "Portable computers", 27.5)
	require.NoError(t, err)
	assert.Contains(t, text, "machinery")
	assert.Contains(t, text, "27.50%")
}

func TestPrefixExplain(t *testing.T) {
	text, err := NewPrefixClassifier().Explain(context.Background(), "0901.21.0020", "Roasted coffee", 1.5)
	require.NoError(t, err)
	assert.Contains(t, text, "0901.21.0020")
	assert.Contains(t, text, "coffee, tea and spices")
	assert.Contains(t, text, "1.50%")
}

func TestBuildSearchText(t *testing.T) {
	cls, err := parseClassification(`{"category":"Electronics","keywords":["laptop"],"common_names":["notebook"],"search_terms":["portable pc"]}`)
	require.NoError(t, err)

	text := BuildSearchText("Portable Computers", cls)
	assert.Equal(t, "portable computers electronics laptop notebook portable pc", text)

	assert.Equal(t, "bolts", BuildSearchText("Bolts", nil))
}
