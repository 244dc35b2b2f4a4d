package generator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trendlyhq/trendly-api/pkg/domain"
)

type stubBackend struct {
	response string
	err      error
	prompts  []string
}

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) Complete(_ context.Context, prompt string) (string, error) {
	b.prompts = append(b.prompts, prompt)
	if b.err != nil {
		return "", b.err
	}
	return b.response, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestBuildPromptIncludesTopicAndTypes(t *testing.T) {
	prompt := BuildPrompt("healthy breakfast", []string{"ideas", "captions"}, nil)

	assert.Contains(t, prompt, `"healthy breakfast"`)
	assert.Contains(t, prompt, "ideas, captions")
	assert.NotContains(t, prompt, "Current trending content")
}

func TestBuildPromptEmbedsTrendContext(t *testing.T) {
	trends := []domain.Trend{
		{Title: "GRWM", Description: "get ready with me videos"},
		{Title: "Deinfluencing", Description: "honest product takes"},
	}
	prompt := BuildPrompt("skincare", []string{"hashtags"}, trends)

	assert.Contains(t, prompt, "Current trending content on TikTok:")
	assert.Contains(t, prompt, "- GRWM: get ready with me videos")
	assert.Contains(t, prompt, "- Deinfluencing: honest product takes")
}

func TestParseResultAcceptsRequestedSubset(t *testing.T) {
	raw := `{"ideas":["a","b"],"captions":[],"hashtags":["#x"]}`

	result, err := ParseResult(raw, []string{"ideas", "hashtags"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, result.Ideas)
	assert.Empty(t, result.Captions)
	assert.Equal(t, []string{"#x"}, result.Hashtags)
}

func TestParseResultRejectsEmptyRequestedType(t *testing.T) {
	raw := `{"ideas":[],"captions":[],"hashtags":["#x"]}`

	_, err := ParseResult(raw, []string{"ideas", "hashtags"})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestParseResultRejectsMissingKey(t *testing.T) {
	raw := `{"ideas":["a"],"captions":["b"]}`

	_, err := ParseResult(raw, []string{"ideas"})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestParseResultRejectsMalformedJSON(t *testing.T) {
	_, err := ParseResult("not json at all", []string{"ideas"})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestParseResultRejectsNonArrayValue(t *testing.T) {
	raw := `{"ideas":"single string","captions":[],"hashtags":[]}`

	_, err := ParseResult(raw, nil)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestParseResultStripsCodeFences(t *testing.T) {
	raw := "```json\n{\"ideas\":[\"a\"],\"captions\":[],\"hashtags\":[]}\n```"

	result, err := ParseResult(raw, []string{"ideas"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, result.Ideas)
}

func TestWatermarkAppendsOnceToIdeasAndCaptions(t *testing.T) {
	content := &domain.GenerationResult{
		Ideas:    []string{"idea one"},
		Captions: []string{"caption one"},
		Hashtags: []string{"#fyp", "#viral"},
	}

	marked := Watermark(content)

	assert.True(t, strings.HasPrefix(marked.Ideas[0], "idea one"))
	assert.Equal(t, 1, strings.Count(marked.Ideas[0], "Generated with Trendly.ai"))
	assert.Equal(t, 1, strings.Count(marked.Captions[0], "Generated with Trendly.ai"))

	// Applying twice doubles the suffix: callers must apply exactly once.
	twice := Watermark(marked)
	assert.Equal(t, 2, strings.Count(twice.Ideas[0], "Generated with Trendly.ai"))
}

func TestWatermarkLeavesHashtagsUntouched(t *testing.T) {
	content := &domain.GenerationResult{
		Ideas:    []string{"i"},
		Captions: []string{"c"},
		Hashtags: []string{"#fyp", "#viral"},
	}

	marked := Watermark(content)
	assert.Equal(t, []string{"#fyp", "#viral"}, marked.Hashtags)

	// Source content is not mutated either.
	assert.Equal(t, "i", content.Ideas[0])
	assert.Equal(t, "c", content.Captions[0])
}

func TestGenerateTrimsTrendContextToCap(t *testing.T) {
	trends := make([]domain.Trend, 15)
	for i := range trends {
		trends[i] = domain.Trend{Title: "t", Description: "d"}
	}
	backend := &stubBackend{response: `{"ideas":["a"],"captions":[],"hashtags":[]}`}
	svc := New(backend, quietLogger())

	_, err := svc.Generate(context.Background(), Request{
		Topic:         "topic",
		Types:         []string{"ideas"},
		TrendsEnabled: true,
		Trends:        trends,
	})
	require.NoError(t, err)
	require.Len(t, backend.prompts, 1)
	assert.Equal(t, MaxTrendContext, strings.Count(backend.prompts[0], "\n- t: d"))
}

func TestGenerateIgnoresTrendsWhenDisabled(t *testing.T) {
	backend := &stubBackend{response: `{"ideas":["a"],"captions":[],"hashtags":[]}`}
	svc := New(backend, quietLogger())

	_, err := svc.Generate(context.Background(), Request{
		Topic:  "topic",
		Types:  []string{"ideas"},
		Trends: []domain.Trend{{Title: "t", Description: "d"}},
	})
	require.NoError(t, err)
	assert.NotContains(t, backend.prompts[0], "Current trending content")
}

func TestGeneratePropagatesBackendFailure(t *testing.T) {
	backend := &stubBackend{err: errors.New("connection refused")}
	svc := New(backend, quietLogger())

	_, err := svc.Generate(context.Background(), Request{Topic: "topic", Types: []string{"ideas"}})
	assert.Error(t, err)
}

func TestGenerateRejectsInvalidBackendOutput(t *testing.T) {
	backend := &stubBackend{response: `{"ideas":[],"captions":[],"hashtags":[]}`}
	svc := New(backend, quietLogger())

	_, err := svc.Generate(context.Background(), Request{Topic: "topic", Types: []string{"ideas"}})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}
