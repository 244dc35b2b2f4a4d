// Package generator builds the content-generation prompt, calls the
// configured AI backend and validates its output.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/trendlyhq/trendly-api/pkg/domain"
)

// ValidContentTypes is the fixed vocabulary of requestable content types.
var ValidContentTypes = []string{"ideas", "captions", "hashtags"}

// MaxTrendContext caps how many trend records are embedded into the prompt.
const MaxTrendContext = 10

// watermark is appended to free-tier ideas and captions. Hashtags are never
// watermarked.
const watermark = "\n\n✨ Generated with Trendly.ai - Upgrade for unlimited generations!"

var ErrInvalidResponse = errors.New("generation backend returned an invalid response")

// Backend is a single AI provider able to answer a prompt with raw text.
// Exactly one backend is selected at startup.
type Backend interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}

type Request struct {
	Topic         string
	Types         []string
	TrendsEnabled bool
	Trends        []domain.Trend
}

type Service interface {
	Generate(ctx context.Context, req Request) (*domain.GenerationResult, error)
}

type service struct {
	backend Backend
	log     *logrus.Logger
}

func New(backend Backend, log *logrus.Logger) Service {
	return &service{backend: backend, log: log}
}

func (s *service) Generate(ctx context.Context, req Request) (*domain.GenerationResult, error) {
	prompt := BuildPrompt(req.Topic, req.Types, trendContext(req))

	raw, err := s.backend.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%s backend: %w", s.backend.Name(), err)
	}

	result, err := ParseResult(raw, req.Types)
	if err != nil {
		s.log.WithField("backend", s.backend.Name()).WithError(err).Warn("rejected generation output")
		return nil, err
	}
	return result, nil
}

func trendContext(req Request) []domain.Trend {
	if !req.TrendsEnabled || len(req.Trends) == 0 {
		return nil
	}
	trends := req.Trends
	if len(trends) > MaxTrendContext {
		trends = trends[:MaxTrendContext]
	}
	return trends
}

// BuildPrompt assembles the single natural-language prompt sent to the
// backend. The JSON contract in the prompt is what ParseResult validates.
func BuildPrompt(topic string, types []string, trends []domain.Trend) string {
	var trendBlock strings.Builder
	if len(trends) > 0 {
		trendBlock.WriteString("\n\nCurrent trending content on TikTok:")
		for _, t := range trends {
			trendBlock.WriteString(fmt.Sprintf("\n- %s: %s", t.Title, t.Description))
		}
	}

	return fmt.Sprintf(`Generate social media content for the topic: %q%s

Please create the following types of content: %s

Requirements:
- Generate content that is engaging, authentic, and suitable for TikTok
- Use current trends and viral formats when appropriate
- Keep captions under 150 characters for optimal engagement
- Include relevant hashtags that mix trending and niche tags
- Make content ideas actionable and specific
- Ensure all content is appropriate and brand-safe

Return the response as a JSON object with this exact structure:
{
  "ideas": [
    // Array of 5 creative content ideas if requested
  ],
  "captions": [
    // Array of 5 engaging captions if requested
  ],
  "hashtags": [
    // Array of 20-30 relevant hashtags if requested (include # symbol)
  ]
}

Guidelines:
- Ideas: Be specific about the video concept, format, and hook
- Captions: Include calls-to-action and engagement drivers
- Hashtags: Mix of trending (#fyp, #viral), niche topic tags, and descriptive tags
- Make everything feel natural and not overly promotional

Only include arrays for the content types that were requested. If a type wasn't requested, include an empty array.`,
		topic, trendBlock.String(), strings.Join(types, ", "))
}

// ParseResult decodes the backend output and enforces the response contract:
// all three keys must be present as string arrays, and every requested type
// must be non-empty. Types that were not requested may arrive empty.
func ParseResult(raw string, requestedTypes []string) (*domain.GenerationResult, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	sequences := make(map[string][]string, len(ValidContentTypes))
	for _, key := range ValidContentTypes {
		rawSeq, ok := payload[key]
		if !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrInvalidResponse, key)
		}
		var seq []string
		if err := json.Unmarshal(rawSeq, &seq); err != nil {
			return nil, fmt.Errorf("%w: %q is not a string array", ErrInvalidResponse, key)
		}
		sequences[key] = seq
	}

	for _, requested := range requestedTypes {
		if len(sequences[requested]) == 0 {
			return nil, fmt.Errorf("%w: requested %q is empty", ErrInvalidResponse, requested)
		}
	}

	return &domain.GenerationResult{
		Ideas:    sequences["ideas"],
		Captions: sequences["captions"],
		Hashtags: sequences["hashtags"],
	}, nil
}

// Watermark appends the marketing suffix to every idea and caption. It is not
// idempotent; callers apply it once, and only for free-tier users.
func Watermark(content *domain.GenerationResult) *domain.GenerationResult {
	out := &domain.GenerationResult{
		Ideas:    make([]string, len(content.Ideas)),
		Captions: make([]string, len(content.Captions)),
		Hashtags: content.Hashtags,
	}
	for i, idea := range content.Ideas {
		out.Ideas[i] = idea + watermark
	}
	for i, caption := range content.Captions {
		out.Captions[i] = caption + watermark
	}
	return out
}

// stripCodeFences removes a surrounding markdown code block, which some
// models wrap around JSON output.
func stripCodeFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
