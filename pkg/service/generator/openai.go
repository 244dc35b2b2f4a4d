package generator

import (
	"context"
	"errors"

	"github.com/sashabaranov/go-openai"
)

const systemPrompt = "You are an expert social media content creator specializing in TikTok trends. " +
	"Generate engaging, authentic, and trend-aware content that resonates with Gen Z and millennial audiences. " +
	"Always respond with valid JSON format."

// OpenAIBackend generates content through the OpenAI chat completions API.
type OpenAIBackend struct {
	client *openai.Client
	model  string
}

func NewOpenAIBackend(apiKey, model string) *OpenAIBackend {
	return &OpenAIBackend{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

func (b *OpenAIBackend) Name() string { return "openai" }

func (b *OpenAIBackend) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: b.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0.8,
		MaxTokens:   2000,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errors.New("no content generated")
	}
	return resp.Choices[0].Message.Content, nil
}
