package titler

import (
	"context"
	"fmt"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// OpenAITitler generates titles through the OpenAI API or any
// OpenAI-compatible endpoint.
type OpenAITitler struct {
	client *openai.Client
	model  string
}

// NewOpenAITitler creates an OpenAI-backed titler. baseURL may be empty for
// the default endpoint.
func NewOpenAITitler(apiKey, model, baseURL string) *OpenAITitler {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAITitler{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// Title generates a short title for the given opening prompt.
func (t *OpenAITitler) Title(ctx context.Context, prompt string) (string, error) {
	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: titlePrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens: 32,
	})
	if err != nil {
		return "", fmt.Errorf("openai title request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai title request: empty response")
	}
	return sanitize(resp.Choices[0].Message.Content), nil
}
