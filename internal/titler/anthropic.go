package titler

import (
	"context"
	"fmt"

	anthropic "github.com/liushuangls/go-anthropic/v2"
)

// AnthropicTitler generates titles through the Anthropic API.
type AnthropicTitler struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicTitler creates an Anthropic-backed titler.
func NewAnthropicTitler(apiKey, model string) *AnthropicTitler {
	return &AnthropicTitler{
		client: anthropic.NewClient(apiKey),
		model:  model,
	}
}

// Title generates a short title for the given opening prompt.
func (t *AnthropicTitler) Title(ctx context.Context, prompt string) (string, error) {
	resp, err := t.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model: anthropic.Model(t.model),
		MultiSystem: []anthropic.MessageSystemPart{
			{Type: "text", Text: titlePrompt},
		},
		Messages: []anthropic.Message{
			{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(prompt)},
			},
		},
		MaxTokens: 32,
	})
	if err != nil {
		return "", fmt.Errorf("anthropic title request: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("anthropic title request: empty response")
	}
	return sanitize(resp.Content[0].GetText()), nil
}
