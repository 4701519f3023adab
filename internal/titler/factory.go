package titler

import (
	"context"
	"fmt"
	"os"
)

// Titler generates a session title from the opening prompt.
type Titler interface {
	Title(ctx context.Context, prompt string) (string, error)
}

// NewFromEnv creates a titler based on environment variables. Returns
// (nil, nil) when no provider is configured; title generation is optional
// and the caller falls back to deriving titles from the prompt text.
func NewFromEnv() (Titler, error) {
	provider := os.Getenv("AGENTBRIDGE_TITLE_PROVIDER")
	if provider == "" {
		return nil, nil
	}

	switch provider {
	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		model := os.Getenv("AGENTBRIDGE_TITLE_MODEL")
		if model == "" {
			model = "claude-3-5-haiku-latest"
		}
		return NewAnthropicTitler(apiKey, model), nil

	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		model := os.Getenv("AGENTBRIDGE_TITLE_MODEL")
		if model == "" {
			model = "gpt-4o-mini"
		}
		return NewOpenAITitler(apiKey, model, os.Getenv("OPENAI_BASE_URL")), nil

	default:
		return nil, fmt.Errorf("unknown AGENTBRIDGE_TITLE_PROVIDER: %s (supported: anthropic, openai)", provider)
	}
}
