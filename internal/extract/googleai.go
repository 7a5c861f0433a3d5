package extract

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

// DefaultModelName is the generative model used for extraction.
const DefaultModelName = "gemini-1.5-flash"

// NewGoogleAIModel creates the production extraction model.
func NewGoogleAIModel(ctx context.Context, apiKey, model string) (llms.Model, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("extraction API key is required")
	}
	if model == "" {
		model = DefaultModelName
	}
	llm, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google AI client: %w", err)
	}
	return llm, nil
}
