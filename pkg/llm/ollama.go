package llm

import (
	"context"
	"strings"
)

// OllamaProvider targets a local Ollama daemon through its
// OpenAI-compatible endpoint, for development without upstream API keys.
type OllamaProvider struct {
	inner *OpenAIProvider
}

func NewOllamaProvider(cfg Config) *OllamaProvider {
	local := cfg
	if strings.TrimSpace(local.APIURL) == "" {
		local.APIURL = "http://localhost:11434/v1"
	}
	return &OllamaProvider{inner: NewOpenAIProvider(local)}
}

func (p *OllamaProvider) Complete(ctx context.Context, messages []Message) (Stream, error) {
	return p.inner.Complete(ctx, messages)
}
