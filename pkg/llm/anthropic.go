package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultAnthropicMaxTokens = 4096

type AnthropicProvider struct {
	client    *http.Client
	apiKey    string
	apiURL    string
	model     string
	maxTokens int
}

func NewAnthropicProvider(cfg Config) *AnthropicProvider {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.anthropic.com"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicProvider{
		client:    &http.Client{Timeout: 60 * time.Second},
		apiKey:    cfg.APIKey,
		apiURL:    apiURL,
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

func (p *AnthropicProvider) Complete(ctx context.Context, messages []Message) (Stream, error) {
	if p.model == "" {
		return nil, errors.New("anthropic model is required")
	}

	// Anthropic takes the system prompt as a top-level field, not a message.
	var system []string
	turns := make([]anthropicTurn, 0, len(messages))
	for _, message := range messages {
		if message.Role == "system" {
			system = append(system, message.Content)
			continue
		}
		turns = append(turns, anthropicTurn{
			Role:    message.Role,
			Content: []anthropicBlock{{Type: "text", Text: message.Content}},
		})
	}

	payload, err := json.Marshal(anthropicPayload{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		System:    strings.Join(system, "\n"),
		Messages:  turns,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	resp, err := doWithRetry(ctx, p.client, func() (*http.Request, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/v1/messages", bytes.NewReader(payload))
		if reqErr != nil {
			return nil, fmt.Errorf("anthropic: create request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			req.Header.Set("X-API-Key", p.apiKey)
		}
		req.Header.Set("Anthropic-Version", "2023-06-01")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anthropic: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	stream := &sseStream{resp: resp, reader: bufio.NewReader(resp.Body)}
	stream.decode = anthropicDecoder(stream)
	return stream, nil
}

type anthropicPayload struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []anthropicTurn `json:"messages"`
	Stream    bool            `json:"stream"`
}

type anthropicTurn struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicEvent struct {
	Type         string           `json:"type"`
	ContentBlock *anthropicBlock  `json:"content_block,omitempty"`
	Delta        *anthropicBlock  `json:"delta,omitempty"`
	Message      *anthropicCounts `json:"message,omitempty"`
	Usage        *anthropicUsage  `json:"usage,omitempty"`
}

type anthropicCounts struct {
	Usage *anthropicUsage `json:"usage,omitempty"`
}

type anthropicUsage struct {
	InputTokens  *int64 `json:"input_tokens,omitempty"`
	OutputTokens *int64 `json:"output_tokens,omitempty"`
}

// anthropicDecoder extracts text deltas and records token counts on the
// stream. message_start carries input tokens; output_tokens is cumulative,
// so the last message_delta wins.
func anthropicDecoder(stream *sseStream) func([]byte) (string, error) {
	return func(data []byte) (string, error) {
		var event anthropicEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return "", fmt.Errorf("anthropic: decode event: %w", err)
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil && event.Message.Usage != nil {
				recordAnthropicUsage(&stream.usage, event.Message.Usage)
			}
		case "message_delta":
			if event.Usage != nil {
				recordAnthropicUsage(&stream.usage, event.Usage)
			}
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "text" {
				return event.ContentBlock.Text, nil
			}
		case "content_block_delta":
			if event.Delta != nil {
				return event.Delta.Text, nil
			}
		}
		return "", nil
	}
}

func recordAnthropicUsage(usage *Usage, counts *anthropicUsage) {
	if counts.InputTokens != nil {
		usage.InputTokens = *counts.InputTokens
	}
	if counts.OutputTokens != nil {
		usage.OutputTokens = *counts.OutputTokens
	}
}
