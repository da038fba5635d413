// Package llm streams text completions from OpenAI-compatible and
// Anthropic endpoints and reports the provider's token accounting, which
// is what the billed completion path settles holds from.
package llm

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
)

type Provider interface {
	Complete(ctx context.Context, messages []Message) (Stream, error)
}

// Stream yields completion text incrementally. Providers deliver usage in
// the final stream events, so Usage is reliable only after Recv has
// returned io.EOF.
type Stream interface {
	Recv() (string, error)
	Usage() Usage
	Close() error
}

// Usage is the provider-reported token accounting for one completion.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Collect drains a stream into the full completion text plus its usage.
// The stream is closed before returning.
func Collect(stream Stream) (string, Usage, error) {
	defer stream.Close()

	var text strings.Builder
	for {
		piece, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return text.String(), stream.Usage(), nil
		}
		if err != nil {
			return "", Usage{}, err
		}
		text.WriteString(piece)
	}
}

// sseStream is the shared server-sent-events plumbing under both provider
// streams. decode turns one event payload into completion text; events
// that carry none (usage frames, block boundaries) decode to "".
type sseStream struct {
	resp   *http.Response
	reader *bufio.Reader
	decode func([]byte) (string, error)
	usage  Usage
}

func (s *sseStream) Usage() Usage {
	return s.usage
}

func (s *sseStream) Close() error {
	return s.resp.Body.Close()
}

func (s *sseStream) Recv() (string, error) {
	for {
		data, err := s.nextEvent()
		if err != nil {
			return "", err
		}
		payload := strings.TrimSpace(string(data))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return "", io.EOF
		}
		text, err := s.decode(data)
		if err != nil {
			return "", err
		}
		if text == "" {
			continue
		}
		return text, nil
	}
}

// nextEvent returns the joined data lines of the next SSE event. A blank
// line terminates an event; event/id/comment lines are ignored.
func (s *sseStream) nextEvent() ([]byte, error) {
	var data []string
	for {
		line, err := s.reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimSpace(after))
		} else if line == "" && len(data) > 0 {
			return []byte(strings.Join(data, "\n")), nil
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(data) > 0 {
					return []byte(strings.Join(data, "\n")), nil
				}
				return nil, io.EOF
			}
			return nil, err
		}
	}
}
