// ABOUTME: Anthropic messages API client over plain net/http
// ABOUTME: Supports one-shot completion and SSE streaming via content_block_delta events

package provider

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

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"

	// The messages API requires max_tokens; used when the request leaves it unset.
	anthropicDefaultMaxTokens = 1024
)

// Anthropic talks to the Anthropic messages API without an SDK.
type Anthropic struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewAnthropic creates a client. An empty baseURL targets the public API.
func NewAnthropic(baseURL, apiKey, model string, timeout time.Duration) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &Anthropic{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID      string                  `json:"id"`
	Content []anthropicContentBlock `json:"content"`
	Usage   *anthropicUsage         `json:"usage,omitempty"`
}

// anthropicStreamEvent is the union of the SSE event payloads we care about.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Anthropic) buildRequest(req Request, stream bool) *anthropicRequest {
	msgs := make([]anthropicMessage, 0, len(req.History)+1)
	for _, turn := range req.History {
		msgs = append(msgs, anthropicMessage{Role: string(turn.Role), Content: turn.Content})
	}
	msgs = append(msgs, anthropicMessage{Role: "user", Content: req.UserMessage})

	// Zero is a legitimate temperature; always send it so the backend
	// never substitutes its own default.
	out := &anthropicRequest{
		Model:       c.model,
		System:      req.SystemPrompt,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: &req.Temperature,
		Stream:      stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = anthropicDefaultMaxTokens
	}
	return out
}

func (c *Anthropic) post(ctx context.Context, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, readErrorMessage(resp.Body))
	}
	return resp, nil
}

// Complete implements Provider.
func (c *Anthropic) Complete(ctx context.Context, req Request) (*Result, error) {
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Kind: KindMalformed, Message: fmt.Sprintf("undecodable response: %v", err)}
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &Error{Kind: KindMalformed, Message: "response has no text content"}
	}

	result := &Result{Text: text.String()}
	if parsed.Usage != nil {
		result.Usage = &Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		}
	}
	return result, nil
}

// Stream implements Provider.
func (c *Anthropic) Stream(ctx context.Context, req Request) (*FragmentStream, error) {
	resp, err := c.post(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	stream := newFragmentStream()
	go func() {
		defer resp.Body.Close()
		stream.finish(c.readStream(ctx, resp.Body, stream))
	}()
	return stream, nil
}

func (c *Anthropic) readStream(ctx context.Context, body io.Reader, stream *FragmentStream) error {
	reader := bufio.NewReader(body)
	sawStop := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return classifyTransport(err)
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				if err := stream.emit(ctx, event.Delta.Text); err != nil {
					return err
				}
			}
		case "message_stop":
			sawStop = true
		case "error":
			return &Error{Kind: KindUpstream, Message: event.Error.Message}
		}

		if sawStop {
			break
		}
	}
	if !sawStop {
		return &Error{Kind: KindMalformed, Message: "stream ended without message_stop"}
	}
	return nil
}
