// ABOUTME: OpenAI chat-completions client over plain net/http
// ABOUTME: Supports one-shot completion and SSE streaming with [DONE] sentinel

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const openAIDefaultBaseURL = "https://api.openai.com"

// OpenAI talks to the OpenAI chat completions API (or any compatible
// endpoint) without an SDK.
type OpenAI struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAI creates a client. An empty baseURL targets the public API.
func NewOpenAI(baseURL, apiKey, model string, timeout time.Duration) *OpenAI {
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	return &OpenAI{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIChoice struct {
	Index        int            `json:"index"`
	Message      *openAIMessage `json:"message,omitempty"`
	Delta        *openAIMessage `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (c *OpenAI) buildRequest(req Request, stream bool) *openAIRequest {
	msgs := make([]openAIMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, turn := range req.History {
		msgs = append(msgs, openAIMessage{Role: string(turn.Role), Content: turn.Content})
	}
	msgs = append(msgs, openAIMessage{Role: "user", Content: req.UserMessage})

	// Zero is a legitimate temperature; always send it so the backend
	// never substitutes its own default.
	out := &openAIRequest{Model: c.model, Messages: msgs, Stream: stream, Temperature: &req.Temperature}
	if req.MaxTokens > 0 {
		out.MaxTokens = &req.MaxTokens
	}
	return out
}

func (c *OpenAI) post(ctx context.Context, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

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
func (c *OpenAI) Complete(ctx context.Context, req Request) (*Result, error) {
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(err)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Kind: KindMalformed, Message: fmt.Sprintf("undecodable response: %v", err)}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message == nil {
		return nil, &Error{Kind: KindMalformed, Message: "response has no choices"}
	}

	result := &Result{Text: parsed.Choices[0].Message.Content}
	if parsed.Usage != nil {
		result.Usage = &Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		}
	}
	return result, nil
}

// Stream implements Provider.
func (c *OpenAI) Stream(ctx context.Context, req Request) (*FragmentStream, error) {
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

func (c *OpenAI) readStream(ctx context.Context, body io.Reader, stream *FragmentStream) error {
	reader := bufio.NewReader(body)
	sawDone := false
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
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			break
		}

		var chunk openAIResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			if err := stream.emit(ctx, text); err != nil {
				return err
			}
		}
	}
	if !sawDone {
		return &Error{Kind: KindMalformed, Message: "stream ended without [DONE]"}
	}
	return nil
}

func readErrorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 4096))
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

func classifyStatus(status int, message string) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Status: status, Message: message}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &Error{Kind: KindTimeout, Status: status, Message: message}
	default:
		return &Error{Kind: KindUpstream, Status: status, Message: message}
	}
}

func classifyTransport(err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Message: err.Error()}
	}
	return &Error{Kind: KindUpstream, Message: err.Error()}
}
