// ABOUTME: Provider boundary for LLM completion backends
// ABOUTME: Defines the request/response contract, streaming surface, and error taxonomy

package provider

import (
	"context"
	"fmt"
	"sync"
)

// Role tags a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior exchange in the conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request. History is ordered oldest first and never
// contains the new user message; implementations append it last.
type Request struct {
	SystemPrompt string
	History      []Turn
	UserMessage  string
	Temperature  float64
	MaxTokens    int
}

// Usage reports token accounting when the backend returns it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is a completed (non-streaming) reply.
type Result struct {
	Text  string
	Usage *Usage
}

// Provider generates replies. Implementations must be safe for concurrent use.
type Provider interface {
	// Complete returns the full reply in one shot.
	Complete(ctx context.Context, req Request) (*Result, error)

	// Stream returns a FragmentStream that yields reply fragments as the
	// backend produces them. The stream's channel closing is the terminal
	// signal; check Err afterwards.
	Stream(ctx context.Context, req Request) (*FragmentStream, error)
}

// ErrorKind classifies provider failures for callers that branch on them.
type ErrorKind string

const (
	// KindTimeout covers deadline and upstream-timeout failures.
	KindTimeout ErrorKind = "timeout"
	// KindRateLimited covers HTTP 429 and equivalent throttling.
	KindRateLimited ErrorKind = "rate_limited"
	// KindMalformed covers undecodable or empty backend responses.
	KindMalformed ErrorKind = "malformed"
	// KindUpstream covers all other backend rejections.
	KindUpstream ErrorKind = "upstream"
)

// Error is a classified provider failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s [%d]: %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Kind, e.Message)
}

// FragmentStream delivers an in-progress reply fragment by fragment. The
// producer closes Fragments when done; a nil Err afterwards means the reply
// completed, a non-nil one means it was cut short.
type FragmentStream struct {
	ch chan string

	mu  sync.Mutex
	err error
}

func newFragmentStream() *FragmentStream {
	return &FragmentStream{ch: make(chan string, 16)}
}

// Fragments is the fragment channel. Closed exactly once by the producer.
func (s *FragmentStream) Fragments() <-chan string {
	return s.ch
}

// Err reports why the stream ended. Only meaningful after Fragments closes.
func (s *FragmentStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// emit pushes one fragment, honoring ctx so an abandoned consumer cannot
// wedge the producer.
func (s *FragmentStream) emit(ctx context.Context, text string) error {
	select {
	case s.ch <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish records the terminal error (may be nil) and closes the channel.
func (s *FragmentStream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

// RelayStream is a FragmentStream driven by a producer outside this package,
// for callers that re-emit fragments (with bookkeeping) from another stream.
type RelayStream struct {
	*FragmentStream
}

// NewRelayStream creates an externally-driven stream.
func NewRelayStream() RelayStream {
	return RelayStream{newFragmentStream()}
}

// Emit pushes one fragment; see FragmentStream semantics.
func (s RelayStream) Emit(ctx context.Context, text string) error {
	return s.emit(ctx, text)
}

// Finish records the terminal error (may be nil) and closes the channel.
func (s RelayStream) Finish(err error) {
	s.finish(err)
}
