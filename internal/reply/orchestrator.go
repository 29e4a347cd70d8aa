// ABOUTME: Reply orchestrator building prompts and invoking the configured provider
// ABOUTME: Enforces the auto-reply gate, per-chat serialization, and a global concurrency cap

package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pairlink/pairlink/internal/provider"
	"github.com/pairlink/pairlink/internal/store"
)

// ErrSuppressed is returned when autoReply is off; no provider call was made.
var ErrSuppressed = errors.New("auto-reply is disabled")

const (
	defaultHistoryBudget = 8000
	defaultHistoryTurns  = 40
	defaultConcurrency   = 4
)

// History is the slice of the conversation store the orchestrator reads.
type History interface {
	HistoryFor(chatID string, limit int) []*store.Message
}

// Reply is a completed synchronous reply.
type Reply struct {
	ChatID   string
	Text     string
	Provider string
	Usage    *provider.Usage
}

// Stream is an in-progress streamed reply. Fragments closes when the reply
// completes or fails; check Err afterwards. Close abandons the stream and
// releases the provider connection.
type Stream struct {
	ChatID   string
	Provider string

	inner  *provider.FragmentStream
	cancel context.CancelFunc
}

// Fragments yields reply fragments in order.
func (s *Stream) Fragments() <-chan string { return s.inner.Fragments() }

// Err reports why the stream ended. Only meaningful after Fragments closes.
func (s *Stream) Err() error { return s.inner.Err() }

// Close cancels the underlying provider call. Safe to call at any time.
func (s *Stream) Close() { s.cancel() }

// Options configures an Orchestrator.
type Options struct {
	// Concurrency caps simultaneous provider calls across all chats.
	Concurrency int
}

// Orchestrator turns inbound messages into LLM replies. Generation for one
// chat never overlaps; different chats run in parallel up to the
// concurrency cap.
type Orchestrator struct {
	providers map[string]provider.Provider
	settings  *SettingsStore
	history   History
	sem       chan struct{}
	logger    *slog.Logger

	mu        sync.Mutex
	chatLocks map[string]chan struct{}
}

// New creates an orchestrator over the given named providers.
func New(providers map[string]provider.Provider, settings *SettingsStore, history History, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		providers: providers,
		settings:  settings,
		history:   history,
		sem:       make(chan struct{}, opts.Concurrency),
		logger:    logger.With("component", "reply"),
		chatLocks: make(map[string]chan struct{}),
	}
}

func (o *Orchestrator) chatLock(chatID string) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.chatLocks[chatID]
	if !ok {
		lock = make(chan struct{}, 1)
		o.chatLocks[chatID] = lock
	}
	return lock
}

// acquireChat takes the chat's serialization slot, honoring cancellation while
// a prior generation for the same chat is still in flight.
func (o *Orchestrator) acquireChat(ctx context.Context, chatID string) (chan struct{}, error) {
	lock := o.chatLock(chatID)
	select {
	case lock <- struct{}{}:
		return lock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// prepare applies the policy gate and resolves the provider and request.
func (o *Orchestrator) prepare(chatID, inboundBody string) (provider.Provider, Settings, provider.Request, error) {
	settings := o.settings.Current()
	if !settings.AutoReply {
		return nil, settings, provider.Request{}, ErrSuppressed
	}

	backend, ok := o.providers[settings.Provider]
	if !ok {
		return nil, settings, provider.Request{}, fmt.Errorf("provider %q is not configured", settings.Provider)
	}

	req := provider.Request{
		SystemPrompt: settings.SystemPrompt,
		History:      o.buildHistory(chatID, settings.HistoryBudget),
		UserMessage:  inboundBody,
		Temperature:  settings.Temperature,
		MaxTokens:    settings.MaxTokens,
	}
	return backend, settings, req, nil
}

// buildHistory converts stored messages into role-tagged turns, dropping the
// oldest turns once the character budget is exceeded.
func (o *Orchestrator) buildHistory(chatID string, budget int) []provider.Turn {
	if budget <= 0 {
		budget = defaultHistoryBudget
	}

	msgs := o.history.HistoryFor(chatID, defaultHistoryTurns)
	turns := make([]provider.Turn, 0, len(msgs))
	for _, msg := range msgs {
		role := provider.RoleUser
		if msg.Direction == store.DirectionOutbound {
			role = provider.RoleAssistant
		}
		turns = append(turns, provider.Turn{Role: role, Content: msg.Body})
	}

	// Walk backwards so the newest turns survive truncation.
	total := 0
	cut := 0
	for i := len(turns) - 1; i >= 0; i-- {
		total += len(turns[i].Content)
		if total > budget {
			cut = i + 1
			break
		}
	}
	return turns[cut:]
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	select {
	case o.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Generate produces one complete reply for the chat. Blocks until any prior
// generation for the same chat has finished or ctx is cancelled.
func (o *Orchestrator) Generate(ctx context.Context, chatID, inboundBody string) (*Reply, error) {
	lock, err := o.acquireChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { <-lock }()

	backend, settings, req, err := o.prepare(chatID, inboundBody)
	if err != nil {
		return nil, err
	}

	if err := o.acquire(ctx); err != nil {
		return nil, err
	}
	defer func() { <-o.sem }()

	result, err := backend.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generate reply for chat %s: %w", chatID, err)
	}

	if result.Usage != nil {
		o.logger.Debug("reply generated",
			"chat_id", chatID,
			"provider", settings.Provider,
			"input_tokens", result.Usage.InputTokens,
			"output_tokens", result.Usage.OutputTokens)
	}
	return &Reply{ChatID: chatID, Text: result.Text, Provider: settings.Provider, Usage: result.Usage}, nil
}

// GenerateStream produces a streamed reply. The per-chat lock is held until
// the stream finishes or is closed, so a chat's streams never interleave.
func (o *Orchestrator) GenerateStream(ctx context.Context, chatID, inboundBody string) (*Stream, error) {
	lock, err := o.acquireChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	backend, settings, req, err := o.prepare(chatID, inboundBody)
	if err != nil {
		<-lock
		return nil, err
	}

	if err := o.acquire(ctx); err != nil {
		<-lock
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	inner, err := backend.Stream(streamCtx, req)
	if err != nil {
		cancel()
		<-o.sem
		<-lock
		return nil, fmt.Errorf("generate reply for chat %s: %w", chatID, err)
	}

	out := provider.NewRelayStream()
	go func() {
		defer func() {
			cancel()
			<-o.sem
			<-lock
		}()
		for frag := range inner.Fragments() {
			if err := out.Emit(streamCtx, frag); err != nil {
				out.Finish(err)
				// Drain so the provider goroutine can exit.
				for range inner.Fragments() {
				}
				return
			}
		}
		out.Finish(inner.Err())
	}()

	return &Stream{ChatID: chatID, Provider: settings.Provider, inner: out.FragmentStream, cancel: cancel}, nil
}
