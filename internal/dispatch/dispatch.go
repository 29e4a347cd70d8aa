// ABOUTME: Outbound message dispatcher with retry and global send serialization
// ABOUTME: Records every terminal outcome in the conversation store exactly once

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pairlink/pairlink/internal/store"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultFactor      = 2
)

// Sender delivers one message to the chat network. session.Machine satisfies
// this.
type Sender interface {
	Send(ctx context.Context, chatID, body string) error
}

// Recorder is the slice of the conversation store the dispatcher writes to.
type Recorder interface {
	Append(msg *store.Message) (*store.Message, error)
}

// SendError is a terminal send failure after all retries were exhausted.
type SendError struct {
	ChatID   string
	Attempts int
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to chat %s failed after %d attempts: %v", e.ChatID, e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Options configures retry behavior.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.Factor <= 0 {
		o.Factor = defaultFactor
	}
}

// Result is the terminal outcome of one dispatch.
type Result struct {
	Message  *store.Message
	Attempts int
}

// Dispatcher serializes outbound sends for the whole account. The automation
// layer tolerates only one in-flight send at a time, so the critical section
// is global, not per chat.
type Dispatcher struct {
	sender   Sender
	recorder Recorder
	opts     Options
	logger   *slog.Logger

	mu sync.Mutex
}

// New creates a dispatcher.
func New(sender Sender, recorder Recorder, opts Options, logger *slog.Logger) *Dispatcher {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:   sender,
		recorder: recorder,
		opts:     opts,
		logger:   logger.With("component", "dispatch"),
	}
}

// Send delivers body to chatID, retrying transient failures with exponential
// backoff. Exactly one outbound Message is recorded per call, on success or
// on terminal failure alike; a context cancellation records nothing.
func (d *Dispatcher) Send(ctx context.Context, chatID, body string, origin store.Origin) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var lastErr error
	attempts := 0
	delay := d.opts.BaseDelay

	for attempts < d.opts.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attempts++
		lastErr = d.sender.Send(ctx, chatID, body)
		if lastErr == nil {
			msg, err := d.record(chatID, body, origin)
			if err != nil {
				return nil, err
			}
			return &Result{Message: msg, Attempts: attempts}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		d.logger.Warn("send attempt failed",
			"chat_id", chatID,
			"attempt", attempts,
			"max_attempts", d.opts.MaxAttempts,
			"error", lastErr)

		if attempts < d.opts.MaxAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay = time.Duration(float64(delay) * d.opts.Factor)
		}
	}

	d.logger.Error("send failed terminally", "chat_id", chatID, "attempts", attempts, "error", lastErr)

	// The terminal failure is still part of the conversation record.
	if _, err := d.record(chatID, body, origin); err != nil {
		return nil, err
	}
	return nil, &SendError{ChatID: chatID, Attempts: attempts, Err: lastErr}
}

func (d *Dispatcher) record(chatID, body string, origin store.Origin) (*store.Message, error) {
	msg, err := d.recorder.Append(&store.Message{
		ChatID:    chatID,
		Direction: store.DirectionOutbound,
		Body:      body,
		SentAt:    time.Now(),
		Origin:    origin,
	})
	if err != nil {
		return nil, fmt.Errorf("record outbound message: %w", err)
	}
	return msg, nil
}
