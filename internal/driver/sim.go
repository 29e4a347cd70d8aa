// ABOUTME: Simulated chat-network driver for local runs and end-to-end testing
// ABOUTME: Emits a scripted pairing flow and echoes inbound traffic for sent messages

package driver

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pairlink/pairlink/internal/session"
)

// SimOptions configures the simulated driver.
type SimOptions struct {
	// PhoneIdentifier reported once the fake account connects.
	PhoneIdentifier string

	// AuthDelay is how long after Initiate the fake user "scans" the code.
	AuthDelay time.Duration

	// RotateInterval is how often an unscanned pairing payload rotates.
	RotateInterval time.Duration

	// Echo makes every sent message produce a simulated inbound reply.
	Echo bool

	// SendLatency delays each SendMessage acknowledgment.
	SendLatency time.Duration
}

func (o *SimOptions) setDefaults() {
	if o.PhoneIdentifier == "" {
		o.PhoneIdentifier = "+15550000000"
	}
	if o.AuthDelay <= 0 {
		o.AuthDelay = 3 * time.Second
	}
	if o.RotateInterval <= 0 {
		o.RotateInterval = 20 * time.Second
	}
}

// Sim is a driver that fakes the chat network: pairing succeeds after a short
// delay and, with Echo on, peers reply to everything. Useful for running the
// bridge without a real account.
type Sim struct {
	opts   SimOptions
	logger *slog.Logger

	mu   sync.Mutex
	emit func(session.Event)
	stop context.CancelFunc
}

// NewSim creates a simulated driver.
func NewSim(opts SimOptions, logger *slog.Logger) *Sim {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Sim{opts: opts, logger: logger.With("component", "sim-driver")}
}

// Bind connects the driver to the event sink. Must be called before Initiate;
// session wiring creates the machine after the driver, so binding is a
// separate step.
func (s *Sim) Bind(emit func(session.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit = emit
}

func (s *Sim) send(ev session.Event) {
	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	if emit != nil {
		emit(ev)
	}
}

// Initiate implements session.Driver. It starts the scripted pairing flow:
// payload issued now, rotated until AuthDelay elapses, then authenticated
// and ready.
func (s *Sim) Initiate(ctx context.Context) error {
	s.mu.Lock()
	if s.emit == nil {
		s.mu.Unlock()
		return fmt.Errorf("sim driver not bound to an event sink")
	}
	if s.stop != nil {
		s.stop()
	}
	flowCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.mu.Unlock()

	go s.pairingFlow(flowCtx)
	return nil
}

func (s *Sim) pairingFlow(ctx context.Context) {
	issue := func() {
		payload := fmt.Sprintf("sim-pair-%s", uuid.New().String()[:8])
		s.logger.Debug("issuing pairing payload", "payload", payload)
		s.send(session.Event{Kind: session.EventPairingPayloadIssued, PairingPayload: payload})
	}
	issue()

	rotate := time.NewTicker(s.opts.RotateInterval)
	defer rotate.Stop()
	scanned := time.After(s.opts.AuthDelay)

	for {
		select {
		case <-ctx.Done():
			return
		case <-rotate.C:
			issue()
		case <-scanned:
			s.send(session.Event{Kind: session.EventAuthenticated})
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			s.send(session.Event{Kind: session.EventReady, PhoneIdentifier: s.opts.PhoneIdentifier})
			return
		}
	}
}

// SendMessage implements session.Driver.
func (s *Sim) SendMessage(ctx context.Context, chatID, body string) error {
	if s.opts.SendLatency > 0 {
		select {
		case <-time.After(s.opts.SendLatency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.logger.Debug("delivered message", "chat_id", chatID, "bytes", len(body))

	if s.opts.Echo {
		go func() {
			delay := time.Duration(500+rand.Intn(1500)) * time.Millisecond
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			s.send(session.Event{
				Kind:      session.EventMessageReceived,
				ChatID:    chatID,
				Body:      fmt.Sprintf("echo: %s", body),
				Timestamp: time.Now(),
			})
		}()
	}
	return nil
}

// Close stops any in-flight pairing flow.
func (s *Sim) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}
