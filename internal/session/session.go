// ABOUTME: Session state machine owning the connection lifecycle and pairing flow
// ABOUTME: Single-writer event loop; every transition emits exactly one status event

package session

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/pairlink/pairlink/internal/hub"
)

// ErrSessionAlreadyActive is returned by StartPairing while a session is in a
// non-terminal state.
var ErrSessionAlreadyActive = errors.New("session already active")

// ErrNotReady is returned by Send when the session cannot deliver messages.
var ErrNotReady = errors.New("session not ready")

// Disconnect reasons carried on the terminal status event.
const (
	ReasonPairingTimeout  = "pairing_timeout"
	ReasonDegradedTimeout = "degraded_timeout"
	ReasonExplicit        = "explicit_disconnect"
)

// Status enumerates the connection lifecycle states.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusAwaitingPairing Status = "awaiting_pairing"
	StatusAuthenticating  Status = "authenticating"
	StatusReady           Status = "ready"
	StatusDegraded        Status = "degraded"
	StatusDisconnected    Status = "disconnected"
)

// Session is the process-wide singleton for the bridged account. The machine
// is its only writer; Snapshot returns copies.
type Session struct {
	ID              string
	Status          Status
	PairingPayload  string
	PhoneIdentifier string
	ConnectedAt     time.Time
	LastActiveAt    time.Time
}

// MessageSink receives inbound chat messages once the machine has accepted
// them. The gateway wires this to the conversation store and auto-reply path.
type MessageSink func(chatID, body string, sentAt time.Time)

// Options tunes machine timeouts. Zero values fall back to defaults.
type Options struct {
	PairingTimeout  time.Duration
	DegradedTimeout time.Duration
}

const (
	defaultPairingTimeout  = 60 * time.Second
	defaultDegradedTimeout = 30 * time.Second
)

// input is one unit of work for the machine loop. Driver events and control
// calls share the queue, which is what makes transitions totally ordered.
type input struct {
	event *Event

	startPairing chan error // non-nil for a startPairing request
	disconnect   bool
	timeout      timeoutKind
	timeoutGen   uint64
}

type timeoutKind int

const (
	timeoutNone timeoutKind = iota
	timeoutPairing
	timeoutDegraded
)

// Machine owns the Session and processes all lifecycle inputs one at a time.
type Machine struct {
	driver Driver
	events *hub.Hub
	sink   MessageSink
	opts   Options
	logger *slog.Logger

	inputs chan input
	done   chan struct{}

	// timerGen invalidates timers armed for an earlier lifecycle phase.
	timerGen uint64
	timer    *time.Timer

	mu      sync.RWMutex
	current *Session
}

// SetSink replaces the inbound message sink. Must be called before Run;
// wiring sometimes has to construct the sink's owner after the machine.
func (m *Machine) SetSink(sink MessageSink) {
	m.sink = sink
}

// New creates a machine. Call Run to start processing inputs.
func New(driver Driver, events *hub.Hub, sink MessageSink, opts Options, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PairingTimeout <= 0 {
		opts.PairingTimeout = defaultPairingTimeout
	}
	if opts.DegradedTimeout <= 0 {
		opts.DegradedTimeout = defaultDegradedTimeout
	}
	return &Machine{
		driver: driver,
		events: events,
		sink:   sink,
		opts:   opts,
		logger: logger.With("component", "session"),
		inputs: make(chan input, 64),
		done:   make(chan struct{}),
	}
}

// Run processes inputs until ctx is cancelled. It must be called exactly once.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)
	defer m.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case in := <-m.inputs:
			m.process(ctx, in)
		}
	}
}

// StartPairing allocates a new session, asks the driver to initiate pairing,
// and arms the pairing timeout. Fails with ErrSessionAlreadyActive while a
// session is in a non-terminal state.
func (m *Machine) StartPairing(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case m.inputs <- input{startPairing: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return errors.New("session machine stopped")
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect tears the session down from any state. Always succeeds.
func (m *Machine) Disconnect(ctx context.Context) error {
	select {
	case m.inputs <- input{disconnect: true}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return nil
	}
}

// HandleEvent enqueues a driver event for processing. Events are applied in
// arrival order, one at a time.
func (m *Machine) HandleEvent(event Event) {
	select {
	case m.inputs <- input{event: &event}:
	case <-m.done:
	}
}

// Send delivers a message through the driver. Only a READY session can send.
func (m *Machine) Send(ctx context.Context, chatID, body string) error {
	snap := m.Snapshot()
	if snap == nil || snap.Status != StatusReady {
		return ErrNotReady
	}
	return m.driver.SendMessage(ctx, chatID, body)
}

// Snapshot returns a copy of the current session, or nil when idle.
func (m *Machine) Snapshot() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	cp := *m.current
	return &cp
}

// process applies one input under the single-writer discipline.
func (m *Machine) process(ctx context.Context, in input) {
	switch {
	case in.startPairing != nil:
		in.startPairing <- m.applyStartPairing(ctx)
	case in.disconnect:
		m.applyDisconnect(ReasonExplicit)
	case in.timeout != timeoutNone:
		m.applyTimeout(in.timeout, in.timeoutGen)
	case in.event != nil:
		m.applyEvent(in.event)
	}
}

func (m *Machine) applyStartPairing(ctx context.Context) error {
	if cur := m.Snapshot(); cur != nil && cur.Status != StatusDisconnected {
		return ErrSessionAlreadyActive
	}

	sess := &Session{
		ID:           uuid.New().String(),
		Status:       StatusAwaitingPairing,
		LastActiveAt: time.Now().UTC(),
	}
	m.setSession(sess)

	if err := m.driver.Initiate(ctx); err != nil {
		m.setSession(nil)
		return err
	}

	m.armTimer(timeoutPairing, m.opts.PairingTimeout)
	m.logger.Info("pairing started", "session_id", sess.ID)
	m.broadcast("")
	return nil
}

func (m *Machine) applyDisconnect(reason string) {
	m.stopTimer()
	m.setSession(nil)
	m.logger.Info("session disconnected", "reason", reason)
	m.events.PublishStatus(hub.StatusPayload{State: string(StatusDisconnected), Reason: reason})
}

func (m *Machine) applyTimeout(kind timeoutKind, gen uint64) {
	// A timer armed for an earlier phase may still fire; ignore it.
	if gen != m.timerGen {
		return
	}

	cur := m.Snapshot()
	switch {
	case kind == timeoutPairing && cur != nil && cur.Status == StatusAwaitingPairing:
		m.applyDisconnect(ReasonPairingTimeout)
	case kind == timeoutDegraded && cur != nil && cur.Status == StatusDegraded:
		m.applyDisconnect(ReasonDegradedTimeout)
	}
}

func (m *Machine) applyEvent(event *Event) {
	cur := m.Snapshot()

	switch event.Kind {
	case EventPairingPayloadIssued:
		// Rotation replaces the payload and restarts the clock.
		if cur == nil || cur.Status != StatusAwaitingPairing {
			m.ignore(event, cur)
			return
		}
		m.update(func(s *Session) { s.PairingPayload = event.PairingPayload })
		m.armTimer(timeoutPairing, m.opts.PairingTimeout)
		m.broadcast("")

	case EventAuthenticated:
		if cur == nil || cur.Status != StatusAwaitingPairing {
			m.ignore(event, cur)
			return
		}
		m.stopTimer()
		m.update(func(s *Session) {
			s.Status = StatusAuthenticating
			s.PairingPayload = ""
		})
		m.broadcast("")

	case EventReady:
		switch {
		case cur != nil && cur.Status == StatusAuthenticating:
			m.update(func(s *Session) {
				s.Status = StatusReady
				s.PhoneIdentifier = event.PhoneIdentifier
				s.ConnectedAt = time.Now().UTC()
			})
			m.logger.Info("session ready", "phone", event.PhoneIdentifier)
			m.broadcast("")
		case cur != nil && cur.Status == StatusDegraded:
			// Driver recovered from a transient error.
			m.stopTimer()
			m.update(func(s *Session) { s.Status = StatusReady })
			m.logger.Info("session recovered")
			m.broadcast("")
		default:
			m.ignore(event, cur)
		}

	case EventDriverError:
		switch {
		case event.ErrorKind == DriverErrorTransient && cur != nil && cur.Status == StatusReady:
			// Absorbed into DEGRADED; surfaced only as a status event.
			m.update(func(s *Session) { s.Status = StatusDegraded })
			m.armTimer(timeoutDegraded, m.opts.DegradedTimeout)
			m.logger.Warn("driver error, session degraded", "reason", event.Reason)
			m.broadcast(event.Reason)
		case event.ErrorKind == DriverErrorFatal && cur != nil:
			m.applyDisconnect(event.Reason)
		default:
			m.ignore(event, cur)
		}

	case EventDisconnected:
		if cur == nil {
			m.ignore(event, cur)
			return
		}
		m.applyDisconnect(event.Reason)

	case EventMessageReceived:
		if cur == nil || (cur.Status != StatusReady && cur.Status != StatusDegraded) {
			m.ignore(event, cur)
			return
		}
		m.update(func(s *Session) { s.LastActiveAt = time.Now().UTC() })
		if m.sink != nil {
			m.sink(event.ChatID, event.Body, event.Timestamp)
		}

	default:
		m.logger.Warn("unknown driver event", "kind", event.Kind)
	}
}

// ignore logs an invalid trigger. Undefined transitions are no-ops, never
// silent corruption.
func (m *Machine) ignore(event *Event, cur *Session) {
	state := StatusIdle
	if cur != nil {
		state = cur.Status
	}
	m.logger.Debug("ignoring driver event in current state", "kind", event.Kind, "state", state)
}

func (m *Machine) setSession(s *Session) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}

func (m *Machine) update(fn func(*Session)) {
	m.mu.Lock()
	if m.current != nil {
		fn(m.current)
	}
	m.mu.Unlock()
}

// broadcast emits the status event for the transition just applied.
func (m *Machine) broadcast(reason string) {
	snap := m.Snapshot()
	if snap == nil {
		m.events.PublishStatus(hub.StatusPayload{State: string(StatusIdle)})
		return
	}
	payload := hub.StatusPayload{
		State:           string(snap.Status),
		PhoneIdentifier: snap.PhoneIdentifier,
		Reason:          reason,
	}
	if snap.Status == StatusAwaitingPairing && snap.PairingPayload != "" {
		payload.PairingPayload = snap.PairingPayload
		payload.PairingQR = renderQR(snap.PairingPayload, m.logger)
	}
	m.events.PublishStatus(payload)
}

// armTimer schedules a lifecycle timeout, replacing any earlier one.
func (m *Machine) armTimer(kind timeoutKind, d time.Duration) {
	m.stopTimer()
	m.timerGen++
	gen := m.timerGen
	m.timer = time.AfterFunc(d, func() {
		select {
		case m.inputs <- input{timeout: kind, timeoutGen: gen}:
		case <-m.done:
		}
	})
}

func (m *Machine) stopTimer() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// renderQR encodes the pairing payload as a scannable PNG data URL, the form
// the UI displays directly.
func renderQR(payload string, logger *slog.Logger) string {
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		logger.Error("failed to render pairing QR", "error", err)
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
