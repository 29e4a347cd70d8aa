// ABOUTME: Driver boundary types for the chat-account automation layer
// ABOUTME: Defines the Driver interface and the typed events it emits

package session

import (
	"context"
	"time"
)

// Driver is the automation layer that actually talks to the chat network.
// Its wire mechanics are out of scope here; the machine only consumes its
// observable contract. Implementations deliver lifecycle and message events
// through Machine.HandleEvent.
type Driver interface {
	// Initiate starts (or restarts) the pairing flow. The driver is expected
	// to follow up with a pairing-payload event.
	Initiate(ctx context.Context) error

	// SendMessage delivers one message to a chat. Returns once the driver
	// acknowledges the send, or with the driver's error.
	SendMessage(ctx context.Context, chatID, body string) error
}

// EventKind discriminates driver events.
type EventKind string

const (
	EventPairingPayloadIssued EventKind = "pairing_payload_issued"
	EventAuthenticated        EventKind = "authenticated"
	EventReady                EventKind = "ready"
	EventDriverError          EventKind = "driver_error"
	EventDisconnected         EventKind = "disconnected"
	EventMessageReceived      EventKind = "message_received"
)

// DriverErrorKind classifies driver errors. Transient errors degrade the
// session; fatal ones end it.
type DriverErrorKind string

const (
	DriverErrorTransient DriverErrorKind = "transient"
	DriverErrorFatal     DriverErrorKind = "fatal"
)

// Event is one occurrence reported by the driver. Which fields are meaningful
// depends on Kind.
type Event struct {
	Kind EventKind

	// PairingPayload for EventPairingPayloadIssued.
	PairingPayload string

	// PhoneIdentifier for EventReady.
	PhoneIdentifier string

	// ErrorKind for EventDriverError.
	ErrorKind DriverErrorKind

	// Reason for EventDisconnected and EventDriverError.
	Reason string

	// ChatID, Body, Timestamp for EventMessageReceived.
	ChatID    string
	Body      string
	Timestamp time.Time
}
