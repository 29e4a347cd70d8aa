// Package session owns the connection lifecycle of the bridged chat account.
//
// All lifecycle inputs (driver events, control calls, timeouts) are funneled
// through a single queue and applied by one goroutine, so state transitions
// are totally ordered and never race. Each transition publishes exactly one
// status event to the hub. The pairing payload is additionally rendered as a
// scannable QR data URL for the UI.
package session
