// Package gateway assembles the bridge and serves its control surface.
//
// The gateway wires the conversation store, event hub, session machine,
// reply orchestrator, and outbound dispatcher together, and exposes them
// over HTTP: pairing and session control, reply settings, manual sends,
// history, synchronous and streamed AI replies, a generic records API, and
// a WebSocket push channel mirroring the hub's ordered event stream.
//
// Inbound messages flow through the auto-reply pipeline: dedupe, record,
// generate (streamed, fragments published live), dispatch, record the
// outbound reply. Failures on that path are logged and suppressed so a
// flaky provider cannot take down the conversation.
package gateway
