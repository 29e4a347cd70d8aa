// ABOUTME: End-to-end tests for the auto-reply pipeline
// ABOUTME: Inbound message through dedupe, store, streamed generation, and dispatch

package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairlink/pairlink/internal/hub"
	"github.com/pairlink/pairlink/internal/session"
	"github.com/pairlink/pairlink/internal/store"
)

func inbound(chatID, body string, ts time.Time) session.Event {
	return session.Event{
		Kind:      session.EventMessageReceived,
		ChatID:    chatID,
		Body:      body,
		Timestamp: ts,
	}
}

func waitForMessages(t *testing.T, f *fixture, chatID string, n int) []*store.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.gateway.msgs.HistoryFor(chatID, 10)) >= n
	}, 3*time.Second, 10*time.Millisecond)
	return f.gateway.msgs.HistoryFor(chatID, 10)
}

func TestAutoReply_InboundProducesDispatchedReply(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	f.gateway.HandleDriverEvent(inbound("chat-1", "hello there", time.Now()))

	msgs := waitForMessages(t, f, "chat-1", 2)
	assert.Equal(t, store.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, "hello there", msgs[0].Body)
	assert.Equal(t, store.DirectionOutbound, msgs[1].Direction)
	assert.Equal(t, store.OriginAI, msgs[1].Origin)
	assert.Equal(t, "mock reply", msgs[1].Body)

	assert.Equal(t, 1, f.driver.sentCount(), "reply was dispatched through the driver")
	assert.Equal(t, 1, f.mock.CallCount())
}

func TestAutoReply_PublishesFragmentsAndStreamEnd(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	sub, _ := f.gateway.events.Subscribe(testContext(t))

	f.gateway.HandleDriverEvent(inbound("chat-1", "hello", time.Now()))

	var sawFragment, sawEnd, sawOutbound bool
	deadline := time.After(3 * time.Second)
	for !(sawFragment && sawEnd && sawOutbound) {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscriber evicted: %v", sub.Err())
			switch ev.Type {
			case hub.EventStreamFragment:
				sawFragment = true
				assert.Equal(t, "chat-1", ev.Fragment.ChatID)
			case hub.EventStreamEnd:
				sawEnd = true
			case hub.EventMessage:
				if ev.Message.Direction == store.DirectionOutbound {
					sawOutbound = true
				}
			}
		case <-deadline:
			t.Fatalf("missing events: fragment=%v end=%v outbound=%v", sawFragment, sawEnd, sawOutbound)
		}
	}
}

func TestAutoReply_DuplicateInboundProcessedOnce(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	ts := time.Now()
	f.gateway.HandleDriverEvent(inbound("chat-1", "hello", ts))
	f.gateway.HandleDriverEvent(inbound("chat-1", "hello", ts))

	waitForMessages(t, f, "chat-1", 2)
	time.Sleep(100 * time.Millisecond)

	msgs := f.gateway.msgs.HistoryFor("chat-1", 10)
	assert.Len(t, msgs, 2, "redelivered message must not be reprocessed")
	assert.Equal(t, 1, f.mock.CallCount())
}

func TestAutoReply_DisabledRecordsInboundOnly(t *testing.T) {
	f := newFixture(t, false)
	f.connect(t)

	f.gateway.HandleDriverEvent(inbound("chat-1", "hello", time.Now()))

	msgs := waitForMessages(t, f, "chat-1", 1)
	time.Sleep(100 * time.Millisecond)

	msgs = f.gateway.msgs.HistoryFor("chat-1", 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, 0, f.mock.CallCount(), "no provider call while auto-reply is off")
	assert.Equal(t, 0, f.driver.sentCount())
}

func TestAutoReply_ProviderFailureSuppressed(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)
	f.mock.Fail(assert.AnError)

	f.gateway.HandleDriverEvent(inbound("chat-1", "hello", time.Now()))

	waitForMessages(t, f, "chat-1", 1)
	time.Sleep(150 * time.Millisecond)

	msgs := f.gateway.msgs.HistoryFor("chat-1", 10)
	require.Len(t, msgs, 1, "failed generation leaves only the inbound message")
	assert.Equal(t, 0, f.driver.sentCount())

	// The conversation survives: the next message gets a reply.
	f.mock.Fail(nil)
	f.gateway.HandleDriverEvent(inbound("chat-1", "are you there?", time.Now().Add(time.Second)))
	waitForMessages(t, f, "chat-1", 3)
}

func TestAutoReply_ChatsProceedIndependently(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	now := time.Now()
	for i := 0; i < 3; i++ {
		f.gateway.HandleDriverEvent(inbound("chat-a", "a", now.Add(time.Duration(i)*time.Millisecond)))
		f.gateway.HandleDriverEvent(inbound("chat-b", "b", now.Add(time.Duration(i)*time.Millisecond)))
	}

	msgsA := waitForMessages(t, f, "chat-a", 6)
	msgsB := waitForMessages(t, f, "chat-b", 6)

	// Per-chat alternation: each inbound is answered before the chat's next
	// reply, and no chat's history contains another chat's messages.
	for _, msgs := range [][]*store.Message{msgsA, msgsB} {
		outbound := 0
		for _, msg := range msgs {
			if msg.Direction == store.DirectionOutbound {
				outbound++
				assert.Equal(t, store.OriginAI, msg.Origin)
			}
		}
		assert.Equal(t, 3, outbound)
	}
	assert.Equal(t, 6, f.mock.CallCount())
}
