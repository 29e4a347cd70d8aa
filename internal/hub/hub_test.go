// ABOUTME: Tests for the fan-out event hub
// ABOUTME: Covers ordering, snapshots, slow-consumer eviction, and concurrency

package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairlink/pairlink/internal/store"
)

func collect(t *testing.T, sub *Subscriber, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("channel closed after %d events (wanted %d): %v", len(out), n, sub.Err())
			}
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events (wanted %d)", len(out), n)
		}
	}
	return out
}

func TestSubscribe_ReceivesInitialStatusEvent(t *testing.T) {
	h := New(nil, Options{}, nil)
	defer h.Close()

	h.PublishStatus(StatusPayload{State: "ready", PhoneIdentifier: "+15550001111"})

	sub, snap := h.Subscribe(testContext(t))
	assert.Equal(t, "ready", snap.Status.State)

	events := collect(t, sub, 1)
	require.Equal(t, EventStatus, events[0].Type)
	assert.Equal(t, "+15550001111", events[0].Status.PhoneIdentifier)
}

func TestSubscribe_SnapshotIncludesRecentMessages(t *testing.T) {
	recent := []*store.Message{
		{ID: "m-1", ChatID: "chat-1", Body: "hello"},
		{ID: "m-2", ChatID: "chat-1", Body: "world"},
	}
	h := New(func(limit int) []*store.Message { return recent }, Options{SnapshotMessages: 10}, nil)
	defer h.Close()

	_, snap := h.Subscribe(testContext(t))
	require.Len(t, snap.Recent, 2)
	assert.Equal(t, "m-1", snap.Recent[0].ID)
}

func TestPublish_AllSubscribersSeeSameOrder(t *testing.T) {
	h := New(nil, Options{}, nil)
	defer h.Close()

	sub1, _ := h.Subscribe(testContext(t))
	sub2, _ := h.Subscribe(testContext(t))

	for i := 0; i < 20; i++ {
		h.PublishMessage(&store.Message{ID: fmt.Sprintf("m-%d", i), ChatID: "chat-1"})
	}

	// Skip the synthetic snapshot event on each, then compare streams.
	ev1 := collect(t, sub1, 21)[1:]
	ev2 := collect(t, sub2, 21)[1:]

	for i := range ev1 {
		assert.Equal(t, ev1[i].Seq, ev2[i].Seq, "divergent order at %d", i)
		assert.Equal(t, ev1[i].Message.ID, ev2[i].Message.ID, "divergent event at %d", i)
	}
}

func TestPublish_StatusUpdatesSnapshotForLateJoiners(t *testing.T) {
	h := New(nil, Options{}, nil)
	defer h.Close()

	h.PublishStatus(StatusPayload{State: "awaiting_pairing", PairingPayload: "tok-1"})
	h.PublishStatus(StatusPayload{State: "awaiting_pairing", PairingPayload: "tok-2"})

	// Rotation replaces: a late joiner must see exactly the newest payload.
	_, snap := h.Subscribe(testContext(t))
	assert.Equal(t, "tok-2", snap.Status.PairingPayload)
}

func TestPublish_SlowConsumerEvictedWithoutBlockingOthers(t *testing.T) {
	h := New(nil, Options{QueueSize: 4}, nil)
	defer h.Close()

	slow, _ := h.Subscribe(testContext(t))
	fast, _ := h.Subscribe(testContext(t))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range fast.Events() {
		}
	}()

	// Never read from slow; its queue holds the snapshot plus 3 more.
	deadline := time.Now().Add(2 * time.Second)
	for h.SubscriberCount() > 1 {
		if time.Now().After(deadline) {
			t.Fatal("slow subscriber never evicted")
		}
		h.PublishMessage(&store.Message{ID: "m", ChatID: "chat-1"})
	}

	// Eviction closes the channel and records the reason.
	for range slow.Events() {
	}
	assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)

	// The fast subscriber is unaffected by the eviction.
	h.PublishMessage(&store.Message{ID: "m-after", ChatID: "chat-1"})
	h.Close()
	<-done
}

func TestUnsubscribe_ClosesChannelCleanly(t *testing.T) {
	h := New(nil, Options{}, nil)
	defer h.Close()

	sub, _ := h.Subscribe(testContext(t))
	h.Unsubscribe(sub.ID)

	for range sub.Events() {
	}
	assert.NoError(t, sub.Err())

	// Publishing after removal must not panic.
	h.PublishStatus(StatusPayload{State: "disconnected"})
}

func TestSubscribe_ContextCancellationCleansUp(t *testing.T) {
	h := New(nil, Options{}, nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, _ := h.Subscribe(ctx)
	cancel()

	select {
	case <-waitClosed(sub):
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, h.SubscriberCount())
}

func waitClosed(sub *Subscriber) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range sub.Events() {
		}
		close(done)
	}()
	return done
}

func TestClose_EvictsAllSubscribers(t *testing.T) {
	h := New(nil, Options{}, nil)

	sub1, _ := h.Subscribe(testContext(t))
	sub2, _ := h.Subscribe(testContext(t))

	h.Close()

	for _, sub := range []*Subscriber{sub1, sub2} {
		select {
		case <-waitClosed(sub):
		case <-time.After(time.Second):
			t.Fatal("channel not closed after hub Close")
		}
	}
}

func TestPublish_ConcurrentPublishersKeepTotalOrder(t *testing.T) {
	h := New(nil, Options{QueueSize: 2048}, nil)
	defer h.Close()

	sub, _ := h.Subscribe(testContext(t))

	var wg sync.WaitGroup
	for n := 0; n < 8; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				h.PublishMessage(&store.Message{ID: "m", ChatID: "chat-1"})
			}
		}()
	}
	wg.Wait()

	events := collect(t, sub, 401)[1:]
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq, "seq order broken at %d", i)
	}
}
