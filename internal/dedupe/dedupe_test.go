// ABOUTME: Tests for the inbound message dedupe cache
// ABOUTME: Covers fingerprinting, TTL expiry, and size-bounded eviction

package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_StableAndDiscriminating(t *testing.T) {
	ts := time.Now()

	a := Fingerprint("chat-1", ts, "hello")
	assert.Equal(t, a, Fingerprint("chat-1", ts, "hello"), "same message, same fingerprint")

	assert.NotEqual(t, a, Fingerprint("chat-2", ts, "hello"), "chat must discriminate")
	assert.NotEqual(t, a, Fingerprint("chat-1", ts.Add(time.Second), "hello"), "timestamp must discriminate")
	assert.NotEqual(t, a, Fingerprint("chat-1", ts, "hello!"), "body must discriminate")
}

func TestSeen_RejectsReplayWithinTTL(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	fp := Fingerprint("chat-1", time.Now(), "hello")
	assert.False(t, c.Seen(fp), "first delivery is new")
	assert.True(t, c.Seen(fp), "redelivery is a duplicate")
}

func TestSeen_ExpiredEntryAcceptedAgain(t *testing.T) {
	c := New(20*time.Millisecond, 100)
	defer c.Close()

	fp := Fingerprint("chat-1", time.Now(), "hello")
	assert.False(t, c.Seen(fp))

	time.Sleep(40 * time.Millisecond)
	assert.False(t, c.Seen(fp), "expired fingerprint is new again")
	assert.True(t, c.Seen(fp))
}

func TestSeen_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	ts := time.Now()
	first := Fingerprint("chat-1", ts, "msg-0")
	c.Seen(first)
	for i := 1; i < 4; i++ {
		c.Seen(Fingerprint("chat-1", ts, fmt.Sprintf("msg-%d", i)))
	}

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen(first), "oldest fingerprint was evicted, so it reads as new")
}

func TestClose_Idempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
