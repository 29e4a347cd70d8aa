// ABOUTME: Tests for the reply orchestrator and settings store
// ABOUTME: Covers the auto-reply gate, prompt shaping, per-chat serialization, and streaming

package reply

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairlink/pairlink/internal/provider"
	"github.com/pairlink/pairlink/internal/store"
)

func newOrchestrator(t *testing.T, mock *provider.Mock, settings Settings, opts Options) (*Orchestrator, *store.MemoryStore) {
	t.Helper()
	msgs := store.NewMemoryStore(nil)
	settingsStore := NewSettingsStore(settings, []string{"mock"})
	return New(map[string]provider.Provider{"mock": mock}, settingsStore, msgs, opts, nil), msgs
}

func enabledSettings() Settings {
	return Settings{Provider: "mock", AutoReply: true, SystemPrompt: "be brief"}
}

func TestGenerate_BuildsPromptFromHistory(t *testing.T) {
	mock := provider.NewMock("sure thing")
	orch, msgs := newOrchestrator(t, mock, enabledSettings(), Options{})

	now := time.Now()
	_, err := msgs.Append(&store.Message{ChatID: "chat-1", Direction: store.DirectionInbound, Body: "hi", SentAt: now})
	require.NoError(t, err)
	_, err = msgs.Append(&store.Message{ChatID: "chat-1", Direction: store.DirectionOutbound, Body: "hello!", SentAt: now.Add(time.Second)})
	require.NoError(t, err)

	reply, err := orch.Generate(testContext(t), "chat-1", "how are you?")
	require.NoError(t, err)
	assert.Equal(t, "sure thing", reply.Text)
	assert.Equal(t, "mock", reply.Provider)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "be brief", calls[0].SystemPrompt)
	assert.Equal(t, "how are you?", calls[0].UserMessage)
	require.Len(t, calls[0].History, 2)
	assert.Equal(t, provider.RoleUser, calls[0].History[0].Role)
	assert.Equal(t, provider.RoleAssistant, calls[0].History[1].Role)
}

func TestGenerate_SuppressedWhenAutoReplyOff(t *testing.T) {
	mock := provider.NewMock()
	settings := enabledSettings()
	settings.AutoReply = false
	orch, _ := newOrchestrator(t, mock, settings, Options{})

	_, err := orch.Generate(testContext(t), "chat-1", "hello")
	require.ErrorIs(t, err, ErrSuppressed)
	assert.Equal(t, 0, mock.CallCount(), "no provider call when suppressed")
}

func TestGenerate_UnknownProviderFails(t *testing.T) {
	mock := provider.NewMock()
	settings := enabledSettings()
	settings.Provider = "missing"
	msgs := store.NewMemoryStore(nil)
	orch := New(map[string]provider.Provider{"mock": mock}, NewSettingsStore(settings, nil), msgs, Options{}, nil)

	_, err := orch.Generate(testContext(t), "chat-1", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestGenerate_ProviderErrorSurfacesKind(t *testing.T) {
	mock := provider.NewMock()
	mock.Fail(&provider.Error{Kind: provider.KindRateLimited, Status: 429, Message: "slow down"})
	orch, _ := newOrchestrator(t, mock, enabledSettings(), Options{})

	_, err := orch.Generate(testContext(t), "chat-1", "hello")
	var provErr *provider.Error
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, provider.KindRateLimited, provErr.Kind)
}

func TestGenerate_HistoryTruncatedOldestFirst(t *testing.T) {
	mock := provider.NewMock()
	settings := enabledSettings()
	settings.HistoryBudget = 12
	orch, msgs := newOrchestrator(t, mock, settings, Options{})

	now := time.Now()
	for i, body := range []string{"aaaaa", "bbbbb", "ccccc"} {
		_, err := msgs.Append(&store.Message{ChatID: "chat-1", Direction: store.DirectionInbound, Body: body, SentAt: now.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}

	_, err := orch.Generate(testContext(t), "chat-1", "next")
	require.NoError(t, err)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	// 12-char budget keeps the newest two turns, drops the oldest.
	require.Len(t, calls[0].History, 2)
	assert.Equal(t, "bbbbb", calls[0].History[0].Content)
	assert.Equal(t, "ccccc", calls[0].History[1].Content)
}

func TestGenerate_SameChatNeverOverlaps(t *testing.T) {
	mock := provider.NewMock()
	mock.SetDelay(20 * time.Millisecond)
	orch, _ := newOrchestrator(t, mock, enabledSettings(), Options{Concurrency: 8})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orch.Generate(testContext(t), "chat-1", fmt.Sprintf("msg %d", i))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, mock.CallCount())
	assert.Equal(t, 1, mock.MaxActive(), "same-chat generations must not overlap")
}

func TestGenerate_CancelledWhileWaitingOnChat(t *testing.T) {
	mock := provider.NewMock("slow reply")
	mock.SetDelay(300 * time.Millisecond)
	orch, _ := newOrchestrator(t, mock, enabledSettings(), Options{})

	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		_, err := orch.Generate(testContext(t), "chat-1", "first")
		assert.NoError(t, err)
	}()
	<-started
	time.Sleep(50 * time.Millisecond) // let the first generation take the chat slot

	ctx, cancel := context.WithTimeout(testContext(t), 50*time.Millisecond)
	defer cancel()

	begun := time.Now()
	_, err := orch.Generate(ctx, "chat-1", "second")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(begun), 200*time.Millisecond,
		"a cancelled caller must not wait out the in-flight generation")

	wg.Wait()
	assert.Equal(t, 1, mock.CallCount())
}

func TestGenerate_DifferentChatsRunInParallelUpToCap(t *testing.T) {
	mock := provider.NewMock()
	mock.SetDelay(30 * time.Millisecond)
	orch, _ := newOrchestrator(t, mock, enabledSettings(), Options{Concurrency: 2})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orch.Generate(testContext(t), fmt.Sprintf("chat-%d", i), "hello")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, mock.CallCount())
	assert.LessOrEqual(t, mock.MaxActive(), 2, "concurrency cap exceeded")
}

func TestGenerateStream_ReassemblesFragments(t *testing.T) {
	mock := provider.NewMock("streamed reply text")
	orch, _ := newOrchestrator(t, mock, enabledSettings(), Options{})

	stream, err := orch.GenerateStream(testContext(t), "chat-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "mock", stream.Provider)

	var got strings.Builder
	for frag := range stream.Fragments() {
		got.WriteString(frag)
	}
	assert.Equal(t, "streamed reply text", got.String())
	assert.NoError(t, stream.Err())
}

func TestGenerateStream_HoldsChatLockUntilDone(t *testing.T) {
	mock := provider.NewMock()
	mock.SetDelay(150 * time.Millisecond)
	orch, _ := newOrchestrator(t, mock, enabledSettings(), Options{Concurrency: 8})

	stream, err := orch.GenerateStream(testContext(t), "chat-1", "first")
	require.NoError(t, err)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := orch.Generate(testContext(t), "chat-1", "second")
		done <- err
	}()

	<-started
	select {
	case <-done:
		t.Fatal("second generation ran while the stream was still open")
	case <-time.After(50 * time.Millisecond):
	}

	for range stream.Fragments() {
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second generation never ran after the stream finished")
	}
}

func TestGenerateStream_SuppressedWhenAutoReplyOff(t *testing.T) {
	mock := provider.NewMock()
	settings := enabledSettings()
	settings.AutoReply = false
	orch, _ := newOrchestrator(t, mock, settings, Options{})

	_, err := orch.GenerateStream(testContext(t), "chat-1", "hello")
	require.ErrorIs(t, err, ErrSuppressed)
	assert.Equal(t, 0, mock.CallCount())

	// The chat lock must have been released on the error path.
	settings.AutoReply = true
	orch2, _ := newOrchestrator(t, mock, settings, Options{})
	_, err = orch2.Generate(testContext(t), "chat-1", "hello")
	require.NoError(t, err)
}

func TestSettingsStore_PatchMergesAndValidates(t *testing.T) {
	s := NewSettingsStore(Settings{Provider: "openai", AutoReply: true, Temperature: 0.7}, []string{"openai", "anthropic"})

	off := false
	next, err := s.Apply(Patch{AutoReply: &off})
	require.NoError(t, err)
	assert.False(t, next.AutoReply)
	assert.Equal(t, "openai", next.Provider, "unpatched fields unchanged")

	bad := "grok"
	_, err = s.Apply(Patch{Provider: &bad})
	require.Error(t, err)
	assert.Equal(t, "openai", s.Current().Provider, "failed patch leaves store untouched")

	tooHot := 3.5
	_, err = s.Apply(Patch{Temperature: &tooHot})
	require.Error(t, err)

	anthropic := "anthropic"
	next, err = s.Apply(Patch{Provider: &anthropic})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", next.Provider)
	assert.False(t, s.Current().AutoReply, "earlier patch persisted")
}

func TestSettingsStore_CurrentIsACopy(t *testing.T) {
	s := NewSettingsStore(Settings{Provider: "openai"}, nil)
	snap := s.Current()
	snap.Provider = "mutated"
	assert.Equal(t, "openai", s.Current().Provider)
}
