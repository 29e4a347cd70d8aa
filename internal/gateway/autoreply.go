// ABOUTME: Auto-reply pipeline from inbound message to dispatched LLM reply
// ABOUTME: Dedupes, records, streams fragments to the hub, and sends through the dispatcher

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pairlink/pairlink/internal/dedupe"
	"github.com/pairlink/pairlink/internal/dispatch"
	"github.com/pairlink/pairlink/internal/hub"
	"github.com/pairlink/pairlink/internal/reply"
	"github.com/pairlink/pairlink/internal/store"
)

const replyQueueSize = 32

type inboundJob struct {
	chatID string
	body   string
}

// responder turns inbound chat messages into auto-replies. Each chat gets
// one serial worker, so a chat's generate-and-dispatch sequences never
// interleave; different chats proceed independently.
type responder struct {
	orch       *reply.Orchestrator
	dispatcher *dispatch.Dispatcher
	events     *hub.Hub
	dedupe     *dedupe.Cache
	msgs       *store.MemoryStore
	logger     *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	queues  map[string]chan inboundJob
	wg      sync.WaitGroup
	stopped bool
}

func newResponder(orch *reply.Orchestrator, dispatcher *dispatch.Dispatcher, events *hub.Hub, cache *dedupe.Cache, msgs *store.MemoryStore, logger *slog.Logger) *responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &responder{
		orch:       orch,
		dispatcher: dispatcher,
		events:     events,
		dedupe:     cache,
		msgs:       msgs,
		logger:     logger.With("component", "autoreply"),
		ctx:        context.Background(),
		queues:     make(map[string]chan inboundJob),
	}
}

// Start binds the responder to its run context. Jobs enqueued before Start
// use a background context.
func (r *responder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = ctx
}

// Stop closes all chat queues and waits for in-flight replies.
func (r *responder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	for _, q := range r.queues {
		close(q)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// HandleInbound is the session machine's message sink. It must return
// quickly: the heavy lifting happens on the chat's worker goroutine.
func (r *responder) HandleInbound(chatID, body string, sentAt time.Time) {
	if r.dedupe.Seen(dedupe.Fingerprint(chatID, sentAt, body)) {
		r.logger.Debug("dropping duplicate inbound message", "chat_id", chatID)
		return
	}

	if _, err := r.msgs.Append(&store.Message{
		ChatID:    chatID,
		Direction: store.DirectionInbound,
		Body:      body,
		SentAt:    sentAt,
		Origin:    store.OriginHuman,
	}); err != nil {
		r.logger.Error("failed to record inbound message", "chat_id", chatID, "error", err)
		return
	}

	r.enqueue(inboundJob{chatID: chatID, body: body})
}

func (r *responder) enqueue(job inboundJob) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	q, ok := r.queues[job.chatID]
	if !ok {
		q = make(chan inboundJob, replyQueueSize)
		r.queues[job.chatID] = q
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.worker(q)
		}()
	}
	r.mu.Unlock()

	select {
	case q <- job:
	default:
		// Backpressure: the chat is flooding faster than we can reply.
		r.logger.Warn("reply queue full, dropping auto-reply", "chat_id", job.chatID)
	}
}

func (r *responder) worker(q chan inboundJob) {
	for job := range q {
		r.process(job)
	}
}

// process runs one generate-and-dispatch sequence. Failures on this path are
// logged and suppressed: the conversation must survive a flaky provider.
func (r *responder) process(job inboundJob) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	stream, err := r.orch.GenerateStream(ctx, job.chatID, job.body)
	if err != nil {
		if errors.Is(err, reply.ErrSuppressed) {
			r.logger.Debug("auto-reply suppressed", "chat_id", job.chatID)
		} else {
			r.logger.Warn("reply generation failed", "chat_id", job.chatID, "error", err)
		}
		return
	}

	var full strings.Builder
	for frag := range stream.Fragments() {
		r.events.PublishFragment(job.chatID, frag)
		full.WriteString(frag)
	}
	if err := stream.Err(); err != nil {
		r.logger.Warn("reply stream failed", "chat_id", job.chatID, "error", err)
		r.events.PublishStreamEnd(job.chatID)
		return
	}

	if _, err := r.dispatcher.Send(ctx, job.chatID, full.String(), store.OriginAI); err != nil {
		r.logger.Warn("reply dispatch failed", "chat_id", job.chatID, "error", err)
	}
	r.events.PublishStreamEnd(job.chatID)
}
