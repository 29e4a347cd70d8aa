// ABOUTME: HTTP API handlers for the bridge control surface
// ABOUTME: Pairing, status, settings, manual send, history, AI chat (sync + SSE), and records CRUD

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pairlink/pairlink/internal/dispatch"
	"github.com/pairlink/pairlink/internal/provider"
	"github.com/pairlink/pairlink/internal/records"
	"github.com/pairlink/pairlink/internal/reply"
	"github.com/pairlink/pairlink/internal/session"
	"github.com/pairlink/pairlink/internal/store"
)

// SendRequest is the JSON request body for POST /api/send.
type SendRequest struct {
	ChatID string `json:"chat_id"`
	Body   string `json:"body"`
}

// AIChatRequest is the JSON request body for POST /api/ai/chat and /api/ai/stream.
type AIChatRequest struct {
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

// AIChatResponse is the JSON response for POST /api/ai/chat.
type AIChatResponse struct {
	ChatID   string          `json:"chat_id"`
	Reply    string          `json:"reply"`
	Provider string          `json:"provider"`
	Usage    *provider.Usage `json:"usage,omitempty"`
}

// HistoryResponse is the JSON response for GET /api/history.
type HistoryResponse struct {
	ChatID   string           `json:"chat_id"`
	Messages []*store.Message `json:"messages"`
}

func (g *Gateway) registerRoutes() {
	g.mux.HandleFunc("/health", g.handleHealth)
	g.mux.HandleFunc("/health/ready", g.handleReady)
	g.mux.HandleFunc("/api/pairing", g.handlePairing)
	g.mux.HandleFunc("/api/disconnect", g.handleDisconnect)
	g.mux.HandleFunc("/api/status", g.handleStatus)
	g.mux.HandleFunc("/api/settings", g.handleSettings)
	g.mux.HandleFunc("/api/send", g.handleSend)
	g.mux.HandleFunc("/api/history", g.handleHistory)
	g.mux.HandleFunc("/api/reset", g.handleReset)
	g.mux.HandleFunc("/api/ai/chat", g.handleAIChat)
	g.mux.HandleFunc("/api/ai/stream", g.handleAIStream)
	g.mux.HandleFunc("/api/records/", g.handleRecords)
	g.mux.HandleFunc("/ws", g.handleWS)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness: the bridge is ready only with a connected
// session.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	snap := g.machine.Snapshot()
	if snap == nil || snap.Status != session.StatusReady {
		state := "none"
		if snap != nil {
			state = string(snap.Status)
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "session": state})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handlePairing handles POST /api/pairing: begin linking a chat account.
func (g *Gateway) handlePairing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := g.machine.StartPairing(r.Context()); err != nil {
		if errors.Is(err, session.ErrSessionAlreadyActive) {
			g.sendJSONError(w, http.StatusConflict, "session_already_active", "a session is already active; disconnect first")
			return
		}
		g.logger.Error("failed to start pairing", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal", "failed to start pairing")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pairing_started"})
}

// handleDisconnect handles POST /api/disconnect.
func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := g.machine.Disconnect(r.Context()); err != nil {
		g.logger.Error("failed to disconnect", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal", "failed to disconnect")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// handleStatus handles GET /api/status: the last published session status,
// including the pairing QR data URL while pairing.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, g.events.Status())
}

// handleSettings handles GET and PATCH /api/settings.
func (g *Gateway) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, g.settings.Current())
	case http.MethodPatch:
		var patch reply.Patch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
		next, err := g.settings.Apply(patch)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, next)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleSend handles POST /api/send: a manually triggered outbound message.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.ChatID == "" || req.Body == "" {
		g.sendJSONError(w, http.StatusBadRequest, "bad_request", "chat_id and body are required")
		return
	}

	result, err := g.dispatch.Send(r.Context(), req.ChatID, req.Body, store.OriginHuman)
	if err != nil {
		var sendErr *dispatch.SendError
		switch {
		case errors.Is(err, session.ErrNotReady):
			g.sendJSONError(w, http.StatusConflict, "not_ready", "session is not connected")
		case errors.As(err, &sendErr):
			g.sendJSONError(w, http.StatusBadGateway, "send_failed",
				fmt.Sprintf("send failed after %d attempts", sendErr.Attempts))
		default:
			g.logger.Error("manual send failed", "chat_id", req.ChatID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal", "send failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, result.Message)
}

// handleHistory handles GET /api/history?chat_id=X&limit=N.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "bad_request", "chat_id is required")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	msgs := g.msgs.HistoryFor(chatID, limit)
	if msgs == nil {
		msgs = []*store.Message{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{ChatID: chatID, Messages: msgs})
}

// handleReset handles POST /api/reset: clear the conversation store.
func (g *Gateway) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g.msgs.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleAIChat handles POST /api/ai/chat: one synchronous reply for a chat.
// The auto-reply gate applies here too; a disabled policy is a structured
// failure, not a silent bypass.
func (g *Gateway) handleAIChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, ok := g.decodeAIRequest(w, r)
	if !ok {
		return
	}

	result, err := g.orch.Generate(r.Context(), req.ChatID, req.Message)
	if err != nil {
		g.sendGenerateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AIChatResponse{
		ChatID:   result.ChatID,
		Reply:    result.Text,
		Provider: result.Provider,
		Usage:    result.Usage,
	})
}

// handleAIStream handles POST /api/ai/stream: the reply as an SSE stream of
// text events followed by a done event.
func (g *Gateway) handleAIStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, ok := g.decodeAIRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	stream, err := g.orch.GenerateStream(r.Context(), req.ChatID, req.Message)
	if err != nil {
		g.sendGenerateError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var full strings.Builder
	for frag := range stream.Fragments() {
		full.WriteString(frag)
		g.writeSSEEvent(w, "text", map[string]string{"text": frag})
		flusher.Flush()
	}
	if err := stream.Err(); err != nil {
		g.writeSSEEvent(w, "error", map[string]string{"error": err.Error(), "kind": errorKind(err)})
		flusher.Flush()
		return
	}
	g.writeSSEEvent(w, "done", map[string]string{"full_response": full.String()})
	flusher.Flush()
}

func (g *Gateway) decodeAIRequest(w http.ResponseWriter, r *http.Request) (AIChatRequest, bool) {
	var req AIChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return req, false
	}
	if req.ChatID == "" || req.Message == "" {
		g.sendJSONError(w, http.StatusBadRequest, "bad_request", "chat_id and message are required")
		return req, false
	}
	return req, true
}

func (g *Gateway) sendGenerateError(w http.ResponseWriter, err error) {
	var provErr *provider.Error
	switch {
	case errors.Is(err, reply.ErrSuppressed):
		g.sendJSONError(w, http.StatusConflict, "suppressed", "auto-reply is disabled")
	case errors.As(err, &provErr):
		g.sendJSONError(w, http.StatusBadGateway, errorKind(err), provErr.Message)
	default:
		g.logger.Error("reply generation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal", "reply generation failed")
	}
}

// errorKind maps an error to its taxonomy kind string.
func errorKind(err error) string {
	var provErr *provider.Error
	if errors.As(err, &provErr) {
		return "provider_" + string(provErr.Kind)
	}
	var sendErr *dispatch.SendError
	if errors.As(err, &sendErr) {
		return "send_failed"
	}
	return "internal"
}

// handleRecords routes /api/records/{collection} and
// /api/records/{collection}/{id} to the record store.
func (g *Gateway) handleRecords(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/records/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 {
		g.sendJSONError(w, http.StatusNotFound, "not_found", "unknown records path")
		return
	}
	collection := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			page, _ := strconv.Atoi(r.URL.Query().Get("page"))
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			writeJSON(w, http.StatusOK, g.records.List(collection, page, limit))
		case http.MethodPost:
			var rec records.Record
			if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
				g.sendJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
				return
			}
			created, err := g.records.Create(collection, rec)
			if err != nil {
				g.sendJSONError(w, http.StatusConflict, "duplicate_id", err.Error())
				return
			}
			writeJSON(w, http.StatusCreated, created)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	id := parts[1]
	switch r.Method {
	case http.MethodGet:
		rec, err := g.records.Get(collection, id)
		if err != nil {
			g.sendJSONError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodPut:
		var rec records.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
		updated, err := g.records.Update(collection, id, rec)
		if err != nil {
			g.sendJSONError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := g.records.Delete(collection, id); err != nil {
			g.sendJSONError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a structured failure with its taxonomy kind.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
