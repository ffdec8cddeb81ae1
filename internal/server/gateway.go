package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ozhandev/warp-gateway/internal/dialect"
	"github.com/ozhandev/warp-gateway/internal/dispatch"
	"github.com/ozhandev/warp-gateway/internal/events"
	"github.com/ozhandev/warp-gateway/internal/store"
	"github.com/ozhandev/warp-gateway/internal/transport"
)

// healthzResponse is GET /healthz's body (spec §6: "liveness + streaming
// feature flags + pool readiness").
type healthzResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	UptimeSec int64  `json:"uptime_seconds"`
	Streaming bool   `json:"streaming"`
	Ready     bool   `json:"ready"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ready := s.poolHasCandidate(r.Context())
	writeJSON(w, http.StatusOK, healthzResponse{
		Status:    "ok",
		Version:   s.version,
		UptimeSec: int64(time.Since(s.startTime).Seconds()),
		Streaming: true,
		Ready:     ready,
	})
}

func (s *Server) poolHasCandidate(ctx context.Context) bool {
	all, err := s.store.List(ctx)
	if err != nil {
		return false
	}
	for _, acc := range all {
		if acc.Status == store.StatusActive {
			return true
		}
	}
	return false
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": dialect.List()})
}

// runDialect implements the shared tail of every dialect handler: resolve
// the model triple, build the upstream packet, dispatch it, record metrics
// and a live event, and hand the result to the dialect-specific response
// writer.
func (s *Server) runDialect(w http.ResponseWriter, r *http.Request, dialectName, model string, stream bool, canonical dialect.Request, respond func(http.ResponseWriter, dispatch.Result)) {
	ctx := r.Context()
	start := time.Now()

	sessionKey := r.Header.Get("x-warp-session-id")
	sessionState := s.sessions.GetOrCreate(sessionKey)

	triple, err := dialect.Resolve(model)
	if err != nil {
		writeDialectError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	packet, err := dialect.BuildPacket(canonical, triple)
	if err != nil {
		writeDialectError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	meta := transport.ClientMeta{
		ClientVersion: s.cfg.WarpClientVersion,
		OSCategory:    s.cfg.WarpOSCategory,
		OSName:        s.cfg.WarpOSName,
		OSVersion:     s.cfg.WarpOSVersion,
	}

	res, err := s.dispatcher.Dispatch(ctx, packet.Body, meta, s.cfg.RequestMaxAttempts, "api")
	requestDuration.WithLabelValues(dialectName).Observe(time.Since(start).Seconds())
	for _, a := range res.Attempts {
		dispatchAttemptsTotal.WithLabelValues(a.Status).Inc()
	}

	if err != nil {
		outcome := "error"
		status := http.StatusBadGateway
		msg := err.Error()
		if errors.Is(err, dispatch.ErrEmptyPool) || errors.Is(err, dispatch.ErrNoActiveAccount) {
			status = http.StatusServiceUnavailable
			msg = "no token available in the pool"
			outcome = "no_token"
		}
		requestsTotal.WithLabelValues(dialectName, outcome).Inc()
		writeErrorWithAttempts(w, status, msg, res.Attempts)
		return
	}

	if s.bus != nil {
		evType := events.EventRequest
		result := "ok"
		if !res.Outcome.OK {
			result = "failed"
		}
		s.bus.Publish(events.Event{Type: evType, AccountID: res.AccountID, Message: dialectName + " " + result})
	}

	outcome := "ok"
	if !res.Outcome.OK {
		outcome = "failed"
	}
	requestsTotal.WithLabelValues(dialectName, outcome).Inc()

	if !res.Outcome.OK {
		writeErrorWithAttempts(w, http.StatusBadGateway, res.Outcome.Error, res.Attempts)
		return
	}

	if res.Outcome.ConversationID != "" {
		sessionState.ConversationID = res.Outcome.ConversationID
		sessionState.BaselineTaskID = res.Outcome.TaskID
		s.sessions.Save(sessionKey, sessionState)
	}

	respond(w, res)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req dialect.ChatCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDialectError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
		return
	}
	canonical, err := dialect.FromOpenAIChat(req)
	if err != nil {
		writeDialectError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	s.runDialect(w, r, "openai_chat", req.Model, req.Stream, canonical, func(w http.ResponseWriter, res dispatch.Result) {
		id := "chatcmpl-" + uuid.NewString()
		if req.Stream {
			streamOpenAISSE(w, dialect.StreamOpenAIChat(id, req.Model, res.Outcome))
			return
		}
		writeJSON(w, http.StatusOK, dialect.CollectOpenAIChat(id, req.Model, res.Outcome))
	})
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	var req dialect.ResponsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDialectError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
		return
	}
	canonical, err := dialect.FromOpenAIResponses(req)
	if err != nil {
		writeDialectError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	s.runDialect(w, r, "openai_responses", req.Model, req.Stream, canonical, func(w http.ResponseWriter, res dispatch.Result) {
		if req.Stream {
			streamOpenAISSE(w, dialect.StreamOpenAIResponses(res.Outcome))
			return
		}
		writeJSON(w, http.StatusOK, dialect.CollectOpenAIResponses(res.Outcome))
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	anthropicVersion := r.Header.Get("anthropic-version")
	var req dialect.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDialectError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
		return
	}
	if err := dialect.ValidateAnthropicHeaders(anthropicVersion, req.MaxTokens); err != nil {
		writeDialectError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	canonical, err := dialect.FromAnthropicMessages(req)
	if err != nil {
		writeDialectError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	s.runDialect(w, r, "anthropic_messages", req.Model, req.Stream, canonical, func(w http.ResponseWriter, res dispatch.Result) {
		id := "msg-" + uuid.NewString()
		if req.Stream {
			streamAnthropicSSE(w, dialect.StreamAnthropicMessages(id, req.Model, res.Outcome))
			return
		}
		writeJSON(w, http.StatusOK, dialect.CollectAnthropicMessages(id, req.Model, res.Outcome))
	})
}

func (s *Server) handleGenerateContent(stream bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		model := chi.URLParam(r, "model")
		var req dialect.GenerateContentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDialectError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
			return
		}
		canonical, err := dialect.FromGemini(model, req, stream)
		if err != nil {
			writeDialectError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}

		s.runDialect(w, r, "gemini", model, stream, canonical, func(w http.ResponseWriter, res dispatch.Result) {
			if stream {
				streamGeminiSSE(w, dialect.StreamGemini(model, res.Outcome))
				return
			}
			writeJSON(w, http.StatusOK, dialect.CollectGemini(model, res.Outcome))
		})
	}
}

// streamOpenAISSE frames chunks as OpenAI's "data: {json}\n\n" sequence
// terminated by "data: [DONE]\n\n" (spec §4.8).
func streamOpenAISSE[T any](w http.ResponseWriter, chunks []T) {
	flusher, ok := prepareSSE(w)
	if !ok {
		return
	}
	for _, c := range chunks {
		b, err := json.Marshal(c)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// streamAnthropicSSE frames events as Anthropic's named-event sequence:
// "event: <type>\ndata: {json}\n\n", with no terminal sentinel.
func streamAnthropicSSE(w http.ResponseWriter, events []dialect.AnthropicStreamEvent) {
	flusher, ok := prepareSSE(w)
	if !ok {
		return
	}
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b)
		flusher.Flush()
	}
}

// streamGeminiSSE frames candidates as bare "data: {json}\n\n" chunks, the
// shape streamGenerateContent's SSE variant expects.
func streamGeminiSSE(w http.ResponseWriter, chunks []dialect.GenerateContentResponse) {
	flusher, ok := prepareSSE(w)
	if !ok {
		return
	}
	for _, c := range chunks {
		b, err := json.Marshal(c)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}
}

func prepareSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDialectError(w, http.StatusInternalServerError, "api_error", "streaming unsupported by this response writer")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return flusher, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeDialectError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"type": errType, "message": msg},
	})
}

// writeErrorWithAttempts implements spec §7's exhaustion response shape:
// the error plus the diagnostic attempts[] trace.
func writeErrorWithAttempts(w http.ResponseWriter, status int, msg string, attempts []dispatch.Attempt) {
	type wireAttempt struct {
		AccountID string `json:"account_id"`
		Try       int    `json:"try"`
		Status    string `json:"status"`
		ErrorCode string `json:"error_code"`
		Error     string `json:"error"`
	}
	out := make([]wireAttempt, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, wireAttempt{AccountID: a.AccountID, Try: a.Try, Status: a.Status, ErrorCode: a.ErrorCode, Error: a.Error})
	}
	writeJSON(w, status, map[string]any{
		"error":    msg,
		"attempts": out,
	})
}
