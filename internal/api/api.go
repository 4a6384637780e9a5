// ABOUTME: Operator HTTP API for inspecting and steering the delivery pipeline
// ABOUTME: JWT-protected JSON endpoints plus an SSE stream of pipeline events

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/fold-relay/internal/auth"
	"github.com/2389/fold-relay/internal/conv"
	"github.com/2389/fold-relay/internal/delivery"
	"github.com/2389/fold-relay/internal/events"
)

const (
	defaultFailureLimit = 100
	maxFailureLimit     = 1000
	keepAliveInterval   = 15 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// Operations is the relay surface exposed to operators.
type Operations interface {
	Failures(ctx context.Context, limit int) ([]delivery.Failure, error)
	ResolveFailure(ctx context.Context, jobID string, action delivery.Resolution, operator string) error
	Stalled(ctx context.Context) ([]*delivery.Job, error)
	Requeue(ctx context.Context, jobID string) error
	Jobs(ctx context.Context, key conv.Key) ([]*delivery.Job, error)
	SentChunks(ctx context.Context, key conv.Key, limit int) ([]delivery.SentChunk, error)
	CloseConversation(ctx context.Context, key conv.Key) (fragments, jobs int, err error)
}

// Subscriber streams pipeline events until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan events.Event, string)
}

// JobResponse is the JSON form of a queued job.
type JobResponse struct {
	ID          string `json:"id"`
	BatchID     string `json:"batch_id"`
	Key         string `json:"conversation_key"`
	Sequence    int    `json:"sequence"`
	TotalChunks int    `json:"total_chunks"`
	Content     string `json:"content"`
	State       string `json:"state"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	ScheduledAt string `json:"scheduled_at"`
	ClaimedAt   string `json:"claimed_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// CloseRequest is the JSON request body for POST /api/conversations/close.
type CloseRequest struct {
	Key string `json:"key"`
}

// CloseResponse reports what closing a conversation discarded.
type CloseResponse struct {
	Key       string `json:"conversation_key"`
	Fragments int    `json:"dropped_fragments"`
	Jobs      int    `json:"dropped_jobs"`
}

// Server serves the operator API.
type Server struct {
	ops      Operations
	events   Subscriber
	verifier auth.TokenVerifier
	logger   *slog.Logger
	handler  http.Handler
}

// NewServer builds the API. Every route except /health requires a bearer
// token accepted by verifier.
func NewServer(ops Operations, sub Subscriber, verifier auth.TokenVerifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		ops:      ops,
		events:   sub,
		verifier: verifier,
		logger:   logger.With("component", "api"),
	}

	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/failures", s.handleListFailures)
	protected.HandleFunc("POST /api/failures/{id}/retry", s.handleResolve(delivery.ResolveRetry))
	protected.HandleFunc("POST /api/failures/{id}/skip", s.handleResolve(delivery.ResolveSkip))
	protected.HandleFunc("GET /api/stalled", s.handleStalled)
	protected.HandleFunc("POST /api/jobs/{id}/requeue", s.handleRequeue)
	protected.HandleFunc("GET /api/conversations/jobs", s.handleConversationJobs)
	protected.HandleFunc("GET /api/conversations/sent", s.handleConversationSent)
	protected.HandleFunc("POST /api/conversations/close", s.handleCloseConversation)
	protected.HandleFunc("GET /api/events", s.handleEvents)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, logger)(protected))
	s.handler = mux

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("operator API listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving operator API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down operator API: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListFailures handles GET /api/failures?limit=N.
func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r, defaultFailureLimit, maxFailureLimit)
	if !ok {
		return
	}

	failures, err := s.ops.Failures(r.Context(), limit)
	if err != nil {
		s.internalError(w, "failed to list failures", err)
		return
	}
	if failures == nil {
		failures = []delivery.Failure{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failures})
}

// handleResolve handles POST /api/failures/{id}/retry and /skip.
func (s *Server) handleResolve(action delivery.Resolution) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.PathValue("id")
		operator := auth.OperatorFromContext(r.Context())

		err := s.ops.ResolveFailure(r.Context(), jobID, action, operator)
		if err != nil {
			s.queueError(w, "failed to resolve failure", err)
			return
		}

		s.logger.Info("failure resolved", "job_id", jobID, "action", action, "operator", operator)
		writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "resolution": string(action)})
	}
}

// handleStalled handles GET /api/stalled.
func (s *Server) handleStalled(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.ops.Stalled(r.Context())
	if err != nil {
		s.internalError(w, "failed to list stalled jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobResponses(jobs)})
}

// handleRequeue handles POST /api/jobs/{id}/requeue.
func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.ops.Requeue(r.Context(), jobID); err != nil {
		s.queueError(w, "failed to requeue job", err)
		return
	}
	s.logger.Info("job requeued", "job_id", jobID, "operator", auth.OperatorFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "state": string(delivery.StatePending)})
}

// handleConversationJobs handles GET /api/conversations/jobs?key=tenant:conv.
func (s *Server) handleConversationJobs(w http.ResponseWriter, r *http.Request) {
	key, ok := s.parseKey(w, r.URL.Query().Get("key"))
	if !ok {
		return
	}

	jobs, err := s.ops.Jobs(r.Context(), key)
	if err != nil {
		s.internalError(w, "failed to list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_key": key.String(),
		"jobs":             jobResponses(jobs),
	})
}

// handleConversationSent handles GET /api/conversations/sent?key=tenant:conv&limit=N.
func (s *Server) handleConversationSent(w http.ResponseWriter, r *http.Request) {
	key, ok := s.parseKey(w, r.URL.Query().Get("key"))
	if !ok {
		return
	}
	// The store applies its own default and ceiling.
	limit, ok := s.parseLimit(w, r, 0, 0)
	if !ok {
		return
	}

	sent, err := s.ops.SentChunks(r.Context(), key, limit)
	if err != nil {
		s.internalError(w, "failed to list sent chunks", err)
		return
	}
	if sent == nil {
		sent = []delivery.SentChunk{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_key": key.String(),
		"chunks":           sent,
	})
}

// handleCloseConversation handles POST /api/conversations/close.
func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	key, ok := s.parseKey(w, req.Key)
	if !ok {
		return
	}

	fragments, jobs, err := s.ops.CloseConversation(r.Context(), key)
	if err != nil {
		s.internalError(w, "failed to close conversation", err)
		return
	}

	s.logger.Info("conversation closed",
		"conversation_key", key.String(),
		"operator", auth.OperatorFromContext(r.Context()))
	writeJSON(w, http.StatusOK, CloseResponse{Key: key.String(), Fragments: fragments, Jobs: jobs})
}

// handleEvents handles GET /api/events, streaming pipeline events as SSE.
// Optional ?key= and ?type= narrow the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	keyFilter := r.URL.Query().Get("key")
	typeFilter := events.Type(r.URL.Query().Get("type"))

	ch, subID := s.events.Subscribe(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %s\n\n", subID)
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if keyFilter != "" && ev.Key != keyFilter {
				continue
			}
			if typeFilter != "" && ev.Type != typeFilter {
				continue
			}
			s.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (s *Server) parseKey(w http.ResponseWriter, raw string) (conv.Key, bool) {
	if raw == "" {
		sendJSONError(w, http.StatusBadRequest, "key is required")
		return conv.Key{}, false
	}
	key, err := conv.ParseKey(raw)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return conv.Key{}, false
	}
	return key, true
}

// parseLimit reads ?limit=. A zero max leaves the value uncapped.
func (s *Server) parseLimit(w http.ResponseWriter, r *http.Request, def, max int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit, true
}

// queueError maps queue sentinels onto HTTP statuses.
func (s *Server) queueError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, delivery.ErrJobNotFound):
		sendJSONError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, delivery.ErrInvalidState):
		sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, delivery.ErrInvalidResolution):
		sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, msg, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	sendJSONError(w, http.StatusInternalServerError, "internal server error")
}

func jobResponses(jobs []*delivery.Job) []JobResponse {
	out := make([]JobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = JobResponse{
			ID:          j.ID,
			BatchID:     j.BatchID,
			Key:         j.Key.String(),
			Sequence:    j.Chunk.Sequence,
			TotalChunks: j.Chunk.TotalChunks,
			Content:     j.Chunk.Content,
			State:       string(j.State),
			Attempt:     j.Attempt,
			MaxAttempts: j.MaxAttempts,
			ScheduledAt: j.ScheduledAt.UTC().Format(time.RFC3339),
			LastError:   j.LastError,
		}
		if !j.ClaimedAt.IsZero() {
			out[i].ClaimedAt = j.ClaimedAt.UTC().Format(time.RFC3339)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
