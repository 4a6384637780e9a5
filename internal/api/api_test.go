// ABOUTME: Tests for the operator API handlers and event stream
// ABOUTME: Uses httptest with a fake relay and real JWT verification

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fold-relay/internal/auth"
	"github.com/2389/fold-relay/internal/conv"
	"github.com/2389/fold-relay/internal/delivery"
	"github.com/2389/fold-relay/internal/events"
	"github.com/2389/fold-relay/internal/splitter"
)

var testSecret = []byte("api-test-secret-key-32-bytes-ok!")

type resolveCall struct {
	jobID    string
	action   delivery.Resolution
	operator string
}

type fakeOps struct {
	mu sync.Mutex

	failures    []delivery.Failure
	stalled     []*delivery.Job
	jobs        map[string][]*delivery.Job
	sent        []delivery.SentChunk
	resolveErr  error
	requeueErr  error
	listErr     error
	resolved    []resolveCall
	requeued    []string
	closed      []conv.Key
	failLimit   int
	sentLimit   int
	closeResult [2]int
}

func (f *fakeOps) Failures(_ context.Context, limit int) ([]delivery.Failure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failLimit = limit
	return f.failures, f.listErr
}

func (f *fakeOps) ResolveFailure(_ context.Context, jobID string, action delivery.Resolution, operator string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return f.resolveErr
	}
	f.resolved = append(f.resolved, resolveCall{jobID, action, operator})
	return nil
}

func (f *fakeOps) Stalled(context.Context) ([]*delivery.Job, error) {
	return f.stalled, nil
}

func (f *fakeOps) Requeue(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requeueErr != nil {
		return f.requeueErr
	}
	f.requeued = append(f.requeued, jobID)
	return nil
}

func (f *fakeOps) Jobs(_ context.Context, key conv.Key) ([]*delivery.Job, error) {
	return f.jobs[key.String()], nil
}

func (f *fakeOps) SentChunks(_ context.Context, _ conv.Key, limit int) ([]delivery.SentChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentLimit = limit
	return f.sent, nil
}

func (f *fakeOps) CloseConversation(_ context.Context, key conv.Key) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, key)
	return f.closeResult[0], f.closeResult[1], nil
}

// chanSubscriber hands out one test-controlled channel and signals when a
// client has subscribed.
type chanSubscriber struct {
	ch         chan events.Event
	subscribed chan struct{}
}

func newChanSubscriber() *chanSubscriber {
	return &chanSubscriber{
		ch:         make(chan events.Event, 8),
		subscribed: make(chan struct{}, 1),
	}
}

func (s *chanSubscriber) Subscribe(context.Context) (<-chan events.Event, string) {
	s.subscribed <- struct{}{}
	return s.ch, "sub-1"
}

type testEnv struct {
	ops    *fakeOps
	sub    *chanSubscriber
	server *Server
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	verifier, err := auth.NewJWTVerifier(testSecret)
	require.NoError(t, err)
	token, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)

	ops := &fakeOps{jobs: make(map[string][]*delivery.Job)}
	sub := newChanSubscriber()
	return &testEnv{
		ops:    ops,
		sub:    sub,
		server: NewServer(ops, sub, verifier, nil),
		token:  token,
	}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func testJob(id string, seq int) *delivery.Job {
	key, _ := conv.NewKey("acme", "room-1")
	return &delivery.Job{
		ID:          id,
		BatchID:     "batch-1",
		Key:         key,
		Chunk:       splitter.Chunk{Content: fmt.Sprintf("part %d", seq), Sequence: seq, TotalChunks: 2},
		State:       delivery.StatePending,
		MaxAttempts: 3,
		ScheduledAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/failures", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, env.ops.resolved)
}

func TestListFailures(t *testing.T) {
	env := newTestEnv(t)
	env.ops.failures = []delivery.Failure{{
		JobID:    "job-1",
		Key:      "acme:room-1",
		Sequence: 2,
		Error:    "rate limited",
		Attempts: 3,
	}}

	rec := env.do(t, http.MethodGet, "/api/failures", "")
	require.Equal(t, http.StatusOK, rec.Code)

	failures := decode(t, rec)["failures"].([]any)
	require.Len(t, failures, 1)
	first := failures[0].(map[string]any)
	assert.Equal(t, "job-1", first["job_id"])
	assert.Equal(t, "rate limited", first["error"])
	assert.Equal(t, defaultFailureLimit, env.ops.failLimit)
}

func TestListFailures_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/failures", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"failures":[]`)
}

func TestListFailures_Limit(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/failures?limit=5000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxFailureLimit, env.ops.failLimit)

	for _, bad := range []string{"0", "-1", "abc"} {
		rec := env.do(t, http.MethodGet, "/api/failures?limit="+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", bad)
	}
}

func TestListFailures_Error(t *testing.T) {
	env := newTestEnv(t)
	env.ops.listErr = errors.New("disk on fire")

	rec := env.do(t, http.MethodGet, "/api/failures", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestResolveFailure(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/failures/job-7/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/failures/job-8/skip", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "skip", decode(t, rec)["resolution"])

	assert.Equal(t, []resolveCall{
		{"job-7", delivery.ResolveRetry, "alice"},
		{"job-8", delivery.ResolveSkip, "alice"},
	}, env.ops.resolved)
}

func TestResolveFailure_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("resolve: %w", delivery.ErrJobNotFound), http.StatusNotFound},
		{"wrong state", fmt.Errorf("resolve: %w", delivery.ErrInvalidState), http.StatusConflict},
		{"bad resolution", delivery.ErrInvalidResolution, http.StatusBadRequest},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.ops.resolveErr = tt.err

			rec := env.do(t, http.MethodPost, "/api/failures/job-1/retry", "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestResolveFailure_WrongMethod(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/failures/job-1/retry", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Empty(t, env.ops.resolved)
}

func TestStalledAndRequeue(t *testing.T) {
	env := newTestEnv(t)
	job := testJob("job-3", 1)
	job.State = delivery.StateInflight
	job.ClaimedAt = time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	env.ops.stalled = []*delivery.Job{job}

	rec := env.do(t, http.MethodGet, "/api/stalled", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 1)
	got := jobs[0].(map[string]any)
	assert.Equal(t, "job-3", got["id"])
	assert.Equal(t, "inflight", got["state"])
	assert.Equal(t, "2026-03-01T12:00:05Z", got["claimed_at"])

	rec = env.do(t, http.MethodPost, "/api/jobs/job-3/requeue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"job-3"}, env.ops.requeued)

	env.ops.requeueErr = delivery.ErrInvalidState
	rec = env.do(t, http.MethodPost, "/api/jobs/job-3/requeue", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConversationJobs(t *testing.T) {
	env := newTestEnv(t)
	env.ops.jobs["acme:room-1"] = []*delivery.Job{testJob("a", 1), testJob("b", 2)}

	rec := env.do(t, http.MethodGet, "/api/conversations/jobs?key=acme:room-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "acme:room-1", body["conversation_key"])
	jobs := body["jobs"].([]any)
	require.Len(t, jobs, 2)
	assert.Equal(t, "part 1", jobs[0].(map[string]any)["content"])
	assert.NotContains(t, jobs[0].(map[string]any), "claimed_at")
}

func TestConversationKeyValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		target string
	}{
		{"missing", "/api/conversations/jobs"},
		{"no separator", "/api/conversations/jobs?key=room-1"},
		{"empty tenant", "/api/conversations/sent?key=:room-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.target, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestConversationSent(t *testing.T) {
	env := newTestEnv(t)
	env.ops.sent = []delivery.SentChunk{{JobID: "a", Sequence: 1, TotalChunks: 1, Content: "hi", MessageID: "$evt"}}

	rec := env.do(t, http.MethodGet, "/api/conversations/sent?key=acme:room-1&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, env.ops.sentLimit)

	chunks := decode(t, rec)["chunks"].([]any)
	require.Len(t, chunks, 1)
	assert.Equal(t, "$evt", chunks[0].(map[string]any)["message_id"])

	rec = env.do(t, http.MethodGet, "/api/conversations/sent?key=acme:room-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, env.ops.sentLimit)
}

func TestCloseConversation(t *testing.T) {
	env := newTestEnv(t)
	env.ops.closeResult = [2]int{3, 2}

	rec := env.do(t, http.MethodPost, "/api/conversations/close", `{"key":"acme:room-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CloseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, CloseResponse{Key: "acme:room-1", Fragments: 3, Jobs: 2}, resp)
	require.Len(t, env.ops.closed, 1)
	assert.Equal(t, "room-1", env.ops.closed[0].ConversationID)
}

func TestCloseConversation_BadBody(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/conversations/close", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/conversations/close", `{"key":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.ops.closed)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?key=acme:room-1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	select {
	case <-env.sub.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("client never subscribed")
	}

	key, _ := conv.NewKey("acme", "room-1")
	other, _ := conv.NewKey("acme", "room-2")
	env.sub.ch <- events.New(events.TypeFlushed, other, time.Now())
	sent := events.New(events.TypeChunkSent, key, time.Now())
	sent.JobID = "job-1"
	env.sub.ch <- sent

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	deadline := time.After(2 * time.Second)
	for dataLine == "" {
		lineCh := make(chan string, 1)
		go func() {
			line, _ := reader.ReadString('\n')
			lineCh <- line
		}()
		select {
		case line := <-lineCh:
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "event: "):
				eventLine = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				dataLine = strings.TrimPrefix(line, "data: ")
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}

	assert.Equal(t, "chunk_sent", eventLine)
	var got events.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &got))
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "acme:room-1", got.Key)
}
