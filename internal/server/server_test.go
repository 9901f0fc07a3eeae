package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/pidtune/internal/space"
	"github.com/cwbudde/pidtune/internal/store"
	"github.com/cwbudde/pidtune/internal/store/remote"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return NewServer(st, ":0"), st
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) remote.ErrorResponse {
	t.Helper()
	var e remote.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e), w.Body.String())
	return e
}

func createStudy(t *testing.T, h http.Handler, name string) {
	t.Helper()
	w := do(t, h, http.MethodPost, "/v1/studies", store.StudySpec{Name: name, Direction: store.Minimize, Space: space.DefaultPI()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestServer_CreateStudy(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	spec := store.StudySpec{Name: "tank1", Direction: store.Minimize, Space: space.DefaultPI()}

	w := do(t, h, http.MethodPost, "/v1/studies", spec)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp remote.CreateStudyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Created)
	assert.Equal(t, "tank1", resp.Study.Name)

	w = do(t, h, http.MethodPost, "/v1/studies", spec)
	assert.Equal(t, http.StatusOK, w.Code, "second create resumes")

	spec.Space.Dims[0].High = 0.3
	w = do(t, h, http.MethodPost, "/v1/studies", spec)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, remote.CodeSpaceMismatch, decodeError(t, w).Code)

	w = do(t, h, http.MethodPost, "/v1/studies", store.StudySpec{Name: "", Direction: store.Minimize, Space: space.DefaultPI()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, remote.CodeInvalid, decodeError(t, w).Code)
}

func TestServer_MalformedBody(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/studies", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_ClaimCommitFlow(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	createStudy(t, h, "tank1")

	w := do(t, h, http.MethodPost, "/v1/studies/tank1/claim", store.Claim{Worker: "w1", Lease: time.Minute})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, remote.CodeNoPending, decodeError(t, w).Code)

	w = do(t, h, http.MethodPost, "/v1/studies/tank1/trials", remote.EnqueueRequest{Params: space.Vector{"KC": 0.2, "KI": 0.01}})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, h, http.MethodPost, "/v1/studies/tank1/claim", store.Claim{Worker: "w1", Lease: time.Minute})
	require.Equal(t, http.StatusOK, w.Code)
	var claimed store.Trial
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &claimed))
	assert.Equal(t, store.StatusRunning, claimed.Status)
	assert.NotEmpty(t, claimed.ClaimToken)

	w = do(t, h, http.MethodPost, "/v1/studies/tank1/trials/0/heartbeat", remote.HeartbeatRequest{Token: claimed.ClaimToken, Lease: time.Minute})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, h, http.MethodPost, "/v1/studies/tank1/trials/0/heartbeat", remote.HeartbeatRequest{Token: "other", Lease: time.Minute})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, remote.CodeStaleClaim, decodeError(t, w).Code)

	w = do(t, h, http.MethodPost, "/v1/studies/tank1/trials/0/commit", store.Complete(12.5, ""))
	require.Equal(t, http.StatusOK, w.Code)
	var commit remote.CommitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &commit))
	assert.True(t, commit.Applied)

	w = do(t, h, http.MethodPost, "/v1/studies/tank1/trials/0/commit", store.Complete(1, ""))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &commit))
	assert.False(t, commit.Applied)
	assert.Equal(t, 12.5, commit.Trial.Value())

	w = do(t, h, http.MethodGet, "/v1/studies/tank1/best", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var best store.Trial
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &best))
	assert.Equal(t, int64(0), best.ID)

	w = do(t, h, http.MethodGet, "/v1/studies/tank1/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sum store.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, 1, sum.Complete)
}

func TestServer_BadTrialID(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	createStudy(t, h, "tank1")
	w := do(t, h, http.MethodPost, "/v1/studies/tank1/trials/abc/commit", store.Complete(1, ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_EnqueueOutOfBounds(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	createStudy(t, h, "tank1")
	w := do(t, h, http.MethodPost, "/v1/studies/tank1/trials", remote.EnqueueRequest{Params: space.Vector{"KC": 9, "KI": 0.01}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, remote.CodeOutOfBounds, decodeError(t, w).Code)
}

func TestServer_NotFound(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	for _, path := range []string{"/v1/studies/missing", "/v1/studies/missing/trials", "/v1/studies/missing/contour"} {
		w := do(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Equal(t, remote.CodeNotFound, decodeError(t, w).Code, path)
	}

	createStudy(t, h, "tank1")
	w := do(t, h, http.MethodGet, "/v1/studies/tank1/best", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ListAndDelete(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/v1/studies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	createStudy(t, h, "b")
	createStudy(t, h, "a")
	w = do(t, h, http.MethodGet, "/v1/studies", nil)
	var infos []store.StudyInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Name)

	w = do(t, h, http.MethodDelete, "/v1/studies/a", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, h, http.MethodDelete, "/v1/studies/a", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_Contour(t *testing.T) {
	s, st := newTestServer(t)
	h := s.Handler()
	createStudy(t, h, "tank1")

	ctx := context.Background()
	tr, err := st.CreateClaimed(ctx, "tank1", space.Vector{"KC": 0.2, "KI": 0.01}, store.Claim{Worker: "w", Lease: time.Minute})
	require.NoError(t, err)
	_, _, err = st.Commit(ctx, "tank1", tr.ID, store.Complete(30, ""))
	require.NoError(t, err)

	w := do(t, h, http.MethodGet, "/v1/studies/tank1/contour", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "<svg")
}

func TestServer_HealthAndMetrics(t *testing.T) {
	s, st := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pidtune_http_requests_total")

	st.Close()
	w = do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, remote.CodeUnavailable, decodeError(t, w).Code)
}

func TestServer_EventStream(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	createStudy(t, s.Handler(), "tank1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/studies/tank1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan Event, 4)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var e Event
				if json.Unmarshal([]byte(data), &e) == nil {
					events <- e
				}
			}
		}
		close(events)
	}()

	first := <-events
	assert.Equal(t, EventSnapshot, first.Kind)

	h := s.Handler()
	w := do(t, h, http.MethodPost, "/v1/studies/tank1/trials/claimed",
		remote.CreateClaimedRequest{Params: space.Vector{"KC": 0.2, "KI": 0.01}, Claim: store.Claim{Worker: "w", Lease: time.Minute}})
	require.Equal(t, http.StatusCreated, w.Code)
	w = do(t, h, http.MethodPost, "/v1/studies/tank1/trials/0/commit", store.Failed("fatal: rejected"))
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case e := <-events:
		assert.Equal(t, EventTrial, e.Kind)
		require.NotNil(t, e.Trial)
		assert.Equal(t, store.StatusFailed, e.Trial.Status)
		assert.Equal(t, 1, e.Summary.Failed)
	case <-ctx.Done():
		t.Fatal("Timeout waiting for trial event")
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	ch := eb.Subscribe("tank1")
	defer eb.Unsubscribe("tank1", ch)

	eb.Broadcast(Event{Study: "tank1", Kind: EventTrial, Summary: store.Summary{Complete: 3}, Timestamp: time.Now()})
	eb.Broadcast(Event{Study: "other", Kind: EventTrial})

	select {
	case received := <-ch:
		if received.Study != "tank1" {
			t.Errorf("Expected study tank1, got %s", received.Study)
		}
		if received.Summary.Complete != 3 {
			t.Errorf("Expected 3 complete trials, got %d", received.Summary.Complete)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for event")
	}

	select {
	case e := <-ch:
		t.Errorf("Unexpected event for study %s", e.Study)
	default:
	}

	if _, ok := eb.Last("tank1"); !ok {
		t.Error("Expected last event to be cached")
	}

	eb.CleanupStudy("tank1")
	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed after cleanup")
	}
	if _, ok := eb.Last("tank1"); ok {
		t.Error("Expected cached event to be dropped")
	}
}

func TestEventBroadcaster_Close(t *testing.T) {
	eb := NewEventBroadcaster()
	ch := eb.Subscribe("tank1")
	eb.Close()
	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed")
	}
	eb.Unsubscribe("tank1", ch) // no double close

	late := eb.Subscribe("tank1")
	if _, ok := <-late; ok {
		t.Error("Expected subscription after close to be closed")
	}
}
