package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/devrel/pkg/coordinator"
	"github.com/harun/devrel/pkg/eventbus"
	"github.com/harun/devrel/pkg/workqueue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type enqueued struct {
	key      string
	payload  map[string]interface{}
	priority workqueue.Priority
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []enqueued
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, key string, payload map[string]interface{}, prio workqueue.Priority) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.tasks = append(q.tasks, enqueued{key: key, payload: payload, priority: prio})
	return fmt.Sprintf("task-%d", len(q.tasks)), nil
}

func newTestServer(t *testing.T, q *fakeQueue, perMinute int) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(Config{Queue: q, RequestsPerMinute: perMinute, Logger: zerolog.Nop()})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().Close()
		ts.Close()
	})
	return srv, ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSubmitEnqueuesRequest(t *testing.T) {
	q := &fakeQueue{}
	_, ts := newTestServer(t, q, 0)

	resp := post(t, ts.URL+"/v1/requests", `{"user_id":"u1","platform":"slack","thread_id":"T1","content":"hello","priority":"high"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))

	var out submitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "task-1", out.TaskID)
	assert.Equal(t, "slack-T1", out.SessionID)

	require.Len(t, q.tasks, 1)
	assert.Equal(t, coordinator.HandlerRequest, q.tasks[0].key)
	assert.Equal(t, workqueue.High, q.tasks[0].priority)
	assert.Equal(t, "hello", q.tasks[0].payload["content"])
	assert.NotEmpty(t, q.tasks[0].payload["request_id"])

	req, err := coordinator.ParseRequest(q.tasks[0].payload)
	require.NoError(t, err)
	assert.Equal(t, eventbus.PlatformSlack, req.Platform)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	q := &fakeQueue{}
	_, ts := newTestServer(t, q, 0)

	for name, body := range map[string]string{
		"not json":         `{`,
		"missing content":  `{"user_id":"u1"}`,
		"unknown platform": `{"content":"x","platform":"fax"}`,
		"bad priority":     `{"content":"x","priority":"urgent"}`,
		"unknown field":    `{"content":"x","colour":"red"}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := post(t, ts.URL+"/v1/requests", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, q.tasks)
}

func TestSubmitQueueClosed(t *testing.T) {
	q := &fakeQueue{err: workqueue.ErrQueueClosed}
	_, ts := newTestServer(t, q, 0)

	resp := post(t, ts.URL+"/v1/requests", `{"content":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSubmitRateLimited(t *testing.T) {
	q := &fakeQueue{}
	_, ts := newTestServer(t, q, 2)

	assert.Equal(t, http.StatusAccepted, post(t, ts.URL+"/v1/requests", `{"content":"1"}`).StatusCode)
	assert.Equal(t, http.StatusAccepted, post(t, ts.URL+"/v1/requests", `{"content":"2"}`).StatusCode)
	resp := post(t, ts.URL+"/v1/requests", `{"content":"3"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Len(t, q.tasks, 2)
}

func TestCloseSessionEnqueuesHighPriority(t *testing.T) {
	q := &fakeQueue{}
	_, ts := newTestServer(t, q, 0)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/sessions/s-42", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, q.tasks, 1)
	assert.Equal(t, coordinator.HandlerSessionClose, q.tasks[0].key)
	assert.Equal(t, workqueue.High, q.tasks[0].priority)
	assert.Equal(t, "s-42", q.tasks[0].payload["session_id"])
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, &fakeQueue{}, 0)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])

	mresp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}

func TestStreamDeliversSessionEvents(t *testing.T) {
	srv, ts := newTestServer(t, &fakeQueue{}, 0)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream?session_id=s1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.Hub().Count() == 1 }, time.Second, 10*time.Millisecond)

	hub := srv.Hub()
	require.NoError(t, hub.HandleEvent(context.Background(), eventbus.NewEvent(
		eventbus.ResponseReady, eventbus.PlatformGitHub, "u2",
		map[string]interface{}{"session_id": "s2", "response": "not yours"},
	)))
	require.NoError(t, hub.HandleEvent(context.Background(), eventbus.NewEvent(
		eventbus.ResponseReady, eventbus.PlatformGitHub, "u1",
		map[string]interface{}{"session_id": "s1", "response": "hi there"},
	)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(eventbus.ResponseReady), msg.Event)
	assert.Equal(t, "s1", msg.SessionID)
	assert.Equal(t, "hi there", msg.Data["response"])
}

func TestRateLimiterWindowSlides(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Now()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("a"))

	assert.True(t, NewRateLimiter(0).Allow("a"))
}
