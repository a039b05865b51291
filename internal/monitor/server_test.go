package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

func newServer(t *testing.T) (*Server, *botqueue.Dispatcher, *Metrics, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	cfg := botqueue.DefaultConfig()
	cfg.Logger = botqueue.NopLogger()
	m := NewMetrics()
	d := botqueue.New(rdb, cfg, nil, botqueue.WithObserver(m))
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	srv := New(Dependencies{Backend: d, Metrics: m, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	return srv, d, m, s
}

func do(t *testing.T, srv *Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func TestSubmitAndGetJob(t *testing.T) {
	srv, _, m, _ := newServer(t)

	code, body := do(t, srv, http.MethodPost, "/api/jobs/text?priority=2", botqueue.TextPayload{UserID: 1, ChatID: 2, Text: "hi"})
	require.Equal(t, http.StatusAccepted, code)
	id := body["id"].(string)
	require.NotEmpty(t, id)

	code, body = do(t, srv, http.MethodGet, "/api/jobs/text/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "waiting", body["state"])
	require.Equal(t, float64(2), body["priority"])

	require.Equal(t, int64(1), m.Snapshot().Queues[botqueue.QueueText].Submitted)
}

func TestSubmitErrors(t *testing.T) {
	srv, _, _, _ := newServer(t)

	code, _ := do(t, srv, http.MethodPost, "/api/jobs/text", botqueue.TextPayload{ChatID: 2})
	require.Equal(t, http.StatusBadRequest, code)

	past := time.Now().Add(-time.Minute)
	code, _ = do(t, srv, http.MethodPost, "/api/jobs/notification", botqueue.NotificationPayload{
		Type: botqueue.NotifyScheduled, Recipients: []int64{1}, Message: "x", ScheduledFor: &past,
	})
	require.Equal(t, http.StatusBadRequest, code)

	p := botqueue.TextPayload{ChatID: 2, Text: "hi"}
	code, _ = do(t, srv, http.MethodPost, "/api/jobs/text?job_id=same", p)
	require.Equal(t, http.StatusAccepted, code)
	code, _ = do(t, srv, http.MethodPost, "/api/jobs/text?job_id=same", p)
	require.Equal(t, http.StatusConflict, code)

	code, _ = do(t, srv, http.MethodPost, "/api/jobs/text?delay_ms=-1", p)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, srv, http.MethodGet, "/api/jobs/text/missing", nil)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, srv, http.MethodGet, "/api/jobs/video/x", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestStatsPauseAndClean(t *testing.T) {
	srv, d, _, _ := newServer(t)
	ctx := context.Background()
	_, err := d.AddNotificationJob(ctx, botqueue.NotificationPayload{Type: botqueue.NotifyImmediate, Recipients: []int64{1}, Message: "x"})
	require.NoError(t, err)

	code, _ := do(t, srv, http.MethodPost, "/api/queues/notify/pause", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := do(t, srv, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, code)
	n := body[string(botqueue.QueueNotification)].(map[string]any)
	require.Equal(t, float64(1), n["waiting"])
	require.Equal(t, true, n["paused"])
	require.Equal(t, float64(0), n["in_flight"])

	code, body = do(t, srv, http.MethodPost, "/api/queues/notification/clean?state=waiting", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), body["removed"])

	code, _ = do(t, srv, http.MethodPost, "/api/queues/notification/clean?state=active", nil)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, srv, http.MethodPost, "/api/queues/notification/clean?state=bogus", nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, srv, http.MethodPost, "/api/queues/notification/resume", nil)
	require.Equal(t, http.StatusOK, code)
	require.False(t, d.Stats(ctx)[botqueue.QueueNotification].Paused)
}

func TestHealth(t *testing.T) {
	srv, _, _, s := newServer(t)

	code, body := do(t, srv, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, botqueue.HealthHealthy, body["status"])
	require.Equal(t, true, body["store_connected"])

	s.Close()
	code, body = do(t, srv, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, botqueue.HealthDegraded, body["status"])
}

func TestQueuesAndMetrics(t *testing.T) {
	srv, _, m, _ := newServer(t)
	m.Observe(botqueue.Event{Type: botqueue.EventCompleted, Queue: botqueue.QueueImage, Duration: 40 * time.Millisecond})
	m.Observe(botqueue.Event{Type: botqueue.EventCompleted, Queue: botqueue.QueueImage, Duration: 20 * time.Millisecond})
	m.Observe(botqueue.Event{Type: botqueue.EventFailed, Queue: botqueue.QueueImage, Kind: botqueue.KindTimeout})

	req := httptest.NewRequest(http.MethodGet, "/api/queues", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var qs []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &qs))
	require.Len(t, qs, 3)
	require.Equal(t, "process-image", qs[1]["job_name"])

	code, body := do(t, srv, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	events := body["events"].(map[string]any)
	img := events["queues"].(map[string]any)[string(botqueue.QueueImage)].(map[string]any)
	require.Equal(t, float64(2), img["completed"])
	require.Equal(t, float64(30), img["avg_duration_ms"])
	require.Equal(t, float64(1), events["errors"].(map[string]any)["TIMEOUT"])
}
