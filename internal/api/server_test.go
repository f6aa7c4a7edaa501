package api

import (
	"bytes"
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tagbeat/internal/agent"
	"github.com/banshee-data/tagbeat/internal/cs"
	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/httputil"
	"github.com/banshee-data/tagbeat/internal/monitoring"
	"github.com/banshee-data/tagbeat/internal/pipeline"
	"github.com/banshee-data/tagbeat/internal/recorder"
	"github.com/banshee-data/tagbeat/internal/sink"
	"github.com/banshee-data/tagbeat/internal/source"
	"github.com/banshee-data/tagbeat/internal/testutil"
)

var testParams = frame.Params{SampleCount: 8, FrameSize: 16, Sparsity: 2}

const startBody = `{"tagseeIP":"10.0.0.5:9092","agentIP":"192.168.1.20"}`

type feedSource struct {
	frames chan frame.RawFrame
}

func (s *feedSource) Name() string { return "feed" }

func (s *feedSource) Start(ctx context.Context, emit func(frame.RawFrame)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.frames:
			emit(f)
		}
	}
}

type harness struct {
	handler     http.Handler
	manager     *pipeline.Manager
	broadcaster *sink.Broadcaster
	agentHTTP   *httputil.MockHTTPClient
	src         *feedSource
	targets     []agent.Target
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(t.Logf) })

	store, err := recorder.OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	rec := recorder.New(store)

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	b := sink.NewBroadcaster(64, metrics)
	m, err := pipeline.NewManager(pipeline.Options{
		Params:       testParams,
		Recorder:     rec,
		Sink:         b,
		Metrics:      metrics,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Stop() })

	h := &harness{
		manager:     m,
		broadcaster: b,
		agentHTTP:   httputil.NewMockHTTPClient(),
		src:         &feedSource{frames: make(chan frame.RawFrame)},
	}
	srv := NewServer(Config{
		Manager:     m,
		Broadcaster: b,
		Agent:       agent.NewClient(h.agentHTTP),
		Sessions:    rec,
		NewSource: func(t agent.Target) source.Source {
			h.targets = append(h.targets, t)
			return h.src
		},
		Metrics:     metrics,
		CommandWait: time.Second,
	})
	h.handler = srv.Router()
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	rec := testutil.Do(t, h.handler, method, path, body)
	return rec.Code, testutil.DecodeJSON(t, rec)
}

func (h *harness) feed(t *testing.T, n int) {
	t.Helper()
	sub := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(sub.ID)
	for seq := 1; seq <= n; seq++ {
		tags := map[frame.TagID]float64{1: 2, frame.TagID(seq % 8): 1}
		h.src.frames <- frame.RawFrame{Seq: uint64(seq), TimestampNanos: int64(seq), Samples: cs.Measure(tags, testParams)}
		select {
		case <-sub.C:
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d was not published", seq)
		}
	}
}

func TestDiscoverAndCORS(t *testing.T) {
	h := newHarness(t)
	rec := testutil.Do(t, h.handler, http.MethodGet, "/discover", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, 0.0, testutil.DecodeJSON(t, rec)["code"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Request-Method"))

	rec = testutil.Do(t, h.handler, http.MethodOptions, "/start", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
}

func TestChangeParamBeforeStart(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodGet, "/changeParam?K=2", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, 1.0, body["code"])
	assert.Equal(t, "The system is not started.", body["message"])
}

func TestStartRequiresAddresses(t *testing.T) {
	h := newHarness(t)
	for _, reqBody := range []string{"", `{}`, `{"tagseeIP":"x"}`} {
		code, body := h.do(t, http.MethodPost, "/start", reqBody)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, 1.0, body["code"])
	}
	code, _ := h.do(t, http.MethodPost, "/start", `{"tagseeIP":`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Zero(t, h.agentHTTP.RequestCount())
	assert.Equal(t, pipeline.Idle, h.manager.State())
}

func TestStartAgentFailure(t *testing.T) {
	h := newHarness(t)
	h.agentHTTP.AddResponse(http.StatusServiceUnavailable, "reader offline")

	code, body := h.do(t, http.MethodPost, "/start", startBody)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, 503.0, body["code"])
	assert.Equal(t, "reader offline", body["message"])
	assert.Equal(t, pipeline.Idle, h.manager.State())
}

func TestLiveSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	h.agentHTTP.AddResponse(http.StatusOK, "started").AddResponse(http.StatusOK, "stopped")

	code, body := h.do(t, http.MethodPost, "/start", startBody)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "started", body["message"])
	assert.NotEmpty(t, body["run_id"])
	assert.Equal(t, pipeline.Live, h.manager.State())
	require.Len(t, h.targets, 1)
	assert.Equal(t, "192.168.1.20", h.targets[0].AgentIP)
	assert.Equal(t, "http://10.0.0.5:9092/service/agent/192.168.1.20/start", h.agentHTTP.Requests()[0].URL.String())

	code, _ = h.do(t, http.MethodPost, "/start", startBody)
	assert.Equal(t, http.StatusConflict, code)

	// Parameter changes report the store's validation result.
	code, body = h.do(t, http.MethodGet, "/changeParam?K=1", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, map[string]interface{}{"n": 8.0, "q": 16.0, "k": 1.0}, body["params"])

	code, _ = h.do(t, http.MethodGet, "/changeParam?K=99", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodGet, "/changeParam?K=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)

	// Raising N and Q together never passes through Q < N.
	code, body = h.do(t, http.MethodGet, "/changeParam?N=32&Q=64&K=2", "")
	require.Equal(t, http.StatusOK, code, body)
	code, _ = h.do(t, http.MethodGet, "/changeParam?N=8&Q=16", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, testParams, h.manager.Params())

	code, _ = h.do(t, http.MethodPost, "/filtering", `{"T5": false, "3": true}`)
	require.Equal(t, http.StatusOK, code)
	code, body = h.do(t, http.MethodGet, "/getFilters", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]interface{}{"T5": false, "T3": true}, body["filters"])

	code, _ = h.do(t, http.MethodPost, "/filtering", `{"T5": "no"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	h.feed(t, 10)
	require.Eventually(t, func() bool { return h.manager.Status().Frames == 10 }, 5*time.Second, 5*time.Millisecond)

	code, body = h.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, code)
	pl := body["pipeline"].(map[string]interface{})
	assert.Equal(t, "live", pl["state"])
	assert.Equal(t, 10.0, pl["frames"])
	assert.Contains(t, body, "last_frame")

	code, body = h.do(t, http.MethodGet, "/stop", startBody)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "stopped", body["message"])
	assert.Equal(t, pipeline.Stopped, h.manager.State())

	code, body = h.do(t, http.MethodGet, "/history", "")
	require.Equal(t, http.StatusOK, code)
	history := body["history"].([]interface{})
	require.Len(t, history, 1)
	id := history[0].(string)

	code, body = h.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, code)
	sessions := body["sessions"].([]interface{})
	require.Len(t, sessions, 1)
	assert.Equal(t, 10.0, sessions[0].(map[string]interface{})["frames"])

	rec := testutil.Do(t, h.handler, http.MethodGet, "/api/sessions/"+id+"/plot.png", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = testutil.Do(t, h.handler, http.MethodGet, "/debug/chart?session="+id, "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Body.String(), "echarts")

	rec = testutil.Do(t, h.handler, http.MethodGet, "/debug/chart", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	// Standalone replay of the recorded session.
	code, body = h.do(t, http.MethodGet, "/replay?filename="+id, "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, id, body["session"])
	require.NoError(t, h.manager.Wait(context.Background()))
}

func TestReplayErrors(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodGet, "/replay?filename=nonexistent", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 404.0, body["code"])

	code, _ = h.do(t, http.MethodGet, "/replay", "")
	assert.Equal(t, http.StatusBadRequest, code)

	rec := testutil.Do(t, h.handler, http.MethodGet, "/api/sessions/nonexistent/plot.png", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	// During a live run an unknown session is rejected and the run goes on.
	h.agentHTTP.AddResponse(http.StatusOK, "started")
	code, _ = h.do(t, http.MethodPost, "/start", startBody)
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodGet, "/replay?filename=nonexistent", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, pipeline.Live, h.manager.State())
}

func TestQueuedCommandAnswersAccepted(t *testing.T) {
	h := newHarness(t)
	srv := NewServer(Config{Manager: h.manager, CommandWait: 20 * time.Millisecond})

	// Nothing applies commands while idle.
	rec := testutil.Do(t, srv.Router(), http.MethodPost, "/filtering", `{"T1": false}`)
	testutil.AssertStatusCode(t, rec.Code, http.StatusAccepted)
	assert.Equal(t, "queued", testutil.DecodeJSON(t, rec)["message"])
	assert.Equal(t, 1, h.manager.Status().Pending)
}

func TestStopRunAndMetrics(t *testing.T) {
	h := newHarness(t)
	code, _ := h.do(t, http.MethodPost, "/api/run/stop", "")
	assert.Equal(t, http.StatusConflict, code)

	rec := testutil.Do(t, h.handler, http.MethodGet, "/metrics", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.True(t, strings.Contains(rec.Body.String(), "tagbeat_"), rec.Body.String())
}
