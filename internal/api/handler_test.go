package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittynXR/maowbot-sub000/internal/config"
	"github.com/kittynXR/maowbot-sub000/internal/engine"
	"github.com/kittynXR/maowbot-sub000/internal/handler"
	"github.com/kittynXR/maowbot-sub000/internal/handler/builtin"
	"github.com/kittynXR/maowbot-sub000/internal/logging"
	"github.com/kittynXR/maowbot-sub000/internal/pipeline"
	"github.com/kittynXR/maowbot-sub000/internal/store"
	"github.com/kittynXR/maowbot-sub000/internal/store/memory"
)

func greeter() pipeline.Pipeline {
	return pipeline.Pipeline{
		Name:     "greeter",
		Enabled:  true,
		Priority: 10,
		Filters: []pipeline.Filter{
			{Type: "platform_filter", Config: map[string]interface{}{"platforms": []interface{}{"twitch"}}, Required: true},
			{Type: "message_pattern_filter", Config: map[string]interface{}{"patterns": []interface{}{"^!hi"}}, Order: 1, Required: true},
		},
		Actions: []pipeline.Action{
			{Type: "set_data", Config: map[string]interface{}{"key": "reply", "value": "hi {user}"}},
		},
	}
}

func newTestServer(t *testing.T, defs ...pipeline.Pipeline) (*httptest.Server, *engine.Engine, *memory.Store) {
	t.Helper()
	reg := handler.NewRegistry()
	require.NoError(t, builtin.Register(reg, builtin.Deps{Logger: logging.Discard()}))
	st := memory.New(defs...)
	eng := engine.New(reg, st, nil, config.EngineConf{EventWorkers: 2, AsyncWorkers: 1, QueueDepth: 10, AsyncQueueDepth: 10}, logging.Discard())
	_, err := eng.Reload(context.Background())
	require.NoError(t, err)

	srv := httptest.NewServer(New(eng, st, logging.Discard()))
	t.Cleanup(func() {
		srv.Close()
		_ = eng.Shutdown(context.Background())
	})
	return srv, eng, st
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

const hiEvent = `{"event_type":"chat.message","platform":"twitch","payload":{"user":"alice","text":"!hi all"}}`

func TestIngestEvent(t *testing.T) {
	srv, _, st := newTestServer(t, greeter())

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/events", hiEvent)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, body["event_id"])
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))

	assert.Eventually(t, func() bool {
		execs, err := st.ListExecutions(context.Background(), store.ExecutionQuery{})
		return err == nil && len(execs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIngestEvent_BadRequests(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/events", `{nope`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid JSON")

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/events", `{"platform":"twitch"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "event_type is required", body["error"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/events", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestIngestBatch(t *testing.T) {
	srv, _, _ := newTestServer(t, greeter())

	batch := "[" + hiEvent + "," + hiEvent + `,{"platform":"x"}]`
	resp, body := do(t, http.MethodPost, srv.URL+"/v1/events/batch", batch)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.EqualValues(t, 3, body["total"])
	assert.EqualValues(t, 2, body["queued"])
	assert.EqualValues(t, 1, body["invalid"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/events/batch", "[]")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var big bytes.Buffer
	big.WriteString("[")
	for i := 0; i <= maxBatchSize; i++ {
		if i > 0 {
			big.WriteString(",")
		}
		big.WriteString(hiEvent)
	}
	big.WriteString("]")
	resp, body = do(t, http.MethodPost, srv.URL+"/v1/events/batch", big.String())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "exceeds max")
}

func TestDispatchEvent(t *testing.T) {
	srv, _, _ := newTestServer(t, greeter())

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/events/dispatch", hiEvent)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["matched"])
	execs := body["executions"].([]interface{})
	require.Len(t, execs, 1)
	run := execs[0].(map[string]interface{})
	assert.Equal(t, "greeter", run["pipeline_name"])
	assert.Equal(t, "success", run["status"])

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/events/dispatch",
		`{"event_type":"chat.message","platform":"discord","payload":{"text":"!hi"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["matched"])
}

func TestDispatchEvent_OutlivesClient(t *testing.T) {
	_, eng, st := newTestServer(t, greeter())
	h := New(eng, st, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/events/dispatch", strings.NewReader(hiEvent)).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["matched"])

	run := body["executions"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "success", run["status"])
	assert.Eventually(t, func() bool {
		execs, err := st.ListExecutions(context.Background(), store.ExecutionQuery{Status: "success"})
		return err == nil && len(execs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPipelinesAndReload(t *testing.T) {
	broken := greeter()
	broken.Name = "broken"
	broken.Actions = []pipeline.Action{{Type: "teleport"}}
	srv, _, st := newTestServer(t, greeter(), broken)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/pipelines", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["generation"])
	assert.Len(t, body["active"], 1)
	assert.Len(t, body["rejected"], 1)
	assert.Len(t, body["pipelines"], 2)

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/pipelines/reload", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["generation"])
	assert.Equal(t, false, body["changed"])

	st.FailLoads = assert.AnError
	resp, body = do(t, http.MethodPost, srv.URL+"/v1/pipelines/reload", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "storage error", body["class"])
}

func TestValidatePipeline(t *testing.T) {
	srv, _, _ := newTestServer(t)

	good, err := json.Marshal(greeter())
	require.NoError(t, err)
	resp, body := do(t, http.MethodPost, srv.URL+"/v1/pipelines/validate", string(good))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])

	bad := greeter()
	bad.Filters[0].Config = map[string]interface{}{"platforms": "twitch"}
	raw, err := json.Marshal(bad)
	require.NoError(t, err)
	resp, body = do(t, http.MethodPost, srv.URL+"/v1/pipelines/validate", string(raw))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, false, body["valid"])
	assert.Contains(t, body["error"], "platforms")
}

func TestExecutions(t *testing.T) {
	srv, _, _ := newTestServer(t, greeter())
	_, body := do(t, http.MethodPost, srv.URL+"/v1/events/dispatch", hiEvent)
	id := body["executions"].([]interface{})[0].(map[string]interface{})["id"].(string)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/executions?status=success&limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/executions?status=failed", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["count"])
	assert.Equal(t, []interface{}{}, body["executions"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/executions?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/executions?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/executions/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["id"])
	results := body["results"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, "hi alice", results[0].(map[string]interface{})["output"].(map[string]interface{})["value"])

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/executions/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not found", body["class"])
}

func TestStatsAndHandlers(t *testing.T) {
	srv, _, _ := newTestServer(t, greeter())
	do(t, http.MethodPost, srv.URL+"/v1/events/dispatch", hiEvent)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["runs"])

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/handlers?kind=action", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, h := range body["handlers"].([]interface{}) {
		assert.Equal(t, "action", h.(map[string]interface{})["kind"])
	}
}

func TestProbesAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = do(t, http.MethodGet, srv.URL+"/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	req.Header.Set(requestIDHeader, "req-42")
	mresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
	assert.Equal(t, "req-42", mresp.Header.Get(requestIDHeader))
}

func TestReadyz_DependencyDown(t *testing.T) {
	_, eng, st := newTestServer(t)
	var up atomic.Bool
	up.Store(true)
	srv := httptest.NewServer(New(eng, st, logging.Discard(),
		ReadinessCheck{Name: "nats", Ready: func() bool { return up.Load() }}))
	t.Cleanup(srv.Close)

	resp, body := do(t, http.MethodGet, srv.URL+"/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])

	up.Store(false)
	resp, body = do(t, http.MethodGet, srv.URL+"/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", body["status"])
	assert.Equal(t, []interface{}{"nats"}, body["unavailable"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
