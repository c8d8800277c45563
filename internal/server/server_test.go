package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridserve/gridserve/internal/auth"
	"github.com/gridserve/gridserve/internal/config"
	"github.com/gridserve/gridserve/internal/dispatch"
	"github.com/gridserve/gridserve/internal/metrics"
	"github.com/gridserve/gridserve/internal/openai"
	"github.com/gridserve/gridserve/internal/telemetry"
	"github.com/gridserve/gridserve/internal/worker"
)

type fixture struct {
	handler  http.Handler
	workers  *worker.Registry
	recorder *telemetry.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var cfg config.ServerConfig
	cfg.SetDefaults()
	cfg.RequestTimeout = 5 * time.Second
	cfg.StateInterval = 10 * time.Millisecond

	reg := worker.NewRegistry()
	reg.AddWithProfile("node-1", "test-gpu", 8192, 4, []string{"llama-3-8b"})

	d := dispatch.New(reg, dispatch.NewSimExecutor(time.Millisecond, time.Millisecond, 0), 0)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)

	rec := telemetry.NewRecorder(0)
	preg := prometheus.NewRegistry()
	metrics.Register(preg)

	h := New(Deps{
		Config:     cfg,
		Workers:    reg,
		Dispatcher: d,
		Aggregator: telemetry.NewAggregator(reg, d, rec),
		Recorder:   rec,
		Keys:       auth.NewMemoryStore(map[string]string{"tester": "sk-test"}),
		Prom:       preg,
		Inflight:   &Counter{},
	})
	return &fixture{handler: h, workers: reg, recorder: rec}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestChatCompletionsRequiresAuth(t *testing.T) {
	f := newFixture(t)
	body := `{"model":"llama-3-8b","messages":[{"role":"user","content":"hi"}]}`
	w := f.do(t, http.MethodPost, "/v1/chat/completions", body, map[string]string{
		"Content-Type": "application/json",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", w.Code)
	}
	w = f.do(t, http.MethodPost, "/v1/chat/completions", body, map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer sk-wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status with bad key = %d, want 401", w.Code)
	}
}

func TestChatCompletionsEndToEnd(t *testing.T) {
	f := newFixture(t)
	body := `{"model":"llama-3-8b","messages":[{"role":"user","content":"hi"}]}`
	w := f.do(t, http.MethodPost, "/v1/chat/completions", body, map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer sk-test",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp openai.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Choices[0].Message.Content == "" {
		t.Fatal("empty completion")
	}
	if f.recorder.Len() != 1 {
		t.Fatalf("usage records = %d, want 1", f.recorder.Len())
	}
}

func TestModelsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/models", "", map[string]string{"Authorization": "Bearer sk-test"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "llama-3-8b") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestWorkerCRUD(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/workers", `{"hostname":"added","capacity":2,"gpu":"test-gpu","memory_mb":4096,"models":["mistral-7b"]}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	var created workerView
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Hostname != "added" || created.MaxCapacity != 2 {
		t.Fatalf("created = %+v", created)
	}

	w = f.do(t, http.MethodGet, "/api/workers", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list struct {
		Workers []workerView `json:"workers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Workers) != 2 {
		t.Fatalf("workers = %d, want 2", len(list.Workers))
	}

	w = f.do(t, http.MethodDelete, "/api/workers/"+created.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = f.do(t, http.MethodDelete, "/api/workers/"+created.ID, "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", w.Code)
	}
}

func TestAddWorkerValidation(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/workers", `{"hostname":"  "}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	w = f.do(t, http.MethodPost, "/api/workers", `not json`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestStateEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/state", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st telemetry.State
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Workers.Total != 1 {
		t.Fatalf("worker total = %d, want 1", st.Workers.Total)
	}
}

func TestStateStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, srv.URL+"/api/state/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	for i := 0; i < 2; i++ {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var st telemetry.State
		if err := json.Unmarshal(data, &st); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if st.Workers.Total != 1 {
			t.Fatalf("snapshot %d worker total = %d, want 1", i, st.Workers.Total)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "gridserve_") {
		t.Fatal("metrics exposition missing gridserve collectors")
	}
}
