package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gridserve/gridserve/internal/auth"
	"github.com/gridserve/gridserve/internal/dispatch"
	"github.com/gridserve/gridserve/internal/telemetry"
	"github.com/gridserve/gridserve/internal/worker"
)

func testDispatcher(t *testing.T, exec dispatch.Executor) *dispatch.Dispatcher {
	t.Helper()
	reg := worker.NewRegistry()
	reg.AddWithProfile("node", "test-gpu", 8192, 4, []string{"llama-3-8b"})
	d := dispatch.New(reg, exec, 0)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d
}

func fastExecutor() dispatch.Executor {
	return dispatch.NewSimExecutor(time.Millisecond, time.Millisecond, 0)
}

func postChat(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r = r.WithContext(auth.WithKeyID(r.Context(), "tester"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

const validBody = `{"model":"llama-3-8b","messages":[{"role":"user","content":"hello there"}]}`

func TestChatCompletionsSuccess(t *testing.T) {
	rec := telemetry.NewRecorder(0)
	h := ChatCompletionsHandler(testDispatcher(t, fastExecutor()), rec, 5*time.Second)

	w := postChat(t, h, validBody)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Fatalf("id = %q", resp.ID)
	}
	if resp.Object != "chat.completion" {
		t.Fatalf("object = %q", resp.Object)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("choices = %+v", resp.Choices)
	}
	if resp.Choices[0].Message.Role != "assistant" || resp.Choices[0].Message.Content == "" {
		t.Fatalf("message = %+v", resp.Choices[0].Message)
	}
	if resp.Usage.TotalTokens == 0 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
	if rec.Len() != 1 {
		t.Fatalf("usage records = %d, want 1", rec.Len())
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	h := ChatCompletionsHandler(testDispatcher(t, fastExecutor()), nil, time.Second)
	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"missing model", `{"messages":[{"role":"user","content":"x"}]}`},
		{"missing messages", `{"model":"llama-3-8b"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postChat(t, h, tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			var body errorBody
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Type != "invalid_request_error" {
				t.Fatalf("error type = %q", body.Error.Type)
			}
		})
	}
}

func TestChatCompletionsRejectsWrongContentType(t *testing.T) {
	h := ChatCompletionsHandler(testDispatcher(t, fastExecutor()), nil, time.Second)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(validBody))
	r.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

type slowExecutor struct{}

func (slowExecutor) Execute(ctx context.Context, _ *dispatch.Task) (*dispatch.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestChatCompletionsTimeout(t *testing.T) {
	rec := telemetry.NewRecorder(0)
	h := ChatCompletionsHandler(testDispatcher(t, slowExecutor{}), rec, 20*time.Millisecond)
	w := postChat(t, h, validBody)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
	if rec.Len() != 1 {
		t.Fatalf("usage records = %d, want 1", rec.Len())
	}
}

func TestChatCompletionsUpstreamFailure(t *testing.T) {
	h := ChatCompletionsHandler(testDispatcher(t, dispatch.NewSimExecutor(time.Millisecond, time.Millisecond, 1)), nil, time.Second)
	w := postChat(t, h, validBody)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}

func TestChatCompletionsStream(t *testing.T) {
	h := ChatCompletionsHandler(testDispatcher(t, fastExecutor()), nil, 5*time.Second)
	body := `{"model":"llama-3-8b","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	w := postChat(t, h, body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := strings.Split(w.Body.String(), "\n")
	var chunks []ChatChunk
	sawDone := false
	for _, line := range lines {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			continue
		}
		var c ChatChunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			t.Fatalf("decode chunk %q: %v", data, err)
		}
		chunks = append(chunks, c)
	}
	if !sawDone {
		t.Fatal("stream missing [DONE] sentinel")
	}
	if len(chunks) < 3 {
		t.Fatalf("chunks = %d, want at least role, content and finish", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Fatalf("first chunk = %+v, want assistant role delta", chunks[0])
	}
	last := chunks[len(chunks)-1]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Fatalf("last chunk = %+v, want finish stop", last)
	}
	var content strings.Builder
	for _, c := range chunks {
		content.WriteString(c.Choices[0].Delta.Content)
	}
	if !strings.Contains(content.String(), "llama-3-8b") {
		t.Fatalf("reassembled content %q does not name the model", content.String())
	}
}

func TestModelsHandler(t *testing.T) {
	reg := worker.NewRegistry()
	reg.AddWithProfile("a", "g", 1024, 1, []string{"mistral-7b", "gemma-2b"})
	h := ModelsHandler(reg)
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var list ModelList
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Object != "list" || len(list.Data) != 2 {
		t.Fatalf("list = %+v", list)
	}
	if list.Data[0].ID != "gemma-2b" || list.Data[1].ID != "mistral-7b" {
		t.Fatalf("models not sorted: %+v", list.Data)
	}
}
