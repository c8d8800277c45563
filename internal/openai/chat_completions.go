package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gridserve/gridserve/core/logx"
	"github.com/gridserve/gridserve/internal/auth"
	"github.com/gridserve/gridserve/internal/dispatch"
	"github.com/gridserve/gridserve/internal/metrics"
	"github.com/gridserve/gridserve/internal/telemetry"
	"github.com/gridserve/gridserve/internal/worker"
)

// streamChunkWords controls how many words each simulated SSE chunk carries.
const streamChunkWords = 4

// ChatCompletionsHandler serves POST /v1/chat/completions: it admits the
// request as a dispatch task, waits for the terminal outcome within timeout,
// and renders it as an OpenAI completion (or an SSE chunk stream when the
// client asked for streaming). Usage is recorded here, once per terminal
// task, keeping the dispatcher free of billing concerns.
func ChatCompletionsHandler(d *dispatch.Dispatcher, rec *telemetry.Recorder, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "expected application/json")
			return
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "missing model")
			return
		}
		if len(req.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "missing messages")
			return
		}

		keyID := auth.KeyID(r.Context())
		priority := 0
		if v := r.Header.Get("X-Priority"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				priority = n
			}
		}

		payload := dispatch.Payload{
			Model:       req.Model,
			Messages:    req.Messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		}
		start := time.Now()
		taskID := d.Enqueue(dispatch.TaskTypeChatCompletion, payload, keyID, priority)
		logx.Log.Info().Str("task_id", taskID).Str("api_key_id", keyID).Str("model", req.Model).Bool("stream", req.Stream).Msg("chat completion accepted")

		res, err := d.WaitForCompletion(r.Context(), taskID, timeout)
		if err != nil {
			status := failureStatus(err)
			if status != 0 {
				record(rec, keyID, req.Model, dispatch.Usage{}, start, status)
				writeError(w, status, "inference_error", err.Error())
			}
			return
		}

		record(rec, keyID, req.Model, res.Usage, start, http.StatusOK)
		metrics.AddTokens(res.Usage.PromptTokens, res.Usage.CompletionTokens)

		if req.Stream {
			streamCompletion(w, req.Model, res)
			return
		}
		resp := ChatResponse{
			ID:      "chatcmpl-" + uuid.NewString(),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []ChatChoice{{
				Message:      dispatch.Message{Role: "assistant", Content: res.Content},
				FinishReason: "stop",
			}},
			Usage: res.Usage,
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// failureStatus maps a wait failure to an HTTP status. A zero return means
// the client is gone and nothing should be written.
func failureStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrTaskTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, dispatch.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return 0
	default:
		return http.StatusBadGateway
	}
}

// streamCompletion replays a finished result as chat.completion.chunk events.
// The synthetic backend produces whole completions, so streaming here is a
// presentation concern, not a second execution path.
func streamCompletion(w http.ResponseWriter, model string, res *dispatch.Result) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	writeChunk(w, ChatChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []chunkChoice{{Delta: chunkDelta{Role: "assistant"}}},
	})
	words := strings.Fields(res.Content)
	for i := 0; i < len(words); i += streamChunkWords {
		end := i + streamChunkWords
		if end > len(words) {
			end = len(words)
		}
		piece := strings.Join(words[i:end], " ")
		if end < len(words) {
			piece += " "
		}
		writeChunk(w, ChatChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []chunkChoice{{Delta: chunkDelta{Content: piece}}},
		})
		flusher.Flush()
	}
	stop := "stop"
	writeChunk(w, ChatChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []chunkChoice{{FinishReason: &stop}},
	})
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

func writeChunk(w http.ResponseWriter, chunk ChatChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		logx.Log.Warn().Err(err).Msg("serialize stream chunk")
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}

// ModelsHandler serves GET /v1/models from the union of models advertised by
// online workers.
func ModelsHandler(reg *worker.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := ModelList{Object: "list", Data: []ModelInfo{}}
		for _, m := range reg.Models() {
			list.Data = append(list.Data, ModelInfo{ID: m, Object: "model", OwnedBy: "gridserve"})
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func record(rec *telemetry.Recorder, keyID, model string, usage dispatch.Usage, start time.Time, status int) {
	if rec == nil {
		return
	}
	rec.Record(telemetry.UsageRecord{
		APIKeyID:         keyID,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		LatencyMs:        time.Since(start).Milliseconds(),
		StatusCode:       status,
		Timestamp:        time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, typ, msg string) {
	writeJSON(w, status, errorBody{Error: errorInfo{Message: msg, Type: typ}})
}
