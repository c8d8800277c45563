package openai

import (
	"github.com/gridserve/gridserve/internal/dispatch"
)

// ChatRequest is the accepted subset of the OpenAI chat completions request.
type ChatRequest struct {
	Model       string             `json:"model"`
	Messages    []dispatch.Message `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

// ChatChoice is one completion alternative; this server always returns one.
type ChatChoice struct {
	Index        int              `json:"index"`
	Message      dispatch.Message `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

// ChatResponse is the OpenAI chat completion object.
type ChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []ChatChoice   `json:"choices"`
	Usage   dispatch.Usage `json:"usage"`
}

// chunkDelta carries incremental content in a streamed response.
type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatChunk is one SSE event of a streamed completion.
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

// ModelInfo describes one servable model.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the OpenAI model listing envelope.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

type errorBody struct {
	Error errorInfo `json:"error"`
}

type errorInfo struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
