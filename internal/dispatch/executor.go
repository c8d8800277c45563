package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Executor performs the unit of work a worker does for one task. The
// Dispatcher is agnostic to whether that is a real upstream provider or the
// synthetic delay used by the demo; swapping in genuine GPU dispatch happens
// here.
type Executor interface {
	Execute(ctx context.Context, task *Task) (*Result, error)
}

// ErrUpstream is the failure kind produced when the (simulated) backend
// rejects a request.
var ErrUpstream = errors.New("upstream inference error")

// SimExecutor synthesizes a chat completion after a uniformly distributed
// delay, standing in for real inference latency. A configurable fraction of
// requests fail to exercise the error path.
type SimExecutor struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimExecutor(minLatency, maxLatency time.Duration, failureRate float64) *SimExecutor {
	if minLatency <= 0 {
		minLatency = 100 * time.Millisecond
	}
	if maxLatency < minLatency {
		maxLatency = minLatency
	}
	return &SimExecutor{
		MinLatency:  minLatency,
		MaxLatency:  maxLatency,
		FailureRate: failureRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *SimExecutor) Execute(ctx context.Context, task *Task) (*Result, error) {
	delay, fail := e.roll()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}
	if fail {
		return nil, fmt.Errorf("%w: model %s temporarily unavailable", ErrUpstream, task.Payload.Model)
	}
	content := cannedReply(task)
	return &Result{
		Content: content,
		Usage:   estimateUsage(task.Payload.Messages, content),
	}, nil
}

func (e *SimExecutor) roll() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	span := e.MaxLatency - e.MinLatency
	delay := e.MinLatency
	if span > 0 {
		delay += time.Duration(e.rng.Int63n(int64(span)))
	}
	return delay, e.rng.Float64() < e.FailureRate
}

func cannedReply(task *Task) string {
	prompt := ""
	for i := len(task.Payload.Messages) - 1; i >= 0; i-- {
		if task.Payload.Messages[i].Role == "user" {
			prompt = task.Payload.Messages[i].Content
			break
		}
	}
	if prompt == "" {
		return fmt.Sprintf("[%s] Hello! How can I help you today?", task.Payload.Model)
	}
	return fmt.Sprintf("[%s] You asked: %q. This is a simulated completion generated by the demo backend.", task.Payload.Model, truncate(prompt, 120))
}

// estimateUsage approximates token counts by whitespace-separated words.
func estimateUsage(messages []Message, completion string) Usage {
	var prompt int
	for _, m := range messages {
		prompt += len(strings.Fields(m.Content))
	}
	out := len(strings.Fields(completion))
	return Usage{PromptTokens: prompt, CompletionTokens: out, TotalTokens: prompt + out}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
