package dispatch

import (
	"time"
)

// TaskStatus is the lifecycle state of a task. Transitions are owned
// exclusively by the Dispatcher:
//
//	pending -> assigned -> processing -> completed | failed
//
// There is no retry and no cancellation; a failed task is re-enqueued by the
// caller if desired.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusAssigned   TaskStatus = "assigned"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// TaskTypeChatCompletion is the only request kind served today. The field is
// kept as a discriminator so other kinds can be added without reshaping the
// task record.
const TaskTypeChatCompletion = "chat_completion"

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Payload carries the inference request itself.
type Payload struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Usage mirrors the token accounting of an upstream provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the successful outcome of a task.
type Result struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Task is one inference request flowing through the dispatch lifecycle.
// Records are mutated only by the Dispatcher and retained until evicted by
// the terminal-task cap.
type Task struct {
	ID             string
	Type           string
	Payload        Payload
	APIKeyID       string
	Priority       int
	Status         TaskStatus
	AssignedWorker string
	Result         *Result
	FailureReason  string
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time

	seq     int   // enqueue order, tiebreak within equal priority
	failure error // terminal error delivered to waiters
}

// View is the read-only projection of a task handed to the monitoring
// surface.
type View struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Model          string     `json:"model"`
	APIKeyID       string     `json:"api_key_id"`
	Priority       int        `json:"priority"`
	Status         TaskStatus `json:"status"`
	AssignedWorker string     `json:"assigned_worker,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (t *Task) view() View {
	v := View{
		ID:             t.ID,
		Type:           t.Type,
		Model:          t.Payload.Model,
		APIKeyID:       t.APIKeyID,
		Priority:       t.Priority,
		Status:         t.Status,
		AssignedWorker: t.AssignedWorker,
		FailureReason:  t.FailureReason,
		CreatedAt:      t.CreatedAt,
	}
	if !t.StartedAt.IsZero() {
		ts := t.StartedAt
		v.StartedAt = &ts
	}
	if !t.CompletedAt.IsZero() {
		ts := t.CompletedAt
		v.CompletedAt = &ts
	}
	return v
}

func (t *Task) terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}
