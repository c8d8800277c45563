package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridserve/gridserve/core/logx"
	"github.com/gridserve/gridserve/internal/metrics"
	"github.com/gridserve/gridserve/internal/worker"
)

// DefaultTaskRetention caps how many terminal tasks are kept before the
// oldest are evicted. Pending and in-flight tasks are never evicted.
const DefaultTaskRetention = 10000

// Stats counts tasks by lifecycle state. The assigned state is transient and
// folded into processing.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Dispatcher owns task admission, worker selection and lifecycle signaling.
// Scheduling passes are serialized through a single goroutine (Run); a pass
// requested while one is in progress coalesces into the buffered notify
// channel.
type Dispatcher struct {
	reg       *worker.Registry
	exec      Executor
	retention int
	notify    chan struct{}
	waiters   *waiterRegistry

	mu       sync.Mutex
	tasks    map[string]*Task
	queue    []string // pending task ids in enqueue order
	terminal []string // terminal task ids in completion order, for eviction
	running  map[string]context.CancelFunc
	seq      int
}

func New(reg *worker.Registry, exec Executor, retention int) *Dispatcher {
	if retention <= 0 {
		retention = DefaultTaskRetention
	}
	return &Dispatcher{
		reg:       reg,
		exec:      exec,
		retention: retention,
		notify:    make(chan struct{}, 1),
		waiters:   newWaiterRegistry(),
		tasks:     make(map[string]*Task),
		running:   make(map[string]context.CancelFunc),
	}
}

// Run executes scheduling passes until ctx is canceled. Simulated processing
// inherits ctx, so shutdown also stops in-flight work.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.notify:
			d.schedulePass(ctx)
		}
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Enqueue admits a task and requests a scheduling pass. It never blocks and
// is safe for concurrent use.
func (d *Dispatcher) Enqueue(taskType string, payload Payload, apiKeyID string, priority int) string {
	id := uuid.NewString()
	d.mu.Lock()
	d.seq++
	t := &Task{
		ID:        id,
		Type:      taskType,
		Payload:   payload,
		APIKeyID:  apiKeyID,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		seq:       d.seq,
	}
	d.tasks[id] = t
	d.queue = append(d.queue, id)
	depth := len(d.queue)
	d.mu.Unlock()
	metrics.SetQueueDepth(depth)
	logx.Log.Debug().Str("task_id", id).Str("model", payload.Model).Int("priority", priority).Msg("task enqueued")
	d.signal()
	return id
}

// schedulePass greedily pairs the best pending task with the least-loaded
// eligible worker until either side runs out. A task that finds no worker
// stays pending; the next completion or enqueue re-runs the pass.
func (d *Dispatcher) schedulePass(ctx context.Context) {
	for {
		taskID, ok := d.nextPending()
		if !ok {
			return
		}
		node, ok := d.pickWorker()
		if !ok {
			return
		}
		// Revalidated under the registry lock; a concurrent heartbeat flap or
		// capacity change means we simply look again.
		if !d.reg.Acquire(node.ID) {
			continue
		}
		d.assign(ctx, taskID, node.ID)
	}
}

// nextPending returns the id of the highest-priority pending task, ties
// broken by enqueue order.
func (d *Dispatcher) nextPending() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var best *Task
	for _, id := range d.queue {
		t := d.tasks[id]
		if t == nil || t.Status != StatusPending {
			continue
		}
		if best == nil || t.Priority > best.Priority || (t.Priority == best.Priority && t.seq < best.seq) {
			best = t
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

// pickWorker returns the online worker with spare capacity and the lowest
// load ratio. Ties go to the larger capacity, then the smaller id, so an
// idle large node beats an idle small one and selection is deterministic.
func (d *Dispatcher) pickWorker() (worker.Node, bool) {
	nodes := d.reg.Online()
	var best worker.Node
	found := false
	for _, n := range nodes {
		if !n.HasCapacity() {
			continue
		}
		if !found || lessLoaded(n, best) {
			best = n
			found = true
		}
	}
	return best, found
}

func lessLoaded(a, b worker.Node) bool {
	ra, rb := a.LoadRatio(), b.LoadRatio()
	if ra != rb {
		return ra < rb
	}
	if a.MaxCapacity != b.MaxCapacity {
		return a.MaxCapacity > b.MaxCapacity
	}
	return a.ID < b.ID
}

// assign moves the task to its worker and starts processing. Capacity on the
// worker has already been reserved by the caller.
func (d *Dispatcher) assign(ctx context.Context, taskID, workerID string) {
	d.mu.Lock()
	t := d.tasks[taskID]
	if t == nil || t.Status != StatusPending {
		d.mu.Unlock()
		d.reg.Release(workerID)
		return
	}
	d.dropFromQueue(taskID)
	t.Status = StatusAssigned
	t.AssignedWorker = workerID
	// Processing begins immediately in this design; the distinct state and
	// timestamp leave room for a remote dispatch step.
	t.Status = StatusProcessing
	t.StartedAt = time.Now()
	taskCtx, cancel := context.WithCancel(ctx)
	d.running[taskID] = cancel
	snapshot := *t
	depth := len(d.queue)
	d.mu.Unlock()

	metrics.SetQueueDepth(depth)
	metrics.RecordTaskStart()
	logx.Log.Info().Str("task_id", taskID).Str("worker_id", workerID).Str("model", snapshot.Payload.Model).Msg("task dispatched")

	go func() {
		res, err := d.exec.Execute(taskCtx, &snapshot)
		d.finalize(taskID, res, err)
	}()
}

// dropFromQueue removes taskID from the pending queue. Caller holds d.mu.
func (d *Dispatcher) dropFromQueue(taskID string) {
	for i, id := range d.queue {
		if id == taskID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return
		}
	}
}

// finalize records the terminal outcome exactly once, frees worker capacity,
// and signals any waiters. Late executor returns for tasks already finalized
// (e.g. worker lost) are no-ops.
func (d *Dispatcher) finalize(taskID string, res *Result, err error) {
	d.mu.Lock()
	t := d.tasks[taskID]
	if t == nil || t.terminal() {
		d.mu.Unlock()
		return
	}
	cancel := d.running[taskID]
	delete(d.running, taskID)
	if err != nil {
		t.Status = StatusFailed
		t.FailureReason = err.Error()
		t.failure = err
	} else {
		t.Status = StatusCompleted
		t.Result = res
	}
	t.CompletedAt = time.Now()
	workerID := t.AssignedWorker
	d.terminal = append(d.terminal, taskID)
	d.evictLocked()
	started := t.StartedAt
	model := t.Payload.Model
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if workerID != "" {
		d.reg.Release(workerID)
	}

	var dur time.Duration
	if !started.IsZero() {
		dur = time.Since(started)
	}
	if err != nil {
		metrics.RecordTaskEnd(model, dur, false)
		logx.Log.Warn().Str("task_id", taskID).Str("worker_id", workerID).Err(err).Msg("task failed")
		d.waiters.reject(taskID, &TaskFailedError{TaskID: taskID, Reason: err.Error(), cause: err})
	} else {
		metrics.RecordTaskEnd(model, dur, true)
		logx.Log.Info().Str("task_id", taskID).Str("worker_id", workerID).Dur("duration", dur).Msg("task completed")
		d.waiters.resolve(taskID, res)
	}
	d.signal()
}

// evictLocked trims the oldest terminal tasks beyond the retention cap.
// Caller holds d.mu.
func (d *Dispatcher) evictLocked() {
	for len(d.terminal) > d.retention {
		old := d.terminal[0]
		d.terminal = d.terminal[1:]
		delete(d.tasks, old)
	}
}

// WorkerRemoved force-fails every in-flight task assigned to the worker and
// stops its simulated processing. Pending tasks are untouched; they were
// never bound to the node.
func (d *Dispatcher) WorkerRemoved(workerID string) {
	d.mu.Lock()
	var doomed []string
	for id, t := range d.tasks {
		if t.AssignedWorker == workerID && !t.terminal() {
			doomed = append(doomed, id)
		}
	}
	d.mu.Unlock()
	for _, id := range doomed {
		d.finalize(id, nil, ErrWorkerLost)
	}
}

// WaitForCompletion blocks until the task reaches a terminal state, the
// timeout elapses, or ctx is done. A timeout affects only this waiter; the
// task keeps running and its eventual result is retained but never delivered
// here.
func (d *Dispatcher) WaitForCompletion(ctx context.Context, taskID string, timeout time.Duration) (*Result, error) {
	d.mu.Lock()
	t, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	switch t.Status {
	case StatusCompleted:
		res := t.Result
		d.mu.Unlock()
		return res, nil
	case StatusFailed:
		ferr := &TaskFailedError{TaskID: taskID, Reason: t.FailureReason, cause: t.failure}
		d.mu.Unlock()
		return nil, ferr
	}
	e := d.waiters.register(taskID, timeout)
	d.mu.Unlock()

	select {
	case out := <-e.ch:
		return out.result, out.err
	case <-ctx.Done():
		d.waiters.fail(taskID, e, ctx.Err())
		out := <-e.ch
		return out.result, out.err
	}
}

// Stats recounts tasks by state on demand.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	var st Stats
	for _, t := range d.tasks {
		switch t.Status {
		case StatusPending:
			st.Pending++
		case StatusAssigned, StatusProcessing:
			st.Processing++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}

// Snapshot returns a read-only view of one task.
func (d *Dispatcher) Snapshot(taskID string) (View, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[taskID]
	if !ok {
		return View{}, false
	}
	return t.view(), true
}

// Recent returns up to limit task views, newest first.
func (d *Dispatcher) Recent(limit int) []View {
	d.mu.Lock()
	views := make([]View, 0, len(d.tasks))
	for _, t := range d.tasks {
		views = append(views, t.view())
	}
	d.mu.Unlock()
	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.After(views[j].CreatedAt) })
	if limit > 0 && len(views) > limit {
		views = views[:limit]
	}
	return views
}
