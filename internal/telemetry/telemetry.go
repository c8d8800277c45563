package telemetry

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gridserve/gridserve/internal/dispatch"
	"github.com/gridserve/gridserve/internal/worker"
)

// DefaultRetention caps the number of usage records kept in memory.
const DefaultRetention = 10000

// UsageRecord is one billing-relevant entry, written by the API layer once
// per terminal task. The dispatcher itself stays free of billing concerns.
type UsageRecord struct {
	APIKeyID         string    `json:"api_key_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMs        int64     `json:"latency_ms"`
	StatusCode       int       `json:"status_code"`
	Timestamp        time.Time `json:"timestamp"`
}

// Recorder is a bounded in-memory usage log; the oldest entries are dropped
// once the cap is reached.
type Recorder struct {
	mu      sync.Mutex
	records []UsageRecord
	cap     int
}

func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultRetention
	}
	return &Recorder{cap: capacity}
}

// Record appends a usage entry, evicting the oldest when full.
func (r *Recorder) Record(rec UsageRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	if len(r.records) > r.cap {
		r.records = r.records[len(r.records)-r.cap:]
	}
	r.mu.Unlock()
}

// Len returns the number of retained records.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *Recorder) snapshot() []UsageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]UsageRecord, len(r.records))
	copy(cp, r.records)
	return cp
}

// HourBucket aggregates requests and tokens for one clock hour.
type HourBucket struct {
	Hour     time.Time `json:"hour"`
	Requests int       `json:"requests"`
	Tokens   int       `json:"tokens"`
}

// ModelUsage aggregates requests and tokens for one model id.
type ModelUsage struct {
	Model    string `json:"model"`
	Requests int    `json:"requests"`
	Tokens   int    `json:"tokens"`
}

// UsageStats is the derived view over retained usage records.
type UsageStats struct {
	TotalRequests int          `json:"total_requests"`
	TotalTokens   int          `json:"total_tokens"`
	Errors        int          `json:"errors"`
	PerHour       []HourBucket `json:"per_hour"`
	PerModel      []ModelUsage `json:"per_model"`
}

// HostInfo is a coarse snapshot of the host running the control plane.
type HostInfo struct {
	CPUs          int     `json:"cpus"`
	MemoryTotalMB uint64  `json:"memory_total_mb"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	MemoryPercent float64 `json:"memory_used_pct"`
}

// State is the full monitoring payload: read-only, tolerant of staleness.
type State struct {
	Time        time.Time      `json:"time"`
	Workers     worker.Stats   `json:"workers"`
	WorkerList  []worker.Node  `json:"worker_list"`
	Tasks       dispatch.Stats `json:"tasks"`
	RecentTasks []dispatch.View `json:"recent_tasks"`
	Usage       UsageStats     `json:"usage"`
	Host        HostInfo       `json:"host"`
}

// Aggregator derives monitoring views over the registry, dispatcher and
// usage recorder. It holds no state of its own; everything is recomputed on
// each query.
type Aggregator struct {
	workers  *worker.Registry
	disp     *dispatch.Dispatcher
	recorder *Recorder
}

func NewAggregator(workers *worker.Registry, disp *dispatch.Dispatcher, recorder *Recorder) *Aggregator {
	return &Aggregator{workers: workers, disp: disp, recorder: recorder}
}

// Usage recomputes per-hour and per-model aggregates over the last 24 hours
// of retained records.
func (a *Aggregator) Usage() UsageStats {
	records := a.recorder.snapshot()
	stats := UsageStats{}
	hours := make(map[time.Time]*HourBucket)
	models := make(map[string]*ModelUsage)
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, rec := range records {
		stats.TotalRequests++
		stats.TotalTokens += rec.TotalTokens
		if rec.StatusCode >= 400 {
			stats.Errors++
		}
		m := models[rec.Model]
		if m == nil {
			m = &ModelUsage{Model: rec.Model}
			models[rec.Model] = m
		}
		m.Requests++
		m.Tokens += rec.TotalTokens
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		h := rec.Timestamp.Truncate(time.Hour)
		b := hours[h]
		if b == nil {
			b = &HourBucket{Hour: h}
			hours[h] = b
		}
		b.Requests++
		b.Tokens += rec.TotalTokens
	}
	for _, b := range hours {
		stats.PerHour = append(stats.PerHour, *b)
	}
	sort.Slice(stats.PerHour, func(i, j int) bool { return stats.PerHour[i].Hour.Before(stats.PerHour[j].Hour) })
	for _, m := range models {
		stats.PerModel = append(stats.PerModel, *m)
	}
	sort.Slice(stats.PerModel, func(i, j int) bool { return stats.PerModel[i].Model < stats.PerModel[j].Model })
	return stats
}

// State assembles the monitoring snapshot consumed by the dashboard.
func (a *Aggregator) State() State {
	return State{
		Time:        time.Now(),
		Workers:     a.workers.Stats(),
		WorkerList:  a.workers.All(),
		Tasks:       a.disp.Stats(),
		RecentTasks: a.disp.Recent(50),
		Usage:       a.Usage(),
		Host:        hostInfo(),
	}
}

func hostInfo() HostInfo {
	info := HostInfo{CPUs: runtime.NumCPU()}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemoryTotalMB = vm.Total / (1 << 20)
		info.MemoryUsedMB = vm.Used / (1 << 20)
		info.MemoryPercent = vm.UsedPercent
	}
	return info
}
