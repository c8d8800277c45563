package worker

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridserve/gridserve/core/logx"
)

// Stats is a point-in-time aggregation over all registered nodes.
type Stats struct {
	Total          int     `json:"total"`
	Online         int     `json:"online"`
	Offline        int     `json:"offline"`
	Busy           int     `json:"busy"`
	TotalMemoryMB  uint64  `json:"total_gpu_memory_mb"`
	AvgUtilization float64 `json:"avg_utilization_pct"`
}

// Registry owns every Node. All mutation funnels through its single mutex so
// load increments, heartbeat drift and removal are linearized per node.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	rng   *rand.Rand
}

func NewRegistry() *Registry {
	return &Registry{
		nodes: make(map[string]*Node),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Add registers a simulated node for the given hostname. The GPU profile is
// drawn from the fixed catalog and telemetry is seeded to a plausible idle
// baseline (memory used <= 50% of total, utilization <= 60%).
func (r *Registry) Add(hostname string) Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(hostname, gpuCatalog[r.rng.Intn(len(gpuCatalog))])
}

// AddWithProfile registers a node with an explicit device profile instead of
// one drawn from the catalog.
func (r *Registry) AddWithProfile(hostname, gpuName string, memoryMB uint64, capacity int, models []string) Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(hostname, profile{gpuName: gpuName, memoryMB: memoryMB, capacity: capacity, models: models})
}

func (r *Registry) addLocked(hostname string, p profile) Node {
	models := make(map[string]bool, len(p.models))
	for _, m := range p.models {
		models[m] = true
	}
	now := time.Now()
	n := &Node{
		ID:       uuid.NewString(),
		Hostname: hostname,
		Status:   StatusOnline,
		GPU: GPU{
			Name:        p.gpuName,
			MemoryMB:    p.memoryMB,
			MemoryUsed:  uint64(r.rng.Int63n(int64(p.memoryMB/2) + 1)),
			Utilization: r.rng.Float64() * 60,
		},
		MaxCapacity:   p.capacity,
		Models:        models,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	r.nodes[n.ID] = n
	logx.Log.Info().Str("worker_id", n.ID).Str("hostname", hostname).Str("gpu", p.gpuName).Int("capacity", p.capacity).Msg("worker registered")
	return n.clone()
}

// Remove deregisters a node. It reports whether the node existed. Tasks still
// assigned to the node are the dispatcher's problem; it treats lookups against
// a removed id as unavailable.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return false
	}
	delete(r.nodes, id)
	logx.Log.Info().Str("worker_id", id).Msg("worker removed")
	return true
}

// Get returns a copy of the node, if present.
func (r *Registry) Get(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// All returns copies of every node, ordered by registration time then id for
// stable output.
func (r *Registry) All() []Node {
	r.mu.RLock()
	res := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		res = append(res, n.clone())
	}
	r.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if res[i].RegisteredAt.Equal(res[j].RegisteredAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].RegisteredAt.Before(res[j].RegisteredAt)
	})
	return res
}

// Online returns copies of nodes whose stored status is online.
func (r *Registry) Online() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []Node
	for _, n := range r.nodes {
		if n.Status == StatusOnline {
			res = append(res, n.clone())
		}
	}
	return res
}

// Models returns the union of model ids served by online nodes.
func (r *Registry) Models() []string {
	r.mu.RLock()
	set := make(map[string]bool)
	for _, n := range r.nodes {
		if n.Status != StatusOnline {
			continue
		}
		for m := range n.Models {
			set[m] = true
		}
	}
	r.mu.RUnlock()
	res := make([]string, 0, len(set))
	for m := range set {
		res = append(res, m)
	}
	sort.Strings(res)
	return res
}

// Acquire reserves one unit of capacity on the node. It revalidates
// eligibility under the registry lock so concurrent passes and heartbeat
// toggles can never push load past capacity.
func (r *Registry) Acquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok || !n.HasCapacity() {
		return false
	}
	n.CurrentLoad++
	return true
}

// Release returns one unit of capacity. Releasing a removed node is a no-op.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	if n, ok := r.nodes[id]; ok && n.CurrentLoad > 0 {
		n.CurrentLoad--
	}
	r.mu.Unlock()
}

// Stats recomputes the aggregate view on demand.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var st Stats
	var utilSum float64
	for _, n := range r.nodes {
		st.Total++
		switch n.StatusLabel() {
		case StatusBusy:
			st.Busy++
		case StatusOnline:
			st.Online++
		case StatusOffline:
			st.Offline++
		}
		st.TotalMemoryMB += n.GPU.MemoryMB
		utilSum += n.GPU.Utilization
	}
	if st.Total > 0 {
		st.AvgUtilization = utilSum / float64(st.Total)
	}
	return st
}
