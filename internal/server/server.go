package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridserve/gridserve/internal/auth"
	"github.com/gridserve/gridserve/internal/config"
	"github.com/gridserve/gridserve/internal/dispatch"
	"github.com/gridserve/gridserve/internal/openai"
	"github.com/gridserve/gridserve/internal/telemetry"
	"github.com/gridserve/gridserve/internal/worker"
)

// Deps bundles everything the HTTP surface needs. No ambient singletons: the
// process wires one of each in main, tests wire their own.
type Deps struct {
	Config     config.ServerConfig
	Workers    *worker.Registry
	Dispatcher *dispatch.Dispatcher
	Aggregator *telemetry.Aggregator
	Recorder   *telemetry.Recorder
	Keys       auth.KeyStore
	Prom       *prometheus.Registry
	Inflight   *Counter
}

// New constructs the HTTP handler for the server.
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	if len(d.Config.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.Config.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(vr chi.Router) {
		if d.Inflight != nil {
			vr.Use(d.Inflight.Middleware())
		}
		vr.Use(auth.Middleware(d.Keys))
		vr.Post("/chat/completions", openai.ChatCompletionsHandler(d.Dispatcher, d.Recorder, d.Config.RequestTimeout))
		vr.Get("/models", openai.ModelsHandler(d.Workers))
	})

	r.Route("/api", func(ar chi.Router) {
		ar.Get("/workers", listWorkers(d.Workers))
		ar.Post("/workers", addWorker(d.Workers))
		ar.Delete("/workers/{id}", removeWorker(d.Workers, d.Dispatcher))
		ar.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, d.Aggregator.State())
		})
		ar.Get("/state/stream", StateStreamHandler(d.Aggregator, d.Config.StateInterval))
	})

	if d.Prom != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Prom, promhttp.HandlerOpts{}))
	}

	return r
}

func listWorkers(reg *worker.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		nodes := reg.All()
		views := make([]workerView, 0, len(nodes))
		for _, n := range nodes {
			views = append(views, viewOf(n))
		}
		writeJSON(w, http.StatusOK, map[string]any{"workers": views})
	}
}

func addWorker(reg *worker.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Hostname string   `json:"hostname"`
			GPU      string   `json:"gpu,omitempty"`
			MemoryMB uint64   `json:"memory_mb,omitempty"`
			Capacity int      `json:"capacity,omitempty"`
			Models   []string `json:"models,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
			return
		}
		hostname := strings.TrimSpace(body.Hostname)
		if hostname == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_hostname"})
			return
		}
		var n worker.Node
		if body.Capacity > 0 {
			n = reg.AddWithProfile(hostname, body.GPU, body.MemoryMB, body.Capacity, body.Models)
		} else {
			n = reg.Add(hostname)
		}
		writeJSON(w, http.StatusCreated, viewOf(n))
	}
}

func removeWorker(reg *worker.Registry, d *dispatch.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !reg.Remove(id) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
			return
		}
		// The node is gone; anything still assigned to it can never report
		// back, so force-fail those tasks now.
		d.WorkerRemoved(id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	}
}

// workerView decorates a node with its derived display status.
type workerView struct {
	worker.Node
	DisplayStatus worker.Status `json:"display_status"`
	LoadRatio     float64       `json:"load_ratio"`
}

func viewOf(n worker.Node) workerView {
	return workerView{Node: n, DisplayStatus: n.StatusLabel(), LoadRatio: n.LoadRatio()}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
