package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prestonvasquez/topology-listener/sink"
	"github.com/prestonvasquez/topology-listener/store"
	"github.com/prestonvasquez/topology-listener/topology"
)

// TopologySource exposes the store's view of the cluster.
type TopologySource interface {
	State() store.State
	Current() topology.Snapshot
}

// ConnectionSource reports ready pooled connections per server address.
type ConnectionSource interface {
	Ready() map[string]int
}

// FailureSource reports the latest failure per command name.
type FailureSource interface {
	Failures() map[string]string
}

// Handler serves the admin endpoints.
type Handler struct {
	topology    TopologySource
	connections ConnectionSource
	failures    FailureSource
	events      *sink.Recorder
}

// NewHandler creates a handler. connections, failures and events may be nil,
// in which case their endpoints report empty results.
func NewHandler(topo TopologySource, connections ConnectionSource, failures FailureSource, events *sink.Recorder) *Handler {
	return &Handler{
		topology:    topo,
		connections: connections,
		failures:    failures,
		events:      events,
	}
}

// RegisterRoutes registers the admin routes with the router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", h.Health).Methods("GET")
	router.HandleFunc("/topology", h.GetTopology).Methods("GET")
	router.HandleFunc("/topology/{shardId}", h.GetShard).Methods("GET")
	router.HandleFunc("/connections", h.GetConnections).Methods("GET")
	router.HandleFunc("/events", h.ListEvents).Methods("GET")
}

// Health handles GET /healthz. It is healthy only while the store is ready.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	state := h.topology.State()

	status := http.StatusOK
	if state != store.StateReady {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"status": state.String(),
		"shards": h.topology.Current().Len(),
	})
}

// GetTopology handles GET /topology
func (h *Handler) GetTopology(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.topology.Current())
}

// GetShard handles GET /topology/{shardId}
func (h *Handler) GetShard(w http.ResponseWriter, r *http.Request) {
	shardID := mux.Vars(r)["shardId"]

	st, ok := h.topology.Current().Shard(shardID)
	if !ok {
		http.Error(w, fmt.Sprintf("Shard %s not found", shardID), http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// GetConnections handles GET /connections
func (h *Handler) GetConnections(w http.ResponseWriter, r *http.Request) {
	ready := map[string]int{}
	if h.connections != nil {
		ready = h.connections.Ready()
	}

	failures := map[string]string{}
	if h.failures != nil {
		failures = h.failures.Failures()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ready":            ready,
		"command_failures": failures,
	})
}

// ListEvents handles GET /events, optionally filtered by ?type=.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events := []sink.Event{}

	if h.events != nil {
		if typ := r.URL.Query().Get("type"); typ != "" {
			events = h.events.EventsOfType(sink.EventType(typ))
		} else {
			events = h.events.Events()
		}
	}

	if events == nil {
		events = []sink.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// writeJSON encodes v before writing the header so an encoding failure can
// still be reported as a 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to encode response: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
