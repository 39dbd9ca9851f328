package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/obsidianstack/lumberjack/pkg/receiver"
	"github.com/obsidianstack/lumberjack/server/internal/store"
)

// DefaultLimit caps /api/v1/events when no limit is given.
const DefaultLimit = 500

// StatsFunc reports the collector's counters.
type StatsFunc func() receiver.Stats

// Handler is the HTTP handler for all /api/v1/* endpoints.
// It reads received events from the store and returns JSON responses.
type Handler struct {
	store   *store.Store
	stats   StatsFunc
	started time.Time
	mux     *http.ServeMux
}

// New creates a Handler wired to the given event store and registers all routes.
func New(st *store.Store, stats StatsFunc) http.Handler {
	h := &Handler{store: st, stats: stats, started: time.Now(), mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/events", h.events)
	h.mux.HandleFunc("/api/v1/stats", h.statsHandler)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health: liveness plus store occupancy.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, HealthResponse{
		State:        "ok",
		StoredEvents: h.store.Count(),
		LastID:       h.store.LastID(),
		Uptime:       time.Since(h.started).Round(time.Second).String(),
	})
}

// events returns GET /api/v1/events?after=ID&limit=N: live events in arrival order.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}
	limit := DefaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonErr(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries := h.store.List(after, limit)
	out := make([]EventResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, NewEventResponse(e))
	}
	jsonResp(w, http.StatusOK, out)
}

// statsHandler returns GET /api/v1/stats: connection and frame counters.
func (h *Handler) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var s receiver.Stats
	if h.stats != nil {
		s = h.stats()
	}
	jsonResp(w, http.StatusOK, NewStatsResponse(s))
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// NewEventResponse maps a store.Entry to its JSON representation.
func NewEventResponse(e *store.Entry) EventResponse {
	return EventResponse{
		ID:         e.ID,
		Seq:        e.Seq,
		ReceivedAt: e.ReceivedAt.UTC().Format(time.RFC3339Nano),
		Event:      e.Event,
	}
}

// NewStatsResponse maps receiver counters to their JSON representation.
func NewStatsResponse(s receiver.Stats) StatsResponse {
	return StatsResponse{
		Connections: s.Connections,
		Windows:     s.Windows,
		Events:      s.Events,
		Acks:        s.Acks,
		Drops:       s.Drops,
	}
}
