package runtime

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/loqalabs/callscribe/internal/config"
	"github.com/loqalabs/callscribe/internal/protocol"
)

type tunablesResponse struct {
	Values     config.Tunables    `json:"values"`
	Parameters []config.Parameter `json:"parameters"`
}

type sessionResponse struct {
	SessionID     string                       `json:"session_id"`
	CallerName    string                       `json:"caller_name,omitempty"`
	OperatorName  string                       `json:"operator_name,omitempty"`
	StartedAt     string                       `json:"started_at"`
	EndedAt       string                       `json:"ended_at,omitempty"`
	TotalSegments int                          `json:"total_segments"`
	Segments      []protocol.TranscriptSegment `json:"segments"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("GET /v1/tunables", r.handleGetTunables)
	mux.HandleFunc("PUT /v1/tunables", r.handleUpdateTunables)
	mux.HandleFunc("POST /v1/tunables/reset", r.handleResetTunables)
	mux.HandleFunc("GET /v1/sessions/{id}", r.handleSession)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.ingest.Healthy() && r.forwarder.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleGetTunables(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, tunablesResponse{Values: r.tunables.Current(), Parameters: config.Parameters()})
}

func (r *Runtime) handleUpdateTunables(w http.ResponseWriter, req *http.Request) {
	var changes map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 64<<10)).Decode(&changes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}
	if len(changes) == 0 {
		writeError(w, http.StatusBadRequest, "no tunables given")
		return
	}
	next, err := r.tunables.Update(changes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tunablesResponse{Values: next, Parameters: config.Parameters()})
}

func (r *Runtime) handleResetTunables(w http.ResponseWriter, _ *http.Request) {
	next, err := r.tunables.Reset()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tunablesResponse{Values: next, Parameters: config.Parameters()})
}

func (r *Runtime) handleSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	sess, ok, err := r.store.GetSession(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	limit := 500
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	segments, err := r.store.ListSegments(req.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := sessionResponse{
		SessionID:     sess.ID,
		CallerName:    sess.CallerName,
		OperatorName:  sess.OperatorName,
		StartedAt:     sess.StartedAt.Format(timeFormat),
		TotalSegments: sess.TotalSegments,
		Segments:      segments,
	}
	if !sess.EndedAt.IsZero() {
		resp.EndedAt = sess.EndedAt.Format(timeFormat)
	}
	if resp.Segments == nil {
		resp.Segments = []protocol.TranscriptSegment{}
	}
	writeJSON(w, http.StatusOK, resp)
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
