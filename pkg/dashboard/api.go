package dashboard

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fortiblox/heightsync/internal/types"
	"github.com/fortiblox/heightsync/pkg/registry"
)

// StatusResponse is the response for GET /api/status.
type StatusResponse struct {
	Nodes         []NodeResponse `json:"nodes"`
	Healthy       int            `json:"healthy"`
	MaxHeight     int64          `json:"maxHeight"`
	Uptime        string         `json:"uptime"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
}

// NodeResponse is one node of the status response.
type NodeResponse struct {
	ID             types.NodeID `json:"id"`
	Address        string       `json:"address"`
	URL            string       `json:"url"`
	State          string       `json:"state"`
	Connected      bool         `json:"connected"`
	Height         *int64       `json:"height,omitempty"`
	Lag            int64        `json:"lag"`
	Healthy        bool         `json:"healthy"`
	InFlight       int          `json:"inFlight"`
	ReconnectCount int          `json:"reconnectCount"`
	LastMessage    *time.Time   `json:"lastMessage,omitempty"`
	LastError      string       `json:"lastError,omitempty"`
}

// HistoryResponse is the response for GET /api/history/{id}.
type HistoryResponse struct {
	Node    types.NodeID   `json:"node"`
	Entries []HistoryEntry `json:"entries"`
}

// HistoryEntry is one recorded height advance.
type HistoryEntry struct {
	Height     int64     `json:"height"`
	ObservedAt time.Time `json:"observedAt"`
}

func nodeResponse(h registry.NodeHealth) NodeResponse {
	resp := NodeResponse{
		ID:             h.Node,
		Address:        h.Address,
		URL:            h.Connection.URL,
		State:          h.Connection.State.String(),
		Connected:      h.Connection.Connected,
		Lag:            h.Lag,
		Healthy:        h.Healthy,
		InFlight:       h.Connection.InFlight,
		ReconnectCount: h.Connection.ReconnectCount,
	}
	if h.HeightKnown {
		height := h.Height
		resp.Height = &height
	}
	if !h.Connection.LastMessage.IsZero() {
		last := h.Connection.LastMessage
		resp.LastMessage = &last
	}
	if h.Connection.LastError != nil {
		resp.LastError = h.Connection.LastError.Error()
	}
	return resp
}

func (d *Dashboard) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(d.startTime)
	resp := StatusResponse{
		Nodes:         []NodeResponse{},
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
	}
	for _, h := range d.health.Health() {
		resp.Nodes = append(resp.Nodes, nodeResponse(h))
		if h.Healthy {
			resp.Healthy++
		}
		if h.HeightKnown && h.Height > resp.MaxHeight {
			resp.MaxHeight = h.Height
		}
	}
	writeJSON(w, resp)
}

func (d *Dashboard) handleNode(w http.ResponseWriter, r *http.Request) {
	id := types.NodeID(strings.TrimPrefix(r.URL.Path, "/api/nodes/"))
	if id == "" {
		writeError(w, "node id required", http.StatusBadRequest)
		return
	}
	for _, h := range d.health.Health() {
		if h.Node == id {
			writeJSON(w, nodeResponse(h))
			return
		}
	}
	writeError(w, "unknown node "+string(id), http.StatusNotFound)
}

func (d *Dashboard) handleHistory(w http.ResponseWriter, r *http.Request) {
	if d.history == nil {
		writeError(w, "journal disabled", http.StatusNotFound)
		return
	}
	id := types.NodeID(strings.TrimPrefix(r.URL.Path, "/api/history/"))
	if id == "" {
		writeError(w, "node id required", http.StatusBadRequest)
		return
	}

	from, err := queryHeight(r, "from", 0)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := queryHeight(r, "to", math.MaxInt64)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := d.history.Range(id, from, to)
	if err != nil {
		d.log.WithError(err).WithField("node", id).Warn("History lookup failed")
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := HistoryResponse{Node: id, Entries: []HistoryEntry{}}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, HistoryEntry{Height: e.Height, ObservedAt: e.ObservedAt})
	}
	writeJSON(w, resp)
}

func queryHeight(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	h, err := strconv.ParseInt(v, 10, 64)
	if err != nil || h < 0 {
		return 0, errInvalidParam(name)
	}
	return h, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string { return "invalid " + string(e) }

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
