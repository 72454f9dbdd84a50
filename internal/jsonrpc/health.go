package jsonrpc

import (
	"encoding/json"
	"net/http"
)

// Health is the body of GET /healthz.
type Health struct {
	Running       bool `json:"running"`
	RebootPending bool `json:"rebootPending"`
	Devices       int  `json:"devices"`
	Sessions      int  `json:"sessions"`
}

// handleHealth answers 200 while the supervisor runs and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snap := s.target.Supervisor.Snapshot()
	status := http.StatusOK
	if !snap.Running {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Health{
		Running:       snap.Running,
		RebootPending: snap.RebootPending,
		Devices:       snap.DeviceCount,
		Sessions:      snap.SessionCount,
	})
}
