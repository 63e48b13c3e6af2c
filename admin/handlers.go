package admin

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Status is the pipeline snapshot served at /status
type Status struct {
	ClientID    string `json:"client_id"`
	State       string `json:"state"`
	Handed      string `json:"handed_position"`
	Committed   string `json:"committed_position"`
	Stored      string `json:"stored_position"`
	Outstanding int    `json:"outstanding"`
	QueueDepth  int    `json:"queue_depth"`
	Healthy     bool   `json:"healthy"`
	Error       string `json:"error,omitempty"`
}

// StatusFunc takes a snapshot of the running pipeline
type StatusFunc func() Status

// Handlers serves the admin endpoints
type Handlers struct {
	status StatusFunc
}

// NewHandlers creates handlers reporting status
func NewHandlers(status StatusFunc) *Handlers {
	return &Handlers{status: status}
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.status())
}

// handleHealth answers 503 once the pipeline has stopped or failed
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.status()
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, code, map[string]interface{}{
		"healthy": st.Healthy,
		"state":   st.State,
	})
}

// writeJSONResponse writes data as a JSON body
func writeJSONResponse(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, code int, message string) {
	writeJSONResponse(w, code, map[string]string{"error": message})
}
