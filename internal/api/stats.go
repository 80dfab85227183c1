package api

import (
	"net/http"

	"github.com/seantiz/packtivity/internal/model"
)

type statsResponse struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByName   map[string]int `json:"by_name"`
	// Backlog counts tasks a worker has yet to finish.
	Backlog       int     `json:"backlog"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         st.Total,
		ByStatus:      st.CountByStatus,
		ByName:        st.CountByName,
		Backlog:       st.CountByStatus[model.StatusPending] + st.CountByStatus[model.StatusRunning],
		AvgDurationMS: st.AvgDurationMS,
	})
}
