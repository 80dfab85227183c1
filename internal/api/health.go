package api

import (
	"net/http"
)

type healthResponse struct {
	Status       string `json:"status"`
	SyncBackend  string `json:"sync_backend"`
	AsyncBackend string `json:"async_backend"`
	Streaming    bool   `json:"streaming"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:       "ok",
		SyncBackend:  s.syncBackend,
		AsyncBackend: s.asyncBackend,
		Streaming:    s.broker != nil,
	})
}
