package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/seantiz/packtivity/internal/backend"
	"github.com/seantiz/packtivity/internal/datamodel"
)

const maxBodySize = 8 << 20

// activityRequest is the body of POST /v1/activities/*: a backend.Request
// plus an optional backend name.
type activityRequest struct {
	Backend string
	Request backend.Request
}

type resultResponse struct {
	Backend string          `json:"backend,omitempty"`
	Result  *datamodel.Data `json:"result"`
}

type submitResponse struct {
	Backend string          `json:"backend"`
	Proxy   json.RawMessage `json:"proxy"`
}

// readBody reads a bounded request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}
	return raw, nil
}

func (s *Server) decodeActivity(w http.ResponseWriter, r *http.Request, def string) (activityRequest, bool) {
	raw, err := readBody(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return activityRequest{}, false
	}
	var head struct {
		Backend string `json:"backend"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return activityRequest{}, false
	}
	var req backend.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid activity: "+err.Error())
		return activityRequest{}, false
	}
	if head.Backend == "" {
		head.Backend = def
	}
	return activityRequest{Backend: head.Backend, Request: req}, true
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeActivity(w, r, s.syncBackend)
	if !ok {
		return
	}
	b, err := s.backends.Sync(in.Backend)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := b.Run(r.Context(), in.Request)
	countActivity("run", in.Backend, err)
	if err != nil {
		s.writeDiagnostic(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resultResponse{Backend: in.Backend, Result: out})
}

// handlePrepublish answers from the sync backend unless the body names
// an async one. A null result means the output is only known after a run.
func (s *Server) handlePrepublish(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeActivity(w, r, s.syncBackend)
	if !ok {
		return
	}

	var prepublish func() (*datamodel.Data, error)
	if b, err := s.backends.Sync(in.Backend); err == nil {
		prepublish = func() (*datamodel.Data, error) { return b.Prepublish(r.Context(), in.Request) }
	} else if a, aerr := s.backends.Async(in.Backend); aerr == nil {
		prepublish = func() (*datamodel.Data, error) { return a.Prepublish(r.Context(), in.Request) }
	} else {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := prepublish()
	countActivity("prepublish", in.Backend, err)
	if err != nil {
		s.writeDiagnostic(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resultResponse{Backend: in.Backend, Result: out})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeActivity(w, r, s.asyncBackend)
	if !ok {
		return
	}
	b, err := s.backends.Async(in.Backend)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	proxy, err := b.Submit(r.Context(), in.Request)
	countActivity("submit", in.Backend, err)
	if err != nil {
		s.writeDiagnostic(w, err)
		return
	}
	raw, err := backend.MarshalProxy(proxy)
	if err != nil {
		s.logger.Error("marshal proxy", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to encode proxy")
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{Backend: in.Backend, Proxy: raw})
}
