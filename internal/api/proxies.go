package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/seantiz/packtivity/internal/backend"
	"github.com/seantiz/packtivity/internal/backend/pool"
	"github.com/seantiz/packtivity/internal/store"
)

// proxyRequest is the body of POST /v1/proxies/*. Backend is only needed
// for proxies whose producer cannot be told from the proxy alone, such as
// a pool of a non-default size.
type proxyRequest struct {
	Backend string          `json:"backend"`
	Proxy   json.RawMessage `json:"proxy"`
}

type statusResponse struct {
	Backend    string              `json:"backend"`
	Ready      bool                `json:"ready"`
	Successful *bool               `json:"successful,omitempty"`
	Diagnostic *backend.Diagnostic `json:"diagnostic,omitempty"`
}

// resolveProxy loads the proxy in the body and finds the backend that
// tracks it.
func (s *Server) resolveProxy(w http.ResponseWriter, r *http.Request) (backend.Async, backend.Proxy, string, bool) {
	raw, err := readBody(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return nil, nil, "", false
	}
	var in proxyRequest
	if err := json.Unmarshal(raw, &in); err != nil || len(in.Proxy) == 0 {
		s.writeError(w, http.StatusBadRequest, "body must carry a proxy")
		return nil, nil, "", false
	}

	proxy, owner, err := s.backends.LoadProxy(in.Proxy)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil, nil, "", false
	}
	name := in.Backend
	if name == "" {
		name = owner
	}
	if name == "" {
		name = s.asyncBackend
	}
	b, err := s.backends.Async(name)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil, nil, "", false
	}
	return b, proxy, name, true
}

func (s *Server) handleProxyStatus(w http.ResponseWriter, r *http.Request) {
	b, proxy, name, ok := s.resolveProxy(w, r)
	if !ok {
		return
	}
	ready, err := b.Ready(r.Context(), proxy)
	if err != nil {
		s.proxyError(w, err)
		return
	}
	resp := statusResponse{Backend: name, Ready: ready}
	if ready {
		okRun, err := b.Successful(r.Context(), proxy)
		if err != nil {
			s.proxyError(w, err)
			return
		}
		resp.Successful = &okRun
		if !okRun {
			resp.Diagnostic = b.FailInfo(r.Context(), proxy)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProxyResult(w http.ResponseWriter, r *http.Request) {
	b, proxy, name, ok := s.resolveProxy(w, r)
	if !ok {
		return
	}
	out, err := b.Result(r.Context(), proxy)
	if err != nil {
		s.proxyError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resultResponse{Backend: name, Result: out})
}

// proxyError maps backend errors for proxy lookups.
func (s *Server) proxyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backend.ErrNotReady):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, backend.ErrWrongProxy):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, pool.ErrUnknownFuture):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.writeDiagnostic(w, err)
	}
}
