package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/packtivity/internal/datamodel"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/state"
)

// ErrNotReady is returned when a proxy is asked for an outcome it does not have yet.
var ErrNotReady = errors.New("proxy not ready")

// ErrWrongProxy is returned when a backend is handed a proxy it did not produce.
var ErrWrongProxy = errors.New("proxy does not belong to this backend")

// Request is one activity invocation.
type Request struct {
	Spec       model.ActivitySpec `json:"spec"`
	Parameters *datamodel.Data    `json:"parameters"`
	State      *state.LocalFS     `json:"state"`
	Metadata   model.Metadata     `json:"metadata"`
}

// requestJSON is Request with the state kept raw so it can be loaded
// with state.Load.
type requestJSON struct {
	Spec       model.ActivitySpec `json:"spec"`
	Parameters json.RawMessage    `json:"parameters"`
	State      json.RawMessage    `json:"state"`
	Metadata   model.Metadata     `json:"metadata"`
}

// UnmarshalJSON decodes the form produced by json.Marshal(Request).
func (r *Request) UnmarshalJSON(raw []byte) error {
	var in requestJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	req, err := DecodeRequest(in.Spec, in.Parameters, in.State, in.Metadata)
	if err != nil {
		return err
	}
	*r = req
	return nil
}

// DecodeRequest builds a Request from separately stored parts. A null or
// empty state means none; null or empty parameters mean {}.
func DecodeRequest(spec model.ActivitySpec, pars, st json.RawMessage, meta model.Metadata) (Request, error) {
	data, err := datamodel.Parse(nullToEmpty(pars), nil)
	if err != nil {
		return Request{}, fmt.Errorf("decode parameters: %w", err)
	}
	var ls *state.LocalFS
	if len(st) > 0 && string(st) != "null" {
		if ls, err = state.Load(st); err != nil {
			return Request{}, err
		}
	}
	return Request{Spec: spec, Parameters: data, State: ls, Metadata: meta}, nil
}

func nullToEmpty(raw json.RawMessage) json.RawMessage {
	if string(raw) == "null" {
		return nil
	}
	return raw
}

// Sync runs activities to completion.
type Sync interface {
	// Prepublish returns the output without running the activity, or nil
	// when the output depends on the run.
	Prepublish(ctx context.Context, req Request) (*datamodel.Data, error)
	Run(ctx context.Context, req Request) (*datamodel.Data, error)
}

// Async submits activities and tracks them through proxies. Ready is
// monotonic: once it reports true it keeps doing so for the same proxy.
// FailInfo never fails; it returns nil when there is nothing to report.
type Async interface {
	Prepublish(ctx context.Context, req Request) (*datamodel.Data, error)
	Submit(ctx context.Context, req Request) (Proxy, error)
	Ready(ctx context.Context, p Proxy) (bool, error)
	Successful(ctx context.Context, p Proxy) (bool, error)
	Result(ctx context.Context, p Proxy) (*datamodel.Data, error)
	FailInfo(ctx context.Context, p Proxy) *Diagnostic
}
