package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/packtivity/internal/datamodel"
)

// Proxy is a serializable handle to submitted work. Details must carry
// everything needed to track the work from another process.
type Proxy interface {
	ProxyName() string
	Details() any
}

// ProxyJSON is the wire form of a proxy.
type ProxyJSON struct {
	ProxyName    string          `json:"proxyname"`
	ProxyDetails json.RawMessage `json:"proxydetails"`
}

// MarshalProxy renders p as {proxyname, proxydetails}.
func MarshalProxy(p Proxy) ([]byte, error) {
	details, err := json.Marshal(p.Details())
	if err != nil {
		return nil, fmt.Errorf("marshal proxy details: %w", err)
	}
	return json.Marshal(ProxyJSON{ProxyName: p.ProxyName(), ProxyDetails: details})
}

// Phase is where a tracked activity stands.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

// ErrResolved is returned when resolving an outcome that is already final.
var ErrResolved = errors.New("outcome already resolved")

// Outcome is the explicit state of a proxy: Pending, then exactly one of
// Succeeded with a result or Failed with a diagnostic. The zero value is
// Pending. Transitions return a new value and never go back to Pending.
type Outcome struct {
	Phase      Phase           `json:"phase"`
	Result     json.RawMessage `json:"result,omitempty"`
	Diagnostic *Diagnostic     `json:"diagnostic,omitempty"`
}

// Ready reports whether the outcome is final.
func (o Outcome) Ready() bool {
	return o.Phase == PhaseSucceeded || o.Phase == PhaseFailed
}

// Succeed moves a pending outcome to Succeeded.
func (o Outcome) Succeed(result json.RawMessage) (Outcome, error) {
	if o.Ready() {
		return o, ErrResolved
	}
	return Outcome{Phase: PhaseSucceeded, Result: result}, nil
}

// Fail moves a pending outcome to Failed.
func (o Outcome) Fail(d *Diagnostic) (Outcome, error) {
	if o.Ready() {
		return o, ErrResolved
	}
	if d == nil {
		d = &Diagnostic{Code: CodeInternal, Message: "failed without diagnostic"}
	}
	return Outcome{Phase: PhaseFailed, Diagnostic: d}, nil
}

// Resolve is Succeed or Fail depending on err.
func (o Outcome) Resolve(result json.RawMessage, err error) (Outcome, error) {
	if err != nil {
		return o.Fail(DiagnosticFrom(err))
	}
	return o.Succeed(result)
}

// ProxyLoader rebuilds a proxy from its details.
type ProxyLoader func(details json.RawMessage) (Proxy, error)

type proxyKind struct {
	backend string
	load    ProxyLoader
}

// Proxies maps proxy names to loaders and to the backend that produces them.
type Proxies struct {
	mu    sync.RWMutex
	kinds map[string]proxyKind
}

// NewProxies creates an empty proxy table.
func NewProxies() *Proxies {
	return &Proxies{kinds: make(map[string]proxyKind)}
}

// Register adds a proxy kind. backendName may be empty when the producer
// cannot be inferred from the proxy alone.
func (p *Proxies) Register(name, backendName string, load ProxyLoader) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.kinds[name]; ok {
		return fmt.Errorf("proxy %q already registered", name)
	}
	p.kinds[name] = proxyKind{backend: backendName, load: load}
	return nil
}

// Names lists registered proxy names.
func (p *Proxies) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.kinds))
	for n := range p.kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Backend returns the backend name registered for a proxy kind.
func (p *Proxies) Backend(name string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	k, ok := p.kinds[name]
	return k.backend, ok
}

// Load rebuilds a proxy from its JSON form and reports the backend that
// produced it, if known.
func (p *Proxies) Load(raw []byte) (Proxy, string, error) {
	var in ProxyJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, "", fmt.Errorf("decode proxy: %w", err)
	}
	p.mu.RLock()
	k, ok := p.kinds[in.ProxyName]
	p.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("decode proxy: unknown proxy %q", in.ProxyName)
	}
	proxy, err := k.load(in.ProxyDetails)
	if err != nil {
		return nil, "", fmt.Errorf("decode %s proxy: %w", in.ProxyName, err)
	}
	return proxy, k.backend, nil
}

// OutcomeResult decodes the result of a succeeded outcome with leaf model m.
// A failed outcome returns its diagnostic as the error and a pending one
// returns ErrNotReady.
func OutcomeResult(o Outcome, m *datamodel.LeafModel) (*datamodel.Data, error) {
	switch o.Phase {
	case PhaseSucceeded:
		return datamodel.Parse(o.Result, m)
	case PhaseFailed:
		if o.Diagnostic == nil {
			return nil, &Diagnostic{Code: CodeInternal, Message: "failed without diagnostic"}
		}
		return nil, o.Diagnostic
	default:
		return nil, ErrNotReady
	}
}
