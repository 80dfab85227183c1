package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// Provider hands out states for sub-steps nested under a base state.
type Provider struct {
	base *LocalFS
	nest bool
}

// NewProvider creates a provider. With nest set, each new state writes into
// its own subdirectory of the base workdir; otherwise it shares the workdir.
func NewProvider(base *LocalFS, nest bool) *Provider {
	return &Provider{base: base, nest: nest}
}

// Base returns the provider's base state.
func (p *Provider) Base() *LocalFS { return p.base }

// NewState creates the state for step name. The base directories become
// readonly inputs of the new state.
func (p *Provider) NewState(name string, deps ...*LocalFS) (*LocalFS, error) {
	rw := []string{p.base.Workdir()}
	if p.nest {
		rw = []string{filepath.Join(p.base.Workdir(), name)}
	}
	ro := append(p.base.ReadOnly(), p.base.ReadWrite()...)
	return NewLocalFS(rw, ro,
		WithIdentifier(name),
		WithDependencies(deps...),
		WithLeafModel(p.base.model),
	)
}

type providerJSON struct {
	StateType string          `json:"state_type"`
	Base      json.RawMessage `json:"base"`
	Nest      bool            `json:"nest"`
}

// MarshalJSON renders {state_type: "localfs_provider", base, nest}.
func (p *Provider) MarshalJSON() ([]byte, error) {
	base, err := p.base.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(providerJSON{StateType: TypeProvider, Base: base, Nest: p.nest})
}

// LoadProvider reconstructs a Provider from its JSON form.
func LoadProvider(raw []byte, opts ...Option) (*Provider, error) {
	var in providerJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode provider: %w", err)
	}
	if in.StateType != TypeProvider {
		return nil, fmt.Errorf("decode provider: unsupported state_type %q", in.StateType)
	}
	base, err := Load(in.Base, opts...)
	if err != nil {
		return nil, err
	}
	return NewProvider(base, in.Nest), nil
}
