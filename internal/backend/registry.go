package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Kind tells sync and async backends apart.
type Kind string

const (
	KindSync  Kind = "sync"
	KindAsync Kind = "async"
)

// FromEnv is the async backend name resolved through EnvFromEnv.
const FromEnv = "fromenv"

// EnvFromEnv holds "module:backend:proxy" for the fromenv backend. Only
// backends linked into this binary can be named, under module "packtivity".
const EnvFromEnv = "PACKTIVITY_ASYNCBACKEND_FROMENV"

const linkedModule = "packtivity"

// Factory builds a backend from the argument after the first ':' of its
// name, e.g. "4" in "multiproc:4". Exactly one constructor is set.
type Factory struct {
	Description string
	NewSync     func(arg string) (Sync, error)
	NewAsync    func(arg string) (Async, error)
}

func (f Factory) kind() Kind {
	if f.NewSync != nil {
		return KindSync
	}
	return KindAsync
}

// BackendInfo describes one registered backend.
type BackendInfo struct {
	Name        string   `json:"name"`
	Kind        Kind     `json:"kind"`
	Description string   `json:"description"`
	Proxies     []string `json:"proxies,omitempty"`
}

// Registry resolves backend strings and proxy names.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	proxies   *Proxies
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		proxies:   NewProxies(),
	}
}

// Register adds a backend under name.
func (r *Registry) Register(name string, f Factory) error {
	if (f.NewSync == nil) == (f.NewAsync == nil) {
		return fmt.Errorf("backend %q: exactly one of NewSync and NewAsync must be set", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("backend %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Proxies returns the proxy table backends register their proxy kinds in.
func (r *Registry) Proxies() *Proxies {
	return r.proxies
}

// LoadProxy rebuilds a proxy and names the backend that produced it.
func (r *Registry) LoadProxy(raw json.RawMessage) (Proxy, string, error) {
	return r.proxies.Load(raw)
}

func (r *Registry) factory(s string, want Kind) (Factory, string, error) {
	name, arg, _ := strings.Cut(s, ":")
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return Factory{}, "", fmt.Errorf("unknown backend %q", name)
	}
	if f.kind() != want {
		return Factory{}, "", fmt.Errorf("backend %q is %s, not %s", name, f.kind(), want)
	}
	return f, arg, nil
}

// Sync builds the sync backend named by s ("name[:arg]").
func (r *Registry) Sync(s string) (Sync, error) {
	f, arg, err := r.factory(s, KindSync)
	if err != nil {
		return nil, err
	}
	return f.NewSync(arg)
}

// Async builds the async backend named by s ("name[:arg]" or "fromenv").
func (r *Registry) Async(s string) (Async, error) {
	if s == FromEnv {
		resolved, err := r.fromEnv()
		if err != nil {
			return nil, err
		}
		s = resolved
	}
	f, arg, err := r.factory(s, KindAsync)
	if err != nil {
		return nil, err
	}
	return f.NewAsync(arg)
}

func (r *Registry) fromEnv() (string, error) {
	v := os.Getenv(EnvFromEnv)
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("%s=%q: want module:backend:proxy", EnvFromEnv, v)
	}
	module, name, proxy := parts[0], parts[1], parts[2]
	if module != linkedModule {
		return "", fmt.Errorf("%s: module %q is not linked into this binary", EnvFromEnv, module)
	}
	if owner, ok := r.proxies.Backend(proxy); !ok || owner != name {
		return "", fmt.Errorf("%s: backend %q does not produce proxy %q", EnvFromEnv, name, proxy)
	}
	return name, nil
}

// List describes every registered backend, sorted by name.
func (r *Registry) List() []BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byBackend := map[string][]string{}
	for _, p := range r.proxies.Names() {
		if b, _ := r.proxies.Backend(p); b != "" {
			byBackend[b] = append(byBackend[b], p)
		}
	}

	infos := make([]BackendInfo, 0, len(r.factories))
	for name, f := range r.factories {
		infos = append(infos, BackendInfo{
			Name:        name,
			Kind:        f.kind(),
			Description: f.Description,
			Proxies:     byBackend[name],
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
