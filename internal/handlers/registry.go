// Package handlers holds the four handler families an activity is resolved
// through: process templates become jobs, environment templates become
// environments, environments run jobs, and publisher templates become
// output data.
package handlers

import (
	"context"
	"fmt"
	"sort"

	"github.com/seantiz/packtivity/internal/config"
	"github.com/seantiz/packtivity/internal/datamodel"
	"github.com/seantiz/packtivity/internal/executor"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/registry"
)

// Handler categories, as used by config.HandlerSelection.
const (
	CategoryProcess     = "process"
	CategoryEnvironment = "environment"
	CategoryExecutor    = "executor"
	CategoryPublisher   = "publisher"
)

// ProcessHandler builds a job from a process template.
type ProcessHandler func(ctx context.Context, inv *Invocation, tmpl model.Template, pars *datamodel.Data) (model.Job, error)

// EnvironmentHandler builds an environment from an environment template.
type EnvironmentHandler func(ctx context.Context, inv *Invocation, tmpl model.Template, pars *datamodel.Data) (model.Environment, error)

// ExecutionHandler runs job in env. It returns a command line only for
// interactive jobs that are handed back instead of run.
type ExecutionHandler func(ctx context.Context, inv *Invocation, env model.Environment, job model.Job) (executor.CommandLine, error)

// PublisherHandler computes output data from a publisher template.
type PublisherHandler func(ctx context.Context, inv *Invocation, tmpl model.Template, pars *datamodel.Data) (any, error)

// Registry holds one table per handler family. It is built once at startup
// and passed to whatever runs activities.
type Registry struct {
	Process     *registry.Table[ProcessHandler]
	Environment *registry.Table[EnvironmentHandler]
	Executor    *registry.Table[ExecutionHandler]
	Publisher   *registry.Table[PublisherHandler]

	selection config.HandlerSelection
	plugins   []string
}

// Plugin adds handlers to a Registry.
type Plugin interface {
	Name() string
	Register(r *Registry) error
}

// NewRegistry creates a registry with the built-in handlers and then loads
// plugins in order.
func NewRegistry(sel config.HandlerSelection, plugins ...Plugin) (*Registry, error) {
	r := &Registry{
		Process:     registry.NewTable[ProcessHandler](CategoryProcess),
		Environment: registry.NewTable[EnvironmentHandler](CategoryEnvironment),
		Executor:    registry.NewTable[ExecutionHandler](CategoryExecutor),
		Publisher:   registry.NewTable[PublisherHandler](CategoryPublisher),
		selection:   sel,
	}
	if err := r.Load(Builtin{}); err != nil {
		return nil, err
	}
	if err := r.Load(plugins...); err != nil {
		return nil, err
	}
	return r, nil
}

// Load registers plugins in order. A plugin is loaded at most once.
func (r *Registry) Load(plugins ...Plugin) error {
	for _, p := range plugins {
		if r.Loaded(p.Name()) {
			continue
		}
		if err := p.Register(r); err != nil {
			return fmt.Errorf("load plugin %s: %w", p.Name(), err)
		}
		r.plugins = append(r.plugins, p.Name())
	}
	return nil
}

// Loaded reports whether the named plugin has been loaded.
func (r *Registry) Loaded(name string) bool {
	for _, n := range r.plugins {
		if n == name {
			return true
		}
	}
	return false
}

// Plugins lists loaded plugin names in load order.
func (r *Registry) Plugins() []string {
	return append([]string(nil), r.plugins...)
}

// Selection returns the handler selection used for dispatch.
func (r *Registry) Selection() config.HandlerSelection {
	return r.selection
}

// ProcessFor dispatches a process handler for tmpl.
func (r *Registry) ProcessFor(tmpl model.Template) (ProcessHandler, error) {
	t := tmpl.Type(model.ProcessTypeKey)
	return r.Process.Dispatch(t, r.selection.Impl(CategoryProcess, t))
}

// EnvironmentFor dispatches an environment handler for tmpl.
func (r *Registry) EnvironmentFor(tmpl model.Template) (EnvironmentHandler, error) {
	t := tmpl.Type(model.EnvironmentTypeKey)
	return r.Environment.Dispatch(t, r.selection.Impl(CategoryEnvironment, t))
}

// ExecutorFor dispatches the execution handler for env's type.
func (r *Registry) ExecutorFor(env model.Environment) (ExecutionHandler, error) {
	return r.Executor.Dispatch(env.Type, r.selection.Impl(CategoryExecutor, env.Type))
}

// PublisherFor dispatches a publisher handler for tmpl.
func (r *Registry) PublisherFor(tmpl model.Template) (PublisherHandler, error) {
	t := tmpl.Type(model.PublisherTypeKey)
	return r.Publisher.Dispatch(t, r.selection.Impl(CategoryPublisher, t))
}

var pluginCatalog = map[string]Plugin{
	Builtin{}.Name(): Builtin{},
	Tarball{}.Name(): Tarball{},
}

// KnownPlugins lists the plugin names LookupPlugins accepts.
func KnownPlugins() []string {
	names := make([]string, 0, len(pluginCatalog))
	for n := range pluginCatalog {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LookupPlugins resolves plugin names, as listed in PACKTIVITY_PLUGINS.
func LookupPlugins(names []string) ([]Plugin, error) {
	out := make([]Plugin, 0, len(names))
	for _, n := range names {
		p, ok := pluginCatalog[n]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q (known: %v)", n, KnownPlugins())
		}
		out = append(out, p)
	}
	return out, nil
}
