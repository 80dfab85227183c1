package handlers

import (
	"context"
	"fmt"

	"github.com/seantiz/packtivity/internal/config"
	"github.com/seantiz/packtivity/internal/datamodel"
	"github.com/seantiz/packtivity/internal/executor"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/steplog"
)

// EnvTarball runs jobs in an image imported from a root filesystem tarball.
const EnvTarball = "docker-tarball"

// Tarball registers the docker-tarball environment. The template carries
// url (the tarball) and image (the name it is imported as).
type Tarball struct{}

func (Tarball) Name() string { return "tarball" }

func (Tarball) Register(r *Registry) error {
	if err := r.Environment.Register(EnvTarball, "", tarballEnvironment); err != nil {
		return err
	}
	return r.Executor.Register(EnvTarball, "", tarballExecution)
}

func tarballEnvironment(ctx context.Context, inv *Invocation, tmpl model.Template, pars *datamodel.Data) (model.Environment, error) {
	if _, err := tmpl.String("url"); err != nil {
		return model.Environment{}, err
	}
	return dockerEnvironment(ctx, inv, tmpl, pars)
}

// tarballExecution imports the image, runs the job without pulling, and
// removes the image afterwards whatever the outcome.
func tarballExecution(ctx context.Context, inv *Invocation, env model.Environment, job model.Job) (_ executor.CommandLine, err error) {
	if inv.Executor == nil {
		return nil, errNoExecutor
	}
	cfg := inv.Executor.Config()
	if cfg.ContainerRuntime != config.RuntimeDocker && cfg.ContainerRuntime != "" {
		return nil, fmt.Errorf("%w: %s cannot import tarballs", executor.ErrUnsupportedRuntime, cfg.ContainerRuntime)
	}
	image := env.ImageRef()
	scope := inv.Scope()

	if err := inv.Executor.RunCommand(ctx, scope, steplog.TopicPull, executor.CommandLine{"docker", "import", env.URL, image}); err != nil {
		return nil, fmt.Errorf("import %s: %w", env.URL, err)
	}
	defer func() {
		rmErr := inv.Executor.RunCommand(ctx, scope, steplog.TopicPull, executor.CommandLine{"docker", "rmi", image})
		if err == nil && rmErr != nil {
			err = fmt.Errorf("remove %s: %w", image, rmErr)
		}
	}()

	cfg.NoPull = true
	derived := *inv
	derived.Executor = inv.Executor.Derive(cfg)
	return dockerExecution(ctx, &derived, env, job)
}
