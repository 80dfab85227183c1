package backend

import (
	"context"

	"github.com/seantiz/packtivity/internal/datamodel"
	"github.com/seantiz/packtivity/internal/pipeline"
)

// Local runs activities in the calling goroutine.
type Local struct {
	runner *pipeline.Runner
}

var _ Sync = (*Local)(nil)

// NewLocal creates the default sync backend.
func NewLocal(runner *pipeline.Runner) *Local {
	return &Local{runner: runner}
}

func (l *Local) Prepublish(ctx context.Context, req Request) (*datamodel.Data, error) {
	return l.runner.Prepublish(ctx, req.Spec, req.Parameters, req.State, req.Metadata)
}

func (l *Local) Run(ctx context.Context, req Request) (*datamodel.Data, error) {
	return l.runner.Run(ctx, req.Spec, req.Parameters, req.State, req.Metadata)
}
