package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/seantiz/packtivity/internal/datamodel"
	"github.com/seantiz/packtivity/internal/model"
)

// Environment types.
const (
	EnvDocker    = "docker-encapsulated"
	EnvLocalProc = "localproc-env"
	EnvNoop      = "noop-env"
	EnvManual    = "manual-env"
	EnvTest      = "test-env"
)

// decodeEnvironment maps a template onto an Environment. Structured resource
// entries are kept out of Resources; only tag strings are resources here.
func decodeEnvironment(tmpl model.Template) (model.Environment, error) {
	raw, err := json.Marshal(tmpl)
	if err != nil {
		return model.Environment{}, fmt.Errorf("encode environment template: %w", err)
	}
	var in struct {
		model.Environment
		Resources []any `json:"resources"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return model.Environment{}, &model.TemplateError{Reason: err.Error(), Template: tmpl}
	}
	env := in.Environment
	env.Resources = nil
	for _, r := range in.Resources {
		if s, ok := r.(string); ok {
			env.Resources = append(env.Resources, s)
		}
	}
	return env, nil
}

func contextualizeWorkdir(inv *Invocation, env *model.Environment) {
	if inv.State != nil && env.Workdir != "" {
		env.Workdir = inv.State.Contextualize(env.Workdir)
	}
}

// plainEnvironment decodes the template as is.
func plainEnvironment(_ context.Context, inv *Invocation, tmpl model.Template, _ *datamodel.Data) (model.Environment, error) {
	env, err := decodeEnvironment(tmpl)
	if err != nil {
		return model.Environment{}, err
	}
	contextualizeWorkdir(inv, &env)
	return env, nil
}

// dockerEnvironment additionally resolves parameter mounts: each jqscript
// is run against the parameters and its JSON result becomes the content.
func dockerEnvironment(_ context.Context, inv *Invocation, tmpl model.Template, pars *datamodel.Data) (model.Environment, error) {
	env, err := decodeEnvironment(tmpl)
	if err != nil {
		return model.Environment{}, err
	}
	if env.Image == "" {
		return model.Environment{}, &model.TemplateError{Field: "image", Reason: "missing", Template: tmpl}
	}
	for i, pm := range env.ParMounts {
		if pm.JQScript == "" {
			continue
		}
		v, err := pars.Query(pm.JQScript)
		if err != nil {
			return model.Environment{}, &model.TemplateError{
				Field:    fmt.Sprintf("par_mounts[%d].jqscript", i),
				Reason:   err.Error(),
				Template: tmpl,
			}
		}
		content, err := json.Marshal(v)
		if err != nil {
			return model.Environment{}, fmt.Errorf("encode parameter mount %d: %w", i, err)
		}
		env.ParMounts[i].MountContent = string(content)
	}
	contextualizeWorkdir(inv, &env)
	return env, nil
}
