package handlers

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/packtivity/internal/datamodel"
	"github.com/seantiz/packtivity/internal/model"
)

// Process types.
const (
	ProcessStringInterpolated = "string-interpolated-cmd"
	ProcessInterpolatedScript = "interpolated-script-cmd"
	ProcessManual             = "manual-instructions-proc"
	ProcessTest               = "test-process"
)

// interpolate formats a template field against the parameters. Directory
// aliases of the state such as {workdir} are available unless a parameter
// of the same name shadows them.
func interpolate(inv *Invocation, tmpl model.Template, field string, pars *datamodel.Data) (string, error) {
	src, err := tmpl.String(field)
	if err != nil {
		return "", err
	}
	typed, err := pars.Typed()
	if err != nil {
		return "", err
	}
	args, kwargs := formatArgs(typed)
	if inv.State != nil {
		if kwargs == nil {
			kwargs = map[string]any{}
		}
		for alias, dir := range inv.State.Aliases() {
			if _, ok := kwargs[alias]; !ok {
				kwargs[alias] = dir
			}
		}
	}
	return Format(src, args, kwargs)
}

func stringInterpolatedCmd(_ context.Context, inv *Invocation, tmpl model.Template, pars *datamodel.Data) (model.Job, error) {
	cmd, err := interpolate(inv, tmpl, "cmd", pars)
	if err != nil {
		return model.Job{}, err
	}
	return model.Job{Command: cmd}, nil
}

func interpolatedScriptCmd(_ context.Context, inv *Invocation, tmpl model.Template, pars *datamodel.Data) (model.Job, error) {
	interp, err := tmpl.String("interpreter")
	if err != nil {
		return model.Job{}, err
	}
	script, err := interpolate(inv, tmpl, "script", pars)
	if err != nil {
		return model.Job{}, err
	}
	return model.Job{Script: script, Interpreter: interp}, nil
}

func manualInstructionsProc(_ context.Context, inv *Invocation, tmpl model.Template, pars *datamodel.Data) (model.Job, error) {
	instructions, err := tmpl.String("instructions")
	if err != nil {
		return model.Job{}, err
	}
	attrs, err := yaml.Marshal(pars.JSON())
	if err != nil {
		return model.Job{}, fmt.Errorf("dump parameters: %w", err)
	}
	out := inv.console().Out
	fmt.Fprintln(out, instructions)
	fmt.Fprint(out, string(attrs))
	return model.Job{Instructions: instructions}, nil
}

func testProcess(_ context.Context, _ *Invocation, _ model.Template, _ *datamodel.Data) (model.Job, error) {
	return model.Job{Command: "echo a complicated job"}, nil
}
