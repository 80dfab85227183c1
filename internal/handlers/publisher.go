package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/packtivity/internal/datamodel"
	"github.com/seantiz/packtivity/internal/model"
)

// Publisher types.
const (
	PubFromPar      = "frompar-pub"
	PubInterpolated = "interpolated-pub"
	PubFromYAML     = "fromyaml-pub"
	PubFromGlob     = "fromglob-pub"
	PubFromParJQ    = "fromparjq-pub"
	PubConstant     = "constant-pub"
	PubManual       = "manual-publishing"
)

// Prepublishable reports whether the publisher's output is determined by
// its parameters alone, so it may be computed before the job runs.
func Prepublishable(tmpl model.Template) bool {
	switch tmpl.Type(model.PublisherTypeKey) {
	case PubFromPar, PubConstant:
		return true
	case PubInterpolated, PubFromParJQ:
		return !tmpl.Bool("glob") && !tmpl.Bool("relative_paths")
	default:
		return false
	}
}

// fromPar copies parameters into the shape of outputmap. Each leaf names a
// top-level parameter, or a JSON pointer when it starts with "/".
func fromPar(_ context.Context, _ *Invocation, tmpl model.Template, pars *datamodel.Data) (any, error) {
	outputmap, err := tmpl.Value("outputmap")
	if err != nil {
		return nil, err
	}
	out, err := datamodel.New(outputmap, nil)
	if err != nil {
		return nil, err
	}
	for _, leaf := range out.Leafs() {
		ref, ok := leaf.Value.(string)
		if !ok {
			return nil, &model.TemplateError{Field: "outputmap" + leaf.Pointer.String(), Reason: "want parameter name", Template: tmpl}
		}
		ptr := datamodel.Pointer{ref}
		if strings.HasPrefix(ref, "/") {
			if ptr, err = datamodel.ParsePointer(ref); err != nil {
				return nil, &model.TemplateError{Field: "outputmap" + leaf.Pointer.String(), Reason: err.Error(), Template: tmpl}
			}
		}
		v, err := pars.Get(ptr)
		if err != nil {
			return nil, &model.TemplateError{Field: "outputmap" + leaf.Pointer.String(), Reason: fmt.Sprintf("parameter %q not found", ref), Template: tmpl}
		}
		if out, err = out.Replace(leaf.Pointer, v); err != nil {
			return nil, err
		}
	}
	return out.JSON(), nil
}

// interpolated formats every string leaf of publish against the parameters
// and {workdir}.
func interpolated(_ context.Context, inv *Invocation, tmpl model.Template, pars *datamodel.Data) (any, error) {
	publish, err := tmpl.Value("publish")
	if err != nil {
		return nil, err
	}
	typed, err := pars.Typed()
	if err != nil {
		return nil, err
	}
	kwargs := map[string]any{}
	if m, ok := typed.(map[string]any); ok {
		for k, v := range m {
			kwargs[k] = v
		}
	}
	if inv.State != nil {
		for alias, dir := range inv.State.Aliases() {
			kwargs[alias] = dir
		}
	}

	return expandLeafs(inv, tmpl, publish, func(s string) (string, error) {
		return Format(s, nil, kwargs)
	})
}

// fromParJQ publishes the result of a jq script over the parameters.
func fromParJQ(_ context.Context, inv *Invocation, tmpl model.Template, pars *datamodel.Data) (any, error) {
	script, err := tmpl.String("script")
	if err != nil {
		return nil, err
	}
	v, err := pars.Query(script)
	if err != nil {
		return nil, &model.TemplateError{Field: "script", Reason: err.Error(), Template: tmpl}
	}
	return expandLeafs(inv, tmpl, v, func(s string) (string, error) { return s, nil })
}

// expandLeafs rewrites every string leaf of v through fn, then applies the
// relative_paths and glob options of tmpl.
func expandLeafs(inv *Invocation, tmpl model.Template, v any, fn func(string) (string, error)) (any, error) {
	doc, err := datamodel.New(v, nil)
	if err != nil {
		return nil, err
	}
	rebase := tmpl.Bool("relative_paths")
	glob := tmpl.Bool("glob")

	var workdir string
	if rebase || glob {
		if workdir, err = inv.workdir(); err != nil {
			return nil, err
		}
	}

	for _, leaf := range doc.Leafs() {
		s, ok := leaf.Value.(string)
		if !ok {
			continue
		}
		s, err := fn(s)
		if err != nil {
			return nil, err
		}
		var resolved any = s
		if rebase {
			s = rebasePath(workdir, s)
			resolved = s
		}
		if glob {
			matches, err := globFiles(s)
			if err != nil {
				return nil, err
			}
			resolved = matches
		}
		if doc, err = doc.Replace(leaf.Pointer, resolved); err != nil {
			return nil, err
		}
	}
	return doc.JSON(), nil
}

// rebasePath leaves p alone when it is absolute or exists as given, and
// otherwise joins it onto workdir.
func rebasePath(workdir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return filepath.Join(workdir, p)
}

// globFiles returns the sorted matches of a recursive glob pattern, never nil.
func globFiles(pattern string) ([]any, error) {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	sort.Strings(matches)
	out := make([]any, len(matches))
	for i, m := range matches {
		out[i] = m
	}
	return out, nil
}

func fromYAML(_ context.Context, inv *Invocation, tmpl model.Template, _ *datamodel.Data) (any, error) {
	name, err := tmpl.String("yamlfile")
	if err != nil {
		return nil, err
	}
	workdir, err := inv.workdir()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(workdir, name))
	if err != nil {
		return nil, fmt.Errorf("read published file: %w", err)
	}
	var v any
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parse published file %s: %w", name, err)
	}
	d, err := datamodel.New(v, nil)
	if err != nil {
		return nil, err
	}
	return d.JSON(), nil
}

func fromGlob(_ context.Context, inv *Invocation, tmpl model.Template, _ *datamodel.Data) (any, error) {
	key, err := tmpl.String("outputkey")
	if err != nil {
		return nil, err
	}
	expr, err := tmpl.String("globexpression")
	if err != nil {
		return nil, err
	}
	workdir, err := inv.workdir()
	if err != nil {
		return nil, err
	}
	matches, err := globFiles(filepath.Join(workdir, expr))
	if err != nil {
		return nil, err
	}
	return map[string]any{key: matches}, nil
}

func constant(_ context.Context, _ *Invocation, tmpl model.Template, _ *datamodel.Data) (any, error) {
	v, err := tmpl.Value("publish")
	if err != nil {
		return nil, err
	}
	d, err := datamodel.New(v, nil)
	if err != nil {
		return nil, err
	}
	return d.JSON(), nil
}

var errNoInput = errors.New("console closed before data was published")

// manualPublish asks on the console for JSON until the user confirms it.
func manualPublish(_ context.Context, inv *Invocation, tmpl model.Template, _ *datamodel.Data) (any, error) {
	instructions, err := tmpl.String("instructions")
	if err != nil {
		return nil, err
	}
	con := inv.console()
	in := bufio.NewScanner(con.In)
	fmt.Fprintln(con.Out, instructions)
	for {
		fmt.Fprint(con.Out, "Enter JSON data to publish: ")
		if !in.Scan() {
			return nil, errNoInput
		}
		var data any
		if err := json.Unmarshal([]byte(in.Text()), &data); err != nil {
			fmt.Fprintln(con.Out, "uhm something went wrong, enter valid JSON please")
			continue
		}
		dump, err := yaml.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("dump published data: %w", err)
		}
		fmt.Fprintf(con.Out, "got: \n%s\npublish? (y/N) ", dump)
		if !in.Scan() {
			return nil, errNoInput
		}
		if strings.EqualFold(strings.TrimSpace(in.Text()), "y") {
			fmt.Fprintln(con.Out, "publishing")
			return data, nil
		}
	}
}
