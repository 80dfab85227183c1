package pipeline_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/seantiz/packtivity/internal/config"
	"github.com/seantiz/packtivity/internal/datamodel"
	"github.com/seantiz/packtivity/internal/executor"
	"github.com/seantiz/packtivity/internal/handlers"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/pipeline"
	"github.com/seantiz/packtivity/internal/registry"
	"github.com/seantiz/packtivity/internal/state"
	"github.com/seantiz/packtivity/internal/steplog"
)

func newRunner(t *testing.T, opts ...executor.Option) *pipeline.Runner {
	t.Helper()
	reg, err := handlers.NewRegistry(config.NewHandlerSelection(nil))
	if err != nil {
		t.Fatal(err)
	}
	return pipeline.New(reg, executor.New(config.DefaultExecution(), opts...), pipeline.WithStream(io.Discard))
}

func newState(t *testing.T) *state.LocalFS {
	t.Helper()
	st, err := state.NewLocalFS([]string{t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func localSpec(cmd string, publisher model.Template) model.ActivitySpec {
	return model.ActivitySpec{
		Process:     model.Template{"process_type": handlers.ProcessStringInterpolated, "cmd": cmd},
		Environment: model.Template{"environment_type": handlers.EnvLocalProc},
		Publisher:   publisher,
	}
}

func TestRunLocalProcess(t *testing.T) {
	r := newRunner(t)
	st := newState(t)
	spec := localSpec("touch {workdir}/x.txt", model.Template{
		"publisher_type": handlers.PubFromPar,
		"outputmap":      map[string]any{"out": "outfile"},
	})
	pars := datamodel.MustNew(map[string]any{"outfile": "{workdir}/x.txt"}, nil)

	out, err := r.Run(context.Background(), spec, pars, st, model.Metadata{Name: "touch"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := filepath.Join(st.Workdir(), "x.txt")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("x.txt not created: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"out": want}, out.JSON()); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(steplog.LogPath(st, "touch", steplog.TopicRun)); err != nil {
		t.Errorf("run topic log missing: %v", err)
	}
}

func TestRunFailureIsLoggedAndReturned(t *testing.T) {
	r := newRunner(t)
	st := newState(t)
	spec := localSpec("exit 2", model.Template{"publisher_type": handlers.PubConstant, "publish": "unused"})

	_, err := r.Run(context.Background(), spec, nil, st, model.Metadata{Name: "broken"})
	var ee *executor.ExecutionError
	if !errors.As(err, &ee) || ee.ExitCode != 2 {
		t.Fatalf("error = %v, want exit code 2", err)
	}
	logged, readErr := os.ReadFile(steplog.LogPath(st, "broken", steplog.TopicStep))
	if readErr != nil {
		t.Fatal(readErr)
	}
	if !strings.Contains(string(logged), "activity failed") || !strings.Contains(string(logged), "broken") {
		t.Errorf("step log = %s", logged)
	}
}

func TestPublisherOnlyActivity(t *testing.T) {
	r := newRunner(t)
	spec := model.ActivitySpec{Publisher: model.Template{"publisher_type": handlers.PubConstant, "publish": map[string]any{"a": 1}}}
	out, err := r.Run(context.Background(), spec, nil, nil, model.Metadata{Name: "const"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]any{"a": 1.0}, out.JSON()); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
}

func TestUnknownProcessType(t *testing.T) {
	r := newRunner(t)
	spec := model.ActivitySpec{
		Process:     model.Template{"process_type": "made-up"},
		Environment: model.Template{"environment_type": handlers.EnvNoop},
		Publisher:   model.Template{"publisher_type": handlers.PubConstant, "publish": 1},
	}
	_, err := r.Run(context.Background(), spec, nil, newState(t), model.Metadata{Name: "x"})
	var nf *registry.NotFoundError
	if !errors.As(err, &nf) || nf.Type != "made-up" {
		t.Errorf("error = %v, want NotFoundError for made-up", err)
	}
}

func TestPrepublishConsistency(t *testing.T) {
	publishers := map[string]model.Template{
		"frompar": {"publisher_type": handlers.PubFromPar, "outputmap": map[string]any{"o": "file"}},
		"interpolated": {"publisher_type": handlers.PubInterpolated, "publish": map[string]any{
			"o": "{workdir}/{file}", "n": "{count}",
		}},
		"constant":  {"publisher_type": handlers.PubConstant, "publish": []any{"x"}},
		"fromparjq": {"publisher_type": handlers.PubFromParJQ, "script": "{o: .file, c: .count}"},
	}
	for name, pub := range publishers {
		t.Run(name, func(t *testing.T) {
			r := newRunner(t)
			st := newState(t)
			spec := localSpec("echo {file}", pub)
			pars := datamodel.MustNew(map[string]any{"file": "out.root", "count": 3}, nil)
			meta := model.Metadata{Name: name}

			pre, err := r.Prepublish(context.Background(), spec, pars, st, meta)
			if err != nil {
				t.Fatal(err)
			}
			if pre == nil {
				t.Fatal("Prepublish returned nil for a parameter-only publisher")
			}
			out, err := r.Run(context.Background(), spec, pars, st, meta)
			if err != nil {
				t.Fatal(err)
			}
			if !pre.Equal(out) {
				t.Errorf("prepublished %s, published %s", mustJSON(t, pre), mustJSON(t, out))
			}
		})
	}
}

func TestPrepublishDeclines(t *testing.T) {
	r := newRunner(t)
	for _, pub := range []model.Template{
		{"publisher_type": handlers.PubFromGlob, "outputkey": "k", "globexpression": "*"},
		{"publisher_type": handlers.PubInterpolated, "publish": "{workdir}/*", "glob": true},
		{"publisher_type": handlers.PubFromYAML, "yamlfile": "out.yml"},
	} {
		out, err := r.Prepublish(context.Background(), localSpec("true", pub), nil, newState(t), model.Metadata{Name: "p"})
		if err != nil || out != nil {
			t.Errorf("Prepublish(%v) = %v, %v; want nil, nil", pub, out, err)
		}
	}
}

func TestFinalizeInputs(t *testing.T) {
	r := newRunner(t)
	st := newState(t)
	pars := datamodel.MustNew(map[string]any{
		"a":    "{workdir}/a",
		"list": []any{"{workdir}", 1, "plain"},
	}, nil)
	got, err := r.FinalizeInputs(pars, st)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"a":    st.Workdir() + "/a",
		"list": []any{st.Workdir(), 1.0, "plain"},
	}
	if diff := cmp.Diff(want, got.JSON()); diff != "" {
		t.Errorf("finalized (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("{workdir}/a", pars.JSON().(map[string]any)["a"]); diff != "" {
		t.Errorf("input mutated (-want +got):\n%s", diff)
	}
}

func TestShell(t *testing.T) {
	var ran bool
	r := newRunner(t, executor.WithRunFunc(func(context.Context, executor.CommandLine, executor.RunOptions) (executor.Result, error) {
		ran = true
		return executor.Result{}, nil
	}))
	spec := model.ActivitySpec{
		Process:     model.Template{"process_type": handlers.ProcessStringInterpolated, "cmd": "bash"},
		Environment: model.Template{"environment_type": handlers.EnvDocker, "image": "busybox"},
		Publisher:   model.Template{"publisher_type": handlers.PubConstant, "publish": 1},
	}
	argv, err := r.Shell(context.Background(), spec, nil, newState(t), model.Metadata{Name: "dbg"})
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Error("interactive shell was executed")
	}
	if !strings.HasPrefix(argv.String(), "docker run --rm -i -t ") {
		t.Errorf("argv = %s", argv)
	}
}

func mustJSON(t *testing.T, d *datamodel.Data) string {
	t.Helper()
	raw, err := d.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func TestWithSinkCollectsTopicLines(t *testing.T) {
	var (
		mu    sync.Mutex
		lines = map[string][]string{}
	)
	r := newRunner(t).With(pipeline.WithSink(func(topic, line string) {
		mu.Lock()
		defer mu.Unlock()
		lines[topic] = append(lines[topic], line)
	}))
	spec := localSpec("echo sunk", model.Template{"publisher_type": handlers.PubConstant, "publish": 1})
	if _, err := r.Run(context.Background(), spec, nil, newState(t), model.Metadata{Name: "sink"}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Contains(lines[steplog.TopicRun], "sunk") {
		t.Errorf("run topic lines = %q", lines[steplog.TopicRun])
	}
}

func TestBuildThenFinish(t *testing.T) {
	r := newRunner(t)
	st := newState(t)
	spec := localSpec("echo {msg}", model.Template{
		"publisher_type": handlers.PubFromPar,
		"outputmap":      map[string]any{"dir": "where"},
	})
	pars := datamodel.MustNew(map[string]any{"msg": "hi", "where": "{workdir}"}, nil)

	job, env, finalized, err := r.Build(context.Background(), spec, pars, st, model.Metadata{Name: "split"})
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.Command != "echo hi" || env.Type != handlers.EnvLocalProc {
		t.Errorf("job = %+v, env = %+v", job, env)
	}
	if diff := cmp.Diff(map[string]any{"msg": "hi", "where": st.Workdir()}, finalized.JSON()); diff != "" {
		t.Errorf("finalized (-want +got):\n%s", diff)
	}

	out, err := r.Finish(context.Background(), spec, pars, st, model.Metadata{Name: "split"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]any{"dir": st.Workdir()}, out.JSON()); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
}
