package handlers_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/seantiz/packtivity/internal/config"
	"github.com/seantiz/packtivity/internal/datamodel"
	"github.com/seantiz/packtivity/internal/executor"
	"github.com/seantiz/packtivity/internal/handlers"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/registry"
	"github.com/seantiz/packtivity/internal/state"
)

func newRegistry(t *testing.T, plugins ...handlers.Plugin) *handlers.Registry {
	t.Helper()
	r, err := handlers.NewRegistry(config.NewHandlerSelection(nil), plugins...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func newInvocation(t *testing.T) *handlers.Invocation {
	t.Helper()
	st, err := state.NewLocalFS([]string{t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultExecution()
	cfg.Logging.Disabled = true
	return &handlers.Invocation{
		State:    st,
		Metadata: model.Metadata{Name: "step"},
		Executor: executor.New(cfg),
	}
}

func pars(v map[string]any) *datamodel.Data {
	return datamodel.MustNew(v, nil)
}

func publish(t *testing.T, r *handlers.Registry, inv *handlers.Invocation, tmpl model.Template, p *datamodel.Data) any {
	t.Helper()
	h, err := r.PublisherFor(tmpl)
	if err != nil {
		t.Fatalf("PublisherFor: %v", err)
	}
	out, err := h(context.Background(), inv, tmpl, p)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return out
}

func TestDispatchUnknownType(t *testing.T) {
	r := newRegistry(t)
	_, err := r.ProcessFor(model.Template{"process_type": "does-not-exist"})
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	var nf *registry.NotFoundError
	if !errors.As(err, &nf) || nf.Type != "does-not-exist" || nf.Category != handlers.CategoryProcess {
		t.Errorf("NotFoundError = %+v", nf)
	}
	if !strings.Contains(err.Error(), "does-not-exist") {
		t.Errorf("message %q does not name the type", err)
	}
}

func TestSelectionPicksImplementation(t *testing.T) {
	sel := config.NewHandlerSelection(map[string]map[string]string{
		handlers.CategoryPublisher: {handlers.PubConstant: "shouting"},
	})
	r, err := handlers.NewRegistry(sel)
	if err != nil {
		t.Fatal(err)
	}
	err = r.Publisher.Register(handlers.PubConstant, "shouting", func(context.Context, *handlers.Invocation, model.Template, *datamodel.Data) (any, error) {
		return "LOUD", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got := publish(t, r, &handlers.Invocation{}, model.Template{"publisher_type": handlers.PubConstant, "publish": "quiet"}, pars(nil))
	if got != "LOUD" {
		t.Errorf("got %v, want the selected implementation", got)
	}
}

func TestPlugins(t *testing.T) {
	r := newRegistry(t)
	if _, err := r.ExecutorFor(model.Environment{Type: handlers.EnvTarball}); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("tarball handler present before loading plugin: %v", err)
	}

	plugins, err := handlers.LookupPlugins([]string{"tarball"})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Load(plugins...); err != nil {
		t.Fatal(err)
	}
	if err := r.Load(plugins...); err != nil {
		t.Errorf("second load: %v", err)
	}
	if _, err := r.ExecutorFor(model.Environment{Type: handlers.EnvTarball}); err != nil {
		t.Errorf("tarball handler missing: %v", err)
	}
	if diff := cmp.Diff([]string{"builtin", "tarball"}, r.Plugins()); diff != "" {
		t.Errorf("Plugins (-want +got):\n%s", diff)
	}

	if _, err := handlers.LookupPlugins([]string{"nope"}); err == nil {
		t.Error("unknown plugin accepted")
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name   string
		tmpl   string
		args   []any
		kwargs map[string]any
		want   string
	}{
		{"named", "echo {a} {b}", nil, map[string]any{"a": "x", "b": 2.0}, "echo x 2"},
		{"list joined", "cat {files}", nil, map[string]any{"files": []any{"a", "b"}}, "cat a b"},
		{"positional", "{1}-{0}", []any{"a", "b"}, nil, "b-a"},
		{"auto", "{}{}", []any{"a", "b"}, nil, "ab"},
		{"escaped", "{{x}} {x}", nil, map[string]any{"x": "y"}, "{x} y"},
		{"float", "{v}", nil, map[string]any{"v": 1.5}, "1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := handlers.Format(tt.tmpl, tt.args, tt.kwargs)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Format = %q, want %q", got, tt.want)
			}
		})
	}

	for _, bad := range []string{"{missing}", "{", "}", "{0}", "{a:>3}"} {
		if _, err := handlers.Format(bad, nil, map[string]any{"a": 1.0}); !errors.Is(err, model.ErrTemplate) {
			t.Errorf("Format(%q) error = %v, want ErrTemplate", bad, err)
		}
	}
}

func TestProcessHandlers(t *testing.T) {
	r := newRegistry(t)
	inv := newInvocation(t)
	ctx := context.Background()

	tests := []struct {
		name string
		tmpl model.Template
		pars any
		want model.Job
	}{
		{
			name: "mapping",
			tmpl: model.Template{"process_type": handlers.ProcessStringInterpolated, "cmd": "hadd {out} {in}"},
			pars: map[string]any{"out": "o.root", "in": []any{"a.root", "b.root"}},
			want: model.Job{Command: "hadd o.root a.root b.root"},
		},
		{
			name: "sequence",
			tmpl: model.Template{"process_type": handlers.ProcessStringInterpolated, "cmd": "echo {0} {1}"},
			pars: []any{"a", []any{"b", "c"}},
			want: model.Job{Command: "echo a b c"},
		},
		{
			name: "scalar",
			tmpl: model.Template{"process_type": handlers.ProcessStringInterpolated, "cmd": "echo {value}"},
			pars: "hi",
			want: model.Job{Command: "echo hi"},
		},
		{
			name: "script",
			tmpl: model.Template{"process_type": handlers.ProcessInterpolatedScript, "script": "print({n})", "interpreter": "python"},
			pars: map[string]any{"n": 3.0},
			want: model.Job{Script: "print(3)", Interpreter: "python"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := r.ProcessFor(tt.tmpl)
			if err != nil {
				t.Fatal(err)
			}
			job, err := h(ctx, inv, tt.tmpl, datamodel.MustNew(tt.pars, nil))
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, job); diff != "" {
				t.Errorf("job (-want +got):\n%s", diff)
			}
		})
	}

	h, _ := r.ProcessFor(model.Template{"process_type": handlers.ProcessStringInterpolated})
	_, err := h(ctx, inv, model.Template{"process_type": handlers.ProcessStringInterpolated}, pars(nil))
	var te *model.TemplateError
	if !errors.As(err, &te) || te.Field != "cmd" {
		t.Errorf("missing cmd error = %v", err)
	}
}

func TestManualProcessPrintsInstructions(t *testing.T) {
	r := newRegistry(t)
	inv := newInvocation(t)
	var out strings.Builder
	inv.Console = handlers.Console{In: strings.NewReader(""), Out: &out}

	tmpl := model.Template{"process_type": handlers.ProcessManual, "instructions": "do the thing"}
	h, _ := r.ProcessFor(tmpl)
	job, err := h(context.Background(), inv, tmpl, pars(map[string]any{"x": "val"}))
	if err != nil {
		t.Fatal(err)
	}
	if job.Instructions != "do the thing" {
		t.Errorf("Instructions = %q", job.Instructions)
	}
	if !strings.Contains(out.String(), "do the thing") || !strings.Contains(out.String(), "x: val") {
		t.Errorf("console output = %q", out.String())
	}
}

func TestDockerEnvironment(t *testing.T) {
	r := newRegistry(t)
	inv := newInvocation(t)
	tmpl := model.Template{
		"environment_type": handlers.EnvDocker,
		"image":            "busybox",
		"resources":        []any{"CVMFS", map[string]any{"kubernetes": "x"}},
		"workdir":          "{workdir}/sub",
		"par_mounts": []any{
			map[string]any{"mountpath": "/parmounts/files", "jqscript": ".files"},
		},
	}
	h, err := r.EnvironmentFor(tmpl)
	if err != nil {
		t.Fatal(err)
	}
	env, err := h(context.Background(), inv, tmpl, pars(map[string]any{"files": []any{"a", "b"}}))
	if err != nil {
		t.Fatal(err)
	}
	want := model.Environment{
		Type:      handlers.EnvDocker,
		Image:     "busybox",
		Resources: []string{"CVMFS"},
		Workdir:   inv.State.Workdir() + "/sub",
		ParMounts: []model.ParMount{{MountPath: "/parmounts/files", JQScript: ".files", MountContent: `["a","b"]`}},
	}
	if diff := cmp.Diff(want, env); diff != "" {
		t.Errorf("environment (-want +got):\n%s", diff)
	}

	delete(tmpl, "image")
	if _, err := h(context.Background(), inv, tmpl, pars(nil)); !errors.Is(err, model.ErrTemplate) {
		t.Errorf("missing image error = %v", err)
	}
}

func TestLocalProcExecution(t *testing.T) {
	r := newRegistry(t)
	inv := newInvocation(t)
	h, err := r.ExecutorFor(model.Environment{Type: handlers.EnvLocalProc})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h(context.Background(), inv, model.Environment{Type: handlers.EnvLocalProc}, model.Job{Command: "touch made.txt"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(inv.State.Workdir(), "made.txt")); err != nil {
		t.Errorf("made.txt missing: %v", err)
	}

	_, err = h(context.Background(), inv, model.Environment{Type: handlers.EnvLocalProc}, model.Job{Command: "exit 4"})
	var ee *executor.ExecutionError
	if !errors.As(err, &ee) || ee.ExitCode != 4 {
		t.Errorf("error = %v, want exit code 4", err)
	}
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) run(_ context.Context, argv executor.CommandLine, _ executor.RunOptions) (executor.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, strings.Join(argv[:2], " "))
	return executor.Result{}, nil
}

func TestDockerExecution(t *testing.T) {
	r := newRegistry(t, handlers.Tarball{})
	inv := newInvocation(t)
	rec := &recorder{}
	inv.Executor = executor.New(inv.Executor.Config(), executor.WithRunFunc(rec.run))
	env := model.Environment{Type: handlers.EnvDocker, Image: "busybox"}

	h, _ := r.ExecutorFor(env)
	argv, err := h(context.Background(), inv, env, model.Job{Command: "ls"})
	if err != nil {
		t.Fatal(err)
	}
	if argv != nil {
		t.Errorf("non-interactive run returned %s", argv)
	}
	if diff := cmp.Diff([]string{"docker pull", "docker run"}, rec.calls); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}

	rec.calls = nil
	inv.Interactive = true
	argv, err = h(context.Background(), inv, env, model.Job{Command: "sh"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.calls) != 0 || !strings.Contains(argv.String(), " -t ") {
		t.Errorf("interactive: calls = %v argv = %s", rec.calls, argv)
	}

	rec.calls = nil
	inv.Interactive = false
	tar := model.Environment{Type: handlers.EnvTarball, Image: "imported", URL: "https://example.org/root.tar"}
	h, _ = r.ExecutorFor(tar)
	if _, err := h(context.Background(), inv, tar, model.Job{Command: "ls"}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"docker import", "docker run", "docker rmi"}, rec.calls); diff != "" {
		t.Errorf("tarball calls (-want +got):\n%s", diff)
	}
}

func TestPublishers(t *testing.T) {
	r := newRegistry(t)
	inv := newInvocation(t)
	wd := inv.State.Workdir()
	for _, f := range []string{"a.txt", "b.txt", "sub/c.root"} {
		path := filepath.Join(wd, f)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(wd, "out.yml"), []byte("result: 42\nfiles: [x, y]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := pars(map[string]any{"name": "hist", "nested": map[string]any{"v": 1.0}, "files": []any{"p", "q"}})

	tests := []struct {
		name string
		tmpl model.Template
		want any
	}{
		{
			name: "frompar",
			tmpl: model.Template{"publisher_type": handlers.PubFromPar, "outputmap": map[string]any{"out": "name", "deep": map[string]any{"v": "/nested/v"}}},
			want: map[string]any{"out": "hist", "deep": map[string]any{"v": 1.0}},
		},
		{
			name: "interpolated",
			tmpl: model.Template{"publisher_type": handlers.PubInterpolated, "publish": map[string]any{"out": "{workdir}/{name}.root"}},
			want: map[string]any{"out": wd + "/hist.root"},
		},
		{
			name: "interpolated glob",
			tmpl: model.Template{"publisher_type": handlers.PubInterpolated, "publish": map[string]any{"out": "{workdir}/*.txt"}, "glob": true},
			want: map[string]any{"out": []any{wd + "/a.txt", wd + "/b.txt"}},
		},
		{
			name: "interpolated relative",
			tmpl: model.Template{"publisher_type": handlers.PubInterpolated, "publish": map[string]any{"out": "{name}.root", "abs": "/data/x"}, "relative_paths": true},
			want: map[string]any{"out": wd + "/hist.root", "abs": "/data/x"},
		},
		{
			name: "fromyaml",
			tmpl: model.Template{"publisher_type": handlers.PubFromYAML, "yamlfile": "out.yml"},
			want: map[string]any{"result": 42.0, "files": []any{"x", "y"}},
		},
		{
			name: "fromglob",
			tmpl: model.Template{"publisher_type": handlers.PubFromGlob, "outputkey": "roots", "globexpression": "**/*.root"},
			want: map[string]any{"roots": []any{wd + "/sub/c.root"}},
		},
		{
			name: "fromglob empty",
			tmpl: model.Template{"publisher_type": handlers.PubFromGlob, "outputkey": "none", "globexpression": "*.nope"},
			want: map[string]any{"none": []any{}},
		},
		{
			name: "fromparjq",
			tmpl: model.Template{"publisher_type": handlers.PubFromParJQ, "script": "{all: .files}"},
			want: map[string]any{"all": []any{"p", "q"}},
		},
		{
			name: "fromparjq relative",
			tmpl: model.Template{"publisher_type": handlers.PubFromParJQ, "script": ".name + \".txt\"", "relative_paths": true},
			want: wd + "/hist.txt",
		},
		{
			name: "constant",
			tmpl: model.Template{"publisher_type": handlers.PubConstant, "publish": map[string]any{"k": []any{1, 2}}},
			want: map[string]any{"k": []any{1.0, 2.0}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := publish(t, r, inv, tt.tmpl, p)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("output (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFromParMissingParameter(t *testing.T) {
	r := newRegistry(t)
	tmpl := model.Template{"publisher_type": handlers.PubFromPar, "outputmap": map[string]any{"out": "absent"}}
	h, _ := r.PublisherFor(tmpl)
	_, err := h(context.Background(), &handlers.Invocation{}, tmpl, pars(map[string]any{}))
	if !errors.Is(err, model.ErrTemplate) {
		t.Errorf("error = %v, want ErrTemplate", err)
	}
}

func TestInterpolatedMatchesFormat(t *testing.T) {
	r := newRegistry(t)
	inv := newInvocation(t)
	tmpl := model.Template{"publisher_type": handlers.PubInterpolated, "publish": map[string]any{
		"a": "{workdir}/{x}",
		"b": "{y}-{x}",
	}}
	for _, m := range []map[string]any{
		{"x": "1", "y": "2"},
		{"x": "file.root", "y": 7.0},
		{"x": "", "y": "z"},
	} {
		kwargs := map[string]any{"workdir": inv.State.Workdir()}
		for k, v := range m {
			kwargs[k] = v
		}
		a, _ := handlers.Format("{workdir}/{x}", nil, kwargs)
		b, _ := handlers.Format("{y}-{x}", nil, kwargs)
		got := publish(t, r, inv, tmpl, pars(m))
		if diff := cmp.Diff(map[string]any{"a": a, "b": b}, got); diff != "" {
			t.Errorf("pars %v (-want +got):\n%s", m, diff)
		}
	}
}

func TestManualPublish(t *testing.T) {
	r := newRegistry(t)
	var out strings.Builder
	inv := &handlers.Invocation{Console: handlers.Console{
		In:  strings.NewReader("not json\n{\"a\": 1}\nn\n{\"b\": 2}\ny\n"),
		Out: &out,
	}}
	got := publish(t, r, inv, model.Template{"publisher_type": handlers.PubManual, "instructions": "enter it"}, pars(nil))
	if diff := cmp.Diff(map[string]any{"b": 2.0}, got); diff != "" {
		t.Errorf("published (-want +got):\n%s", diff)
	}
	if !strings.Contains(out.String(), "enter valid JSON") || !strings.Contains(out.String(), "publish? (y/N)") {
		t.Errorf("console output = %q", out.String())
	}

	inv.Console.In = strings.NewReader("")
	tmpl := model.Template{"publisher_type": handlers.PubManual, "instructions": "x"}
	h, _ := r.PublisherFor(tmpl)
	if _, err := h(context.Background(), inv, tmpl, pars(nil)); err == nil {
		t.Error("closed console should fail")
	}
}

func TestPrepublishable(t *testing.T) {
	tests := []struct {
		tmpl model.Template
		want bool
	}{
		{model.Template{"publisher_type": handlers.PubFromPar}, true},
		{model.Template{"publisher_type": handlers.PubConstant}, true},
		{model.Template{"publisher_type": handlers.PubInterpolated}, true},
		{model.Template{"publisher_type": handlers.PubInterpolated, "glob": true}, false},
		{model.Template{"publisher_type": handlers.PubInterpolated, "relative_paths": true}, false},
		{model.Template{"publisher_type": handlers.PubFromParJQ}, true},
		{model.Template{"publisher_type": handlers.PubFromParJQ, "glob": true}, false},
		{model.Template{"publisher_type": handlers.PubFromGlob}, false},
		{model.Template{"publisher_type": handlers.PubFromYAML}, false},
		{model.Template{"publisher_type": handlers.PubManual}, false},
	}
	for _, tt := range tests {
		if got := handlers.Prepublishable(tt.tmpl); got != tt.want {
			t.Errorf("Prepublishable(%v) = %v, want %v", tt.tmpl, got, tt.want)
		}
	}
}
