package state_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/seantiz/packtivity/internal/state"
)

func newState(t *testing.T, rw ...string) *state.LocalFS {
	t.Helper()
	s, err := state.NewLocalFS(rw, nil, state.WithIdentifier("test"))
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	return s
}

func TestNewLocalFSRequiresWriteDir(t *testing.T) {
	if _, err := state.NewLocalFS(nil, []string{"/tmp"}); !errors.Is(err, state.ErrNoReadWrite) {
		t.Errorf("error = %v, want ErrNoReadWrite", err)
	}
}

func TestPathsAreAbsoluteAndResolved(t *testing.T) {
	base := t.TempDir()
	real := filepath.Join(base, "real")
	if err := os.Mkdir(real, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(base, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}
	realBase, _ := filepath.EvalSymlinks(base)

	s := newState(t, link)
	if got, want := s.Workdir(), filepath.Join(realBase, "real"); got != want {
		t.Errorf("Workdir = %q, want %q", got, want)
	}

	t.Chdir(base)
	s = newState(t, "relative")
	if !filepath.IsAbs(s.Workdir()) {
		t.Errorf("Workdir %q is not absolute", s.Workdir())
	}
}

func TestReadOnlySortedWithDependencies(t *testing.T) {
	dep, err := state.NewLocalFS([]string{"/data/z"}, []string{"/data/a"})
	if err != nil {
		t.Fatal(err)
	}
	s, err := state.NewLocalFS([]string{"/data/w"}, []string{"/data/m", "/data/w"}, state.WithDependencies(dep))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/data/a", "/data/m", "/data/z"}
	if diff := cmp.Diff(want, s.ReadOnly()); diff != "" {
		t.Errorf("ReadOnly mismatch (-want +got):\n%s", diff)
	}
}

func TestEnsureThenResetLeavesEmptyDirs(t *testing.T) {
	base := t.TempDir()
	s := newState(t, filepath.Join(base, "a"), filepath.Join(base, "b"))

	if err := s.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := s.Ensure(); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.Workdir(), "x.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnsureMetaDir(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := s.Reset(); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		for _, d := range s.ReadWrite() {
			entries, err := os.ReadDir(d)
			if err != nil {
				t.Fatalf("ReadDir(%s): %v", d, err)
			}
			if len(entries) != 0 {
				t.Errorf("%s has %d entries after reset", d, len(entries))
			}
		}
	}
}

func TestMetaDirIsLazy(t *testing.T) {
	s := newState(t, t.TempDir())
	if _, err := os.Stat(s.MetaDir()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("metadir exists before use: %v", err)
	}
	dir, err := s.EnsureMetaDir()
	if err != nil {
		t.Fatalf("EnsureMetaDir: %v", err)
	}
	if filepath.Base(dir) != state.MetaDirName {
		t.Errorf("metadir = %q", dir)
	}
}

func TestHashTracksContent(t *testing.T) {
	s := newState(t, t.TempDir())

	h1, err := s.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.Workdir(), "x.txt"), []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	h2, _ := s.Hash()
	if h1 == h2 {
		t.Error("hash unchanged after adding a file")
	}

	meta, _ := s.EnsureMetaDir()
	if err := os.WriteFile(filepath.Join(meta, "step.log"), []byte("log"), 0o644); err != nil {
		t.Fatal(err)
	}
	h3, _ := s.Hash()
	if h2 != h3 {
		t.Error("hash changed after writing into the metadir")
	}

	if err := os.WriteFile(filepath.Join(s.Workdir(), "x.txt"), []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	h4, _ := s.Hash()
	if h3 == h4 {
		t.Error("hash unchanged after modifying a file")
	}
}

func TestHashIncludesDependencies(t *testing.T) {
	dep := newState(t, t.TempDir())
	s, err := state.NewLocalFS([]string{t.TempDir()}, nil, state.WithDependencies(dep))
	if err != nil {
		t.Fatal(err)
	}
	h1, _ := s.Hash()
	if err := os.WriteFile(filepath.Join(dep.Workdir(), "in.txt"), []byte("in"), 0o644); err != nil {
		t.Fatal(err)
	}
	h2, _ := s.Hash()
	if h1 == h2 {
		t.Error("hash ignores dependency content")
	}
}

func TestContextualize(t *testing.T) {
	s := newState(t, "/work/step")
	got := s.Contextualize("{workdir}/out.txt {other}")
	if got != "/work/step/out.txt {other}" {
		t.Errorf("Contextualize = %q", got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	dep := newState(t, "/work/upstream")
	s, err := state.NewLocalFS([]string{"/work/step"}, []string{"/data"},
		state.WithIdentifier("step"), state.WithDependencies(dep))
	if err != nil {
		t.Fatal(err)
	}

	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["state_type"] != "localfs" || doc["identifier"] != "step" {
		t.Errorf("unexpected JSON: %s", raw)
	}

	back, err := state.Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !back.Equal(s) {
		t.Errorf("round trip mismatch: %+v vs %+v", back.ReadOnly(), s.ReadOnly())
	}
	again, _ := json.Marshal(back)
	if string(again) != string(raw) {
		t.Errorf("JSON not stable:\n%s\n%s", raw, again)
	}

	if _, err := state.Load([]byte(`{"state_type":"s3"}`)); err == nil {
		t.Error("Load accepted unknown state type")
	}
}

func TestProviderNewState(t *testing.T) {
	base, err := state.NewLocalFS([]string{"/work"}, []string{"/data"})
	if err != nil {
		t.Fatal(err)
	}
	p := state.NewProvider(base, true)

	s, err := p.NewState("stepA")
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if s.Workdir() != "/work/stepA" {
		t.Errorf("Workdir = %q", s.Workdir())
	}
	if diff := cmp.Diff([]string{"/data", "/work"}, s.ReadOnly()); diff != "" {
		t.Errorf("ReadOnly mismatch (-want +got):\n%s", diff)
	}
	if s.Identifier() != "stepA" {
		t.Errorf("Identifier = %q", s.Identifier())
	}

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	back, err := state.LoadProvider(raw)
	if err != nil {
		t.Fatalf("LoadProvider: %v", err)
	}
	if !back.Base().Equal(base) {
		t.Error("provider base changed across JSON")
	}
}
