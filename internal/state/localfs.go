// Package state implements the filesystem context an activity runs against.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/seantiz/packtivity/internal/datamodel"
)

// State type discriminators used in JSON.
const (
	TypeLocalFS  = "localfs"
	TypeProvider = "localfs_provider"
)

// MetaDirName is the private per-step directory inside the workdir.
const MetaDirName = "_packtivity"

const defaultIdentifier = "unidentified_state"

// ErrNoReadWrite is returned when a state is built without a write directory.
var ErrNoReadWrite = errors.New("state requires at least one readwrite directory")

// LocalFS is a set of local directories: readwrite dirs (the first is the
// workdir) and readonly dirs. Paths are absolute with symlinks resolved.
// A LocalFS is not safe for concurrent mutation of the same directories.
type LocalFS struct {
	readwrite    []string
	readonly     []string
	identifier   string
	dependencies []*LocalFS
	model        *datamodel.LeafModel
}

// Option configures a LocalFS.
type Option func(*LocalFS)

// WithIdentifier sets the human label of the state.
func WithIdentifier(id string) Option {
	return func(s *LocalFS) { s.identifier = id }
}

// WithDependencies records upstream states. Their directories become readonly
// for this state and their write dirs join its hash.
func WithDependencies(deps ...*LocalFS) Option {
	return func(s *LocalFS) { s.dependencies = append(s.dependencies, deps...) }
}

// WithLeafModel binds a typed-leaf model used to wrap parameters and results.
func WithLeafModel(m *datamodel.LeafModel) Option {
	return func(s *LocalFS) { s.model = m }
}

// NewLocalFS builds a state. readwrite keeps its order; readonly is the sorted
// union of readonly and every dependency's directories, minus readwrite.
func NewLocalFS(readwrite, readonly []string, opts ...Option) (*LocalFS, error) {
	s := &LocalFS{identifier: defaultIdentifier}
	for _, opt := range opts {
		opt(s)
	}
	if len(readwrite) == 0 {
		return nil, ErrNoReadWrite
	}

	for _, d := range readwrite {
		p, err := realpath(d)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(s.readwrite, p) {
			s.readwrite = append(s.readwrite, p)
		}
	}

	ro := slices.Clone(readonly)
	for _, dep := range s.dependencies {
		ro = append(ro, dep.readwrite...)
		ro = append(ro, dep.readonly...)
	}
	for _, d := range ro {
		p, err := realpath(d)
		if err != nil {
			return nil, err
		}
		if slices.Contains(s.readwrite, p) || slices.Contains(s.readonly, p) {
			continue
		}
		s.readonly = append(s.readonly, p)
	}
	slices.Sort(s.readonly)
	return s, nil
}

func realpath(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", dir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return abs, nil
		}
		return "", fmt.Errorf("resolve %q: %w", dir, err)
	}
	return resolved, nil
}

// ReadWrite returns the write directories.
func (s *LocalFS) ReadWrite() []string { return slices.Clone(s.readwrite) }

// ReadOnly returns the readonly directories.
func (s *LocalFS) ReadOnly() []string { return slices.Clone(s.readonly) }

// Identifier returns the state's label.
func (s *LocalFS) Identifier() string { return s.identifier }

// Dependencies returns the upstream states.
func (s *LocalFS) Dependencies() []*LocalFS { return slices.Clone(s.dependencies) }

// LeafModel returns the bound typed-leaf model, possibly nil.
func (s *LocalFS) LeafModel() *datamodel.LeafModel { return s.model }

// Workdir returns the primary write directory.
func (s *LocalFS) Workdir() string { return s.readwrite[0] }

// MetaDir returns the private metadata directory. It may not exist yet.
func (s *LocalFS) MetaDir() string {
	return filepath.Join(s.readwrite[0], MetaDirName)
}

// EnsureMetaDir creates the metadata directory if needed and returns it.
func (s *LocalFS) EnsureMetaDir() (string, error) {
	dir := s.MetaDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create metadir: %w", err)
	}
	return dir, nil
}

// Ensure creates any missing write directory. It is idempotent.
func (s *LocalFS) Ensure() error {
	for _, d := range s.readwrite {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("ensure %s: %w", d, err)
		}
	}
	return nil
}

// Reset removes every write directory and recreates it empty.
func (s *LocalFS) Reset() error {
	for _, d := range s.readwrite {
		if err := os.RemoveAll(d); err != nil {
			return fmt.Errorf("reset %s: %w", d, err)
		}
	}
	return s.Ensure()
}

// Aliases returns the placeholder names Contextualize substitutes.
func (s *LocalFS) Aliases() map[string]string {
	return map[string]string{"workdir": s.readwrite[0]}
}

// Contextualize replaces directory placeholders such as {workdir}. Unknown
// placeholders are left untouched.
func (s *LocalFS) Contextualize(v string) string {
	var pairs []string
	for name, dir := range s.Aliases() {
		pairs = append(pairs, "{"+name+"}", dir)
	}
	return strings.NewReplacer(pairs...).Replace(v)
}

// Equal reports whether two states describe the same directories.
func (s *LocalFS) Equal(other *LocalFS) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.identifier == other.identifier &&
		slices.Equal(s.readwrite, other.readwrite) &&
		slices.Equal(s.readonly, other.readonly)
}

type localFSJSON struct {
	StateType    string            `json:"state_type"`
	Identifier   string            `json:"identifier"`
	ReadWrite    []string          `json:"readwrite"`
	ReadOnly     []string          `json:"readonly"`
	Dependencies []json.RawMessage `json:"dependencies,omitempty"`
}

// MarshalJSON renders {state_type: "localfs", identifier, readwrite, readonly, dependencies}.
func (s *LocalFS) MarshalJSON() ([]byte, error) {
	out := localFSJSON{
		StateType:  TypeLocalFS,
		Identifier: s.identifier,
		ReadWrite:  s.readwrite,
		ReadOnly:   s.readonly,
	}
	if out.ReadOnly == nil {
		out.ReadOnly = []string{}
	}
	for _, dep := range s.dependencies {
		raw, err := dep.MarshalJSON()
		if err != nil {
			return nil, err
		}
		out.Dependencies = append(out.Dependencies, raw)
	}
	return json.Marshal(out)
}

// Load reconstructs a LocalFS from its JSON form.
func Load(raw []byte, opts ...Option) (*LocalFS, error) {
	var in localFSJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if in.StateType != TypeLocalFS {
		return nil, fmt.Errorf("decode state: unsupported state_type %q", in.StateType)
	}
	var deps []*LocalFS
	for _, d := range in.Dependencies {
		dep, err := Load(d, opts...)
		if err != nil {
			return nil, fmt.Errorf("decode dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	all := append([]Option{WithIdentifier(in.Identifier), WithDependencies(deps...)}, opts...)
	return NewLocalFS(in.ReadWrite, in.ReadOnly, all...)
}
