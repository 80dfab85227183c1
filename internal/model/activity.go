package model

import (
	"fmt"
	"strings"
)

// Discriminator fields of the three sub-templates.
const (
	ProcessTypeKey     = "process_type"
	EnvironmentTypeKey = "environment_type"
	PublisherTypeKey   = "publisher_type"
)

// Resource tags an environment may request.
const (
	ResourceCVMFS     = "CVMFS"
	ResourceGRIDProxy = "GRIDProxy"
	ResourceKRB5Auth  = "KRB5Auth"
)

// ActivitySpec is the template of one step. Process and Environment are
// optional; a publisher-only activity never executes anything.
type ActivitySpec struct {
	Process     Template `json:"process,omitempty"`
	Environment Template `json:"environment,omitempty"`
	Publisher   Template `json:"publisher"`
}

// Template is one discriminated sub-template as decoded from JSON or YAML.
type Template map[string]any

// Type returns the discriminator stored under key, or "" if absent.
func (t Template) Type(key string) string {
	s, _ := t[key].(string)
	return s
}

// Has reports whether field is present.
func (t Template) Has(field string) bool {
	_, ok := t[field]
	return ok
}

// Value returns a required field.
func (t Template) Value(field string) (any, error) {
	v, ok := t[field]
	if !ok {
		return nil, &TemplateError{Field: field, Reason: "missing", Template: t}
	}
	return v, nil
}

// String returns a required string field.
func (t Template) String(field string) (string, error) {
	v, err := t.Value(field)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", &TemplateError{Field: field, Reason: fmt.Sprintf("want string, got %T", v), Template: t}
	}
	return s, nil
}

// OptString returns a string field or def when absent.
func (t Template) OptString(field, def string) string {
	if s, ok := t[field].(string); ok {
		return s
	}
	return def
}

// Bool returns a boolean field, false when absent.
func (t Template) Bool(field string) bool {
	b, _ := t[field].(bool)
	return b
}

// Map returns a required object field.
func (t Template) Map(field string) (map[string]any, error) {
	v, err := t.Value(field)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &TemplateError{Field: field, Reason: fmt.Sprintf("want object, got %T", v), Template: t}
	}
	return m, nil
}

// List returns an optional list field; a missing field yields nil.
func (t Template) List(field string) ([]any, error) {
	v, ok := t[field]
	if !ok || v == nil {
		return nil, nil
	}
	l, ok := v.([]any)
	if !ok {
		return nil, &TemplateError{Field: field, Reason: fmt.Sprintf("want list, got %T", v), Template: t}
	}
	return l, nil
}

// Job is the concrete work produced by a process handler: either a one-liner
// command or a script fed to an interpreter.
type Job struct {
	Command      string `json:"command,omitempty"`
	Script       string `json:"script,omitempty"`
	Interpreter  string `json:"interpreter,omitempty"`
	Instructions string `json:"instructions,omitempty"`

	// TTY asks the execution handler for an interactive command line
	// instead of running the job.
	TTY bool `json:"tty,omitempty"`
}

// IsScript reports whether the job pipes a script into an interpreter.
func (j Job) IsScript() bool {
	return j.Script != ""
}

// ParMount is a file whose content is derived from parameters and mounted
// into the job's environment at MountPath.
type ParMount struct {
	MountPath    string `json:"mountpath"`
	JQScript     string `json:"jqscript,omitempty"`
	MountContent string `json:"mountcontent"`
}

// Environment is the concrete runtime descriptor produced by an environment handler.
type Environment struct {
	Type         string            `json:"environment_type"`
	Image        string            `json:"image,omitempty"`
	ImageTag     string            `json:"imagetag,omitempty"`
	Resources    []string          `json:"resources,omitempty"`
	EnvScript    string            `json:"envscript,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Workdir      string            `json:"workdir,omitempty"`
	ParMounts    []ParMount        `json:"par_mounts,omitempty"`
	Instructions string            `json:"instructions,omitempty"`

	// URL locates an image tarball for environments that import rather than pull.
	URL string `json:"url,omitempty"`
}

// ImageRef returns image:tag, defaulting the tag to latest.
func (e Environment) ImageRef() string {
	tag := e.ImageTag
	if tag == "" {
		tag = "latest"
	}
	return e.Image + ":" + tag
}

// HasResource reports whether the environment requests the named resource.
func (e Environment) HasResource(name string) bool {
	for _, r := range e.Resources {
		if strings.EqualFold(r, name) {
			return true
		}
	}
	return false
}

// Metadata identifies one invocation; Name namespaces its logs and container ids.
type Metadata struct {
	Name string `json:"name"`
}
