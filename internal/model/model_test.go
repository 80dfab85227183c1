package model

import (
	"errors"
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, true},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusPending, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTemplateString(t *testing.T) {
	tmpl := Template{"process_type": "string-interpolated-cmd", "cmd": "echo hi", "n": 3.0}

	if got := tmpl.Type(ProcessTypeKey); got != "string-interpolated-cmd" {
		t.Errorf("Type = %q", got)
	}

	cmd, err := tmpl.String("cmd")
	if err != nil || cmd != "echo hi" {
		t.Errorf("String(cmd) = %q, %v", cmd, err)
	}

	_, err = tmpl.String("script")
	var te *TemplateError
	if !errors.As(err, &te) {
		t.Fatalf("String(script) error = %v, want TemplateError", err)
	}
	if te.Field != "script" || te.Reason != "missing" {
		t.Errorf("TemplateError = %+v", te)
	}
	if !errors.Is(err, ErrTemplate) {
		t.Error("TemplateError should match ErrTemplate")
	}

	if _, err := tmpl.String("n"); !errors.Is(err, ErrTemplate) {
		t.Errorf("String(n) error = %v, want type mismatch", err)
	}
}

func TestTemplateOptionalFields(t *testing.T) {
	tmpl := Template{"glob": true, "items": []any{"a"}}

	if !tmpl.Bool("glob") || tmpl.Bool("relative_paths") {
		t.Error("Bool returned unexpected values")
	}
	if got := tmpl.OptString("imagetag", "latest"); got != "latest" {
		t.Errorf("OptString = %q, want latest", got)
	}
	l, err := tmpl.List("items")
	if err != nil || len(l) != 1 {
		t.Errorf("List(items) = %v, %v", l, err)
	}
	l, err = tmpl.List("missing")
	if err != nil || l != nil {
		t.Errorf("List(missing) = %v, %v", l, err)
	}
}

func TestEnvironmentHelpers(t *testing.T) {
	env := Environment{Image: "busybox", Resources: []string{"CVMFS"}}
	if got := env.ImageRef(); got != "busybox:latest" {
		t.Errorf("ImageRef = %q", got)
	}
	env.ImageTag = "1.36"
	if got := env.ImageRef(); got != "busybox:1.36" {
		t.Errorf("ImageRef = %q", got)
	}
	if !env.HasResource(ResourceCVMFS) || env.HasResource(ResourceGRIDProxy) {
		t.Error("HasResource returned unexpected values")
	}
}
