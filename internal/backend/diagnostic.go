package backend

import (
	"errors"

	"github.com/seantiz/packtivity/internal/executor"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/registry"
)

// Diagnostic codes.
const (
	CodeTemplate  = "TEMPLATE_ERROR"
	CodeExecution = "EXECUTION_FAILED"
	CodeNotFound  = "NOT_FOUND"
	CodeInternal  = "INTERNAL"
)

// Diagnostic describes why an activity failed.
type Diagnostic struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Command  string `json:"command,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

func (d *Diagnostic) Error() string {
	return d.Code + ": " + d.Message
}

// DiagnosticFrom classifies err. It returns nil for a nil error.
func DiagnosticFrom(err error) *Diagnostic {
	if err == nil {
		return nil
	}
	var d *Diagnostic
	if errors.As(err, &d) {
		return d
	}
	diag := &Diagnostic{Code: CodeInternal, Message: err.Error()}
	var ee *executor.ExecutionError
	switch {
	case errors.As(err, &ee):
		code := ee.ExitCode
		diag.Code = CodeExecution
		diag.Command = ee.Command
		diag.ExitCode = &code
	case errors.Is(err, registry.ErrNotFound):
		diag.Code = CodeNotFound
	case errors.Is(err, model.ErrTemplate):
		diag.Code = CodeTemplate
	}
	return diag
}
