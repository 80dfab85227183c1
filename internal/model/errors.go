package model

import (
	"errors"
	"fmt"
)

// ErrTemplate matches every TemplateError.
var ErrTemplate = errors.New("template error")

// TemplateError reports a required template field that is absent or ill-typed,
// or a template that cannot be evaluated against its parameters.
type TemplateError struct {
	Field    string
	Reason   string
	Template Template
}

func (e *TemplateError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("template error: %s", e.Reason)
	}
	return fmt.Sprintf("template field %q: %s", e.Field, e.Reason)
}

func (e *TemplateError) Is(target error) bool {
	return target == ErrTemplate
}
