package handlers

import (
	"io"
	"os"

	"github.com/seantiz/packtivity/internal/executor"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/state"
	"github.com/seantiz/packtivity/internal/steplog"
)

// Console is where interactive handlers print instructions and read answers.
type Console struct {
	In  io.Reader
	Out io.Writer
}

// StdConsole is the process terminal.
func StdConsole() Console {
	return Console{In: os.Stdin, Out: os.Stdout}
}

// Invocation carries everything a handler needs besides its template and
// parameters. State may be nil for publisher-only activities.
type Invocation struct {
	State    *state.LocalFS
	Metadata model.Metadata
	Executor *executor.Executor
	Console  Console

	// Interactive asks container execution handlers for a TTY command
	// line instead of running the job.
	Interactive bool

	// Sink and Stream are forwarded to every topic logger.
	Sink   func(topic, line string)
	Stream io.Writer
}

// Scope returns the topic logging scope of the invocation.
func (inv *Invocation) Scope() steplog.Scope {
	scope := steplog.Scope{
		Metadata: inv.Metadata,
		State:    inv.State,
		Sink:     inv.Sink,
		Stream:   inv.Stream,
	}
	if inv.Executor != nil {
		scope.Config = inv.Executor.Config().Logging
	}
	return scope
}

func (inv *Invocation) console() Console {
	c := inv.Console
	if c.In == nil {
		c.In = os.Stdin
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	return c
}

func (inv *Invocation) workdir() (string, error) {
	if inv.State == nil {
		return "", errNoState
	}
	return inv.State.Workdir(), nil
}
