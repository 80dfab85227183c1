// Package steplog provides per-invocation topic loggers. Handlers are
// acquired for the duration of one callback and always released afterwards.
package steplog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/seantiz/packtivity/internal/config"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/state"
)

// Topics written by the pipeline and the execution helpers.
const (
	TopicStep = "step"
	TopicPull = "pull"
	TopicRun  = "run"
)

// Scope identifies the invocation a topic logger belongs to.
type Scope struct {
	Config   config.Logging
	Metadata model.Metadata
	State    *state.LocalFS

	// Sink receives the message of every record, if set.
	Sink func(topic, line string)

	// Stream receives the step topic; nil means stderr.
	Stream io.Writer
}

// Hook builds the handlers of one topic logger in place of the defaults.
// The returned release function is called when the scope ends.
type Hook func(scope Scope, topic string) ([]slog.Handler, func() error, error)

var (
	hooksMu sync.RWMutex
	hooks   = map[string]Hook{}
)

// RegisterHook makes a hook selectable through config.Logging.Hook.
func RegisterHook(name string, h Hook) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	hooks[name] = h
}

// Hooks lists registered hook names.
func Hooks() []string {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	names := make([]string, 0, len(hooks))
	for n := range hooks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoggerName returns "pack.<name>.<topic>".
func LoggerName(name, topic string) string {
	return fmt.Sprintf("pack.%s.%s", name, topic)
}

// LogPath returns the file a topic is written to inside the state's metadir.
func LogPath(st *state.LocalFS, name, topic string) string {
	return filepath.Join(st.MetaDir(), fmt.Sprintf("%s.%s.log", name, topic))
}

// With runs fn with the topic logger for scope and releases its handlers on
// every exit path. fn's error is returned unchanged.
func With(scope Scope, topic string, fn func(*slog.Logger) error) error {
	_, err := Do(scope, topic, func(l *slog.Logger) (struct{}, error) {
		return struct{}{}, fn(l)
	})
	return err
}

// Do is With for callbacks that produce a value.
func Do[T any](scope Scope, topic string, fn func(*slog.Logger) (T, error)) (T, error) {
	var zero T
	handlers, release, err := acquire(scope, topic)
	if err != nil {
		return zero, err
	}

	var logger *slog.Logger
	if len(handlers) == 0 {
		logger = slog.New(slog.DiscardHandler)
	} else {
		logger = slog.New(fanout(handlers)).With("logger", LoggerName(scope.Metadata.Name, topic))
	}

	result, fnErr := func() (T, error) {
		defer func() {
			if release != nil {
				_ = release()
			}
		}()
		return fn(logger)
	}()
	return result, fnErr
}

func acquire(scope Scope, topic string) ([]slog.Handler, func() error, error) {
	if scope.Config.Disabled {
		return nil, nil, nil
	}

	if scope.Config.Hook != "" {
		hooksMu.RLock()
		h, ok := hooks[scope.Config.Hook]
		hooksMu.RUnlock()
		if !ok {
			return nil, nil, fmt.Errorf("unknown logging hook %q", scope.Config.Hook)
		}
		handlers, release, err := h(scope, topic)
		if err != nil {
			return nil, nil, fmt.Errorf("logging hook %q: %w", scope.Config.Hook, err)
		}
		if scope.Sink != nil {
			handlers = append(handlers, &sinkHandler{topic: topic, sink: scope.Sink})
		}
		return handlers, release, nil
	}

	var handlers []slog.Handler
	if topic == TopicStep {
		stream := scope.Stream
		if stream == nil {
			stream = os.Stderr
		}
		handlers = append(handlers, slog.NewTextHandler(stream, &slog.HandlerOptions{Level: scope.Config.StreamLevel}))
	}
	if scope.Sink != nil {
		handlers = append(handlers, &sinkHandler{topic: topic, sink: scope.Sink})
	}

	var release func() error
	if scope.State != nil {
		if _, err := scope.State.EnsureMetaDir(); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(LogPath(scope.State, scope.Metadata.Name, topic), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open topic log: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
		release = f.Close
	}
	return handlers, release, nil
}
