package steplog

import (
	"context"
	"errors"
	"log/slog"
)

// fanout delivers each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// sinkHandler forwards record messages to a line sink.
type sinkHandler struct {
	topic string
	sink  func(topic, line string)
}

func (s *sinkHandler) Enabled(context.Context, slog.Level) bool { return true }

func (s *sinkHandler) Handle(_ context.Context, r slog.Record) error {
	s.sink(s.topic, r.Message)
	return nil
}

func (s *sinkHandler) WithAttrs([]slog.Attr) slog.Handler { return s }

func (s *sinkHandler) WithGroup(string) slog.Handler { return s }
