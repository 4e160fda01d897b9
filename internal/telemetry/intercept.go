package telemetry

import (
	"context"
	"log"
	"log/slog"
	"sync"
)

// ErrorRecord is the part of an Error-level log record forwarded by InterceptErrors.
type ErrorRecord struct {
	Message string
	Attrs   map[string]any
}

var interceptMu sync.Mutex

// builtinDefault is the logger slog installs before any SetDefault call. Its
// handler writes through the log package, which SetDefault points back at
// the new default handler, so it cannot sit underneath a replacement.
var builtinDefault = slog.Default()

// InterceptErrors replaces the process-wide default logger with one that
// still writes through the previous handler and additionally hands every
// Error-level record to forward. restore reinstates exactly the logger that
// was the default when InterceptErrors was called.
func InterceptErrors(forward func(ErrorRecord)) (restore func()) {
	interceptMu.Lock()
	defer interceptMu.Unlock()

	previous := slog.Default()
	logOutput, logFlags := log.Writer(), log.Flags()

	next := previous.Handler()
	if next == builtinDefault.Handler() {
		next = slog.NewTextHandler(logOutput, nil)
	}
	slog.SetDefault(slog.New(&teeHandler{next: next, forward: forward}))

	var once sync.Once
	return func() {
		once.Do(func() {
			interceptMu.Lock()
			defer interceptMu.Unlock()
			slog.SetDefault(previous)
			if previous.Handler() == builtinDefault.Handler() {
				log.SetOutput(logOutput)
				log.SetFlags(logFlags)
			}
		})
	}
}

type teeHandler struct {
	next    slog.Handler
	forward func(ErrorRecord)
	attrs   []slog.Attr
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelError || h.next.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		rec := ErrorRecord{Message: r.Message, Attrs: make(map[string]any)}
		for _, a := range h.attrs {
			rec.Attrs[a.Key] = a.Value.Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			rec.Attrs[a.Key] = a.Value.Resolve().Any()
			return true
		})
		h.forward(rec)
	}
	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &teeHandler{next: h.next.WithAttrs(attrs), forward: h.forward, attrs: merged}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{next: h.next.WithGroup(name), forward: h.forward, attrs: h.attrs}
}

// FollowDefault returns a logger that resolves the process-wide default
// handler on every record, so it keeps following later SetDefault calls
// (including InterceptErrors) after it was handed to a component.
func FollowDefault() *slog.Logger {
	return slog.New(followHandler{})
}

type handlerOp struct {
	attrs []slog.Attr
	group string
}

type followHandler struct {
	ops []handlerOp
}

func (h followHandler) resolve() slog.Handler {
	next := slog.Default().Handler()
	for _, op := range h.ops {
		if op.group != "" {
			next = next.WithGroup(op.group)
		} else {
			next = next.WithAttrs(op.attrs)
		}
	}
	return next
}

func (h followHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, level)
}

func (h followHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h followHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return followHandler{ops: append(append([]handlerOp{}, h.ops...), handlerOp{attrs: attrs})}
}

func (h followHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return followHandler{ops: append(append([]handlerOp{}, h.ops...), handlerOp{group: name})}
}
