package quadoflow

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/arelbir/quado-lite-sub003/internal/config"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/core"
)

// SetupLogger installs a tint handler at the level of QFLOW_LOG_LEVEL as the default logger.
func SetupLogger() {
	slog.SetDefault(slog.New(NewLogHandler(os.Stderr, config.LogLevel(), nil)))
}

// SetupLoggerWithClock stamps records with clock instead of the wall clock, so logs of a test
// driving a fake clock line up with the data it writes.
func SetupLoggerWithClock(level slog.Level, clock core.Clock) {
	slog.SetDefault(slog.New(NewLogHandler(os.Stderr, level, clock)))
}

// NewLogHandler returns a tint handler that also logs the executor and job found on the context.
func NewLogHandler(w io.Writer, level slog.Level, clock core.Clock) slog.Handler {
	opts := &tint.Options{Level: level, TimeFormat: time.RFC3339Nano}
	if clock != nil {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Time(slog.TimeKey, clock.Now())
			}
			return a
		}
	}
	return contextHandler{tint.NewHandler(w, opts)}
}

type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(core.CtxKeyExecutorId).(int64); ok {
		r.AddAttrs(slog.Int64("executor_id", id))
	}
	if id, ok := ctx.Value(core.CtxKeyJobId).(int64); ok {
		r.AddAttrs(slog.Int64("job_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}
