package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

const serviceName = "feedback-calls"

// New returns the process JSON logger. Debug is enabled for local and dev.
func New(appEnv string) *slog.Logger {
	return newWithWriter(os.Stdout, appEnv)
}

func newWithWriter(w io.Writer, appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", serviceName, "env", appEnv)
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
// Services called from HTTP handlers and job handlers use it to keep request_id / job_id.
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
