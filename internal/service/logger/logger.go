package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is usable before Init so packages can log from tests without setup.
var Log = zerolog.New(io.Discard)

type ctxKey struct{}

func Init(serviceName string) {
	InitWithWriter(serviceName, os.Stdout)
}

func InitWithWriter(serviceName string, w io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	Log = zerolog.New(w).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

func WithContext(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

func FromContext(ctx context.Context) zerolog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return log
	}
	return Log
}

// WithJob returns a context whose logger carries the job id and lane.
func WithJob(ctx context.Context, jobID, lane string) context.Context {
	l := FromContext(ctx).With().Str("job_id", jobID).Str("lane", lane).Logger()
	return WithContext(ctx, l)
}
