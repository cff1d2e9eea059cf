package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CorrelationField is the record field carrying the execution ID.
const CorrelationField = "correlation_id"

// Init configures the global logger. Format is "console" or "json",
// level is any zerolog level name ("debug", "info", ...).
func Init(format, level string) {
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Logger().
		Level(lvl)
}

// WithCorrelation returns a context whose embedded logger tags every
// record with the given correlation ID. All work done on behalf of one
// execution logs through the returned context, so concurrent executions
// never see each other's IDs.
func WithCorrelation(ctx context.Context, id string) context.Context {
	child := Ctx(ctx).With().Str(CorrelationField, id).Logger()
	ctx = context.WithValue(ctx, correlationKey{}, id)
	return child.WithContext(ctx)
}

// Ctx returns the logger embedded in ctx, falling back to the global
// logger when none was attached. zerolog returns a disabled logger for
// bare contexts, which would swallow records silently.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		return &log.Logger
	}
	return l
}

// CorrelationID extracts the correlation ID previously attached with
// WithCorrelation, or "" when the context carries none.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

type correlationKey struct{}

func WithWorkflowID(workflowID string) zerolog.Logger {
	return log.With().Str("workflow_id", workflowID).Logger()
}

func WithExecutionID(executionID string) zerolog.Logger {
	return log.With().Str("execution_id", executionID).Logger()
}

func WithNodeID(nodeID string) zerolog.Logger {
	return log.With().Str("node_id", nodeID).Logger()
}

func WithComponent(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
