package core

import "context"

type contextKey string

const ctxKeyOrigin contextKey = "run_origin"

// Origin kinds.
const (
	OriginCLI   = "cli"
	OriginHTTP  = "http"
	OriginQueue = "amqp"
)

// Origin identifies what started a run: a kind and, for remote callers,
// the client address or queue name.
type Origin struct {
	Kind   string
	Client string
}

func (o Origin) String() string {
	switch {
	case o.Kind == "":
		return ""
	case o.Client == "":
		return o.Kind
	default:
		return o.Kind + " " + o.Client
	}
}

// ContextWithOrigin records who is starting a run. The service reads it in
// Run and StartRun and keeps it with the run's history.
func ContextWithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, ctxKeyOrigin, o)
}

// OriginFromContext returns the origin stored in ctx, or the zero Origin.
func OriginFromContext(ctx context.Context) Origin {
	if v, ok := ctx.Value(ctxKeyOrigin).(Origin); ok {
		return v
	}
	return Origin{}
}
