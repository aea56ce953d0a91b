package audit

import "context"

// DefaultActor is recorded when the context names no actor.
const DefaultActor = "leapsync"

type actorKey struct{}

// WithActor attaches the identity recorded as the actor of audit events.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor attached to ctx, or DefaultActor.
func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return DefaultActor
}
