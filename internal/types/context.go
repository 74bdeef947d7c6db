package types

import (
	"context"
)

// ActorType identifies the kind of authenticated entity making a request.
type ActorType string

const (
	ActorTypeAPIToken ActorType = "api_token"
	ActorTypeSystem   ActorType = "system"
)

// Actor represents the authenticated entity performing an operation. For API
// requests this is the agency behind the bearer token; scheduler and worker
// processes run as system actors.
type Actor struct {
	ID       string
	Type     ActorType
	AgencyID string
}

// Context Keys
type contextKey string

const (
	actorKey     contextKey = "actor"
	requestIDKey contextKey = "request_id"
)

// WithActor stores the Actor in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor retrieves the Actor from the context.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// SystemActor returns the Actor used by non-HTTP processes (scheduler,
// workers) when they call into agency-scoped code paths.
func SystemActor(agencyID string) Actor {
	return Actor{ID: "system", Type: ActorTypeSystem, AgencyID: agencyID}
}
