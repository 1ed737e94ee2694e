package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/warp/welfare-engine/benefit"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

type actorKey struct{}

// WithActor stores the actor in ctx.
func WithActor(ctx context.Context, a benefit.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor set by RequireActor, or the zero Actor.
func ActorFrom(ctx context.Context) benefit.Actor {
	a, _ := ctx.Value(actorKey{}).(benefit.Actor)
	return a
}

// RequireActor rejects requests without an X-Actor-ID header (401) or
// with an unknown X-Actor-Role (400). Whether the role may perform the
// action is decided by the service's Authorizer.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if id == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+HeaderActorID+" header", nil)
			return
		}

		role := benefit.Role(strings.TrimSpace(r.Header.Get(HeaderActorRole)))
		if role != "" && !role.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid "+HeaderActorRole+" header",
				fmt.Errorf("unknown role %q", role))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), benefit.Actor{ID: id, Role: role})))
	})
}
