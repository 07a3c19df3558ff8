package httputil

import (
	"context"

	"github.com/rangeops/rangehub/internal/domain"
)

type userContextKey struct{}

// ContextWithUser stores the authenticated user on the request context.
// The session middleware calls this; handlers read it back.
func ContextWithUser(ctx context.Context, u *domain.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// UserFromContext returns the authenticated user, or nil outside the
// session-gated tree.
func UserFromContext(ctx context.Context) *domain.User {
	u, _ := ctx.Value(userContextKey{}).(*domain.User)
	return u
}
