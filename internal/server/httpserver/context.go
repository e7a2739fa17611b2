package httpserver

import (
	"context"

	"github.com/dmitrijs2005/siteauth/internal/server/auth"
)

type ctxKey string

const claimsKey ctxKey = "claims"

func withClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func claimsFrom(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*auth.Claims)
	return c, ok && c != nil
}

// IdentityFrom returns the identity attached by Authenticate.
func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	c, ok := claimsFrom(ctx)
	if !ok {
		return auth.Identity{}, false
	}
	return c.Identity(), true
}
