package auth

import (
	"context"
	"fmt"

	"github.com/deesoft/console/core"
	"github.com/deesoft/console/errors"
	"go.elastic.co/apm/v2"
)

const SpanTokenValidation = "auth.token.validation"

type claimsKey struct{}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Guard returns a server middleware that rejects requests without a valid
// bearer token carrying every scope in scopes.
func Guard(p *TokenProvider, scopes ...string) core.Middleware {
	return func(next core.HandlerFunc) core.HandlerFunc {
		return func(ctx context.Context, req any) (any, error) {
			token := core.TokenFromContext(ctx)
			if token == "" {
				return nil, errors.AuthError(fmt.Errorf("authentication token required"))
			}

			span, spanCtx := apm.StartSpan(ctx, SpanTokenValidation, "auth")
			claims, err := p.Validate(token)
			if err != nil {
				span.Outcome = "failure"
				span.End()
				return nil, err
			}
			for _, scope := range scopes {
				if !claims.HasScope(scope) {
					span.Outcome = "failure"
					span.End()
					return nil, errors.AuthError(fmt.Errorf("token lacks scope %q", scope))
				}
			}
			span.Outcome = "success"
			span.End()

			return next(WithClaims(spanCtx, claims), req)
		}
	}
}
