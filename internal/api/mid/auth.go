package mid

import (
	"context"
	"errors"
	"net/http"

	"github.com/ahrav/gas/internal/api/auth"
	"github.com/ahrav/gas/internal/api/errs"
	"github.com/ahrav/gas/pkg/web"
)

// TokenCookie carries the bearer token on browser navigations, such as the
// redirect back from the object store after an upload, that cannot set headers.
const TokenCookie = "gas_token"

// AuthFailureRecorder counts rejected requests.
type AuthFailureRecorder interface {
	IncAuthFailures(ctx context.Context, reason string)
}

// Authenticate validates the bearer token on the request and stores its
// claims in the context.
func Authenticate(a *auth.Auth, rec AuthFailureRecorder) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			bearer := r.Header.Get("Authorization")
			if bearer == "" {
				if c, err := r.Cookie(TokenCookie); err == nil {
					bearer = "Bearer " + c.Value
				}
			}

			claims, err := a.Authenticate(ctx, bearer)
			if err != nil {
				reason := "invalid_token"
				if errors.Is(err, auth.ErrMissingToken) {
					reason = "missing_token"
				}
				if rec != nil {
					rec.IncAuthFailures(ctx, reason)
				}
				return errs.New(errs.Unauthenticated, err)
			}

			return next(auth.SetClaims(ctx, claims), r)
		}

		return h
	}

	return m
}

// GetClaims returns the claims of the authenticated caller.
func GetClaims(ctx context.Context) auth.Claims {
	c, _ := auth.GetClaims(ctx)
	return c
}
