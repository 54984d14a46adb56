// Package api exposes the HTTP handlers: anonymous/authenticated chat,
// flow authoring, trace reads and the GDPR admin surface. Authorization
// is scope-based; authentication middleware stores an AuthUser in the
// echo context and RequireScope guards route groups.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// AuthUser is the authenticated caller, as established by the
// authentication middleware.
type AuthUser struct {
	// ID is the caller identity: the token subject, the OIDC subject
	// or the API key client name.
	ID string `json:"id"`

	// Email and Name are set for OIDC-verified operators.
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`

	// Scopes are the authorization scopes granted to the caller.
	Scopes []string `json:"scopes,omitempty"`

	// Method records how the caller authenticated: "service", "oidc"
	// or "api_key".
	Method string `json:"method,omitempty"`
}

// contextKeyUser matches echo-jwt's default context key so tokens
// parsed by the middleware land where GetUser looks.
const contextKeyUser = "user"

// SetUser stores the authenticated caller in the echo context.
func SetUser(c echo.Context, user *AuthUser) {
	c.Set(contextKeyUser, user)
}

// GetUser returns the authenticated caller, or false when the request
// is anonymous.
func GetUser(c echo.Context) (*AuthUser, bool) {
	user, ok := c.Get(contextKeyUser).(*AuthUser)
	return user, ok && user != nil
}

// HasScope reports whether the caller holds the scope.
func (u *AuthUser) HasScope(scope string) bool {
	if u == nil {
		return false
	}
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// RequireScope returns middleware that admits callers holding at least
// one of the required scopes. Unauthenticated requests get 401,
// authenticated requests without a matching scope get 403.
func RequireScope(required ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, ok := GetUser(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			for _, scope := range required {
				if user.HasScope(scope) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient scope")
		}
	}
}
