package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"flow.evalgo.org/security"
)

// HeaderAPIKey carries a static service API key.
const HeaderAPIKey = "X-API-Key"

// credentialLookup covers both schemes accepted on protected routes.
const credentialLookup = "header:Authorization:Bearer ,header:" + HeaderAPIKey

// Authenticator turns presented credentials into an AuthUser. Three
// schemes are accepted: service JWTs minted by the token service,
// ID tokens from the configured OIDC issuer, and static API keys.
type Authenticator struct {
	tokens *security.TokenService
	keys   *security.APIKeyStore
	oidc   *security.OIDCVerifier
}

// NewAuthenticator wires the credential verifiers. keys and oidc may be
// nil when the scheme is not configured.
func NewAuthenticator(tokens *security.TokenService, keys *security.APIKeyStore, oidc *security.OIDCVerifier) *Authenticator {
	return &Authenticator{tokens: tokens, keys: keys, oidc: oidc}
}

// Required returns middleware that rejects requests without valid
// credentials. The parsed AuthUser lands in the context for GetUser.
func (a *Authenticator) Required() echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		TokenLookup:    credentialLookup,
		ParseTokenFunc: a.parseCredential,
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		},
	})
}

// Optional returns middleware for the chat surface: anonymous requests
// pass through, presented credentials must still verify.
func (a *Authenticator) Optional() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := bearerToken(c)
			if raw == "" {
				raw = c.Request().Header.Get(HeaderAPIKey)
			}
			if raw == "" {
				return next(c)
			}
			parsed, err := a.parseCredential(c, raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
			}
			if user, ok := parsed.(*AuthUser); ok {
				SetUser(c, user)
			}
			return next(c)
		}
	}
}

// parseCredential dispatches a raw credential to the right verifier.
// Opaque strings are treated as API keys; JWTs are routed by their
// unverified issuer claim, so an IdP token never hits the service
// verifier and error messages stay accurate.
func (a *Authenticator) parseCredential(c echo.Context, raw string) (interface{}, error) {
	if strings.Count(raw, ".") != 2 {
		return a.verifyAPIKey(raw)
	}
	if a.oidc != nil && unverifiedIssuer(raw) == a.oidc.Issuer() {
		return a.verifyIDToken(c.Request().Context(), raw)
	}
	return a.verifyServiceToken(raw)
}

func (a *Authenticator) verifyServiceToken(raw string) (*AuthUser, error) {
	token, err := a.tokens.VerifyServiceToken(raw)
	if err != nil {
		return nil, err
	}
	return &AuthUser{
		ID:     token.Subject(),
		Scopes: security.Scopes(token),
		Method: "service",
	}, nil
}

func (a *Authenticator) verifyIDToken(ctx context.Context, raw string) (*AuthUser, error) {
	claims, err := a.oidc.VerifyIDToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	return &AuthUser{
		ID:     claims.Subject,
		Email:  claims.Email,
		Name:   claims.Name,
		Scopes: operatorScopes(),
		Method: "oidc",
	}, nil
}

func (a *Authenticator) verifyAPIKey(key string) (*AuthUser, error) {
	if a.keys == nil {
		return nil, fmt.Errorf("api keys are not configured")
	}
	client, err := a.keys.Verify(key)
	if err != nil {
		return nil, err
	}
	return &AuthUser{
		ID:     client,
		Scopes: a.keys.ScopesFor(client),
		Method: "api_key",
	}, nil
}

// operatorScopes is what an OIDC-verified human gets. The admin scope
// is never granted this way; it must come from an explicitly scoped
// service token or API key.
func operatorScopes() []string {
	return []string{security.ScopeFlowsRead, security.ScopeFlowsWrite, security.ScopeTracesRead}
}

// unverifiedIssuer reads the iss claim without checking the signature.
// It only routes the token to a verifier; each verifier enforces the
// issuer again after validating the signature.
func unverifiedIssuer(raw string) string {
	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	issuer, err := claims.GetIssuer()
	if err != nil {
		return ""
	}
	return issuer
}

func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}
