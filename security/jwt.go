// Package security provides the authentication primitives of the HTTP
// surface: jwx-signed service tokens and CSRF tokens, OIDC ID-token
// verification for operators, and bcrypt-hashed API keys for machines.
package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Operator scopes checked by the authoring and admin route groups.
const (
	ScopeFlowsRead  = "flows:read"
	ScopeFlowsWrite = "flows:write"
	ScopeTracesRead = "traces:read"
	ScopeAdmin      = "admin"
)

// Token-use claim values; a CSRF token must never pass as a service
// token and vice versa.
const (
	useService = "service"
	useCSRF    = "csrf"
)

// TokenService issues and verifies HS256 tokens shared by the service
// JWT and CSRF flows.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenService creates a token service. ttl bounds issued tokens;
// zero means 24h.
func NewTokenService(secret, issuer string, ttl time.Duration) *TokenService {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
	}
}

// IssueServiceToken signs a token for subject carrying the given
// scopes in the OAuth2 space-separated form.
func (s *TokenService) IssueServiceToken(subject string, scopes []string) (string, error) {
	now := time.Now()

	token, err := jwt.NewBuilder().
		Issuer(s.issuer).
		Subject(subject).
		IssuedAt(now).
		Expiration(now.Add(s.ttl)).
		Claim("token_use", useService).
		Claim("scope", strings.Join(scopes, " ")).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// VerifyServiceToken checks signature, expiry, issuer and token use.
func (s *TokenService) VerifyServiceToken(tokenString string) (jwt.Token, error) {
	token, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if use, _ := token.Get("token_use"); use != useService {
		return nil, fmt.Errorf("not a service token")
	}
	return token, nil
}

// Scopes reads the space-separated scope claim.
func Scopes(token jwt.Token) []string {
	raw, ok := token.Get("scope")
	if !ok {
		return nil
	}
	str, ok := raw.(string)
	if !ok || str == "" {
		return nil
	}
	return strings.Fields(str)
}

// IssueCSRF signs a CSRF token bound to a chat session token. The
// double-submit check holds because only the server can mint a token
// carrying the session binding.
func (s *TokenService) IssueCSRF(sessionToken string) (string, error) {
	now := time.Now()

	token, err := jwt.NewBuilder().
		Issuer(s.issuer).
		IssuedAt(now).
		Expiration(now.Add(s.ttl)).
		Claim("token_use", useCSRF).
		Claim("session", sessionToken).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build csrf token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign csrf token: %w", err)
	}
	return string(signed), nil
}

// VerifyCSRF checks the token and its session binding.
func (s *TokenService) VerifyCSRF(csrfToken, sessionToken string) error {
	token, err := s.parse(csrfToken)
	if err != nil {
		return err
	}
	if use, _ := token.Get("token_use"); use != useCSRF {
		return fmt.Errorf("not a csrf token")
	}
	if bound, _ := token.Get("session"); bound != sessionToken {
		return fmt.Errorf("csrf token bound to another session")
	}
	return nil
}

func (s *TokenService) parse(tokenString string) (jwt.Token, error) {
	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return token, nil
}
