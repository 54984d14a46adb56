package security

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig points at the operator identity provider.
type OIDCConfig struct {
	// Issuer is the provider's discovery URL, without the
	// /.well-known/openid-configuration suffix.
	Issuer string

	// ClientID registered with the provider.
	ClientID string

	// ClientSecret for the authorization code flow.
	ClientSecret string

	// RedirectURL is the OAuth2 callback.
	RedirectURL string

	// Scopes defaults to openid/profile/email.
	Scopes []string
}

// IdentityClaims are the claims the authoring API needs from an
// operator's ID token.
type IdentityClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
}

// OIDCVerifier verifies operator ID tokens against a discovered
// provider.
type OIDCVerifier struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	config   OIDCConfig
}

// NewOIDCVerifier discovers the provider configuration and prepares a
// verifier for its ID tokens.
func NewOIDCVerifier(ctx context.Context, config OIDCConfig) (*OIDCVerifier, error) {
	if config.Issuer == "" {
		return nil, fmt.Errorf("oidc issuer is required")
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("oidc client id is required")
	}
	if len(config.Scopes) == 0 {
		config.Scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	provider, err := oidc.NewProvider(ctx, config.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	return &OIDCVerifier{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: config.ClientID}),
		config:   config,
	}, nil
}

// VerifyIDToken validates signature, expiry, issuer and audience, and
// returns the operator identity.
func (v *OIDCVerifier) VerifyIDToken(ctx context.Context, rawToken string) (*IdentityClaims, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims IdentityClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse token claims: %w", err)
	}
	return &claims, nil
}

// Issuer returns the configured provider issuer URL.
func (v *OIDCVerifier) Issuer() string {
	return v.config.Issuer
}

// OAuth2Config returns the authorization code flow configuration for
// the login redirect and code exchange.
func (v *OIDCVerifier) OAuth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     v.config.ClientID,
		ClientSecret: v.config.ClientSecret,
		RedirectURL:  v.config.RedirectURL,
		Endpoint:     v.provider.Endpoint(),
		Scopes:       v.config.Scopes,
	}
}
