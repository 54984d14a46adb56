package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost balances verification latency against brute-force
// resistance for long random API keys.
const DefaultBcryptCost = 10

// APIKeyStore verifies static service API keys against bcrypt hashes
// loaded from configuration, keyed by client name.
type APIKeyStore struct {
	hashes map[string]string
	scopes map[string][]string
}

// NewAPIKeyStore creates a store from client name -> bcrypt hash.
// scopes optionally narrows a client's grants; clients without an
// entry get the full operator scope set.
func NewAPIKeyStore(hashes map[string]string, scopes map[string][]string) *APIKeyStore {
	if hashes == nil {
		hashes = map[string]string{}
	}
	return &APIKeyStore{hashes: hashes, scopes: scopes}
}

// Verify checks a presented key against every registered hash and
// returns the matching client name. bcrypt comparison dominates the
// cost, so the linear scan over a handful of service clients is fine.
func (s *APIKeyStore) Verify(presented string) (string, error) {
	if presented == "" {
		return "", fmt.Errorf("empty api key")
	}
	for client, hash := range s.hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)) == nil {
			return client, nil
		}
	}
	return "", fmt.Errorf("unknown api key")
}

// ScopesFor returns the scopes granted to a verified client.
func (s *APIKeyStore) ScopesFor(client string) []string {
	if granted, ok := s.scopes[client]; ok {
		return granted
	}
	return []string{ScopeFlowsRead, ScopeFlowsWrite, ScopeTracesRead, ScopeAdmin}
}

// HashAPIKey produces the bcrypt hash stored in configuration. Used by
// the CLI when provisioning a new service client.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}
