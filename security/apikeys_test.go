package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyStore(t *testing.T) {
	hash, err := HashAPIKey("sk-live-correct")
	require.NoError(t, err)

	t.Run("verify returns the client name", func(t *testing.T) {
		store := NewAPIKeyStore(map[string]string{"importer": hash}, nil)

		client, err := store.Verify("sk-live-correct")
		require.NoError(t, err)
		assert.Equal(t, "importer", client)
	})

	t.Run("wrong key is rejected", func(t *testing.T) {
		store := NewAPIKeyStore(map[string]string{"importer": hash}, nil)

		_, err := store.Verify("sk-live-wrong")
		assert.Error(t, err)
	})

	t.Run("empty key is rejected", func(t *testing.T) {
		store := NewAPIKeyStore(map[string]string{"importer": hash}, nil)

		_, err := store.Verify("")
		assert.Error(t, err)
	})

	t.Run("no registered keys", func(t *testing.T) {
		store := NewAPIKeyStore(nil, nil)

		_, err := store.Verify("sk-live-correct")
		assert.Error(t, err)
	})

	t.Run("scopes default to full grants", func(t *testing.T) {
		store := NewAPIKeyStore(map[string]string{"importer": hash}, nil)

		assert.ElementsMatch(t,
			[]string{ScopeFlowsRead, ScopeFlowsWrite, ScopeTracesRead, ScopeAdmin},
			store.ScopesFor("importer"))
	})

	t.Run("configured scopes narrow the grant", func(t *testing.T) {
		store := NewAPIKeyStore(
			map[string]string{"importer": hash},
			map[string][]string{"importer": {ScopeFlowsRead}},
		)

		assert.Equal(t, []string{ScopeFlowsRead}, store.ScopesFor("importer"))
	})
}
