package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flow.evalgo.org/flow"
	"flow.evalgo.org/state"
)

func TestAPICallerInternal(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatches to the registered handler", func(t *testing.T) {
		caller := NewAPICaller(0)
		caller.RegisterHandler("crm.contact", func(ctx context.Context, req *APIRequest) (map[string]interface{}, error) {
			assert.Equal(t, "crm.contact", req.Endpoint)
			return map[string]interface{}{"contact": map[string]interface{}{"id": "c-7"}}, nil
		})

		result, err := caller.Call(ctx, state.NewBag(), map[string]interface{}{
			"endpoint":         "crm.contact",
			"response_mapping": map[string]interface{}{"user.contact_id": "contact.id"},
		})
		require.NoError(t, err)
		assert.Equal(t, "c-7", result.Mapped["user.contact_id"])
		assert.Equal(t, "ok", result.StatusText())
	})

	t.Run("unregistered endpoint is not found", func(t *testing.T) {
		caller := NewAPICaller(0)
		_, err := caller.Call(ctx, state.NewBag(), map[string]interface{}{
			"endpoint": "nowhere",
		})
		assert.ErrorIs(t, err, flow.ErrNotFound)
	})

	t.Run("endpoint templates are rendered", func(t *testing.T) {
		caller := NewAPICaller(0)
		called := false
		caller.RegisterHandler("lookup.de", func(ctx context.Context, req *APIRequest) (map[string]interface{}, error) {
			called = true
			return nil, nil
		})

		bag := state.Bag{"context": map[string]interface{}{"region": "de"}}
		_, err := caller.Call(ctx, bag, map[string]interface{}{
			"endpoint": "lookup.{{context.region}}",
		})
		require.NoError(t, err)
		assert.True(t, called)
	})

	t.Run("missing endpoint is a validation error", func(t *testing.T) {
		caller := NewAPICaller(0)
		_, err := caller.Call(ctx, state.NewBag(), map[string]interface{}{})
		assert.ErrorIs(t, err, flow.ErrValidation)
	})

	t.Run("unknown auth_type rejected", func(t *testing.T) {
		caller := NewAPICaller(0)
		_, err := caller.Call(ctx, state.NewBag(), map[string]interface{}{
			"endpoint":  "x",
			"auth_type": "mtls",
		})
		assert.ErrorIs(t, err, flow.ErrValidation)
	})
}

func TestAPICallerExternal(t *testing.T) {
	ctx := context.Background()

	t.Run("get with rendered query params", func(t *testing.T) {
		var gotQuery map[string][]string
		var gotMethod string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.Query()
			gotMethod = r.Method
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"results":{"count":2}}`))
		}))
		defer server.Close()

		caller := NewAPICaller(0)
		bag := state.Bag{"user": map[string]interface{}{"city": "Berlin"}}
		result, err := caller.Call(ctx, bag, map[string]interface{}{
			"endpoint":  server.URL,
			"auth_type": "external",
			"query_params": map[string]interface{}{
				"city":    "{{user.city}}",
				"dropped": "{{temp.unset}}",
			},
			"response_mapping": map[string]interface{}{"temp.count": "results.count"},
		})
		require.NoError(t, err)
		assert.Equal(t, http.MethodGet, gotMethod, "no body means GET")
		assert.Equal(t, []string{"Berlin"}, gotQuery["city"])
		assert.NotContains(t, gotQuery, "dropped", "stripped params never leave")
		assert.Equal(t, float64(2), result.Mapped["temp.count"])
		assert.Equal(t, "http_200", result.StatusText())
	})

	t.Run("body means post and is stripped of templates", func(t *testing.T) {
		var gotBody map[string]interface{}
		var gotMethod string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(data, &gotBody)
			gotMethod = r.Method
			_, _ = w.Write([]byte(`{}`))
		}))
		defer server.Close()

		caller := NewAPICaller(0)
		_, err := caller.Call(ctx, state.NewBag(), map[string]interface{}{
			"endpoint":  server.URL,
			"auth_type": "external",
			"body": map[string]interface{}{
				"name":      "resolved",
				"school_id": "{{context.school_id}}",
			},
		})
		require.NoError(t, err)
		assert.Equal(t, http.MethodPost, gotMethod)
		assert.Equal(t, "resolved", gotBody["name"])
		require.Contains(t, gotBody, "school_id")
		assert.Nil(t, gotBody["school_id"])
	})

	t.Run("non-2xx is a remote error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"nope"}`, http.StatusForbidden)
		}))
		defer server.Close()

		caller := NewAPICaller(0)
		_, err := caller.Call(ctx, state.NewBag(), map[string]interface{}{
			"endpoint":  server.URL,
			"auth_type": "external",
		})
		assert.ErrorIs(t, err, flow.ErrRemote)
	})

	t.Run("failure with fallback maps the fallback", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		caller := NewAPICaller(0)
		result, err := caller.Call(ctx, state.NewBag(), map[string]interface{}{
			"endpoint":          server.URL,
			"auth_type":         "external",
			"fallback_response": map[string]interface{}{"status": "degraded"},
			"response_mapping":  map[string]interface{}{"temp.status": "status"},
		})
		require.NoError(t, err)
		assert.True(t, result.Fallback)
		assert.Equal(t, "degraded", result.Mapped["temp.status"])
		assert.Equal(t, "fallback", result.StatusText())
	})

	t.Run("non-json success bodies are wrapped", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("pong"))
		}))
		defer server.Close()

		caller := NewAPICaller(0)
		result, err := caller.Call(ctx, state.NewBag(), map[string]interface{}{
			"endpoint":  server.URL,
			"auth_type": "external",
		})
		require.NoError(t, err)
		assert.Equal(t, "pong", result.Response["body"])
	})

	t.Run("rendered headers are sent", func(t *testing.T) {
		var gotAuth string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("X-Api-Key")
			_, _ = w.Write([]byte(`{}`))
		}))
		defer server.Close()

		caller := NewAPICaller(0)
		bag := state.Bag{"temp": map[string]interface{}{"key": "k-123"}}
		_, err := caller.Call(ctx, bag, map[string]interface{}{
			"endpoint":  server.URL,
			"auth_type": "external",
			"headers":   map[string]interface{}{"X-Api-Key": "{{temp.key}}"},
		})
		require.NoError(t, err)
		assert.Equal(t, "k-123", gotAuth)
	})
}
