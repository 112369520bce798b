package secrets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buskit-dev/buskit/internal/runtime/config"
	kiterrors "github.com/buskit-dev/buskit/internal/runtime/errors"
	"github.com/buskit-dev/buskit/internal/runtime/jsoncodec"
	"github.com/buskit-dev/buskit/internal/runtime/logging"
)

func secretsConfig(url string) config.SecretsConfig {
	return config.SecretsConfig{URL: url, Timeout: time.Second}
}

func TestAuthenticateWithDirectToken(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/auth/token/lookup-self", r.URL.Path)
		gotToken = r.Header.Get("X-Vault-Token")
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	cfg := secretsConfig(srv.URL)
	cfg.Token = "dev-token"
	c := NewClient(cfg, logging.Nop())
	require.NoError(t, c.Authenticate(context.Background()))
	assert.Equal(t, "dev-token", gotToken)
}

func TestAuthenticateRejectedTokenIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	cfg := secretsConfig(srv.URL)
	cfg.Token = "bad-token"
	c := NewClient(cfg, logging.Nop())
	err := c.Authenticate(context.Background())
	assert.ErrorIs(t, err, kiterrors.ErrSecretsAuth)
}

func TestAuthenticateAppRoleLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/auth/approle/login", r.URL.Path)
		var body map[string]string
		require.NoError(t, jsoncodec.Decode(r.Body, &body))
		assert.Equal(t, "role-1", body["role_id"])
		assert.Equal(t, "secret-1", body["secret_id"])
		w.Write([]byte(`{"auth":{"client_token":"issued","lease_duration":3600}}`))
	}))
	defer srv.Close()

	cfg := secretsConfig(srv.URL)
	cfg.RoleID, cfg.SecretID = "role-1", "secret-1"
	c := NewClient(cfg, logging.Nop())
	require.NoError(t, c.Authenticate(context.Background()))
	t.Cleanup(c.Close)

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	assert.Equal(t, "issued", token)
}

func TestAuthenticateRejectedCredentialsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	origSleep := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = origSleep })

	cfg := secretsConfig(srv.URL)
	cfg.RoleID, cfg.SecretID = "role-1", "wrong"
	c := NewClient(cfg, logging.Nop())
	err := c.Authenticate(context.Background())
	assert.ErrorIs(t, err, kiterrors.ErrSecretsAuth)
	assert.Equal(t, int32(1), calls.Load(), "a rejected credential must not be retried")
}

func TestAuthenticateWithoutCredentials(t *testing.T) {
	c := NewClient(secretsConfig("http://vault:8200"), logging.Nop())
	err := c.Authenticate(context.Background())
	assert.ErrorIs(t, err, kiterrors.ErrSecretsAuth)
}

func TestGetSplitsPathAndKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/buskit-secrets/data/anthropic", r.URL.Path)
		w.Write([]byte(`{"data":{"data":{"api_key":"sk-123","org":"acme"}}}`))
	}))
	defer srv.Close()

	c := NewClient(secretsConfig(srv.URL), logging.Nop())
	value, err := c.Get(context.Background(), "anthropic/api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-123", value)

	_, err = c.Get(context.Background(), "anthropic/missing")
	assert.Error(t, err)
}

func TestGetSingleKeySecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{"data":{"value":"only"}}}`))
	}))
	defer srv.Close()

	c := NewClient(secretsConfig(srv.URL), logging.Nop())
	value, err := c.Get(context.Background(), "flat")
	require.NoError(t, err)
	assert.Equal(t, "only", value)
}

func TestGetAllMapsStatusCodes(t *testing.T) {
	status := http.StatusForbidden
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewClient(secretsConfig(srv.URL), logging.Nop())
	_, err := c.GetAll(context.Background(), "wazuh")
	assert.ErrorIs(t, err, kiterrors.ErrSecretsAuth)

	status = http.StatusNotFound
	_, err = c.GetAll(context.Background(), "ghost")
	require.Error(t, err)
	assert.NotErrorIs(t, err, kiterrors.ErrSecretsAuth)
	assert.Contains(t, err.Error(), "not found")
}

func TestCloseWithoutAuthenticateIsSafe(t *testing.T) {
	c := NewClient(secretsConfig("http://vault:8200"), logging.Nop())
	c.Close()
	c.Close()
}
