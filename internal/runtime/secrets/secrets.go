// Package secrets is the narrow boundary to the secrets vault. Each
// service authenticates with its own credentials, scoped to the secrets
// it needs, and keeps its token alive with a background renewal loop.
// Authentication failure is startup-fatal and never retried past the
// configured attempt budget.
package secrets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/buskit-dev/buskit/internal/runtime/config"
	kiterrors "github.com/buskit-dev/buskit/internal/runtime/errors"
	"github.com/buskit-dev/buskit/internal/runtime/jsoncodec"
	"github.com/buskit-dev/buskit/internal/runtime/logging"
)

// staticMount is the KV engine all static service secrets live under.
const staticMount = "buskit-secrets"

// sleep is swapped out in tests.
var sleep = time.Sleep

// Client authenticates against the vault and reads secrets.
type Client struct {
	cfg  config.SecretsConfig
	http *http.Client
	log  logging.ServiceLogger

	mu          sync.Mutex
	token       string
	renewCancel context.CancelFunc
	renewDone   chan struct{}
}

// NewClient builds an unauthenticated client. Call Authenticate before
// reading secrets.
func NewClient(cfg config.SecretsConfig, log logging.ServiceLogger) *Client {
	if log == nil {
		log = logging.Nop()
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}
}

// Authenticate obtains a vault token. A configured direct token is
// verified and used as-is (development mode); otherwise the role/secret
// id pair is exchanged for a token and the renewal loop starts. A
// rejected credential fails immediately; only transport errors consume
// the retry budget.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.cfg.Token != "" {
		if err := c.lookupSelf(ctx, c.cfg.Token); err != nil {
			return fmt.Errorf("%w: token rejected: %v", kiterrors.ErrSecretsAuth, err)
		}
		c.setToken(c.cfg.Token)
		c.log.Info("authenticated with secrets vault (direct token)", nil)
		return nil
	}

	if c.cfg.RoleID == "" || c.cfg.SecretID == "" {
		return fmt.Errorf("%w: no token and no role/secret id configured", kiterrors.ErrSecretsAuth)
	}

	attempts := 3
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		token, leaseSeconds, err := c.login(ctx)
		if err == nil {
			c.setToken(token)
			c.startRenewal(ctx, leaseSeconds)
			c.log.Info("authenticated with secrets vault", logging.LogFields{"attempt": attempt})
			return nil
		}
		if status, ok := err.(*statusError); ok && status.code < 500 {
			// The vault understood us and said no. Retrying cannot help.
			return fmt.Errorf("%w: %v", kiterrors.ErrSecretsAuth, err)
		}
		lastErr = err
		c.log.Error("secrets vault auth attempt failed", err, logging.LogFields{
			"attempt":  attempt,
			"attempts": attempts,
		})
		if attempt < attempts {
			sleep(time.Second * time.Duration(attempt))
		}
	}
	return fmt.Errorf("%w: %v", kiterrors.ErrSecretsAuth, lastErr)
}

// Get reads one secret value. A path whose last segment names the key
// ("anthropic/api_key") is split automatically; otherwise the secret
// must hold exactly one key.
func (c *Client) Get(ctx context.Context, path string) (string, error) {
	key := ""
	if i := strings.LastIndex(path, "/"); i > 0 {
		path, key = path[:i], path[i+1:]
	}

	data, err := c.GetAll(ctx, path)
	if err != nil {
		return "", err
	}

	if key != "" {
		v, ok := data[key]
		if !ok {
			return "", fmt.Errorf("secrets: key %q not found at %q", key, path)
		}
		return v, nil
	}
	return singleValue(data, path)
}

func singleValue(data map[string]string, path string) (string, error) {
	if len(data) != 1 {
		return "", fmt.Errorf("secrets: %d keys at %q, specify one", len(data), path)
	}
	for _, v := range data {
		return v, nil
	}
	return "", fmt.Errorf("secrets: empty secret at %q", path)
}

// GetAll reads every key/value pair at a secret path.
func (c *Client) GetAll(ctx context.Context, path string) (map[string]string, error) {
	body, err := c.request(ctx, http.MethodGet, "/v1/"+staticMount+"/data/"+path, nil)
	if err != nil {
		if status, ok := err.(*statusError); ok {
			switch status.code {
			case http.StatusForbidden:
				return nil, fmt.Errorf("%w: access denied to %q", kiterrors.ErrSecretsAuth, path)
			case http.StatusNotFound:
				return nil, fmt.Errorf("secrets: not found: %q", path)
			}
		}
		return nil, fmt.Errorf("secrets: read %q: %w", path, err)
	}

	var reply struct {
		Data struct {
			Data map[string]string `json:"data"`
		} `json:"data"`
	}
	if err := jsoncodec.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("secrets: decode %q: %w", path, err)
	}
	return reply.Data.Data, nil
}

// Close stops the renewal loop. Safe without prior Authenticate.
func (c *Client) Close() {
	c.mu.Lock()
	cancel, done := c.renewCancel, c.renewDone
	c.renewCancel, c.renewDone = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Client) login(ctx context.Context) (token string, leaseSeconds int, err error) {
	body, err := c.request(ctx, http.MethodPost, "/v1/auth/approle/login", map[string]string{
		"role_id":   c.cfg.RoleID,
		"secret_id": c.cfg.SecretID,
	})
	if err != nil {
		return "", 0, err
	}
	var reply struct {
		Auth struct {
			ClientToken   string `json:"client_token"`
			LeaseDuration int    `json:"lease_duration"`
		} `json:"auth"`
	}
	if err := jsoncodec.Unmarshal(body, &reply); err != nil {
		return "", 0, fmt.Errorf("decode login reply: %w", err)
	}
	if reply.Auth.ClientToken == "" {
		return "", 0, fmt.Errorf("login reply carries no token")
	}
	return reply.Auth.ClientToken, reply.Auth.LeaseDuration, nil
}

func (c *Client) lookupSelf(ctx context.Context, token string) error {
	c.setToken(token)
	_, err := c.request(ctx, http.MethodGet, "/v1/auth/token/lookup-self", nil)
	if err != nil {
		c.setToken("")
	}
	return err
}

// startRenewal keeps the token alive at half the lease interval.
// Renewal failures are logged; the next tick tries again.
func (c *Client) startRenewal(ctx context.Context, leaseSeconds int) {
	interval := time.Duration(leaseSeconds/2) * time.Second
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}

	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.renewCancel, c.renewDone = cancel, done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if _, err := c.request(renewCtx, http.MethodPost, "/v1/auth/token/renew-self", nil); err != nil {
					c.log.Error("secrets token renewal failed", err, nil)
					continue
				}
				c.log.Trace("secrets token renewed", nil)
			}
		}
	}()
}

// statusError carries a non-2xx vault response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("secrets vault returned %d: %s", e.code, e.body)
}

func (c *Client) request(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := jsoncodec.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.URL, "/")+path, reqBody)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("X-Vault-Token", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}
