// Package authz enforces role-based access control on message envelopes.
// Permission evaluation lives in the central policy service; this package
// provides the client for it and an enforcer that fails closed: missing
// identity, client errors, and open circuits all deny.
package authz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sony/gobreaker/v2"

	"github.com/buskit-dev/buskit/internal/runtime/config"
	kiterrors "github.com/buskit-dev/buskit/internal/runtime/errors"
	"github.com/buskit-dev/buskit/internal/runtime/jsoncodec"
	"github.com/buskit-dev/buskit/internal/runtime/logging"
)

// Identity is the canonical user record the policy service resolves
// external channel identities to.
type Identity struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
	Groups      []string `json:"groups"`
	Status      string   `json:"status"`
}

// CheckRequest describes one permission check.
type CheckRequest struct {
	UserID     string         `json:"user_id"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// CheckResult is the policy service's verdict.
type CheckResult struct {
	Permitted     bool     `json:"permitted"`
	PolicyMatched string   `json:"policy_matched"`
	ScopesGranted []string `json:"scopes_granted"`
	DeniedReason  string   `json:"denied_reason"`
}

// PolicyClient is the surface the enforcer needs from the policy
// service. Satisfied by *HTTPPolicyClient; tests substitute fakes.
type PolicyClient interface {
	ResolveIdentity(ctx context.Context, provider, externalID string) (*Identity, error)
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
	GetUserGroups(ctx context.Context, userID string) ([]string, error)
	CheckPermission(ctx context.Context, req CheckRequest) (*CheckResult, error)
}

// HTTPPolicyClient talks to the policy service's REST API. A circuit
// breaker wraps every call so a dead policy service degrades to fast
// local denials instead of piling up timeouts.
type HTTPPolicyClient struct {
	cfg     config.PolicyConfig
	service string
	version string
	http    *http.Client
	log     logging.ServiceLogger
	breaker *gobreaker.CircuitBreaker[[]byte]

	mu    sync.RWMutex
	token string
}

// NewHTTPPolicyClient builds a client for the policy API. Call
// Authenticate before issuing queries unless a service token is
// configured.
func NewHTTPPolicyClient(cfg config.PolicyConfig, serviceName, serviceVersion string, log logging.ServiceLogger) *HTTPPolicyClient {
	if log == nil {
		log = logging.Nop()
	}
	c := &HTTPPolicyClient{
		cfg:     cfg,
		service: serviceName,
		version: serviceVersion,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log,
		token:   cfg.ServiceToken,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name: "policy",
		// Denials and missing identities are valid answers; only
		// transport and server failures may trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, kiterrors.ErrPolicyAuth) ||
				errors.Is(err, kiterrors.ErrPolicyNotFound)
		},
	})
	return c
}

// Authenticate obtains a bearer token. A configured service token wins;
// otherwise the client exchanges its service name and version for one at
// the auth endpoint.
func (c *HTTPPolicyClient) Authenticate(ctx context.Context) error {
	if c.cfg.ServiceToken != "" {
		c.setToken(c.cfg.ServiceToken)
		c.log.Info("authenticated to policy service with configured token", nil)
		return nil
	}

	body, err := c.request(ctx, http.MethodPost, "/api/v1/auth/service", map[string]any{
		"service_name":    c.service,
		"service_version": c.version,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", kiterrors.ErrPolicyAuth, err)
	}
	var reply struct {
		Token string `json:"token"`
	}
	if err := jsoncodec.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("%w: decode auth reply: %v", kiterrors.ErrPolicyAuth, err)
	}
	if reply.Token == "" {
		return fmt.Errorf("%w: auth reply carries no token", kiterrors.ErrPolicyAuth)
	}
	c.setToken(reply.Token)
	c.log.Info("authenticated to policy service", logging.LogFields{"service": c.service})
	return nil
}

// ResolveIdentity maps an external channel identity (slack user id,
// email, ...) to the canonical identity record.
func (c *HTTPPolicyClient) ResolveIdentity(ctx context.Context, provider, externalID string) (*Identity, error) {
	path := "/api/v1/identity/resolve?" + url.Values{
		"provider":    {provider},
		"external_id": {externalID},
	}.Encode()
	body, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var reply struct {
		Identity Identity `json:"identity"`
	}
	if err := jsoncodec.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return &reply.Identity, nil
}

// GetUserRoles returns the roles assigned to a canonical user id.
func (c *HTTPPolicyClient) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/v1/identity/"+url.PathEscape(userID)+"/roles", nil)
	if err != nil {
		return nil, err
	}
	var reply struct {
		Roles []string `json:"roles"`
	}
	if err := jsoncodec.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	return reply.Roles, nil
}

// GetUserGroups returns the groups a canonical user id belongs to.
func (c *HTTPPolicyClient) GetUserGroups(ctx context.Context, userID string) ([]string, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/v1/identity/"+url.PathEscape(userID)+"/groups", nil)
	if err != nil {
		return nil, err
	}
	var reply struct {
		Groups []string `json:"groups"`
	}
	if err := jsoncodec.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	return reply.Groups, nil
}

// CheckPermission asks the policy service whether the user may perform
// the action on the resource.
func (c *HTTPPolicyClient) CheckPermission(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	body, err := c.request(ctx, http.MethodPost, "/api/v1/rbac/check", req)
	if err != nil {
		return nil, err
	}
	var result CheckResult
	if err := jsoncodec.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode check result: %w", err)
	}
	return &result, nil
}

func (c *HTTPPolicyClient) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *HTTPPolicyClient) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *HTTPPolicyClient) request(ctx context.Context, method, path string, payload any) ([]byte, error) {
	return c.breaker.Execute(func() ([]byte, error) {
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
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token := c.bearer(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("policy service: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("policy service: read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: %s %s returned %d", kiterrors.ErrPolicyAuth, method, path, resp.StatusCode)
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", kiterrors.ErrPolicyNotFound, path)
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("policy service: %s %s returned %d: %s", method, path, resp.StatusCode, body)
		}
		return body, nil
	})
}
