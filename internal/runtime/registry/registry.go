// Package registry talks to the service-discovery registry over HTTP:
// instance registration, periodic heartbeats, peer discovery, and
// deregistration. The registry is advisory, not load-bearing: any call
// that cannot reach it returns an empty result instead of an error, and
// callers treat "empty" as unknown rather than confirmed absence.
package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/buskit-dev/buskit/internal/runtime/busmetrics"
	"github.com/buskit-dev/buskit/internal/runtime/config"
	"github.com/buskit-dev/buskit/internal/runtime/jsoncodec"
	"github.com/buskit-dev/buskit/internal/runtime/logging"
)

// Instance is one discovered service instance.
type Instance struct {
	InstanceID  string         `json:"instance_id"`
	ServiceName string         `json:"service_name"`
	Host        string         `json:"host"`
	Port        int            `json:"port"`
	Status      string         `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StatusFunc supplies per-beat status details: queue depth, active
// connections, whatever the service wants the registry to see.
type StatusFunc func() map[string]any

// RegisterParams describes this instance to the registry.
type RegisterParams struct {
	Capabilities []string
	Metadata     map[string]any
	Queues       []string
}

// Client is the discovery and heartbeat client for one service instance.
type Client struct {
	cfg         config.RegistryConfig
	service     string
	version     string
	environment string
	http        *http.Client
	log         logging.ServiceLogger

	mu         sync.Mutex
	instanceID string
	hbCancel   context.CancelFunc
	hbDone     chan struct{}
}

// NewClient builds a registry client for the named service.
func NewClient(cfg config.RegistryConfig, serviceName, serviceVersion, environment string, log logging.ServiceLogger) *Client {
	if log == nil {
		log = logging.Nop()
	}
	return &Client{
		cfg:         cfg,
		service:     serviceName,
		version:     serviceVersion,
		environment: environment,
		http:        &http.Client{Timeout: cfg.Timeout},
		log:         log,
	}
}

// Register announces this instance and stores the assigned instance id.
// An unreachable registry yields an empty id, not an error; the service
// keeps running without discovery.
func (c *Client) Register(ctx context.Context, p RegisterParams) string {
	body := c.request(ctx, http.MethodPost, "/api/v1/services/register", map[string]any{
		"service_name":    c.service,
		"service_version": c.version,
		"environment":     c.environment,
		"capabilities":    orEmpty(p.Capabilities),
		"metadata":        p.Metadata,
		"queues":          orEmpty(p.Queues),
	})
	if body == nil {
		return ""
	}

	var reply struct {
		InstanceID string `json:"instance_id"`
	}
	if err := jsoncodec.Unmarshal(body, &reply); err != nil {
		c.log.Error("registry register reply undecodable", err, nil)
		return ""
	}

	c.mu.Lock()
	c.instanceID = reply.InstanceID
	c.mu.Unlock()

	if reply.InstanceID != "" {
		c.log.Info("registered with registry", logging.LogFields{
			"service":  c.service,
			"instance": reply.InstanceID,
		})
	}
	return reply.InstanceID
}

// Deregister stops the heartbeat loop and removes this instance from the
// registry.
func (c *Client) Deregister(ctx context.Context) {
	c.StopHeartbeat()

	c.mu.Lock()
	id := c.instanceID
	c.instanceID = ""
	c.mu.Unlock()
	if id == "" {
		return
	}
	c.request(ctx, http.MethodDelete, "/api/v1/services/"+url.PathEscape(id), nil)
	c.log.Info("deregistered from registry", logging.LogFields{"instance": id})
}

// Heartbeat reports liveness once. A no-op until Register has assigned
// an instance id.
func (c *Client) Heartbeat(ctx context.Context, status string, details map[string]any) {
	c.mu.Lock()
	id := c.instanceID
	c.mu.Unlock()
	if id == "" {
		return
	}
	body := c.request(ctx, http.MethodPost, "/api/v1/services/"+url.PathEscape(id)+"/heartbeat", map[string]any{
		"status":  status,
		"details": details,
	})
	if body == nil {
		busmetrics.Heartbeats.WithLabelValues("failed").Inc()
		return
	}
	busmetrics.Heartbeats.WithLabelValues("ok").Inc()
}

// StartHeartbeat launches the periodic heartbeat loop. Individual beat
// failures are logged by Heartbeat and never stop the loop; only context
// cancellation or StopHeartbeat does. Calling it while a loop is already
// running is a no-op.
func (c *Client) StartHeartbeat(ctx context.Context, statusFn StatusFunc) {
	c.mu.Lock()
	if c.hbCancel != nil {
		c.mu.Unlock()
		return
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.hbCancel = cancel
	c.hbDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				var details map[string]any
				if statusFn != nil {
					details = statusFn()
				}
				c.Heartbeat(hbCtx, "healthy", details)
			}
		}
	}()
	c.log.Info("heartbeat started", logging.LogFields{"interval": c.cfg.HeartbeatInterval.String()})
}

// StopHeartbeat cancels the loop and waits for it with a bounded
// timeout, so a beat hung on a dead registry cannot stall shutdown.
func (c *Client) StopHeartbeat() {
	c.mu.Lock()
	cancel, done := c.hbCancel, c.hbDone
	c.hbCancel, c.hbDone = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.log.Error("heartbeat loop did not stop in time", nil, nil)
	}
}

// Discover lists healthy instances of a service. An unreachable registry
// yields an empty list.
func (c *Client) Discover(ctx context.Context, serviceName string) []Instance {
	body := c.request(ctx, http.MethodGet, "/api/v1/services/discover/"+url.PathEscape(serviceName), nil)
	if body == nil {
		return nil
	}
	var reply struct {
		Instances []Instance `json:"instances"`
	}
	if err := jsoncodec.Unmarshal(body, &reply); err != nil {
		c.log.Error("registry discover reply undecodable", err, nil)
		return nil
	}
	return reply.Instances
}

// Status fetches the full registry status map.
func (c *Client) Status(ctx context.Context) map[string]any {
	body := c.request(ctx, http.MethodGet, "/api/v1/services/status", nil)
	if body == nil {
		return nil
	}
	var status map[string]any
	if err := jsoncodec.Unmarshal(body, &status); err != nil {
		c.log.Error("registry status reply undecodable", err, nil)
		return nil
	}
	return status
}

// InstanceID returns the id assigned by Register, if any.
func (c *Client) InstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

// request issues one call with bounded retry on 502/503/504 only. Every
// failure mode ends in a logged nil return; the registry is never worth
// failing a caller over.
func (c *Client) request(ctx context.Context, method, path string, payload any) []byte {
	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = jsoncodec.Marshal(payload)
		if err != nil {
			c.log.Error("registry request encode failed", err, logging.LogFields{"path": path})
			return nil
		}
	}

	operation := func() ([]byte, error) {
		var reqBody io.Reader
		if encoded != nil {
			reqBody = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.URL, "/")+path, reqBody)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Connectivity failures are not retried here; the next
			// heartbeat or call gets its own chance.
			return nil, backoff.Permanent(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		switch {
		case resp.StatusCode == http.StatusBadGateway,
			resp.StatusCode == http.StatusServiceUnavailable,
			resp.StatusCode == http.StatusGatewayTimeout:
			return nil, fmt.Errorf("registry: %s %s returned %d", method, path, resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, backoff.Permanent(fmt.Errorf("registry: %s %s returned %d", method, path, resp.StatusCode))
		}
		if len(body) == 0 {
			body = []byte("{}")
		}
		return body, nil
	}

	bo := backoff.NewExponentialBackOff()
	if c.cfg.RetryDelay > 0 {
		bo.InitialInterval = c.cfg.RetryDelay
	}
	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(max(c.cfg.RetryAttempts, 1))),
	)
	if err != nil {
		c.log.Error("registry unreachable", err, logging.LogFields{"method": method, "path": path})
		return nil
	}
	return body
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
