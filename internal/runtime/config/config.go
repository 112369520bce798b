// Package config holds the environment-derived settings shared by every
// buskit-powered container. Values load once at startup; missing required
// connectivity configuration is fatal.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the master configuration for a buskit service.
type Config struct {
	ServiceName    string `envconfig:"BUSKIT_SERVICE_NAME" default:"unknown"`
	ServiceVersion string `envconfig:"BUSKIT_SERVICE_VERSION" default:"0.0.0"`
	Environment    string `envconfig:"BUSKIT_ENVIRONMENT" default:"development"`
	LogLevel       string `envconfig:"BUSKIT_LOG_LEVEL" default:"info"`
	// DataDir stores the persisted service identity and the audit spill
	// buffer. Must be writable by the service user.
	DataDir string `envconfig:"BUSKIT_DATA_DIR" default:"/data/buskit"`
	// ServiceHost and ServicePort advertise where this instance is
	// reachable; both are reported during registration and discovery.
	ServiceHost string `envconfig:"BUSKIT_SERVICE_HOST"`
	ServicePort int    `envconfig:"BUSKIT_SERVICE_PORT" default:"0"`

	Bus      BusConfig
	Registry RegistryConfig
	Policy   PolicyConfig
	Secrets  SecretsConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

// BusConfig covers the AMQP broker connection and topology names.
type BusConfig struct {
	Host               string        `envconfig:"RABBITMQ_HOST" default:"rabbitmq"`
	Port               int           `envconfig:"RABBITMQ_PORT" default:"5672"`
	Username           string        `envconfig:"RABBITMQ_USERNAME" default:"buskit"`
	Password           string        `envconfig:"RABBITMQ_PASSWORD"`
	VHost              string        `envconfig:"RABBITMQ_VHOST" default:"/buskit"`
	Heartbeat          time.Duration `envconfig:"RABBITMQ_HEARTBEAT" default:"60s"`
	ConnectionAttempts int           `envconfig:"RABBITMQ_CONN_ATTEMPTS" default:"5"`
	RetryDelay         time.Duration `envconfig:"RABBITMQ_RETRY_DELAY" default:"3s"`
	PrefetchCount      int           `envconfig:"RABBITMQ_PREFETCH" default:"10"`

	OperationalExchange string `envconfig:"RABBITMQ_OPERATIONAL_EXCHANGE" default:"buskit.operational"`
	AuditExchange       string `envconfig:"RABBITMQ_AUDIT_EXCHANGE" default:"buskit.audit"`
	DeadLetterExchange  string `envconfig:"RABBITMQ_DLX_EXCHANGE" default:"buskit.dlx"`
}

// URL renders the AMQP connection URI.
func (b BusConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		Host:   fmt.Sprintf("%s:%d", b.Host, b.Port),
		Path:   b.VHost,
	}
	if b.Username != "" {
		u.User = url.UserPassword(b.Username, b.Password)
	}
	return u.String()
}

// RegistryConfig covers the service-discovery registry HTTP API.
type RegistryConfig struct {
	URL               string        `envconfig:"REGISTRY_URL" default:"http://registry:8080"`
	HeartbeatInterval time.Duration `envconfig:"REGISTRY_HEARTBEAT_INTERVAL" default:"30s"`
	Timeout           time.Duration `envconfig:"REGISTRY_TIMEOUT" default:"10s"`
	RetryAttempts     int           `envconfig:"REGISTRY_RETRY_ATTEMPTS" default:"3"`
	RetryDelay        time.Duration `envconfig:"REGISTRY_RETRY_DELAY" default:"1s"`
}

// PolicyConfig covers the identity/policy HTTP API used for
// authorization checks and identity resolution.
type PolicyConfig struct {
	URL           string        `envconfig:"POLICY_URL" default:"http://policy:8080"`
	Timeout       time.Duration `envconfig:"POLICY_TIMEOUT" default:"10s"`
	RetryAttempts int           `envconfig:"POLICY_RETRY_ATTEMPTS" default:"3"`
	RetryDelay    time.Duration `envconfig:"POLICY_RETRY_DELAY" default:"1s"`
	// ServiceToken authenticates this service to the policy API. When
	// empty the client requests a token from the auth endpoint instead.
	ServiceToken string `envconfig:"POLICY_SERVICE_TOKEN"`
}

// SecretsConfig covers the secrets vault boundary.
type SecretsConfig struct {
	URL     string        `envconfig:"SECRETS_URL" default:"http://vault:8200"`
	Timeout time.Duration `envconfig:"SECRETS_TIMEOUT" default:"10s"`
	// Token is the development shortcut; RoleID/SecretID is the
	// production credential pair.
	Token    string `envconfig:"SECRETS_TOKEN"`
	RoleID   string `envconfig:"SECRETS_ROLE_ID"`
	SecretID string `envconfig:"SECRETS_SECRET_ID"`
}

// AuditConfig tunes the audit pipeline.
type AuditConfig struct {
	Enabled             bool   `envconfig:"AUDIT_ENABLED" default:"true"`
	IncludePromptText   bool   `envconfig:"AUDIT_INCLUDE_PROMPTS" default:"false"`
	IncludeResponseText bool   `envconfig:"AUDIT_INCLUDE_RESPONSES" default:"false"`
	HashAlgorithm       string `envconfig:"AUDIT_HASH_ALGO" default:"sha256"`
	RetentionDays       int    `envconfig:"AUDIT_RETENTION_DAYS" default:"365"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `envconfig:"METRICS_ENABLED" default:"true"`
	Port    int  `envconfig:"METRICS_PORT" default:"9100"`
}

// FromEnv loads configuration from the environment. serviceName, when
// non-empty, overrides BUSKIT_SERVICE_NAME.
func FromEnv(serviceName string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if serviceName != "" {
		cfg.ServiceName = serviceName
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration can actually reach its
// collaborators. It returns all problems joined, not just the first.
func (c *Config) Validate() error {
	var errs []error

	if c.ServiceName == "" {
		errs = append(errs, errors.New("config: service name is required"))
	}
	if c.Bus.Host == "" {
		errs = append(errs, errors.New("config: rabbitmq host is required"))
	}
	if c.Bus.Port <= 0 || c.Bus.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: invalid rabbitmq port %d", c.Bus.Port))
	}
	if c.Bus.ConnectionAttempts <= 0 {
		errs = append(errs, errors.New("config: rabbitmq connection attempts must be positive"))
	}
	if c.Bus.OperationalExchange == "" || c.Bus.AuditExchange == "" || c.Bus.DeadLetterExchange == "" {
		errs = append(errs, errors.New("config: exchange names are required"))
	}
	if _, err := url.Parse(c.Registry.URL); c.Registry.URL == "" || err != nil {
		errs = append(errs, errors.New("config: registry URL is required"))
	}
	if _, err := url.Parse(c.Policy.URL); c.Policy.URL == "" || err != nil {
		errs = append(errs, errors.New("config: policy URL is required"))
	}
	if c.Registry.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("config: heartbeat interval must be positive"))
	}
	switch c.Audit.HashAlgorithm {
	case "sha256", "sha512", "sha1":
	default:
		errs = append(errs, fmt.Errorf("config: unsupported hash algorithm %q", c.Audit.HashAlgorithm))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: invalid metrics port %d", c.Metrics.Port))
	}

	return errors.Join(errs...)
}

func (c Config) String() string {
	copy := c
	if copy.Bus.Password != "" {
		copy.Bus.Password = "***REDACTED***"
	}
	if copy.Policy.ServiceToken != "" {
		copy.Policy.ServiceToken = "***REDACTED***"
	}
	if copy.Secrets.Token != "" {
		copy.Secrets.Token = "***REDACTED***"
	}
	if copy.Secrets.SecretID != "" {
		copy.Secrets.SecretID = "***REDACTED***"
	}
	// Type alias avoids infinite recursion when printing.
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(copy))
}
