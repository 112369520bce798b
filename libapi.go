package buskit

import (
	runtimepkg "github.com/buskit-dev/buskit/internal/runtime"
	auditpkg "github.com/buskit-dev/buskit/internal/runtime/audit"
	authzpkg "github.com/buskit-dev/buskit/internal/runtime/authz"
	buspkg "github.com/buskit-dev/buskit/internal/runtime/bus"
	configpkg "github.com/buskit-dev/buskit/internal/runtime/config"
	envelopepkg "github.com/buskit-dev/buskit/internal/runtime/envelope"
	errspkg "github.com/buskit-dev/buskit/internal/runtime/errors"
	idspkg "github.com/buskit-dev/buskit/internal/runtime/ids"
	jsoncodec "github.com/buskit-dev/buskit/internal/runtime/jsoncodec"
	loggingpkg "github.com/buskit-dev/buskit/internal/runtime/logging"
	registrationpkg "github.com/buskit-dev/buskit/internal/runtime/registration"
	registrypkg "github.com/buskit-dev/buskit/internal/runtime/registry"
	secretspkg "github.com/buskit-dev/buskit/internal/runtime/secrets"
)

type (
	Config         = configpkg.Config
	BusConfig      = configpkg.BusConfig
	RegistryConfig = configpkg.RegistryConfig
	PolicyConfig   = configpkg.PolicyConfig
	SecretsConfig  = configpkg.SecretsConfig
	AuditConfig    = configpkg.AuditConfig
	MetricsConfig  = configpkg.MetricsConfig

	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Hooks               = runtimepkg.Hooks
	State               = runtimepkg.State

	// Envelope and audit event model
	MessageEnvelope      = envelopepkg.MessageEnvelope
	EnvelopeOption       = envelopepkg.Option
	ActorContext         = envelopepkg.ActorContext
	AuthorizationContext = envelopepkg.AuthorizationContext
	AIInteractionContext = envelopepkg.AIInteractionContext
	AuditEvent           = envelopepkg.AuditEvent
	EventParams          = envelopepkg.EventParams
	EventType            = envelopepkg.EventType
	Decision             = envelopepkg.Decision

	Handler = buspkg.Handler

	AuditLogger = auditpkg.Logger
	AIParams    = auditpkg.AIParams

	Enforcer     = authzpkg.Enforcer
	CheckInput   = authzpkg.CheckInput
	CheckResult  = authzpkg.CheckResult
	Identity     = authzpkg.Identity
	PolicyClient = authzpkg.PolicyClient

	Instance       = registrypkg.Instance
	StatusFunc     = registrypkg.StatusFunc
	RegisterParams = registrypkg.RegisterParams

	SecretsClient = secretspkg.Client

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConnectivityError = errspkg.ConnectivityError
	AccessDeniedError = errspkg.AccessDeniedError
)

// Lifecycle states.
const (
	StateCreated      = runtimepkg.StateCreated
	StateConnecting   = runtimepkg.StateConnecting
	StateRunning      = runtimepkg.StateRunning
	StateShuttingDown = runtimepkg.StateShuttingDown
	StateStopped      = runtimepkg.StateStopped
)

// Audit event types.
const (
	EventDataAccess          = envelopepkg.EventDataAccess
	EventDataModification    = envelopepkg.EventDataModification
	EventAuthentication      = envelopepkg.EventAuthentication
	EventAuthorization       = envelopepkg.EventAuthorization
	EventAIInteraction       = envelopepkg.EventAIInteraction
	EventSystem              = envelopepkg.EventSystem
	EventConfigurationChange = envelopepkg.EventConfigurationChange
	EventServiceLifecycle    = envelopepkg.EventServiceLifecycle
	EventError               = envelopepkg.EventError
)

// Authorization decisions.
const (
	DecisionPermit       = envelopepkg.DecisionPermit
	DecisionDeny         = envelopepkg.DecisionDeny
	DecisionNotEvaluated = envelopepkg.DecisionNotEvaluated
)

// Registration statuses reported to the registrar.
const (
	RegistrationStatusNew       = registrationpkg.StatusNew
	RegistrationStatusRebooting = registrationpkg.StatusRebooting
	RegistrationStatusFault     = registrationpkg.StatusFault
)

var (
	NewService    = runtimepkg.NewService
	ConfigFromEnv = configpkg.FromEnv

	NewEnvelope         = envelopepkg.New
	DeserializeEnvelope = envelopepkg.Deserialize
	WithActor           = envelopepkg.WithActor
	WithCorrelationID   = envelopepkg.WithCorrelationID
	WithPriority        = envelopepkg.WithPriority
	WithReplyTo         = envelopepkg.WithReplyTo
	WithTTL             = envelopepkg.WithTTL
	WithTarget          = envelopepkg.WithTarget
	WithMaxRetries      = envelopepkg.WithMaxRetries

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop

	NewID = idspkg.NewID

	ErrNotConnected        = errspkg.ErrNotConnected
	ErrMalformedEnvelope   = errspkg.ErrMalformedEnvelope
	ErrRegistrationTimeout = errspkg.ErrRegistrationTimeout
	ErrRegistrationReply   = errspkg.ErrRegistrationReply
	ErrSecretsAuth         = errspkg.ErrSecretsAuth
	ErrPolicyAuth          = errspkg.ErrPolicyAuth
	ErrPolicyNotFound      = errspkg.ErrPolicyNotFound
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrQueueNameRequired   = errspkg.ErrQueueNameRequired
	ErrAlreadyRunning      = errspkg.ErrAlreadyRunning
)
