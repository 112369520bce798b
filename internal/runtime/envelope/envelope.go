// Package envelope defines the standardized message and audit structures
// carried on the platform bus. Every message is wrapped in a
// MessageEnvelope so routing, traceability, and authorization context
// survive hops between services.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/buskit-dev/buskit/internal/runtime/ids"
	"github.com/buskit-dev/buskit/internal/runtime/jsoncodec"
)

// EventType categorises audit events for compliance reporting.
type EventType string

const (
	EventDataAccess          EventType = "data_access"
	EventDataModification    EventType = "data_modification"
	EventAuthentication      EventType = "authentication"
	EventAuthorization       EventType = "authorization"
	EventAIInteraction       EventType = "ai_interaction"
	EventSystem              EventType = "system_event"
	EventConfigurationChange EventType = "configuration_change"
	EventServiceLifecycle    EventType = "service_lifecycle"
	EventError               EventType = "error"
)

// Decision is the outcome of an authorization check.
type Decision string

const (
	DecisionPermit       Decision = "permit"
	DecisionDeny         Decision = "deny"
	DecisionNotEvaluated Decision = "not_evaluated"
)

// ActorContext identifies who initiated the action.
type ActorContext struct {
	UserID           string   `json:"user_id,omitempty"`
	Email            string   `json:"email,omitempty"`
	DisplayName      string   `json:"display_name,omitempty"`
	Roles            []string `json:"roles,omitempty"`
	Groups           []string `json:"groups,omitempty"`
	SourceChannel    string   `json:"source_channel,omitempty"`
	SourceChannelID  string   `json:"source_channel_id,omitempty"`
	IPAddress        string   `json:"ip_address,omitempty"`
	IsServiceAccount bool     `json:"is_service_account"`
}

// AuthorizationContext records the access decision attached to a message.
// Exactly one is present per envelope; it is overwritten, never appended,
// each time a check runs.
type AuthorizationContext struct {
	Decision      Decision `json:"decision"`
	PolicyMatched string   `json:"policy_matched,omitempty"`
	EvaluatedBy   string   `json:"evaluated_by,omitempty"`
	EvaluatedAt   string   `json:"evaluated_at,omitempty"`
	DeniedReason  string   `json:"denied_reason,omitempty"`
	ScopesGranted []string `json:"scopes_granted,omitempty"`
}

// AIInteractionContext tracks model usage for audit and cost tracking.
// Prompt and response text are present only when the audit configuration
// allows; the hashes are always populated.
type AIInteractionContext struct {
	Model                string  `json:"model,omitempty"`
	Provider             string  `json:"provider,omitempty"`
	RequestID            string  `json:"request_id,omitempty"`
	PromptHash           string  `json:"prompt_hash,omitempty"`
	ResponseHash         string  `json:"response_hash,omitempty"`
	PromptText           string  `json:"prompt_text,omitempty"`
	ResponseText         string  `json:"response_text,omitempty"`
	InputTokens          int     `json:"input_tokens,omitempty"`
	OutputTokens         int     `json:"output_tokens,omitempty"`
	TotalTokens          int     `json:"total_tokens,omitempty"`
	LatencyMs            int     `json:"latency_ms,omitempty"`
	EstimatedCostUSD     float64 `json:"estimated_cost_usd,omitempty"`
	SystemPromptTemplate string  `json:"system_prompt_template,omitempty"`
}

// MessageEnvelope is the standard wrapper for all bus traffic.
//
// correlation_id groups a request with every reply and child derived from
// it and never changes once set. causation_id on a derived message always
// equals the message_id of the message that triggered it.
type MessageEnvelope struct {
	MessageID     string `json:"message_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	Timestamp     string `json:"timestamp"`

	SourceService string `json:"source_service"`
	TargetService string `json:"target_service,omitempty"`
	MessageType   string `json:"message_type"`

	Payload map[string]any `json:"payload"`

	Actor         ActorContext          `json:"actor"`
	Authorization AuthorizationContext  `json:"authorization"`
	AIInteraction *AIInteractionContext `json:"ai_interaction,omitempty"`

	ReplyTo    string `json:"reply_to,omitempty"`
	TTLSeconds int    `json:"ttl,omitempty"`
	Priority   int    `json:"priority"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
}

// Option customises a newly created envelope.
type Option func(*MessageEnvelope)

// WithActor sets the originating actor.
func WithActor(actor ActorContext) Option {
	return func(e *MessageEnvelope) { e.Actor = actor }
}

// WithCorrelationID overrides the correlation id instead of defaulting it
// to the new message's own id.
func WithCorrelationID(id string) Option {
	return func(e *MessageEnvelope) { e.CorrelationID = id }
}

// WithPriority sets the delivery priority (1 lowest to 10 highest).
func WithPriority(priority int) Option {
	return func(e *MessageEnvelope) { e.Priority = priority }
}

// WithReplyTo names the queue replies should be sent to.
func WithReplyTo(queue string) Option {
	return func(e *MessageEnvelope) { e.ReplyTo = queue }
}

// WithTTL sets the message time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(e *MessageEnvelope) { e.TTLSeconds = int(ttl / time.Second) }
}

// WithTarget addresses the envelope to a specific service. Leaving the
// target empty means routing is driven purely by exchange bindings.
func WithTarget(service string) Option {
	return func(e *MessageEnvelope) { e.TargetService = service }
}

// WithMaxRetries overrides the default retry budget.
func WithMaxRetries(n int) Option {
	return func(e *MessageEnvelope) { e.MaxRetries = n }
}

// New creates an envelope with generated identity and standard defaults.
// The correlation id defaults to the message's own id so the first message
// of a flow anchors the whole chain.
func New(source, messageType string, payload map[string]any, opts ...Option) *MessageEnvelope {
	e := &MessageEnvelope{
		MessageID:     ids.NewID(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		SourceService: source,
		MessageType:   messageType,
		Payload:       payload,
		Authorization: AuthorizationContext{Decision: DecisionNotEvaluated},
		Priority:      5,
		MaxRetries:    3,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.MessageID
	}
	return e
}

// CreateReply builds a reply envelope that preserves the correlation chain
// and the original actor.
func (e *MessageEnvelope) CreateReply(source, messageType string, payload map[string]any) *MessageEnvelope {
	return New(source, messageType, payload,
		WithActor(e.Actor),
		WithCorrelationID(e.CorrelationID),
	)
}

// CreateChild builds a sub-request envelope. The child keeps the parent's
// correlation id and records the parent's message id as its causation id,
// and inherits the parent's authorization context.
func (e *MessageEnvelope) CreateChild(source, messageType string, payload map[string]any) *MessageEnvelope {
	child := New(source, messageType, payload,
		WithActor(e.Actor),
		WithCorrelationID(e.CorrelationID),
	)
	child.CausationID = e.MessageID
	child.Authorization = e.Authorization
	return child
}

// Serialize encodes the envelope as UTF-8 JSON for publishing.
func (e *MessageEnvelope) Serialize() ([]byte, error) {
	return jsoncodec.Marshal(e)
}

// Deserialize decodes an envelope from a message body, normalising
// defaults for fields an older publisher may have omitted.
func Deserialize(body []byte) (*MessageEnvelope, error) {
	var e MessageEnvelope
	if err := jsoncodec.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	if e.MessageID == "" {
		return nil, fmt.Errorf("envelope: missing message_id")
	}
	e.applyDefaults()
	return &e, nil
}

func (e *MessageEnvelope) applyDefaults() {
	if e.CorrelationID == "" {
		e.CorrelationID = e.MessageID
	}
	if e.Priority == 0 {
		e.Priority = 5
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = 3
	}
	if e.Authorization.Decision == "" {
		e.Authorization.Decision = DecisionNotEvaluated
	}
}

// PayloadHash returns the SHA-256 digest of the canonically encoded
// payload. Map encoding sorts keys, so hashes are independent of
// insertion order.
func (e *MessageEnvelope) PayloadHash() (string, error) {
	content, err := jsoncodec.Marshal(e.Payload)
	if err != nil {
		return "", fmt.Errorf("envelope: hash payload: %w", err)
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}
