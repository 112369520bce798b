package envelope

import (
	"encoding/hex"
	"fmt"
	"hash"
	"time"

	"github.com/buskit-dev/buskit/internal/runtime/ids"
	"github.com/buskit-dev/buskit/internal/runtime/jsoncodec"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
	OutcomeDenied  = "denied"
)

// AuditEvent is the durable, append-only record every service publishes to
// the audit exchange. Once hashed it never changes; the hash chain links
// each event to the one logged before it so tampering within a service's
// stream is detectable.
type AuditEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     string    `json:"timestamp"`
	SourceService string    `json:"source_service"`
	EventType     EventType `json:"event_type"`

	Actor ActorContext `json:"actor"`

	Action     string `json:"action"`
	Resource   string `json:"resource"`
	ResourceID string `json:"resource_id,omitempty"`

	Authorization AuthorizationContext  `json:"authorization"`
	AIInteraction *AIInteractionContext `json:"ai_interaction,omitempty"`

	OutcomeStatus  string         `json:"outcome_status"`
	OutcomeDetails map[string]any `json:"outcome_details,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`

	PreviousEventHash string `json:"previous_event_hash,omitempty"`
	EventHash         string `json:"event_hash,omitempty"`
}

// EventParams carries the caller-supplied portion of an audit event.
type EventParams struct {
	Type       EventType
	Action     string
	Resource   string
	ResourceID string
	Outcome    string
	Details    map[string]any
}

func (p EventParams) outcomeOrDefault() string {
	if p.Outcome == "" {
		return OutcomeSuccess
	}
	return p.Outcome
}

// EventFromEnvelope creates an audit event from a message envelope,
// preserving actor, authorization, and correlation context. The AI
// interaction context is copied only when the envelope actually carries a
// model call.
func EventFromEnvelope(e *MessageEnvelope, p EventParams) *AuditEvent {
	ev := &AuditEvent{
		EventID:        ids.NewID(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		SourceService:  e.SourceService,
		EventType:      p.Type,
		Actor:          e.Actor,
		Action:         p.Action,
		Resource:       p.Resource,
		ResourceID:     p.ResourceID,
		Authorization:  e.Authorization,
		OutcomeStatus:  p.outcomeOrDefault(),
		OutcomeDetails: p.Details,
		CorrelationID:  e.CorrelationID,
		CausationID:    e.CausationID,
		MessageID:      e.MessageID,
	}
	if e.AIInteraction != nil && e.AIInteraction.Model != "" {
		ev.AIInteraction = e.AIInteraction
	}
	return ev
}

// SystemEvent creates a system-level audit event with no human actor. The
// actor is marked as a service account.
func SystemEvent(sourceService string, p EventParams) *AuditEvent {
	typ := p.Type
	if typ == "" {
		typ = EventSystem
	}
	return &AuditEvent{
		EventID:        ids.NewID(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		SourceService:  sourceService,
		EventType:      typ,
		Actor:          ActorContext{IsServiceAccount: true},
		Action:         p.Action,
		Resource:       p.Resource,
		ResourceID:     p.ResourceID,
		Authorization:  AuthorizationContext{Decision: DecisionNotEvaluated},
		OutcomeStatus:  p.outcomeOrDefault(),
		OutcomeDetails: p.Details,
	}
}

// ComputeHash links the event into the tamper-detection chain. The digest
// covers a canonical subset of the event's own fields plus the previous
// event's hash; key order is fixed by the sorted-map encoding. The
// resulting hash is stored on the event and returned.
func (ev *AuditEvent) ComputeHash(previous string, newHash func() hash.Hash) (string, error) {
	ev.PreviousEventHash = previous

	var prev any
	if previous != "" {
		prev = previous
	}
	content, err := jsoncodec.Marshal(map[string]any{
		"event_id":       ev.EventID,
		"timestamp":      ev.Timestamp,
		"source_service": ev.SourceService,
		"event_type":     string(ev.EventType),
		"action":         ev.Action,
		"resource":       ev.Resource,
		"outcome_status": ev.OutcomeStatus,
		"previous_hash":  prev,
	})
	if err != nil {
		return "", fmt.Errorf("audit event: canonical encode: %w", err)
	}

	h := newHash()
	h.Write(content)
	ev.EventHash = hex.EncodeToString(h.Sum(nil))
	return ev.EventHash, nil
}

// Serialize encodes the event for publishing to the audit exchange.
func (ev *AuditEvent) Serialize() ([]byte, error) {
	return jsoncodec.Marshal(ev)
}

// DeserializeAuditEvent decodes an event from an audit exchange message.
func DeserializeAuditEvent(body []byte) (*AuditEvent, error) {
	var ev AuditEvent
	if err := jsoncodec.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("audit event: decode: %w", err)
	}
	if ev.Authorization.Decision == "" {
		ev.Authorization.Decision = DecisionNotEvaluated
	}
	return &ev, nil
}
