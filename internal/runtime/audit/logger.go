// Package audit emits tamper-evident audit events. Every event is linked
// to the previous one through a hash chain before it is published on the
// audit fanout exchange; a downstream store verifies the chain. Audit
// emission is best-effort from the caller's point of view: a publish
// failure spills the event to a local durable buffer instead of
// surfacing an error into the request path.
package audit

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"sync"

	"github.com/buskit-dev/buskit/internal/runtime/busmetrics"
	"github.com/buskit-dev/buskit/internal/runtime/config"
	"github.com/buskit-dev/buskit/internal/runtime/envelope"
	"github.com/buskit-dev/buskit/internal/runtime/logging"
)

// Publisher is the slice of the bus client the audit pipeline uses.
type Publisher interface {
	PublishAudit(ctx context.Context, body []byte) error
}

// Logger builds, chains, and publishes audit events for one service.
// Safe for concurrent use; the chain lock guarantees each event's
// previous hash is the hash of exactly one other event.
type Logger struct {
	cfg     config.AuditConfig
	service string
	pub     Publisher
	spill   *Spill
	log     logging.ServiceLogger
	newHash func() hash.Hash

	mu       sync.Mutex
	lastHash string
}

// NewLogger wires an audit logger. spill may be nil, in which case
// events that fail to publish are dropped after being logged.
func NewLogger(service string, cfg config.AuditConfig, pub Publisher, spill *Spill, log logging.ServiceLogger) *Logger {
	if log == nil {
		log = logging.Nop()
	}
	return &Logger{
		cfg:     cfg,
		service: service,
		pub:     pub,
		spill:   spill,
		log:     log,
		newHash: hashConstructor(cfg.HashAlgorithm),
	}
}

func hashConstructor(algorithm string) func() hash.Hash {
	switch algorithm {
	case "sha512":
		return sha512.New
	case "sha1":
		return sha1.New
	default:
		return sha256.New
	}
}

// ContentHash digests arbitrary content with the configured algorithm.
// Used for prompt/response hashing so full text never has to be stored.
func (l *Logger) ContentHash(content string) string {
	h := l.newHash()
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// Log chains and publishes a pre-built event.
func (l *Logger) Log(ctx context.Context, ev *envelope.AuditEvent) {
	l.chainAndPublish(ctx, ev)
}

// LogFromEnvelope records an event attributed to the envelope's actor
// and correlation context.
func (l *Logger) LogFromEnvelope(ctx context.Context, env *envelope.MessageEnvelope, p envelope.EventParams) {
	l.chainAndPublish(ctx, envelope.EventFromEnvelope(env, p))
}

// LogSystem records a service-account event with no triggering envelope,
// such as service start or a configuration change.
func (l *Logger) LogSystem(ctx context.Context, p envelope.EventParams) {
	l.chainAndPublish(ctx, envelope.SystemEvent(l.service, p))
}

// AIParams describes one model API call for LogAIInteraction.
type AIParams struct {
	Model                string
	Provider             string
	RequestID            string
	PromptText           string
	ResponseText         string
	InputTokens          int
	OutputTokens         int
	LatencyMs            int
	EstimatedCostUSD     float64
	SystemPromptTemplate string
}

// LogAIInteraction records a model API call. Prompt and response are
// always hashed; the full text is included only when the audit
// configuration allows it. The built AI context is also attached to the
// envelope so downstream consumers see it.
func (l *Logger) LogAIInteraction(ctx context.Context, env *envelope.MessageEnvelope, p AIParams) {
	aiCtx := &envelope.AIInteractionContext{
		Model:                p.Model,
		Provider:             p.Provider,
		RequestID:            p.RequestID,
		PromptHash:           l.ContentHash(p.PromptText),
		ResponseHash:         l.ContentHash(p.ResponseText),
		InputTokens:          p.InputTokens,
		OutputTokens:         p.OutputTokens,
		TotalTokens:          p.InputTokens + p.OutputTokens,
		LatencyMs:            p.LatencyMs,
		EstimatedCostUSD:     p.EstimatedCostUSD,
		SystemPromptTemplate: p.SystemPromptTemplate,
	}
	if l.cfg.IncludePromptText {
		aiCtx.PromptText = p.PromptText
	}
	if l.cfg.IncludeResponseText {
		aiCtx.ResponseText = p.ResponseText
	}
	env.AIInteraction = aiCtx

	ev := envelope.EventFromEnvelope(env, envelope.EventParams{
		Type:     envelope.EventAIInteraction,
		Action:   "ai_api_call",
		Resource: p.Provider + "/" + p.Model,
		Outcome:  envelope.OutcomeSuccess,
		Details: map[string]any{
			"input_tokens":       p.InputTokens,
			"output_tokens":      p.OutputTokens,
			"total_tokens":       p.InputTokens + p.OutputTokens,
			"latency_ms":         p.LatencyMs,
			"estimated_cost_usd": p.EstimatedCostUSD,
		},
	})
	ev.AIInteraction = aiCtx
	l.chainAndPublish(ctx, ev)
}

// LogAuthorization records an access-control decision.
func (l *Logger) LogAuthorization(ctx context.Context, env *envelope.MessageEnvelope, action, resource, decision, policyMatched, deniedReason string) {
	outcome := envelope.OutcomeDenied
	if decision == string(envelope.DecisionPermit) {
		outcome = envelope.OutcomeSuccess
	}
	details := map[string]any{"decision": decision}
	if policyMatched != "" {
		details["policy_matched"] = policyMatched
	}
	if deniedReason != "" {
		details["denied_reason"] = deniedReason
	}
	l.chainAndPublish(ctx, envelope.EventFromEnvelope(env, envelope.EventParams{
		Type:     envelope.EventAuthorization,
		Action:   action,
		Resource: resource,
		Outcome:  outcome,
		Details:  details,
	}))
}

// LogAuthentication records an authentication attempt.
func (l *Logger) LogAuthentication(ctx context.Context, env *envelope.MessageEnvelope, method, outcome string, details map[string]any) {
	l.chainAndPublish(ctx, envelope.EventFromEnvelope(env, envelope.EventParams{
		Type:     envelope.EventAuthentication,
		Action:   "auth_" + method,
		Resource: "identity",
		Outcome:  outcome,
		Details:  details,
	}))
}

func (l *Logger) chainAndPublish(ctx context.Context, ev *envelope.AuditEvent) {
	if !l.cfg.Enabled {
		return
	}

	l.mu.Lock()
	_, err := ev.ComputeHash(l.lastHash, l.newHash)
	if err == nil {
		l.lastHash = ev.EventHash
	}
	l.mu.Unlock()
	if err != nil {
		l.log.Error("audit event hash failed", err, logging.LogFields{
			"event_type": string(ev.EventType),
			"action":     ev.Action,
		})
		return
	}

	body, err := ev.Serialize()
	if err != nil {
		l.log.Error("audit event encode failed", err, logging.LogFields{
			"event_type": string(ev.EventType),
			"action":     ev.Action,
		})
		return
	}

	if err := l.pub.PublishAudit(ctx, body); err != nil {
		l.log.Error("audit publish failed", err, logging.LogFields{
			"event_type": string(ev.EventType),
			"action":     ev.Action,
		})
		if l.spill != nil {
			if spillErr := l.spill.Append(body); spillErr != nil {
				l.log.Error("audit spill failed, event lost", spillErr, logging.LogFields{
					"event_id": ev.EventID,
				})
				return
			}
			busmetrics.AuditEventsSpilled.Inc()
		}
		return
	}

	busmetrics.AuditEventsPublished.Inc()
	l.log.Trace("audit event published", logging.LogFields{
		"event_type": string(ev.EventType),
		"action":     ev.Action,
	})
}
