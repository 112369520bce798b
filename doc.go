// Package buskit is the shared runtime for services on the buskit
// platform: one import gives a service its AMQP bus connection, message
// envelope model, hash-chained audit pipeline, fail-closed authorization
// enforcer, secrets vault boundary, registrar identity, and discovery
// heartbeat.
//
// A service fills Config (usually via ConfigFromEnv), creates a Service
// with NewService, registers its queue handlers, and calls Run. Run owns
// the whole lifecycle: it connects to the broker with bounded retries,
// declares the exchange topology, authenticates to the policy service,
// performs the RPC-over-queue registration handshake to obtain a stable
// identity, announces itself to the discovery registry, starts the
// heartbeat loop, and blocks consuming until SIGINT/SIGTERM.
//
// # Messaging
//
// Every message travels as a MessageEnvelope: a JSON document carrying
// identity (ULID message id, correlation and causation ids), actor and
// authorization context, the payload, and retry bookkeeping. Queues are
// durable, bound to a topic exchange, and armed with per-queue
// dead-letter routing; a handler error retries up to MaxRetries before
// the delivery is rejected to the dead-letter queue.
//
// # Audit
//
// Audit events form a per-process hash chain: each event carries the
// hash of its predecessor, so tampering with a stored sequence is
// detectable. Events publish to a fanout exchange; when the broker is
// unavailable they spill to a local journal and replay in the
// background. AI model calls are audited with prompt and response
// hashes by default, full text only when configured.
//
// # Authorization
//
// The Enforcer is fail-closed: a missing user identity or an unreachable
// policy service denies. Every check produces exactly one authorization
// audit event, permit or deny.
package buskit
