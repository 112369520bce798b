// Package errors defines the sentinel and typed errors shared across
// buskit components. The split mirrors the failure taxonomy the runtime
// enforces: connectivity failures are retried then fatal, authorization
// failures fail closed, per-message handler failures are contained.
package errors

import (
	"fmt"

	sterrors "errors"
)

var (
	ErrNotConnected        = sterrors.New("buskit: not connected to the message broker")
	ErrMalformedEnvelope   = sterrors.New("buskit: message body is not a parseable envelope")
	ErrRegistrationTimeout = sterrors.New("buskit: no registration reply before deadline")
	ErrRegistrationReply   = sterrors.New("buskit: registration reply carries no identity")
	ErrSecretsAuth         = sterrors.New("buskit: secrets vault authentication failed")
	ErrPolicyAuth          = sterrors.New("buskit: policy service rejected the service credentials")
	ErrPolicyNotFound      = sterrors.New("buskit: policy service has no such identity or resource")
	ErrConfigRequired      = sterrors.New("buskit: configuration is required")
	ErrLoggerRequired      = sterrors.New("buskit: logger is required")
	ErrHandlerRequired     = sterrors.New("buskit: handler function is required")
	ErrQueueNameRequired   = sterrors.New("buskit: queue name is required")
	ErrAlreadyRunning      = sterrors.New("buskit: service is already running")
)

// ConnectivityError marks a broker or remote collaborator as unreachable
// after bounded retry. It is fatal to the operation that needed the
// connection.
type ConnectivityError struct {
	Target   string // "broker", "registry", "policy", "secrets"
	Attempts int
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("buskit: %s unreachable after %d attempts: %v", e.Target, e.Attempts, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// AccessDeniedError is returned by the authorization enforcer when a
// permission check does not resolve to permit. Policy carries the matched
// policy id when the remote evaluator reported one.
type AccessDeniedError struct {
	Reason string
	Policy string
}

func (e *AccessDeniedError) Error() string {
	if e.Reason == "" {
		return "buskit: access denied"
	}
	return "buskit: access denied: " + e.Reason
}
