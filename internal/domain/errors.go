package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrDomainNotFound means the public host maps to no registered domain.
	ErrDomainNotFound = errors.New("domain not found")

	// ErrDomainNotConnected means the domain exists but no agent holds a
	// control connection for it.
	ErrDomainNotConnected = errors.New("domain not connected")

	// ErrQuotaExceeded is returned when the owner has no request quota left.
	ErrQuotaExceeded = errors.New("request quota exceeded")

	// ErrDuplicateCorrelationID is returned when a pending request with the
	// same correlation id is already open.
	ErrDuplicateCorrelationID = errors.New("duplicate correlation id")

	// ErrRelayTimeout means no reply arrived before the relay deadline.
	ErrRelayTimeout = errors.New("relay timed out")

	// ErrRelayAbandoned means the pending request was dropped before a reply
	// arrived, for example because the agent connection went away.
	ErrRelayAbandoned = errors.New("relay abandoned")

	// ErrLocalDispatchFailure means the agent could not reach its local service.
	ErrLocalDispatchFailure = errors.New("local dispatch failed")

	// ErrHandshakeRejected is returned when a websocket tunnel handshake is
	// refused (domain busy, not connected, or not websocket capable).
	ErrHandshakeRejected = errors.New("websocket handshake rejected")

	// ErrHandshakeTimeout means the agent never confirmed a pending
	// websocket tunnel.
	ErrHandshakeTimeout = errors.New("websocket handshake timed out")

	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// RelayError wraps an underlying error with domain context.
type RelayError struct {
	Domain string
	Op     string
	Err    error
}

func (e *RelayError) Error() string {
	if e.Domain != "" {
		return fmt.Sprintf("domain %s: %s: %v", e.Domain, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}
