package authz

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedCredential: required fields missing or unparseable payload.
	ErrMalformedCredential = errors.New("malformed credential")
	// ErrUnsupportedProtocol: the protocol tag is not a known variant.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	// ErrInvalidTransition: requested status change violates the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyRevoked: revoke attempted on a record already in REVOKED.
	// Matches ErrInvalidTransition under errors.Is.
	ErrAlreadyRevoked = fmt.Errorf("%w: authorization already revoked", ErrInvalidTransition)
	// ErrNotFound: no such authorization in the tenant's partition.
	ErrNotFound = errors.New("authorization not found")

	// errNoChange signals an idempotent no-op inside a Transition callback;
	// the store skips the write and the caller skips audit/events.
	errNoChange = errors.New("no change")
)
