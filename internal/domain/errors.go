// Package domain provides the sentinel errors shared across the session
// store, registry, and transports.
package domain

import "errors"

// ErrNotFound marks a lookup for a session or endpoint that was never
// materialized.
var ErrNotFound = errors.New("not found")

// ErrValidation marks a record that failed structural validation, such as a
// catalog entry with an unknown role affinity.
var ErrValidation = errors.New("validation failed")

// ErrRetryExhausted marks a background persistence operation abandoned after
// its final retry; the in-memory session state is still authoritative.
var ErrRetryExhausted = errors.New("retry attempts exhausted")
