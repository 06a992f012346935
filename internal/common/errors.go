// Package common defines shared constants and sentinel errors used across
// gophdrop components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// ErrRecordStore reports that the relational store rejected a write.
	// When returned from a deletion without ErrKeyStore the source is still
	// discoverable.
	ErrRecordStore = errors.New("record store failure")

	// ErrKeyStore reports that a keypair could not be removed or read.
	ErrKeyStore = errors.New("keystore failure")

	// ErrPartialFailure reports that records were removed but a secondary
	// store (the keystore) could not be cleaned up.
	ErrPartialFailure = errors.New("partial failure")

	// ErrIOFailure covers blob reads, archive writes and erase I/O.
	ErrIOFailure = errors.New("io failure")

	// ErrInvalidSelection rejects selections that mix up sources and
	// submissions.
	ErrInvalidSelection = errors.New("invalid selection")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
