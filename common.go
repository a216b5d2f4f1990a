package mls

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced by the engine.  Decode and cryptographic
// failures are recovered at the session boundary and reported as one of
// these values (possibly wrapped with additional context); callers match
// with errors.Is.  ErrTreeInvariantViolation is the only unrecoverable
// class: the affected group must be torn down, not retried.
var (
	ErrUnknownContext              = errors.New("mls: unknown context handle")
	ErrUnknownGroup                = errors.New("mls: unknown group")
	ErrMalformedMessage            = errors.New("mls: malformed message")
	ErrDuplicateKeyPackage         = errors.New("mls: duplicate key package")
	ErrNoMatchingEntry             = errors.New("mls: welcome has no entry for this key package")
	ErrConfirmationTagMismatch     = errors.New("mls: confirmation tag mismatch")
	ErrSignatureVerificationFailed = errors.New("mls: signature verification failed")
	ErrEpochMismatch               = errors.New("mls: message epoch does not match current epoch")
	ErrTreeInvariantViolation      = errors.New("mls: ratchet tree invariant violation")
	ErrInvalidLength               = errors.New("mls: invalid export length")
	ErrRemovedFromGroup            = errors.New("mls: local member was removed from the group")
)

func dup(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func validateEnum(v interface{}, known ...interface{}) error {
	for _, kv := range known {
		if v == kv {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown enum value %v", ErrMalformedMessage, v)
}
