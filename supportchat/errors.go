// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supportchat

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the controller recovers from it.
type Kind int

const (
	// KindClientUnavailable: a protocol client could not be built or
	// started. The attempt ends; the visitor may retry.
	KindClientUnavailable Kind = iota + 1
	// KindRegistrationFailed: a registration or room setup step failed.
	// The attempt ends; the visitor may retry.
	KindRegistrationFailed
	// KindEncryptionUnavailable: encryption could not be initialized.
	// The session continues in plaintext.
	KindEncryptionUnavailable
	// KindDecryptionFailed: an inbound event could not be decrypted.
	// The session restarts once in plaintext.
	KindDecryptionFailed
	// KindUnknownDevice: a send was refused over unacknowledged
	// devices. The devices are acknowledged and the send retried.
	KindUnknownDevice
	// KindSendFailed: a message could not be sent. It is logged and
	// the message stays unsent.
	KindSendFailed
)

func (k Kind) String() string {
	switch k {
	case KindClientUnavailable:
		return "client-unavailable"
	case KindRegistrationFailed:
		return "registration-failed"
	case KindEncryptionUnavailable:
		return "encryption-unavailable"
	case KindDecryptionFailed:
		return "decryption-failed"
	case KindUnknownDevice:
		return "unknown-device"
	case KindSendFailed:
		return "send-failed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Fatal reports whether the kind ends an initialization attempt.
func (k Kind) Fatal() bool {
	return k == KindClientUnavailable || k == KindRegistrationFailed
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("supportchat: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether err is, or wraps, an *Error of kind.
func IsKind(err error, kind Kind) bool {
	var classified *Error
	return errors.As(err, &classified) && classified.Kind == kind
}
