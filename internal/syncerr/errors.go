// Package syncerr defines the error taxonomy shared by the outbox, the send
// pipeline and the subscription layer.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ValidationError rejects a draft before it reaches the outbox. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid message: " + e.Reason
	}
	return fmt.Sprintf("invalid message: %s: %s", e.Field, e.Reason)
}

// TransientError is a failure that may succeed on a later attempt:
// timeouts, lost connectivity, server-side 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// ConflictError reports that the backend already holds a message with the
// same idempotency key. Callers treat it as success.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("duplicate idempotency key %q", e.Key)
}

// Rejection reasons.
const (
	ReasonConversationDeleted = "conversation deleted"
	ReasonSenderBlocked       = "sender blocked"
	ReasonNotMember           = "sender not a member"
	ReasonInvalid             = "rejected as invalid"
)

// PermanentRejection is a server refusal that no retry can fix.
type PermanentRejection struct {
	Reason string
}

func (e *PermanentRejection) Error() string { return "rejected: " + e.Reason }

// SubscriptionError reports a broken live stream for one conversation.
type SubscriptionError struct {
	ConversationID string
	Err            error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s: %v", e.ConversationID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Reject returns a PermanentRejection for reason.
func Reject(reason string) error {
	return &PermanentRejection{Reason: reason}
}

// Class is the retry class of an error.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassConflict
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassConflict:
		return "conflict"
	case ClassPermanent:
		return "permanent"
	}
	return "unknown"
}

// Classify sorts err into a retry class. Anything not known to be a conflict
// or a permanent refusal is transient.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return ClassConflict
	}
	var rejection *PermanentRejection
	var validation *ValidationError
	if errors.As(err, &rejection) || errors.As(err, &validation) {
		return ClassPermanent
	}
	return ClassTransient
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool { return Classify(err) == ClassTransient }

// IsPermanent reports whether err must not be retried automatically.
func IsPermanent(err error) bool { return Classify(err) == ClassPermanent }

// IsConflict reports whether err is a duplicate idempotency key.
func IsConflict(err error) bool { return Classify(err) == ClassConflict }

// IsTimeout reports whether err is a deadline expiry or a network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
