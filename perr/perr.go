// Package perr defines the closed set of error kinds the platform's
// primitives are allowed to surface across package boundaries.
package perr

import "errors"

// Kind classifies an error returned by a store, lease, or coordinator
// operation. Callers should branch on Kind rather than on error strings.
type Kind int

const (
	// KindUnknown is returned by Classify for errors the platform did not
	// originate.
	KindUnknown Kind = iota
	// KindInvalidArgument marks a caller contract violation: empty id,
	// batch size <= 0, malformed cron expression. Not retryable.
	KindInvalidArgument
	// KindNotOwner marks a claim mutation attempted by a non-owner. Callers
	// treat this as a silent no-op, never a hard failure.
	KindNotOwner
	// KindLeaseLost marks an operation performed under a lease that has
	// already been lost. The caller aborts the current batch and the
	// dispatcher loop reacquires.
	KindLeaseLost
	// KindConflictRetry marks an optimistic-concurrency loss: the row
	// changed under the caller. Retry once locally, then surface.
	KindConflictRetry
	// KindTransientIO marks a connection or timeout failure. Retry locally
	// with backoff; surface once the retry budget is exhausted.
	KindTransientIO
	// KindPermanentFailure marks a terminal classification for side-effects
	// and poison messages; the caller marks the owning row Failed.
	KindPermanentFailure
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNotOwner:
		return "NotOwner"
	case KindLeaseLost:
		return "LeaseLost"
	case KindConflictRetry:
		return "ConflictRetry"
	case KindTransientIO:
		return "TransientIO"
	case KindPermanentFailure:
		return "PermanentFailure"
	default:
		return "Unknown"
	}
}

// Error is a platform error tagged with a Kind. The wrapped error, if any,
// is preserved for errors.Unwrap/errors.Is chains.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, perr.InvalidArgument).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newKind(k Kind) *Error { return &Error{Kind: k} }

// Sentinel values usable with errors.Is(err, perr.InvalidArgument) etc. Only
// the Kind is compared, so wrapping with a message/cause still matches.
var (
	InvalidArgument  = newKind(KindInvalidArgument)
	NotOwner         = newKind(KindNotOwner)
	LeaseLost        = newKind(KindLeaseLost)
	ConflictRetry    = newKind(KindConflictRetry)
	TransientIO      = newKind(KindTransientIO)
	PermanentFailure = newKind(KindPermanentFailure)
)

// New builds an *Error of the given kind with a message.
func New(k Kind, message string) error {
	return &Error{Kind: k, Message: message}
}

// Wrap builds an *Error of the given kind, preserving cause for Unwrap.
func Wrap(k Kind, message string, cause error) error {
	return &Error{Kind: k, Message: message, Cause: cause}
}

// Classify extracts the Kind carried by err, or KindUnknown if err does not
// originate from this package.
func Classify(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsInvalidArgument reports whether err carries KindInvalidArgument.
func IsInvalidArgument(err error) bool { return Classify(err) == KindInvalidArgument }

// IsNotOwner reports whether err carries KindNotOwner.
func IsNotOwner(err error) bool { return Classify(err) == KindNotOwner }

// IsLeaseLost reports whether err carries KindLeaseLost.
func IsLeaseLost(err error) bool { return Classify(err) == KindLeaseLost }

// IsConflictRetry reports whether err carries KindConflictRetry.
func IsConflictRetry(err error) bool { return Classify(err) == KindConflictRetry }

// IsTransientIO reports whether err carries KindTransientIO.
func IsTransientIO(err error) bool { return Classify(err) == KindTransientIO }

// IsPermanentFailure reports whether err carries KindPermanentFailure.
func IsPermanentFailure(err error) bool { return Classify(err) == KindPermanentFailure }

// PermanentMarker is the sentinel marker type a handler raises to request a
// permanent Fail instead of the default Reschedule-on-error behavior (spec
// §7, "Handler exceptions become Reschedule ... or Fail if a sentinel
// marker type was raised to request permanent failure").
type PermanentMarker struct {
	Cause error
}

func (p *PermanentMarker) Error() string {
	if p.Cause == nil {
		return "permanent failure requested"
	}
	return "permanent failure requested: " + p.Cause.Error()
}

func (p *PermanentMarker) Unwrap() error { return p.Cause }

// Permanent wraps cause so a handler can signal it must not be retried.
func Permanent(cause error) error { return &PermanentMarker{Cause: cause} }

// IsPermanent reports whether err (or something it wraps) is a
// PermanentMarker.
func IsPermanent(err error) bool {
	var p *PermanentMarker
	return errors.As(err, &p)
}
