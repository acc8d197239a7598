package dispatch

import "fmt"

// Kind classifies a failed operation. Every public operation converts
// component-local errors into one of these at its boundary; nothing is thrown
// past it.
type Kind int

const (
	// KindAuthentication - missing or invalid credential. Terminal for the
	// event, the connection stays open.
	KindAuthentication Kind = iota + 1
	// KindAuthorization - the user is not a participant of the room.
	KindAuthorization
	// KindRateLimited - transient, the client is expected to back off.
	KindRateLimited
	// KindValidation - empty content, unknown room or message. Safe to retry
	// after client-side correction.
	KindValidation
	// KindPersistence - the store failed, retryable, nothing was broadcast.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "unauthorized"
	case KindAuthorization:
		return "forbidden"
	case KindRateLimited:
		return "rate-limited"
	case KindValidation:
		return "invalid"
	case KindPersistence:
		return "persistence-failure"
	}
	return "unknown"
}

// Error is the typed outcome of a failed operation.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether the client may retry the identical request.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindPersistence
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, cause: cause}
}
