// Package errors holds the sentinel errors and the outward error
// classification surfaced by eventwire. Collaborating layers (for example a
// web framework's error mapper) consume only the message plus the coarse
// Class; no framework-specific types leak out of the core.
package errors

import (
	sterrors "errors"
	"fmt"

	transportpkg "github.com/drblury/eventwire/transport"
	wirepkg "github.com/drblury/eventwire/wire"
)

var (
	ErrBusRequired     = sterrors.New("eventwire: event bus is required")
	ErrHandlerRequired = sterrors.New("eventwire: handler function is required")
	ErrNameRequired    = sterrors.New("eventwire: subscriber name is required")
	ErrSchemaRequired  = sterrors.New("eventwire: event schema name is required")
	ErrConfigRequired  = sterrors.New("eventwire: config is required")
	ErrLoggerRequired  = sterrors.New("eventwire: logger is required")
	ErrPayloadRequired = sterrors.New("eventwire: event payload is required")

	// ErrMessagePointerRequired reports a typed proto subscriber whose
	// message type parameter is not a pointer.
	ErrMessagePointerRequired = sterrors.New("eventwire: proto message type must be a pointer")

	// ErrRegistrySealed reports a registration attempted after bootstrap
	// composition finished. Subscriptions are bootstrap-only.
	ErrRegistrySealed = sterrors.New("eventwire: subscriber registry is sealed")

	// ErrRegistrationConflict reports a duplicate (event type, subscriber
	// name) pair registered during bootstrap.
	ErrRegistrationConflict = sterrors.New("eventwire: duplicate subscriber registration")

	// ErrBusStarted reports an operation that is only valid before Start.
	ErrBusStarted = sterrors.New("eventwire: bus already started")

	// ErrBusNotStarted reports an operation that requires a running bus.
	ErrBusNotStarted = sterrors.New("eventwire: bus not started")

	// ErrBackpressureExceeded reports a saturated outbound or handler queue
	// under the reject policy. It is the only delivery failure Publish
	// surfaces synchronously; the caller decides whether to retry, drop, or
	// back off.
	ErrBackpressureExceeded = sterrors.New("eventwire: backpressure exceeded")
)

// Class is the coarse error classification exposed to external
// collaborators. It is deliberately framework-neutral.
type Class int

const (
	ClassInternal Class = iota
	ClassBadRequest
	ClassNotFound
	ClassUnsupported
	ClassResourceExhausted
	ClassUnavailable
)

func (c Class) String() string {
	switch c {
	case ClassBadRequest:
		return "bad-request"
	case ClassNotFound:
		return "not-found"
	case ClassUnsupported:
		return "unsupported"
	case ClassResourceExhausted:
		return "resource-exhausted"
	case ClassUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error couples a message with its Class. It wraps an optional cause.
type Error struct {
	Message string
	Class   Class
	Err     error
}

func New(message string, class Class) *Error {
	return &Error{Message: message, Class: class}
}

func Wrap(err error, message string, class Class) *Error {
	return &Error{Message: message, Class: class, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps err onto the outward classification. Classified errors keep
// their own Class; known sentinels map onto the matching coarse class;
// everything else is internal.
func Classify(err error) Class {
	if err == nil {
		return ClassInternal
	}

	var classified *Error
	if sterrors.As(err, &classified) {
		return classified.Class
	}

	switch {
	case sterrors.Is(err, ErrBackpressureExceeded),
		sterrors.Is(err, transportpkg.ErrBackpressureExceeded):
		return ClassResourceExhausted
	case sterrors.Is(err, ErrRegistrySealed),
		sterrors.Is(err, ErrRegistrationConflict),
		sterrors.Is(err, ErrBusStarted):
		return ClassBadRequest
	case sterrors.Is(err, wirepkg.ErrUnknownType),
		sterrors.Is(err, wirepkg.ErrUnsupportedRevision):
		return ClassUnsupported
	case wirepkg.IsDecodeError(err):
		return ClassBadRequest
	case sterrors.Is(err, ErrBusNotStarted),
		sterrors.Is(err, transportpkg.ErrConnClosed):
		return ClassUnavailable
	default:
		return ClassInternal
	}
}
