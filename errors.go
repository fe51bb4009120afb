package sketch

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when the source of a request does not exist.
	ErrNotFound = errors.New("sketch: not found")

	// ErrDecode is returned when fetched bytes cannot be decoded.
	ErrDecode = errors.New("sketch: decode failed")

	// ErrCanceled is returned when a request is canceled. Errors wrapping it
	// also match context.Canceled.
	ErrCanceled = errors.New("sketch: canceled")

	// ErrUnsupported is returned when no fetcher or decoder handles a request.
	ErrUnsupported = errors.New("sketch: unsupported")

	// ErrDepthLimit is returned when completing a request would go deeper
	// than its Depth allows.
	ErrDepthLimit = errors.New("sketch: depth limit")

	// ErrInvalidRequest is returned for malformed requests or sizes.
	ErrInvalidRequest = errors.New("sketch: invalid request")
)

// canceledError reports cancellation as both ErrCanceled and the context
// error that caused it.
type canceledError struct {
	cause error
}

func (e *canceledError) Error() string {
	return ErrCanceled.Error() + ": " + e.cause.Error()
}

func (e *canceledError) Unwrap() []error {
	return []error{ErrCanceled, e.cause}
}

func canceled(cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	var ce *canceledError
	if errors.As(cause, &ce) {
		return cause
	}
	return &canceledError{cause: cause}
}

// IsCanceled reports whether err is the result of cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}
