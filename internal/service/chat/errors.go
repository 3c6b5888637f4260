package chat

import "github.com/pkg/errors"

var (
	ErrIdentityUnresolved = errors.New("identity unresolved")
	ErrWriteFailed        = errors.New("message write failed")
	ErrSubscription       = errors.New("subscription error")
	ErrMalformedMessage   = errors.New("message has no conversation key")
	ErrEmptyBody          = errors.New("message text is required")
	ErrSendInFlight       = errors.New("a send is already in flight")
	ErrKeyLocked          = errors.New("conversation key already assigned")
	ErrNotMounted         = errors.New("surface is not mounted")
	ErrThreadNotFound     = errors.New("thread not found")
	ErrNoActiveThread     = errors.New("no active thread")
)

// WriteError reports a rejected durable write. It matches ErrWriteFailed and unwraps to
// the backend's cause.
type WriteError struct {
	Text string
	Err  error
}

func (e *WriteError) Error() string {
	return ErrWriteFailed.Error() + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Is(target error) bool { return target == ErrWriteFailed }
