package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected matches every *DisconnectedError via errors.Is.
	ErrDisconnected = errors.New("channel disconnected")
	// ErrTimeout is returned when a deadline-bounded receive elapses without a value.
	ErrTimeout = errors.New("channel receive timed out")
	// ErrEmpty is returned by TryRecv when no value is ready but the channel is still connected.
	ErrEmpty = errors.New("channel empty")
)

// DisconnectedError is returned once the other side of a channel is gone.
// Cause is set when the channel was closed because of an underlying transport error,
// and is nil for an ordinary close by the peer.
type DisconnectedError struct {
	Cause error
}

func (e *DisconnectedError) Error() string {
	if e.Cause == nil {
		return ErrDisconnected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrDisconnected, e.Cause)
}

func (e *DisconnectedError) Is(target error) bool { return target == ErrDisconnected }

func (e *DisconnectedError) Unwrap() error { return e.Cause }

// Disconnected builds a *DisconnectedError with the given cause, which may be nil.
func Disconnected(cause error) error {
	return &DisconnectedError{Cause: cause}
}
