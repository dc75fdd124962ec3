package ipc

import (
	"context"
	"fmt"
)

// OneShot is a named bootstrap channel that exactly one peer can connect to.
type OneShot[T any] struct {
	link *link
}

// NewOneShot registers a one-shot channel on the hub and returns it with its name.
// The name is unique across processes and is all a peer needs to connect.
func NewOneShot[T any](h *Hub) (*OneShot[T], string, error) {
	l, err := h.register()
	if err != nil {
		return nil, "", err
	}
	return &OneShot[T]{link: l}, l.handle.name(), nil
}

// Accept waits for the peer to connect and returns the sender to it.
func (o *OneShot[T]) Accept(ctx context.Context) (*Sender[T], error) {
	if _, err := o.link.get(ctx); err != nil {
		return nil, err
	}
	return &Sender[T]{link: o.link}, nil
}

// Close disconnects the channel, and rejects the peer if it has not connected yet.
func (o *OneShot[T]) Close() {
	o.link.close(nil)
}

// ConnectOneShot connects to the one-shot channel with the given name.
func ConnectOneShot[T any](ctx context.Context, name string) (*Receiver[T], error) {
	h, err := parseName(name)
	if err != nil {
		return nil, err
	}
	l := newDialLink(h)
	if _, err := l.get(ctx); err != nil {
		l.close(nil)
		return nil, fmt.Errorf("connecting to %q: %w", name, err)
	}
	return newReceiver[T](l), nil
}
