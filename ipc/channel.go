package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/workerrpc/channel"
)

// NewChannel creates an IPC channel on the hub.
// One of the two halves is meant to be serialized and sent to another process;
// the half kept here starts working once that process has connected.
func NewChannel[T any](h *Hub) (*Sender[T], *Receiver[T], error) {
	l, err := h.register()
	if err != nil {
		return nil, nil, err
	}
	return &Sender[T]{link: l}, newReceiver[T](l), nil
}

// Sender is the sending half of an IPC channel.
type Sender[T any] struct {
	link *link
}

// Send encodes v and writes it to the peer.
// Canceling ctx while a write is in progress breaks the connection.
func (s *Sender[T]) Send(ctx context.Context, v T) error {
	return s.link.write(ctx, v)
}

// SendBlocking is Send without cancellation.
func (s *Sender[T]) SendBlocking(v T) error {
	return s.Send(context.Background(), v)
}

// Connect waits until the channel is connected to its peer: on the hub side until the peer has dialed in,
// on the other side until the dial is done. Sends and receives connect on their own; Connect only makes it eager.
func (s *Sender[T]) Connect(ctx context.Context) error {
	_, err := s.link.get(ctx)
	return err
}

// Close disconnects the channel. The peer's receives fail once it has drained what was already sent.
func (s *Sender[T]) Close() {
	s.link.close(nil)
}

func (s *Sender[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.link.handle)
}

func (s *Sender[T]) UnmarshalJSON(b []byte) error {
	var h handle
	if err := json.Unmarshal(b, &h); err != nil {
		return fmt.Errorf("decoding sender handle: %w", err)
	}
	s.link = newDialLink(h)
	return nil
}

// Receiver is the receiving half of an IPC channel.
// Values are read off the connection as they arrive and queued locally until received.
type Receiver[T any] struct {
	link *link

	pumpOnce sync.Once
	tx       *channel.Sender[T]
	rx       *channel.Receiver[T]
}

func newReceiver[T any](l *link) *Receiver[T] {
	r := &Receiver[T]{link: l}
	r.tx, r.rx = channel.Unbounded[T]()
	return r
}

func (r *Receiver[T]) start() {
	r.pumpOnce.Do(func() { go r.pump() })
}

func (r *Receiver[T]) pump() {
	for {
		var v T
		err := r.link.read(r.link.ctx, &v)
		if err != nil {
			var discErr *channel.DisconnectedError
			if errors.As(err, &discErr) {
				r.tx.CloseWithError(discErr.Cause)
			} else {
				r.tx.CloseWithError(err)
			}
			return
		}
		if err := r.tx.Send(r.link.ctx, v); err != nil {
			r.tx.Close()
			return
		}
	}
}

// Connect is Sender.Connect for the receiving half.
func (r *Receiver[T]) Connect(ctx context.Context) error {
	_, err := r.link.get(ctx)
	return err
}

// Recv returns the next value, waiting until one arrives or the channel disconnects.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	r.start()
	return r.rx.Recv(ctx)
}

// RecvBlocking is Recv without cancellation.
func (r *Receiver[T]) RecvBlocking() (T, error) {
	r.start()
	return r.rx.RecvBlocking()
}

// TryRecv returns a value that already arrived, or channel.ErrEmpty.
func (r *Receiver[T]) TryRecv() (T, error) {
	r.start()
	return r.rx.TryRecv()
}

// RecvDeadline is channel.Receiver.RecvDeadline over the IPC channel.
func (r *Receiver[T]) RecvDeadline(deadline time.Time) (T, error) {
	r.start()
	return r.rx.RecvDeadline(deadline)
}

// Close disconnects the channel; the peer's sends fail from then on.
func (r *Receiver[T]) Close() {
	r.link.close(nil)
	r.rx.Close()
}

func (r *Receiver[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.link.handle)
}

func (r *Receiver[T]) UnmarshalJSON(b []byte) error {
	var h handle
	if err := json.Unmarshal(b, &h); err != nil {
		return fmt.Errorf("decoding receiver handle: %w", err)
	}
	r.link = newDialLink(h)
	r.tx, r.rx = channel.Unbounded[T]()
	return nil
}
