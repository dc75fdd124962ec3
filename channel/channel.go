package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const unboundedCapacity = -1

type Option func(o *options)

type options struct {
	clock clock.Clock
}

// WithClock sets the clock used by deadline-bounded receives.
// Passing a *clock.Mock switches RecvDeadline to its manually-driven mode.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// Unbounded creates a channel whose sends never block.
func Unbounded[T any](opts ...Option) (*Sender[T], *Receiver[T]) {
	return newChannel[T](unboundedCapacity, opts)
}

// Bounded creates a channel that buffers at most capacity values.
// A capacity of zero creates a rendezvous channel.
func Bounded[T any](capacity int, opts ...Option) (*Sender[T], *Receiver[T]) {
	if capacity < 0 {
		panic("channel: negative capacity")
	}
	return newChannel[T](capacity, opts)
}

// Rendezvous creates a zero-capacity channel: Send returns only once a receiver has taken the value.
func Rendezvous[T any](opts ...Option) (*Sender[T], *Receiver[T]) {
	return Bounded[T](0, opts...)
}

func newChannel[T any](capacity int, opts []Option) (*Sender[T], *Receiver[T]) {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	c := &core[T]{
		capacity:  capacity,
		senders:   1,
		receivers: 1,
		notEmpty:  make(chan struct{}),
		notFull:   make(chan struct{}),
		rxGone:    make(chan struct{}),
		clock:     o.clock,
	}
	return &Sender[T]{c: c}, &Receiver[T]{c: c}
}

// slot holds one queued value.
// taken is only set for rendezvous sends and is closed once a receiver took the value.
type slot[T any] struct {
	v     T
	taken chan struct{}
	done  bool
}

type core[T any] struct {
	mu        sync.Mutex
	capacity  int
	queue     []*slot[T]
	senders   int
	receivers int
	// cause is the transport error that disconnected the channel, if any.
	cause error

	// notEmpty and notFull are closed and replaced to wake every waiter.
	notEmpty chan struct{}
	notFull  chan struct{}
	// rxGone is closed once the last receiver is closed.
	rxGone chan struct{}

	clock clock.Clock
}

func broadcast(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}

func (c *core[T]) disconnectedLocked() error {
	return &DisconnectedError{Cause: c.cause}
}

func (c *core[T]) send(ctx context.Context, v T) error {
	for {
		c.mu.Lock()
		if c.receivers == 0 {
			err := c.disconnectedLocked()
			c.mu.Unlock()
			return err
		}
		if c.capacity == 0 {
			s := &slot[T]{v: v, taken: make(chan struct{})}
			c.queue = append(c.queue, s)
			broadcast(&c.notEmpty)
			rxGone := c.rxGone
			c.mu.Unlock()
			return c.awaitTaken(ctx, s, rxGone)
		}
		if c.capacity == unboundedCapacity || len(c.queue) < c.capacity {
			c.queue = append(c.queue, &slot[T]{v: v})
			broadcast(&c.notEmpty)
			c.mu.Unlock()
			return nil
		}
		notFull, rxGone := c.notFull, c.rxGone
		c.mu.Unlock()

		select {
		case <-notFull:
		case <-rxGone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *core[T]) awaitTaken(ctx context.Context, s *slot[T], rxGone chan struct{}) error {
	select {
	case <-s.taken:
		return nil
	case <-rxGone:
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s.done {
		return nil
	}
	c.removeLocked(s)
	if c.receivers == 0 {
		return c.disconnectedLocked()
	}
	return ctx.Err()
}

func (c *core[T]) removeLocked(s *slot[T]) {
	for i, q := range c.queue {
		if q == s {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func (c *core[T]) popLocked() (T, bool) {
	if len(c.queue) == 0 {
		var zero T
		return zero, false
	}
	s := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	s.done = true
	if s.taken != nil {
		close(s.taken)
	}
	broadcast(&c.notFull)
	return s.v, true
}

// recv waits for a value until ctx is done or timeout fires. A nil timeout never fires.
func (c *core[T]) recv(ctx context.Context, timeout <-chan time.Time) (T, error) {
	var zero T
	for {
		c.mu.Lock()
		if v, ok := c.popLocked(); ok {
			c.mu.Unlock()
			return v, nil
		}
		if c.senders == 0 {
			err := c.disconnectedLocked()
			c.mu.Unlock()
			return zero, err
		}
		notEmpty := c.notEmpty
		c.mu.Unlock()

		select {
		case <-notEmpty:
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-timeout:
			return zero, ErrTimeout
		}
	}
}

func (c *core[T]) tryRecv() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.popLocked(); ok {
		return v, nil
	}
	var zero T
	if c.senders == 0 {
		return zero, c.disconnectedLocked()
	}
	return zero, ErrEmpty
}

// Sender is the sending half of a channel.
type Sender[T any] struct {
	c      *core[T]
	closed atomic.Bool
}

// Send enqueues v, waiting for space on bounded channels and for a receiver on rendezvous channels.
// If ctx is done first, v is not delivered and ctx.Err() is returned.
func (s *Sender[T]) Send(ctx context.Context, v T) error {
	if s.closed.Load() {
		return Disconnected(nil)
	}
	return s.c.send(ctx, v)
}

// SendBlocking is Send without cancellation.
func (s *Sender[T]) SendBlocking(v T) error {
	return s.Send(context.Background(), v)
}

// Clone returns another sender for the same channel. The clone must be closed separately.
func (s *Sender[T]) Clone() *Sender[T] {
	if s.closed.Load() {
		panic("channel: clone of closed sender")
	}
	s.c.mu.Lock()
	s.c.senders++
	s.c.mu.Unlock()
	return &Sender[T]{c: s.c}
}

// Close releases this sender. Receivers observe disconnection once every sender is closed and the queue is drained.
func (s *Sender[T]) Close() {
	s.CloseWithError(nil)
}

// CloseWithError is Close, recording err as the cause receivers see if this was the last sender.
func (s *Sender[T]) CloseWithError(err error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.senders--
	if s.c.senders == 0 {
		if s.c.cause == nil {
			s.c.cause = err
		}
		broadcast(&s.c.notEmpty)
	}
}

// Len is the number of values waiting to be received, including values held by blocked rendezvous senders.
func (s *Sender[T]) Len() int { return s.c.len() }

// Cap is the channel capacity, or -1 if unbounded.
func (s *Sender[T]) Cap() int { return s.c.capacity }

// Receiver is the receiving half of a channel.
type Receiver[T any] struct {
	c      *core[T]
	closed atomic.Bool
}

// Recv dequeues the next value, waiting while the channel is empty.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	if r.closed.Load() {
		var zero T
		return zero, Disconnected(nil)
	}
	return r.c.recv(ctx, nil)
}

// RecvBlocking is Recv without cancellation.
func (r *Receiver[T]) RecvBlocking() (T, error) {
	return r.Recv(context.Background())
}

// TryRecv returns the next value without waiting.
// It returns ErrEmpty if nothing is queued and a *DisconnectedError if nothing ever will be.
func (r *Receiver[T]) TryRecv() (T, error) {
	if r.closed.Load() {
		var zero T
		return zero, Disconnected(nil)
	}
	return r.c.tryRecv()
}

// Clone returns another receiver competing for the same values. The clone must be closed separately.
func (r *Receiver[T]) Clone() *Receiver[T] {
	if r.closed.Load() {
		panic("channel: clone of closed receiver")
	}
	r.c.mu.Lock()
	r.c.receivers++
	r.c.mu.Unlock()
	return &Receiver[T]{c: r.c}
}

// Close releases this receiver. Once every receiver is closed, queued values are dropped and senders fail.
func (r *Receiver[T]) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	r.c.receivers--
	if r.c.receivers == 0 {
		r.c.queue = nil
		close(r.c.rxGone)
	}
}

func (r *Receiver[T]) Len() int { return r.c.len() }

func (r *Receiver[T]) Cap() int { return r.c.capacity }

func (c *core[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
