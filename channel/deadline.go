package channel

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// WorstCaseSleepError is how much a timer wait can overshoot on common platforms.
	WorstCaseSleepError = 4 * time.Millisecond
	// WorstCaseSpinError is how much a yield-and-poll loop can overshoot.
	WorstCaseSpinError = 300 * time.Microsecond
)

// RecvTimeout is RecvDeadline with a deadline d from now.
func (r *Receiver[T]) RecvTimeout(d time.Duration) (T, error) {
	return r.RecvDeadline(r.c.clock.Now().Add(d))
}

// RecvDeadline returns the next value, or ErrTimeout once deadline has strictly elapsed.
//
// Most of the remaining time is spent in a timer wait that stops WorstCaseSleepError early,
// then the receiver polls with runtime.Gosched until WorstCaseSpinError remains,
// and busy-spins the rest. The last few milliseconds cost CPU in exchange for precision.
func (r *Receiver[T]) RecvDeadline(deadline time.Time) (T, error) {
	var zero T
	if r.closed.Load() {
		return zero, Disconnected(nil)
	}

	clk := r.c.clock
	_, manual := clk.(*clock.Mock)

	// A manual clock only moves when someone advances it: the wait below runs on its timers,
	// and the spin loops have to yield for it to move at all.
	if d := deadline.Sub(clk.Now()); d > WorstCaseSleepError {
		v, err := r.timedRecv(d - WorstCaseSleepError)
		if !errors.Is(err, ErrTimeout) {
			return v, err
		}
	}

	for deadline.Sub(clk.Now()) > WorstCaseSpinError {
		v, err := r.c.tryRecv()
		if !errors.Is(err, ErrEmpty) {
			return v, err
		}
		runtime.Gosched()
	}

	for !clk.Now().After(deadline) {
		v, err := r.c.tryRecv()
		if !errors.Is(err, ErrEmpty) {
			return v, err
		}
		if manual {
			runtime.Gosched()
		}
	}
	return zero, ErrTimeout
}

func (r *Receiver[T]) timedRecv(d time.Duration) (T, error) {
	t := r.c.clock.Timer(d)
	defer t.Stop()
	return r.c.recv(context.Background(), t.C)
}
