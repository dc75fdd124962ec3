package worker

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrDisconnected is returned by Run when the worker is gone, either before the call or while it was in flight.
var ErrDisconnected = errors.New("worker disconnected")

// SendError is returned by Run when the request could not be handed to the worker at all,
// as opposed to ErrDisconnected where it may have been lost after it was sent.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending request to worker: %s", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ConnectError is returned by Start when the handshake failed or timed out.
// The worker process is always killed; ExitCode is only meaningful if Exited is true.
type ConnectError struct {
	Name     string
	PID      int
	Err      error
	Exited   bool
	ExitCode int
}

func (e *ConnectError) Error() string {
	if e.Exited {
		return fmt.Sprintf("connecting to worker %q: %s (worker exit code %d)", e.Name, e.Err, e.ExitCode)
	}
	return fmt.Sprintf("connecting to worker %q: %s", e.Name, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// CrashError records how a worker process ended when it was not shut down by the parent.
type CrashError struct {
	Name string
	PID  int
	// ExitCode is -1 if the process was terminated by a signal.
	ExitCode int
	Signal   string
	State    string
}

func newCrashError(name string, pid int, state *os.ProcessState) *CrashError {
	e := &CrashError{Name: name, PID: pid, ExitCode: -1, State: "unknown"}
	if state == nil {
		return e
	}
	e.ExitCode = state.ExitCode()
	e.State = state.String()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		e.Signal = ws.Signal().String()
	}
	return e
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("worker %q (pid %d) crashed: %s", e.Name, e.PID, e.State)
}
