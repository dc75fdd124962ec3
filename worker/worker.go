package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/guseggert/workerrpc/channel"
	"github.com/guseggert/workerrpc/internal/task"
	"github.com/guseggert/workerrpc/ipc"
	"go.uber.org/zap"
)

const (
	// ShutdownPollInterval is how often Shutdown checks whether in-flight requests have drained.
	ShutdownPollInterval = 50 * time.Millisecond
	// DemuxJoinTimeout is how long Shutdown waits for the demultiplexer after killing the worker.
	DemuxJoinTimeout = time.Second
)

type State int

const (
	StateStarting State = iota
	StateConnected
	StateCrashed
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateCrashed:
		return "crashed"
	case StateShuttingDown:
		return "shutting down"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Worker is a connected worker process that runs requests of type I and answers with O.
// Run is safe to call from many goroutines. Shutdown or Close must be called when done with it.
type Worker[I, O any] struct {
	name    string
	log     *zap.SugaredLogger
	clock   clock.Clock
	metrics *metrics
	hub     *ipc.Hub

	requests *ipc.Sender[envelope[Request[I]]]
	registry *registry[O]
	demux    *demux
	pid      int

	mut   sync.Mutex
	state State
	proc  *process
	crash *CrashError
	// crashMut serializes CrashError so the crash is recorded once, without holding mut while reaping.
	crashMut sync.Mutex
}

// Start spawns the current executable as the named worker. The executable must call RunWorker for name.
func Start[I, O any](ctx context.Context, name string, opts ...Option) (*Worker[I, O], error) {
	return StartWith[I, O](ctx, name, nil, nil, opts...)
}

// StartWith is Start with extra environment variables ("KEY=value") and arguments for the worker process.
func StartWith[I, O any](ctx context.Context, name string, env, args []string, opts ...Option) (*Worker[I, O], error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("finding current executable: %w", err)
	}
	return StartOther[I, O](ctx, name, exe, env, args, opts...)
}

// StartOther spawns another executable as the named worker.
//
// It returns once the handshake is done. If the worker does not complete it within the handshake timeout,
// or exits first, the process is killed and a *ConnectError is returned.
func StartOther[I, O any](ctx context.Context, name, executable string, env, args []string, opts ...Option) (*Worker[I, O], error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	log := o.log.Named("worker").Sugar().With("Worker", name)

	timeout := o.handshakeTimeout
	if timeout <= 0 {
		timeout = time.Duration(LoadConfig(log).HandshakeTimeout)
	}

	hub, err := ipc.Listen(ipc.WithLogger(o.log))
	if err != nil {
		return nil, fmt.Errorf("starting IPC hub: %w", err)
	}
	boot, bootName, err := ipc.NewOneShot[handshake[I, O]](hub)
	if err != nil {
		hub.Close()
		return nil, fmt.Errorf("creating bootstrap channel: %w", err)
	}
	defer boot.Close()

	w := &Worker[I, O]{
		name:     name,
		log:      log,
		clock:    o.clock,
		metrics:  newMetrics(o.registerer),
		hub:      hub,
		registry: newRegistry[O](),
		state:    StateStarting,
	}

	workerEnv := append(append([]string{}, env...),
		EnvVersion+"="+ProtocolVersion,
		EnvServer+"="+bootName,
		EnvName+"="+name,
	)

	start := w.clock.Now()
	// spawning is never abandoned half-way, so a started process is always tracked and reaped
	proc, err := task.Offload(context.WithoutCancel(ctx), func() (*process, error) {
		return startProcess(executable, args, workerEnv, o.stdout, o.stderr)
	})
	if err != nil {
		hub.Close()
		return nil, fmt.Errorf("spawning worker %q: %w", name, err)
	}
	w.proc = proc
	w.pid = proc.pid()
	w.log = log.With("PID", w.pid)
	go w.monitor(proc)

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	requests, responses, err := w.handshake(hctx, boot)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("handshake timed out after %s: %w", timeout, err)
		}
		connErr := &ConnectError{Name: name, PID: w.pid, Err: err}
		state, reapErr := task.Offload(context.Background(), proc.killAndReap)
		if reapErr != nil {
			w.log.Errorw("reaping worker after failed handshake", "Error", reapErr)
		} else {
			connErr.Exited = true
			connErr.ExitCode = state.ExitCode()
		}
		hub.Close()
		w.metrics.handshake.WithLabelValues(name, "error").Observe(w.clock.Since(start).Seconds())
		w.log.Debugw("worker handshake failed", "Error", connErr)
		return nil, connErr
	}

	w.requests = requests
	w.demux = w.startDemux(responses)
	w.mut.Lock()
	w.state = StateConnected
	w.mut.Unlock()
	w.metrics.handshake.WithLabelValues(name, "ok").Observe(w.clock.Since(start).Seconds())
	w.log.Debugw("worker connected", "Elapsed", w.clock.Since(start))
	return w, nil
}

// handshake hands the worker its halves of the request and response channels over the bootstrap channel,
// then waits for the worker to connect both, so a connected worker never has a request channel that is still dialing.
func (w *Worker[I, O]) handshake(ctx context.Context, boot *ipc.OneShot[handshake[I, O]]) (*ipc.Sender[envelope[Request[I]]], *ipc.Receiver[envelope[Response[O]]], error) {
	bootTx, err := boot.Accept(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("waiting for worker to connect: %w", err)
	}
	reqTx, reqRx, err := ipc.NewChannel[envelope[Request[I]]](w.hub)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request channel: %w", err)
	}
	rspTx, rspRx, err := ipc.NewChannel[envelope[Response[O]]](w.hub)
	if err != nil {
		reqTx.Close()
		return nil, nil, fmt.Errorf("creating response channel: %w", err)
	}
	if err := bootTx.Send(ctx, handshake[I, O]{Requests: reqRx, Responses: rspTx}); err != nil {
		reqTx.Close()
		rspRx.Close()
		return nil, nil, fmt.Errorf("sending channels to worker: %w", err)
	}
	if err := reqTx.Connect(ctx); err != nil {
		reqTx.Close()
		rspRx.Close()
		return nil, nil, fmt.Errorf("waiting for worker to connect request channel: %w", err)
	}
	if err := rspRx.Connect(ctx); err != nil {
		reqTx.Close()
		rspRx.Close()
		return nil, nil, fmt.Errorf("waiting for worker to connect response channel: %w", err)
	}
	return reqTx, rspRx, nil
}

// monitor waits for the worker process to exit, then releases every endpoint it never connected to.
func (w *Worker[I, O]) monitor(p *process) {
	<-p.exited
	exit := p.describeExit()
	w.log.Debugw("worker process exited", "Exit", exit)
	w.hub.AbandonPending(fmt.Errorf("worker process exited: %s", exit))
}

func (w *Worker[I, O]) Name() string { return w.name }

// PID is the process id of the worker process.
func (w *Worker[I, O]) PID() int { return w.pid }

func (w *Worker[I, O]) State() State {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.state
}

// InFlight is the number of Run calls waiting for a response.
func (w *Worker[I, O]) InFlight() int {
	return w.registry.len()
}

func (w *Worker[I, O]) connected() bool {
	if w.State() != StateConnected {
		return false
	}
	select {
	case <-w.demux.done:
		return false
	default:
		return true
	}
}

// Run sends input to the worker and waits for its response.
//
// It fails with ErrDisconnected if the worker is gone or goes away before responding, including while the request
// is being written, with a *SendError if the request could not be sent for any other reason (such as an input that
// cannot be encoded), and with ctx.Err() if ctx is done first. Failed requests are not retried.
func (w *Worker[I, O]) Run(ctx context.Context, input I) (O, error) {
	var zero O
	name := w.name
	if !w.connected() {
		w.metrics.requests.WithLabelValues(name, resultDisconnected).Inc()
		return zero, ErrDisconnected
	}

	id := newRequestID()
	doneTx, doneRx := channel.Bounded[O](1, channel.WithClock(w.clock))
	defer doneRx.Close()
	if !w.registry.insert(id, doneTx) {
		w.metrics.requests.WithLabelValues(name, resultDisconnected).Inc()
		return zero, ErrDisconnected
	}

	inFlight := w.metrics.inFlight.WithLabelValues(name)
	inFlight.Inc()
	defer inFlight.Dec()

	msg := envelope[Request[I]]{ID: id, Msg: Request[I]{Run: &input}}
	err := task.OffloadErr(ctx, func() error {
		// not canceled with ctx, a half-written message would break the channel for every caller
		return w.requests.SendBlocking(msg)
	})
	if err != nil {
		w.forget(id)
		if ctxErr := ctx.Err(); ctxErr != nil {
			w.metrics.requests.WithLabelValues(name, resultCanceled).Inc()
			return zero, ctxErr
		}
		if errors.Is(err, channel.ErrDisconnected) {
			w.log.Debugw("worker disconnected while sending request", "RequestID", id, "Error", err)
			w.metrics.requests.WithLabelValues(name, resultDisconnected).Inc()
			return zero, ErrDisconnected
		}
		w.metrics.requests.WithLabelValues(name, resultSendError).Inc()
		return zero, &SendError{Err: err}
	}

	out, err := doneRx.Recv(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			w.forget(id)
			w.metrics.requests.WithLabelValues(name, resultCanceled).Inc()
			return zero, ctxErr
		}
		w.metrics.requests.WithLabelValues(name, resultDisconnected).Inc()
		return zero, ErrDisconnected
	}
	w.metrics.requests.WithLabelValues(name, resultOK).Inc()
	return out, nil
}

func (w *Worker[I, O]) forget(id RequestID) {
	if tx, ok := w.registry.remove(id); ok {
		tx.Close()
	}
}

// CrashError returns how the worker process ended if it went away without Shutdown being called, or nil.
// The first call that observes the crash kills and reaps the process; later calls return the same error.
func (w *Worker[I, O]) CrashError() *CrashError {
	w.crashMut.Lock()
	defer w.crashMut.Unlock()

	w.mut.Lock()
	if w.crash != nil || w.state != StateConnected {
		crash := w.crash
		w.mut.Unlock()
		return crash
	}
	select {
	case <-w.demux.done:
	default:
		w.mut.Unlock()
		return nil
	}
	proc := w.proc
	w.proc = nil
	w.state = StateCrashed
	w.mut.Unlock()

	w.demux.logPanic(w.log)
	state, err := task.Offload(context.Background(), proc.killAndReap)
	if err != nil {
		w.log.Errorw("reaping crashed worker", "Error", err)
	}
	crash := newCrashError(w.name, w.pid, state)
	w.requests.Close()
	w.hub.Close()
	w.metrics.crashes.WithLabelValues(w.name).Inc()
	w.log.Warnw("worker crashed", "Exit", crash.State, "ExitCode", crash.ExitCode, "Signal", crash.Signal)

	w.mut.Lock()
	w.crash = crash
	w.mut.Unlock()
	return crash
}

// Shutdown waits for in-flight requests to finish, then kills the worker process and reaps it.
//
// If ctx is done while requests are still in flight, Shutdown returns ctx.Err() and the worker stays usable.
// Calling Run concurrently with Shutdown can keep it waiting indefinitely.
// Shutting down a worker that crashed or was already shut down does nothing.
func (w *Worker[I, O]) Shutdown(ctx context.Context) error {
	w.mut.Lock()
	switch w.state {
	case StateCrashed, StateShutdown:
		w.mut.Unlock()
		return nil
	case StateShuttingDown:
		w.mut.Unlock()
		return errors.New("shutdown already in progress")
	}
	w.state = StateShuttingDown
	proc := w.proc
	w.mut.Unlock()

	if err := w.awaitIdle(ctx); err != nil {
		w.mut.Lock()
		w.state = StateConnected
		w.mut.Unlock()
		return fmt.Errorf("waiting for in-flight requests: %w", err)
	}

	w.log.Debug("killing worker process")
	killErr := task.OffloadErr(context.Background(), proc.kill)
	if killErr != nil {
		killErr = fmt.Errorf("killing worker process: %w", killErr)
	}

	timer := w.clock.Timer(DemuxJoinTimeout)
	select {
	case <-w.demux.done:
		timer.Stop()
		w.demux.logPanic(w.log)
	case <-timer.C:
		if killErr == nil {
			panic(fmt.Sprintf("worker %q: demultiplexer still running %s after the worker process was killed", w.name, DemuxJoinTimeout))
		}
		w.log.Errorw("abandoning demultiplexer, worker process could not be killed", "Error", killErr)
	}

	if killErr == nil {
		if _, err := task.Offload(ctx, func() (*os.ProcessState, error) { return proc.wait(context.Background()) }); err != nil {
			w.log.Warnw("worker process not reaped before shutdown returned", "Error", err)
		}
	}

	w.requests.Close()
	if err := w.hub.Close(); err != nil {
		w.log.Debugw("closing IPC hub", "Error", err)
	}

	w.mut.Lock()
	w.state = StateShutdown
	w.proc = nil
	w.mut.Unlock()
	w.log.Debug("worker shut down")
	return killErr
}

func (w *Worker[I, O]) awaitIdle(ctx context.Context) error {
	if w.registry.len() == 0 {
		return nil
	}
	ticker := w.clock.Ticker(ShutdownPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n := w.registry.len()
		if n == 0 {
			return nil
		}
		w.log.Debugw("waiting for in-flight requests", "InFlight", n)
	}
}

// Close kills the worker process without waiting for in-flight requests, which fail with ErrDisconnected.
// It is a no-op after Shutdown; calling it on a worker that was never shut down logs a warning.
func (w *Worker[I, O]) Close() error {
	w.mut.Lock()
	switch w.state {
	case StateShutdown, StateCrashed, StateShuttingDown:
		w.mut.Unlock()
		return nil
	}
	proc := w.proc
	w.proc = nil
	w.state = StateShutdown
	w.mut.Unlock()

	w.log.Warn("worker closed without shutdown, killing worker process")
	var err error
	if proc != nil {
		if _, reapErr := task.Offload(context.Background(), proc.killAndReap); reapErr != nil {
			err = reapErr
		}
	}
	w.requests.Close()
	w.hub.Close()
	return err
}
