package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLog *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	testLog = l
}

type job struct {
	Token string
	Delay time.Duration
	Hang  bool
	Crash bool
}

type result struct {
	Token string
	PID   int
}

func handle(ctx context.Context, j job) result {
	time.Sleep(j.Delay)
	if j.Crash {
		os.Exit(3)
	}
	if j.Hang {
		<-ctx.Done()
	}
	return result{Token: j.Token, PID: os.Getpid()}
}

// TestMain doubles as the worker process: the tests spawn their own binary as a worker.
func TestMain(m *testing.M) {
	boot, err := BootstrapFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if boot != nil {
		runTestWorker(boot)
		os.Exit(2)
	}
	os.Exit(m.Run())
}

func runTestWorker(boot *BootstrapContext) {
	opts := []Option{WithLogger(testLog)}
	switch boot.Name {
	case "stall":
		time.Sleep(time.Hour)
	case "old-protocol":
		boot.Version = "workerrpc/0"
		RunWorker(boot, "old-protocol", handle, opts...)
	}
	RunWorker(boot, "echo", handle, opts...)
}

func startEcho(t *testing.T, opts ...Option) *Worker[job, result] {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	opts = append([]Option{WithLogger(testLog), WithRegisterer(prometheus.NewRegistry())}, opts...)
	w, err := Start[job, result](ctx, "echo", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func processGone(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return p.Signal(syscall.Signal(0)) != nil
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunRoundTrip(t *testing.T) {
	ctx := testCtx(t)
	w := startEcho(t)
	assert.Equal(t, StateConnected, w.State())
	assert.Equal(t, "echo", w.Name())

	res, err := w.Run(ctx, job{Token: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Token)
	assert.Equal(t, w.PID(), res.PID)
	assert.NotEqual(t, os.Getpid(), res.PID)

	assert.Equal(t, 1.0, testutil.ToFloat64(w.metrics.requests.WithLabelValues("echo", resultOK)))
	assert.Equal(t, 0.0, testutil.ToFloat64(w.metrics.inFlight.WithLabelValues("echo")))

	require.NoError(t, w.Shutdown(ctx))
	assert.True(t, processGone(res.PID))
}

func TestRunConcurrentRequestsMatchResponses(t *testing.T) {
	ctx := testCtx(t)
	w := startEcho(t)

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		token := fmt.Sprintf("token-%d", i)
		delay := time.Duration(rand.Intn(20)) * time.Millisecond
		go func() {
			defer wg.Done()
			res, err := w.Run(ctx, job{Token: token, Delay: delay})
			if assert.NoError(t, err) {
				assert.Equal(t, token, res.Token)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, w.InFlight())
	assert.Equal(t, float64(n), testutil.ToFloat64(w.metrics.requests.WithLabelValues("echo", resultOK)))
	require.NoError(t, w.Shutdown(ctx))
}

func TestRunSameInputTwice(t *testing.T) {
	ctx := testCtx(t)
	w := startEcho(t)

	first, err := w.Run(ctx, job{Token: "again"})
	require.NoError(t, err)
	second, err := w.Run(ctx, job{Token: "again"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.NoError(t, w.Shutdown(ctx))
}

func TestRunContextCanceled(t *testing.T) {
	w := startEcho(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := w.Run(ctx, job{Hang: true})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, w.InFlight())

	// the worker is still usable
	res, err := w.Run(testCtx(t), job{Token: "after"})
	require.NoError(t, err)
	assert.Equal(t, "after", res.Token)
}

func TestShutdownIdleIsPrompt(t *testing.T) {
	ctx := testCtx(t)
	w := startEcho(t)
	pid := w.PID()

	start := time.Now()
	require.NoError(t, w.Shutdown(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateShutdown, w.State())
	assert.True(t, processGone(pid))
	assert.Nil(t, w.CrashError())

	_, err := w.Run(ctx, job{Token: "late"})
	require.ErrorIs(t, err, ErrDisconnected)

	require.NoError(t, w.Shutdown(ctx))
	require.NoError(t, w.Close())
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	ctx := testCtx(t)
	w := startEcho(t)

	type runResult struct {
		res result
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		res, err := w.Run(ctx, job{Token: "slow", Delay: 300 * time.Millisecond})
		done <- runResult{res, err}
	}()
	require.Eventually(t, func() bool { return w.InFlight() == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, w.Shutdown(ctx))
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "slow", r.res.Token)
}

func TestShutdownContextCanceled(t *testing.T) {
	w := startEcho(t)

	hung := make(chan error, 1)
	go func() {
		_, err := w.Run(context.Background(), job{Hang: true})
		hung <- err
	}()
	require.Eventually(t, func() bool { return w.InFlight() == 1 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, w.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateConnected, w.State())

	res, err := w.Run(testCtx(t), job{Token: "still here"})
	require.NoError(t, err)
	assert.Equal(t, "still here", res.Token)

	require.NoError(t, w.Close())
	require.ErrorIs(t, <-hung, ErrDisconnected)
}

func TestCrashFailsInFlightRequests(t *testing.T) {
	ctx := testCtx(t)
	w := startEcho(t)
	assert.Nil(t, w.CrashError())

	const k = 5
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		go func() {
			_, err := w.Run(ctx, job{Hang: true})
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return w.InFlight() == k }, 5*time.Second, time.Millisecond)

	// the delay lets the hanging requests reach the worker before it dies
	_, err := w.Run(ctx, job{Crash: true, Delay: 200 * time.Millisecond})
	require.ErrorIs(t, err, ErrDisconnected)
	for i := 0; i < k; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrDisconnected)
		case <-ctx.Done():
			t.Fatal("in-flight request never resolved")
		}
	}

	var crash *CrashError
	require.Eventually(t, func() bool {
		crash = w.CrashError()
		return crash != nil
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 3, crash.ExitCode)
	assert.Equal(t, w.PID(), crash.PID)
	assert.Same(t, crash, w.CrashError())
	assert.Equal(t, StateCrashed, w.State())
	assert.True(t, processGone(w.PID()))
	assert.Equal(t, 1.0, testutil.ToFloat64(w.metrics.crashes.WithLabelValues("echo")))

	_, err = w.Run(ctx, job{Token: "after crash"})
	require.ErrorIs(t, err, ErrDisconnected)
	require.NoError(t, w.Shutdown(ctx))
}

func TestCloseWithoutShutdown(t *testing.T) {
	w := startEcho(t)
	pid := w.PID()

	hung := make(chan error, 1)
	go func() {
		_, err := w.Run(context.Background(), job{Hang: true})
		hung <- err
	}()
	require.Eventually(t, func() bool { return w.InFlight() == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, w.Close())
	assert.True(t, processGone(pid))
	require.ErrorIs(t, <-hung, ErrDisconnected)
	assert.Equal(t, StateShutdown, w.State())
}

func TestStartHandshakeTimeout(t *testing.T) {
	t.Setenv(EnvTimeout, "1")
	ctx := testCtx(t)

	start := time.Now()
	_, err := Start[job, result](ctx, "stall", WithLogger(testLog), WithRegisterer(prometheus.NewRegistry()))
	elapsed := time.Since(start)

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 5*time.Second)
	assert.True(t, connErr.Exited)
	assert.True(t, processGone(connErr.PID))
}

func TestStartHandshakeTimeoutOption(t *testing.T) {
	ctx := testCtx(t)

	start := time.Now()
	_, err := Start[job, result](ctx, "stall",
		WithLogger(testLog),
		WithRegisterer(prometheus.NewRegistry()),
		WithHandshakeTimeout(200*time.Millisecond),
	)
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStartVersionMismatch(t *testing.T) {
	ctx := testCtx(t)

	start := time.Now()
	_, err := Start[job, result](ctx, "old-protocol", WithLogger(testLog), WithRegisterer(prometheus.NewRegistry()))

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.Exited)
	assert.Equal(t, ExitVersionMismatch, connErr.ExitCode)
	// the worker exits right away, so this fails well before the handshake timeout
	assert.Less(t, time.Since(start), DefaultHandshakeTimeout)
}

func TestStartUnknownWorkerName(t *testing.T) {
	ctx := testCtx(t)

	_, err := Start[job, result](ctx, "nobody", WithLogger(testLog), WithRegisterer(prometheus.NewRegistry()))
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 2, connErr.ExitCode)
}

func TestStartMissingExecutable(t *testing.T) {
	ctx := testCtx(t)

	_, err := StartOther[job, result](ctx, "echo", "/nonexistent/workerrpc", nil, nil,
		WithLogger(testLog), WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
	var connErr *ConnectError
	assert.False(t, errors.As(err, &connErr))
}

func TestWorkersShareRegistry(t *testing.T) {
	ctx := testCtx(t)
	reg := prometheus.NewRegistry()
	a := startEcho(t, WithRegisterer(reg))
	b := startEcho(t, WithRegisterer(reg))

	_, err := a.Run(ctx, job{})
	require.NoError(t, err)
	_, err = b.Run(ctx, job{})
	require.NoError(t, err)

	assert.Same(t, a.metrics.requests, b.metrics.requests)
	assert.Equal(t, 2.0, testutil.ToFloat64(a.metrics.requests.WithLabelValues("echo", resultOK)))
}

func TestKilledWorkerFailsInFlightRequest(t *testing.T) {
	w := startEcho(t)

	hung := make(chan error, 1)
	go func() {
		_, err := w.Run(context.Background(), job{Hang: true})
		hung <- err
	}()
	require.Eventually(t, func() bool { return w.InFlight() == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, syscall.Kill(w.PID(), syscall.SIGKILL))
	require.ErrorIs(t, <-hung, ErrDisconnected)

	var crash *CrashError
	require.Eventually(t, func() bool {
		crash = w.CrashError()
		return crash != nil
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, "killed", crash.Signal)
	assert.Equal(t, -1, crash.ExitCode)
}

func TestKilledWorkerRightAfterStart(t *testing.T) {
	for i := 0; i < 10; i++ {
		w := startEcho(t)
		errs := make(chan error, 1)
		go func() {
			_, err := w.Run(context.Background(), job{Hang: true})
			errs <- err
		}()
		require.NoError(t, syscall.Kill(w.PID(), syscall.SIGKILL))
		require.ErrorIs(t, <-errs, ErrDisconnected)
	}
}

func TestRunUnencodableInputIsSendError(t *testing.T) {
	ctx := testCtx(t)
	w, err := Start[chan int, result](ctx, "echo", WithLogger(testLog), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	_, err = w.Run(ctx, make(chan int))
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.NotErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, 0, w.InFlight())
	assert.Equal(t, StateConnected, w.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(w.metrics.requests.WithLabelValues("echo", resultSendError)))

	require.NoError(t, w.Shutdown(ctx))
}

func TestStateString(t *testing.T) {
	var s State
	assert.Equal(t, StateStarting, s)
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "crashed", StateCrashed.String())
	assert.Equal(t, "shutting down", StateShuttingDown.String())
	assert.Equal(t, "shutdown", StateShutdown.String())
	assert.Equal(t, "State(42)", State(42).String())
}
