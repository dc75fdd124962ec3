package worker

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"

	"github.com/guseggert/workerrpc/channel"
	"github.com/guseggert/workerrpc/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeParent plays the parent side of the handshake in-process.
type fakeParent struct {
	requests  *ipc.Sender[envelope[Request[job]]]
	responses *ipc.Receiver[envelope[Response[result]]]
}

func serveInProcess(t *testing.T, ctx context.Context, handler Handler[job, result]) (*fakeParent, <-chan error) {
	hub, err := ipc.Listen(ipc.WithLogger(testLog))
	require.NoError(t, err)
	t.Cleanup(func() { hub.Close() })

	boot, name, err := ipc.NewOneShot[handshake[job, result]](hub)
	require.NoError(t, err)
	defer boot.Close()

	serveErr := make(chan error, 1)
	go func() {
		b := &BootstrapContext{Version: ProtocolVersion, Server: name, Name: "echo"}
		serveErr <- Serve(ctx, b, handler, WithLogger(testLog))
	}()

	bootTx, err := boot.Accept(ctx)
	require.NoError(t, err)
	reqTx, reqRx, err := ipc.NewChannel[envelope[Request[job]]](hub)
	require.NoError(t, err)
	rspTx, rspRx, err := ipc.NewChannel[envelope[Response[result]]](hub)
	require.NoError(t, err)
	require.NoError(t, bootTx.Send(ctx, handshake[job, result]{Requests: reqRx, Responses: rspTx}))

	p := &fakeParent{requests: reqTx, responses: rspRx}
	t.Cleanup(func() {
		reqTx.Close()
		rspRx.Close()
	})
	return p, serveErr
}

func (p *fakeParent) send(t *testing.T, ctx context.Context, id RequestID, j job) {
	require.NoError(t, p.requests.Send(ctx, envelope[Request[job]]{ID: id, Msg: Request[job]{Run: &j}}))
}

func TestServeHandlesRequestsConcurrently(t *testing.T) {
	ctx := testCtx(t)
	release := make(chan struct{})
	handler := func(ctx context.Context, j job) result {
		if j.Token == "first" {
			<-release
		}
		return result{Token: j.Token}
	}
	p, serveErr := serveInProcess(t, ctx, handler)

	p.send(t, ctx, 1, job{Token: "first"})
	p.send(t, ctx, 2, job{Token: "second"})

	// the second request is answered while the first is still blocked
	rsp, err := p.responses.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, RequestID(2), rsp.ID)
	assert.Equal(t, "second", rsp.Msg.Out.Token)

	close(release)
	rsp, err = p.responses.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, RequestID(1), rsp.ID)
	assert.Equal(t, "first", rsp.Msg.Out.Token)

	p.requests.Close()
	require.NoError(t, <-serveErr)

	_, err = p.responses.Recv(ctx)
	require.ErrorIs(t, err, channel.ErrDisconnected)
}

func TestServeSkipsUnknownRequests(t *testing.T) {
	ctx := testCtx(t)
	p, serveErr := serveInProcess(t, ctx, func(ctx context.Context, j job) result { return result{Token: j.Token} })

	require.NoError(t, p.requests.Send(ctx, envelope[Request[job]]{ID: 1}))
	p.send(t, ctx, 2, job{Token: "known"})

	rsp, err := p.responses.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, RequestID(2), rsp.ID)

	p.requests.Close()
	require.NoError(t, <-serveErr)
}

func TestServeWaitsForHandlers(t *testing.T) {
	ctx := testCtx(t)
	started := make(chan struct{})
	release := make(chan struct{})
	p, serveErr := serveInProcess(t, ctx, func(ctx context.Context, j job) result {
		close(started)
		<-release
		return result{Token: j.Token}
	})

	p.send(t, ctx, 1, job{Token: "slow"})
	<-started
	p.requests.Close()

	select {
	case err := <-serveErr:
		t.Fatalf("Serve returned with a handler still running: %v", err)
	default:
	}
	close(release)
	require.NoError(t, <-serveErr)
}

func TestServeUnknownBootstrap(t *testing.T) {
	ctx := testCtx(t)
	hub, err := ipc.Listen(ipc.WithLogger(testLog))
	require.NoError(t, err)
	defer hub.Close()

	b := &BootstrapContext{Version: ProtocolVersion, Server: hub.SocketPath() + "#missing", Name: "echo"}
	err = Serve(ctx, b, func(ctx context.Context, j job) result { return result{} }, WithLogger(testLog))
	require.Error(t, err)
	assert.True(t, errors.Is(err, channel.ErrDisconnected))
}

func TestBootstrapFromEnv(t *testing.T) {
	b, err := BootstrapFromEnv()
	require.NoError(t, err)
	assert.Nil(t, b)

	t.Setenv(EnvVersion, ProtocolVersion)
	t.Setenv(EnvServer, "/tmp/sock#id")
	b, err = BootstrapFromEnv()
	require.NoError(t, err)
	assert.Nil(t, b, "no worker name")

	t.Setenv(EnvName, "echo")
	b, err = BootstrapFromEnv()
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, BootstrapContext{Version: ProtocolVersion, Server: "/tmp/sock#id", Name: "echo"}, *b)

	for _, k := range []string{EnvVersion, EnvServer, EnvName} {
		_, ok := os.LookupEnv(k)
		assert.False(t, ok, k)
	}
}

func TestBootstrapFromEnvMissingVersion(t *testing.T) {
	t.Setenv(EnvServer, "/tmp/sock#id")
	t.Setenv(EnvName, "echo")

	b, err := BootstrapFromEnv()
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Empty(t, b.Version)
}

func TestRunWorkerMissingVersionExits(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), EnvServer+"=/nonexistent/ipc.sock#id", EnvName+"=echo")
	err = cmd.Run()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitVersionMismatch, exitErr.ExitCode())
}

func TestRunWorkerIgnoresOtherNames(t *testing.T) {
	RunWorker(nil, "echo", handle)
	RunWorker(&BootstrapContext{Version: ProtocolVersion, Name: "other"}, "echo", handle)
}
