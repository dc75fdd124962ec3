package worker

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/guseggert/workerrpc/channel"
	"github.com/guseggert/workerrpc/ipc"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/sync/errgroup"
)

// Handler computes the response to one request. It runs on its own goroutine, concurrently with other requests.
type Handler[I, O any] func(ctx context.Context, in I) O

// BootstrapContext is what a worker process learns from its environment about the parent that spawned it.
type BootstrapContext struct {
	Version string `envconfig:"WORKERRPC_VERSION"`
	Server  string `envconfig:"WORKERRPC_SERVER"`
	Name    string `envconfig:"WORKERRPC_NAME"`
}

// BootstrapFromEnv reads the bootstrap context and removes it from the environment, so processes the worker
// spawns itself do not mistake themselves for workers. It returns nil if the process was not spawned as a worker,
// which is decided by the worker name alone: a named worker with a missing version is a version mismatch.
// Call it once, early in main.
func BootstrapFromEnv() (*BootstrapContext, error) {
	var b BootstrapContext
	if err := envconfig.Process("", &b); err != nil {
		return nil, fmt.Errorf("reading worker environment: %w", err)
	}
	if b.Name == "" {
		return nil, nil
	}
	for _, k := range []string{EnvVersion, EnvServer, EnvName} {
		os.Unsetenv(k)
	}
	return &b, nil
}

// RunWorker serves requests with handler and exits the process if it was spawned as the worker called name.
// Otherwise it returns immediately, so several workers can be declared one after the other.
//
// A protocol version mismatch exits with ExitVersionMismatch. A failure to serve exits with 1,
// and an orderly disconnect from the parent exits with 0.
func RunWorker[I, O any](boot *BootstrapContext, name string, handler Handler[I, O], opts ...Option) {
	if boot == nil || boot.Name != name {
		return
	}
	o, err := newOptions(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker %q: %s\n", name, err)
		os.Exit(1)
	}
	log := o.log.Named("worker").Sugar().With("Worker", name, "PID", os.Getpid())

	if boot.Version != ProtocolVersion {
		log.Errorw("worker protocol version mismatch", "Expected", ProtocolVersion, "Got", boot.Version)
		o.log.Sync()
		os.Exit(ExitVersionMismatch)
	}

	if boot.Server == "" {
		log.Errorw("worker launched without a bootstrap channel", "Variable", EnvServer)
		o.log.Sync()
		os.Exit(1)
	}
	if err := Serve(context.Background(), boot, handler, WithLogger(o.log)); err != nil {
		log.Errorw("worker failed", "Error", err)
		o.log.Sync()
		os.Exit(1)
	}
	log.Debug("parent disconnected, exiting")
	o.log.Sync()
	os.Exit(0)
}

// Serve performs the worker side of the handshake and runs handler for every request until the parent
// disconnects the request channel. Each request gets its own goroutine; Serve waits for them before returning.
func Serve[I, O any](ctx context.Context, boot *BootstrapContext, handler Handler[I, O], opts ...Option) error {
	o, err := newOptions(opts)
	if err != nil {
		return err
	}
	log := o.log.Named("dispatch").Sugar().With("Worker", boot.Name)

	bootRx, err := ipc.ConnectOneShot[handshake[I, O]](ctx, boot.Server)
	if err != nil {
		return fmt.Errorf("connecting to parent: %w", err)
	}
	hs, err := bootRx.Recv(ctx)
	bootRx.Close()
	if err != nil {
		return fmt.Errorf("receiving handshake: %w", err)
	}
	if hs.Requests == nil || hs.Responses == nil {
		return errors.New("handshake is missing channels")
	}
	requests, responses := hs.Requests, hs.Responses
	defer requests.Close()
	defer responses.Close()
	// the parent waits for both before it considers the worker connected
	if err := requests.Connect(ctx); err != nil {
		return fmt.Errorf("connecting request channel: %w", err)
	}
	if err := responses.Connect(ctx); err != nil {
		return fmt.Errorf("connecting response channel: %w", err)
	}
	log.Debug("handshake complete")

	group, groupCtx := errgroup.WithContext(ctx)
	for {
		msg, err := requests.Recv(ctx)
		if errors.Is(err, channel.ErrDisconnected) {
			log.Debugw("request channel disconnected", "Error", err)
			break
		}
		if err != nil {
			group.Wait()
			return fmt.Errorf("receiving request: %w", err)
		}
		if msg.Msg.Run == nil {
			log.Errorw("protocol violation: request has no known payload", "RequestID", msg.ID)
			continue
		}

		id, input := msg.ID, *msg.Msg.Run
		group.Go(func() error {
			out := handler(groupCtx, input)
			rsp := envelope[Response[O]]{ID: id, Msg: Response[O]{Out: &out}}
			if err := responses.SendBlocking(rsp); err != nil {
				// the parent is going away, the request loop will see it too
				log.Debugw("sending response", "RequestID", id, "Error", err)
			}
			return nil
		})
	}
	return group.Wait()
}

