package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/guseggert/workerrpc/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

type echoRequest struct {
	Seq     int
	Payload string
	Crash   bool
}

type echoResponse struct {
	Seq     int
	Payload string
	PID     int
}

func echo(ctx context.Context, req echoRequest) echoResponse {
	if req.Crash {
		os.Exit(3)
	}
	return echoResponse{Seq: req.Seq, Payload: req.Payload, PID: os.Getpid()}
}

func main() {
	boot, err := worker.BootstrapFromEnv()
	if err != nil {
		log.Fatal(err)
	}
	worker.RunWorker(boot, "echo", echo)

	app := &cli.App{
		Name:  "workerrpc",
		Usage: "exercise request/response RPC against a worker process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.DurationFlag{
				Name:  "handshake-timeout",
				Usage: "How long to wait for the worker handshake. Defaults to $WORKERRPC_TIMEOUT seconds, or 10s.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "echo",
				Usage: "send concurrent requests to an echo worker and check every response",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "requests",
						Usage: "Number of requests to send.",
						Value: 1000,
					},
					&cli.IntFlag{
						Name:  "concurrency",
						Usage: "Number of requests in flight at once.",
						Value: 16,
					},
				},
				Action: runEcho,
			},
			{
				Name:   "crash",
				Usage:  "crash an echo worker mid-request and report how it ended",
				Action: runCrash,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func workerOptions(ctx *cli.Context) ([]worker.Option, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(ctx.String("log-level"))); err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	opts := []worker.Option{worker.WithLogger(logger)}
	if d := ctx.Duration("handshake-timeout"); d > 0 {
		opts = append(opts, worker.WithHandshakeTimeout(d))
	}
	return opts, nil
}

func runEcho(ctx *cli.Context) error {
	requests := ctx.Int("requests")
	concurrency := ctx.Int("concurrency")
	if requests < 1 || concurrency < 1 {
		return errors.New("requests and concurrency must be positive")
	}
	opts, err := workerOptions(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	w, err := worker.Start[echoRequest, echoResponse](ctx.Context, "echo", opts...)
	if err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	defer w.Close()
	fmt.Printf("worker pid %d connected in %s\n", w.PID(), time.Since(start).Round(time.Microsecond))

	var mut sync.Mutex
	latencies := make([]time.Duration, 0, requests)

	group, groupCtx := errgroup.WithContext(ctx.Context)
	group.SetLimit(concurrency)
	start = time.Now()
	for i := 0; i < requests; i++ {
		req := echoRequest{Seq: i, Payload: fmt.Sprintf("payload-%d", i)}
		group.Go(func() error {
			reqStart := time.Now()
			res, err := w.Run(groupCtx, req)
			if err != nil {
				return fmt.Errorf("request %d: %w", req.Seq, err)
			}
			if res.Seq != req.Seq || res.Payload != req.Payload {
				return fmt.Errorf("request %d got the response to request %d", req.Seq, res.Seq)
			}
			mut.Lock()
			latencies = append(latencies, time.Since(reqStart))
			mut.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pct := func(p float64) time.Duration { return latencies[int(p*float64(len(latencies)-1))] }
	fmt.Printf("%d requests in %s (%.0f req/s)\n", requests, elapsed.Round(time.Millisecond), float64(requests)/elapsed.Seconds())
	fmt.Printf("latency p50=%s p90=%s p99=%s max=%s\n", pct(0.5), pct(0.9), pct(0.99), latencies[len(latencies)-1])

	if err := w.Shutdown(ctx.Context); err != nil {
		return fmt.Errorf("shutting down worker: %w", err)
	}
	return nil
}

func runCrash(ctx *cli.Context) error {
	opts, err := workerOptions(ctx)
	if err != nil {
		return err
	}
	w, err := worker.Start[echoRequest, echoResponse](ctx.Context, "echo", opts...)
	if err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	defer w.Close()

	if _, err := w.Run(ctx.Context, echoRequest{Payload: "before"}); err != nil {
		return fmt.Errorf("sending first request: %w", err)
	}

	_, err = w.Run(ctx.Context, echoRequest{Crash: true})
	if !errors.Is(err, worker.ErrDisconnected) {
		return fmt.Errorf("expected the crashing request to fail with %q, got %v", worker.ErrDisconnected, err)
	}

	var crash *worker.CrashError
	for crash == nil {
		crash = w.CrashError()
		time.Sleep(time.Millisecond)
	}
	fmt.Printf("worker crashed: %s (exit code %d)\n", crash.State, crash.ExitCode)

	_, err = w.Run(ctx.Context, echoRequest{Payload: "after"})
	fmt.Printf("request after crash: %v\n", err)
	return nil
}
