package worker

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type options struct {
	log              *zap.Logger
	handshakeTimeout time.Duration
	registerer       prometheus.Registerer
	clock            clock.Clock
	stdout           io.Writer
	stderr           io.Writer
}

type Option func(o *options)

// WithLogger sets the logger. The default is a zap production logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithHandshakeTimeout overrides the handshake timeout from the environment.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithRegisterer registers the worker metrics with r instead of prometheus.DefaultRegisterer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithClock sets the clock used for shutdown polling, mostly so tests can use a mock clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithOutput sets where the worker process's stdout and stderr go. By default they are inherited.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(o *options) {
		o.stdout = stdout
		o.stderr = stderr
	}
}

func newOptions(opts []Option) (*options, error) {
	o := &options{
		registerer: prometheus.DefaultRegisterer,
		clock:      clock.New(),
		stdout:     os.Stdout,
		stderr:     os.Stderr,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		l, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		o.log = l
	}
	return o, nil
}
