package ipc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// newDialLink builds the dial side of a channel half received from another process.
func newDialLink(h handle) *link {
	log := zap.L().Named("ipc_dialer").Sugar()
	l := newLink(log, h)
	l.dial = func(ctx context.Context) (*websocket.Conn, error) {
		return dialHandle(ctx, log, h)
	}
	return l
}

func newHTTPClient(log *zap.SugaredLogger, socketPath string) *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	// The URL host is ignored, every connection goes to the hub socket.
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", socketPath)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext: dialCtx,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: log}

	return retryClient.StandardClient()
}

func dialHandle(ctx context.Context, log *zap.SugaredLogger, h handle) (*websocket.Conn, error) {
	u := "http://ipc" + h.path()
	log.Debugw("dialing WebSocket for channel", "Socket", h.Socket, "Channel", h.ID)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      newHTTPClient(log, h.Socket),
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn to channel: %w", err)
	}
	return conn, nil
}
