package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/workerrpc/channel"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const dialTimeout = 10 * time.Second

// link is one end of a channel's WebSocket connection.
// Hub-side links are attached when the peer dials in; dial-side links connect on first use.
type link struct {
	log    *zap.SugaredLogger
	handle handle
	dial   func(ctx context.Context) (*websocket.Conn, error)

	ctx    context.Context
	cancel func()

	claimed  atomic.Bool
	dialOnce sync.Once

	readyOnce sync.Once
	ready     chan struct{}
	conn      *websocket.Conn
	err       error

	closeOnce sync.Once
	done      chan struct{}
	cause     error
	onClose   func()
}

func newLink(log *zap.SugaredLogger, h handle) *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		log:    log,
		handle: h,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// claim reserves the link for the single peer allowed to connect to it.
func (l *link) claim() bool {
	select {
	case <-l.done:
		return false
	default:
	}
	return l.claimed.CompareAndSwap(false, true)
}

func (l *link) attach(conn *websocket.Conn) bool {
	conn.SetReadLimit(maxMessageSize)
	attached := false
	l.readyOnce.Do(func() {
		l.conn = conn
		attached = true
		close(l.ready)
	})
	if !attached {
		go conn.Close(websocket.StatusGoingAway, "channel closed")
	}
	return attached
}

func (l *link) fail(err error) {
	l.readyOnce.Do(func() {
		l.err = err
		close(l.ready)
	})
}

func (l *link) connect() {
	ctx, cancel := context.WithTimeout(l.ctx, dialTimeout)
	defer cancel()
	conn, err := l.dial(ctx)
	if err != nil {
		l.log.Debugw("dialing channel failed", "Channel", l.handle.ID, "Error", err)
		l.fail(channel.Disconnected(err))
		return
	}
	l.attach(conn)
}

// get returns the connection, waiting for the peer to dial in (hub side) or dialing it (dial side).
func (l *link) get(ctx context.Context) (*websocket.Conn, error) {
	if l.dial != nil {
		l.dialOnce.Do(func() { go l.connect() })
	}
	select {
	case <-l.ready:
		if l.err != nil {
			return nil, l.err
		}
		return l.conn, nil
	case <-l.done:
	case <-ctx.Done():
		// close cancels the link's own context, so a closed link must win over ctx
		select {
		case <-l.done:
		default:
			return nil, ctx.Err()
		}
	}
	return nil, channel.Disconnected(l.cause)
}

// write encodes v before touching the connection, so a value that cannot be encoded fails alone
// instead of breaking the channel.
func (l *link) write(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	conn, err := l.get(ctx)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		return l.broken(ctx, err)
	}
	return nil
}

func (l *link) read(ctx context.Context, v any) error {
	conn, err := l.get(ctx)
	if err != nil {
		return err
	}
	if err := wsjson.Read(ctx, conn, v); err != nil {
		return l.broken(ctx, err)
	}
	return nil
}

// broken converts a WebSocket error into a channel error and tears the link down.
func (l *link) broken(ctx context.Context, err error) error {
	select {
	case <-l.done:
		return channel.Disconnected(l.cause)
	default:
	}
	if ctx.Err() != nil {
		l.close(ctx.Err())
		return ctx.Err()
	}

	var cause error
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
	default:
		if !errors.Is(err, io.EOF) {
			cause = err
		}
	}
	l.log.Debugw("channel connection ended", "Channel", l.handle.ID, "Error", err)
	l.close(cause)
	return channel.Disconnected(cause)
}

// close disconnects the link. A nil cause is an orderly close.
func (l *link) close(cause error) {
	l.closeOnce.Do(func() {
		l.cause = cause
		close(l.done)
		l.fail(channel.Disconnected(cause))
		l.cancel()
		if conn := l.conn; conn != nil {
			code, reason := websocket.StatusNormalClosure, ""
			if cause != nil {
				code, reason = websocket.StatusGoingAway, cause.Error()
			}
			// websocket reason can't be above 123 chars
			if len(reason) > 100 {
				reason = reason[0:100]
			}
			go func() {
				if err := conn.Close(code, reason); err != nil {
					l.log.Debugf("error closing conn: %s", err)
				}
			}()
		}
		if l.onClose != nil {
			l.onClose()
		}
	})
}
