package worker

import (
	"errors"
	"runtime/debug"
	"sync"

	"github.com/guseggert/workerrpc/channel"
	"github.com/guseggert/workerrpc/ipc"
	"go.uber.org/zap"
)

// demux tracks the goroutine that routes responses to their Run calls.
type demux struct {
	done chan struct{}

	panicked any
	stack    []byte
	logOnce  sync.Once
}

func (d *demux) logPanic(log *zap.SugaredLogger) {
	if d.panicked == nil {
		return
	}
	d.logOnce.Do(func() {
		log.Errorw("demultiplexer panicked", "Panic", d.panicked, "Stack", string(d.stack))
	})
}

func (w *Worker[I, O]) startDemux(rx *ipc.Receiver[envelope[Response[O]]]) *demux {
	d := &demux{done: make(chan struct{})}
	log := w.log.Named("demux")
	go func() {
		defer close(d.done)
		defer func() {
			if r := recover(); r != nil {
				d.panicked = r
				d.stack = debug.Stack()
				w.registry.clear()
			}
		}()
		w.demultiplex(log, rx)
	}()
	return d
}

// demultiplex delivers each response to the Run call registered under its id, until the response channel disconnects.
// On disconnect every pending Run fails with ErrDisconnected.
func (w *Worker[I, O]) demultiplex(log *zap.SugaredLogger, rx *ipc.Receiver[envelope[Response[O]]]) {
	defer rx.Close()
	for {
		msg, err := rx.RecvBlocking()
		if err != nil {
			n := w.registry.clear()
			if errors.Is(err, channel.ErrDisconnected) {
				log.Debugw("response channel disconnected", "Error", err, "Pending", n)
			} else {
				log.Errorw("receiving response", "Error", err, "Pending", n)
			}
			return
		}

		if msg.Msg.Out == nil {
			log.Errorw("protocol violation: response has no known payload", "RequestID", msg.ID)
			continue
		}
		tx, ok := w.registry.remove(msg.ID)
		if !ok {
			// the caller may also have given up on it
			log.Warnw("response for unknown request", "RequestID", msg.ID)
			continue
		}
		if err := tx.SendBlocking(*msg.Msg.Out); err != nil {
			log.Debugw("caller stopped waiting for response", "RequestID", msg.ID)
		}
		tx.Close()
	}
}
