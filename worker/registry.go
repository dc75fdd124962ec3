package worker

import (
	"sync"

	"github.com/guseggert/workerrpc/channel"
)

// registry maps in-flight request ids to the completion channel of the Run call waiting on them.
// Once cleared it stays closed, so a Run that races with a disconnect cannot register into a registry nobody will drain.
type registry[O any] struct {
	mut     sync.Mutex
	closed  bool
	pending map[RequestID]*channel.Sender[O]
}

func newRegistry[O any]() *registry[O] {
	return &registry[O]{pending: map[RequestID]*channel.Sender[O]{}}
}

func (r *registry[O]) insert(id RequestID, tx *channel.Sender[O]) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.closed {
		return false
	}
	r.pending[id] = tx
	return true
}

func (r *registry[O]) remove(id RequestID) (*channel.Sender[O], bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	tx, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return tx, ok
}

// clear closes the registry and every completion channel in it, so their callers see a disconnect.
// It returns how many requests were pending.
func (r *registry[O]) clear() int {
	r.mut.Lock()
	pending := r.pending
	r.pending = map[RequestID]*channel.Sender[O]{}
	r.closed = true
	r.mut.Unlock()

	for _, tx := range pending {
		tx.Close()
	}
	return len(pending)
}

func (r *registry[O]) len() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.pending)
}
