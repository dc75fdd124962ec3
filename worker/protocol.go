package worker

import (
	"sync/atomic"

	"github.com/guseggert/workerrpc/ipc"
)

// ProtocolVersion must match between parent and worker for the handshake to proceed.
const ProtocolVersion = "workerrpc/1"

const (
	EnvVersion = "WORKERRPC_VERSION"
	EnvServer  = "WORKERRPC_SERVER"
	EnvName    = "WORKERRPC_NAME"
	EnvTimeout = "WORKERRPC_TIMEOUT"
)

// ExitVersionMismatch is the exit code of a worker launched by a parent with a different ProtocolVersion.
const ExitVersionMismatch = 86

// RequestID identifies one Run call. Ids are never reused within a process.
type RequestID uint64

var lastRequestID atomic.Uint64

func newRequestID() RequestID {
	return RequestID(lastRequestID.Add(1))
}

// Request is a message from parent to worker. Exactly one field is set.
// New message kinds are added as new optional fields, so older peers keep decoding the ones they know.
type Request[I any] struct {
	Run *I `json:"run,omitempty"`
}

// Response is a message from worker to parent. Exactly one field is set.
type Response[O any] struct {
	Out *O `json:"out,omitempty"`
}

type envelope[M any] struct {
	ID  RequestID `json:"id"`
	Msg M         `json:"msg"`
}

// handshake is the single message sent over the bootstrap channel:
// the halves of the request and response channels that belong to the worker.
type handshake[I, O any] struct {
	Requests  *ipc.Receiver[envelope[Request[I]]]  `json:"requests"`
	Responses *ipc.Sender[envelope[Response[O]]] `json:"responses"`
}
