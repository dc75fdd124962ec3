package ipc

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Hub serves the hub side of IPC channels on a unix domain socket.
// Peers in other processes dial it to attach to the endpoints created with NewChannel and NewOneShot.
type Hub struct {
	log        *zap.SugaredLogger
	dir        string
	socketPath string
	listener   net.Listener
	httpServer *http.Server

	mut       sync.Mutex
	closed    bool
	endpoints map[string]*link
}

type Option func(h *Hub)

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		h.log = l.Named("ipc_hub").Sugar()
	}
}

// Listen starts a hub on a fresh socket that only the current user can connect to.
func Listen(opts ...Option) (*Hub, error) {
	h := &Hub{
		log:       zap.L().Named("ipc_hub").Sugar(),
		endpoints: map[string]*link{},
	}
	for _, o := range opts {
		o(h)
	}

	dir, err := os.MkdirTemp("", "workerrpc-")
	if err != nil {
		return nil, fmt.Errorf("creating socket dir: %w", err)
	}
	h.dir = dir
	h.socketPath = filepath.Join(dir, "ipc.sock")

	listener, err := net.Listen("unix", h.socketPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("listening on unix socket: %w", err)
	}
	if err := os.Chmod(h.socketPath, 0600); err != nil {
		listener.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("restricting socket permissions: %w", err)
	}
	h.listener = listener

	router := httprouter.New()
	router.GET("/chan/:id", h.accept)
	h.httpServer = &http.Server{Handler: router}

	go func() {
		err := h.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Errorw("hub server stopped", "Error", err)
		}
	}()

	h.log.Debugw("hub listening", "Socket", h.socketPath)
	return h, nil
}

// SocketPath is the path of the unix socket the hub listens on.
func (h *Hub) SocketPath() string {
	return h.socketPath
}

func (h *Hub) register() (*link, error) {
	h.mut.Lock()
	defer h.mut.Unlock()
	if h.closed {
		return nil, errors.New("hub is closed")
	}
	id := uuid.NewString()
	l := newLink(h.log, handle{Socket: h.socketPath, ID: id})
	l.onClose = func() {
		h.mut.Lock()
		delete(h.endpoints, id)
		h.mut.Unlock()
	}
	h.endpoints[id] = l
	return l, nil
}

func (h *Hub) lookup(id string) (*link, bool) {
	h.mut.Lock()
	defer h.mut.Unlock()
	l, ok := h.endpoints[id]
	return l, ok
}

func (h *Hub) accept(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	l, ok := h.lookup(id)
	if !ok {
		http.Error(w, "no such channel", http.StatusNotFound)
		return
	}
	if !l.claim() {
		http.Error(w, "channel already connected", http.StatusConflict)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.log.Debugf("error accepting WebSocket conn: %s", err)
		l.close(err)
		return
	}
	h.log.Debugw("accepted channel conn", "Channel", id)

	if !l.attach(conn) {
		return
	}
	// the connection lives as long as the endpoint
	<-l.done
}

// AbandonPending disconnects every endpoint whose peer never connected, with the given cause.
// It is meant for when the peer process is known to be gone, so nothing waits for a connection that cannot come.
func (h *Hub) AbandonPending(cause error) {
	h.mut.Lock()
	var pending []*link
	for _, l := range h.endpoints {
		if !l.claimed.Load() {
			pending = append(pending, l)
		}
	}
	h.mut.Unlock()

	for _, l := range pending {
		l.close(cause)
	}
}

// Close disconnects every endpoint, stops the server and removes the socket.
func (h *Hub) Close() error {
	h.mut.Lock()
	if h.closed {
		h.mut.Unlock()
		return nil
	}
	h.closed = true
	endpoints := make([]*link, 0, len(h.endpoints))
	for _, l := range h.endpoints {
		endpoints = append(endpoints, l)
	}
	h.mut.Unlock()

	for _, l := range endpoints {
		l.close(nil)
	}
	err := h.httpServer.Close()
	if rmErr := os.RemoveAll(h.dir); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
