package wsrpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nexusgate/nexusgate/internal/idgen"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server owns the WS accept loop: upgrading connections, running the
// per-connection read/write pumps, and tearing down bus subscriptions and
// in-flight operations on disconnect.
type Server struct {
	Dispatcher *Dispatcher
	Bus        *Bus

	// HandshakeMethod is the method name a fresh connection must call
	// before any other method is accepted.
	HandshakeMethod string
}

// NewServer wires a Server around dispatcher and bus.
func NewServer(dispatcher *Dispatcher, bus *Bus, handshakeMethod string) *Server {
	return &Server{Dispatcher: dispatcher, Bus: bus, HandshakeMethod: handshakeMethod}
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection
// until it closes or the request context is canceled.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("wsrpc: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := NewConn(idgen.Request(), s.HandshakeMethod)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := make(chan Frame, 64)
	c.bindTransport(ctx, send, cancel)

	grace := s.Dispatcher.HandshakeGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	graceTimer := time.AfterFunc(grace, func() {
		if !c.Authenticated() {
			slog.Info("wsrpc: handshake grace expired, closing", "conn_id", c.ID)
			cancel()
		}
	})
	defer graceTimer.Stop()

	go s.writePump(ctx, conn, send)
	s.readPump(ctx, conn, c, send)

	s.Dispatcher.Cancels().CancelConnection(c.ID)
	s.Bus.Unsubscribe(c.ID)
}

// readPump reads frames off the socket and hands each to the dispatcher in
// its own goroutine: dispatch never blocks the read loop, so a long-running
// request (chat.send draining an agent turn) can't starve the socket of a
// chat.abort sent on the same connection while it's in flight. When the
// read loop ends, the connection's context is cancelled and wg makes
// ServeHTTP's teardown wait for every in-flight dispatch to observe that
// cancellation and return before it cancels the connection's registry
// entries out from under them.
func (s *Server) readPump(ctx context.Context, wsConn *websocket.Conn, c *Conn, send chan<- Frame) {
	var wg sync.WaitGroup
	defer func() {
		c.mu.RLock()
		cancel := c.cancel
		c.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			select {
			case send <- NewErrorResponse(nil, NewError(CodeSchemaInvalid, "malformed frame")):
			case <-ctx.Done():
			}
			continue
		}

		wg.Add(1)
		go func(f Frame) {
			defer wg.Done()
			resp, ok := s.Dispatcher.Dispatch(ctx, c, f)
			if !ok {
				return
			}
			select {
			case send <- resp:
			case <-ctx.Done():
			}
		}(f)
	}
}

func (s *Server) writePump(ctx context.Context, wsConn *websocket.Conn, send <-chan Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-send:
			if !ok {
				return
			}
			if err := wsConn.WriteJSON(f); err != nil {
				return
			}
		}
	}
}
