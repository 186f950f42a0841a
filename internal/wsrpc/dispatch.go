package wsrpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// HandlerFunc implements one JSON-RPC method. It receives the raw params
// payload and returns either a result (marshaled into the response) or an
// *Error. ctx is canceled if the caller disconnects or issues chat.abort
// for this request.
type HandlerFunc func(ctx context.Context, conn *Conn, params json.RawMessage) (any, *Error)

// Dispatcher holds the method → handler table, built once at startup via
// Register calls (no reflection — every route is an explicit entry,
// generalizing the teacher's single `switch request.Method` into a map so
// new methods are added without touching the dispatch loop itself).
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	// HandshakeGrace bounds how long an unauthenticated connection may
	// stay open before any non-handshake frame is rejected and the
	// socket closed.
	HandshakeGrace time.Duration

	cancels *CancelRegistry
}

// NewDispatcher builds an empty Dispatcher with the given handshake grace
// window.
func NewDispatcher(handshakeGrace time.Duration) *Dispatcher {
	return &Dispatcher{
		handlers:       make(map[string]HandlerFunc),
		HandshakeGrace: handshakeGrace,
		cancels:        NewCancelRegistry(),
	}
}

// Register adds method to the dispatch table. Calling Register twice for
// the same method replaces the handler (used by tests); production startup
// registers each method exactly once.
func (d *Dispatcher) Register(method string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
}

// Cancels exposes the dispatcher's cancellation registry so chat.abort
// handlers and the connection's disconnect path can cancel in-flight
// operations.
func (d *Dispatcher) Cancels() *CancelRegistry { return d.cancels }

// Dispatch routes one inbound Frame for conn. For a request it returns the
// response Frame to send back; for a notification it returns the zero
// Frame (nothing to send). Handshake enforcement: any frame besides the
// conn's designated handshake method is rejected with Unauthenticated
// until conn.Authenticated() is true.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *Conn, f Frame) (Frame, bool) {
	if !conn.Authenticated() && f.Method != conn.HandshakeMethod {
		if f.IsRequest() {
			return NewErrorResponse(f.ID, NewError(CodeUnauthenticated, "handshake required")), true
		}
		return Frame{}, false
	}

	d.mu.RLock()
	h, ok := d.handlers[f.Method]
	d.mu.RUnlock()
	if !ok {
		if f.IsRequest() {
			return NewErrorResponse(f.ID, NewError(CodeNotFound, "unknown method: "+f.Method)), true
		}
		return Frame{}, false
	}

	reqCtx := ctx
	var cleanup func()
	if f.IsRequest() {
		key := CancelKey{ConnID: conn.ID, RequestID: string(f.ID)}
		reqCtx, cleanup = d.cancels.Register(ctx, key, CancelKey{})
		defer cleanup()
	}

	result, rpcErr := h(reqCtx, conn, f.Params)

	if !f.IsRequest() {
		return Frame{}, false
	}
	if rpcErr != nil {
		return NewErrorResponse(f.ID, rpcErr), true
	}
	return NewResponse(f.ID, result), true
}

// Abort cancels the operation identified by (connID, requestID), the
// handler for chat.abort.
func (d *Dispatcher) Abort(connID, requestID string) {
	d.cancels.Cancel(CancelKey{ConnID: connID, RequestID: requestID})
}

// Conn is the dispatcher's view of one WebSocket connection: identity,
// handshake state, and the bus subscription it registered on accept.
type Conn struct {
	ID              string
	HandshakeMethod string

	mu            sync.RWMutex
	authenticated bool
	UserID        string

	ctx    context.Context
	send   chan<- Frame
	cancel context.CancelFunc
}

// NewConn builds a Conn awaiting handshake via handshakeMethod (e.g.
// "auth.handshake").
func NewConn(id, handshakeMethod string) *Conn {
	return &Conn{ID: id, HandshakeMethod: handshakeMethod}
}

// bindTransport wires the connection to the socket plumbing backing it: the
// outbound frame queue and the cancel func that tears the socket down. It is
// called once, from Server.ServeHTTP, before the read/write pumps start.
func (c *Conn) bindTransport(ctx context.Context, send chan<- Frame, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
	c.send = send
	c.cancel = cancel
}

// Authenticate marks the connection authenticated as userID.
func (c *Conn) Authenticate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.UserID = userID
}

// Authenticated reports whether the connection completed its handshake.
func (c *Conn) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// Notify pushes a one-way notification frame onto this connection's own
// outbound queue — the path a long-running request (chat.send) uses to
// stream its own turn's events back to the caller that issued it, ahead of
// (and independent of) any bus-broadcast topic.
func (c *Conn) Notify(method string, params any) {
	c.mu.RLock()
	ctx, send := c.ctx, c.send
	c.mu.RUnlock()
	if send == nil {
		return
	}
	select {
	case send <- NewNotification(method, params):
	case <-ctx.Done():
	}
}

// Subscribe registers the connection with bus for topics, forwarding every
// delivered notification onto its outbound queue until the bus drops it as
// a slow consumer (which also cancels the connection) or the socket itself
// closes. This is how a connection "registers with the broadcast bus and
// declares subscriptions" on accept.
func (c *Conn) Subscribe(bus *Bus, topics []string) {
	if len(topics) == 0 {
		return
	}
	c.mu.RLock()
	ctx, send, cancel := c.ctx, c.send, c.cancel
	c.mu.RUnlock()
	if send == nil {
		return
	}

	chans := bus.Subscribe(c.ID, topics, func(string) {
		if cancel != nil {
			cancel()
		}
	})
	for _, ch := range chans {
		ch := ch
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case f, ok := <-ch:
					if !ok {
						return
					}
					select {
					case send <- f:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
}
