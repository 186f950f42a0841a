package wsrpc

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dialServer upgrades a fresh connection to s and returns the client side,
// cleaning up at test end.
func dialServer(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	httpSrv := httptest.NewServer(s)
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, id, method string, params any) {
	t.Helper()
	raw, _ := json.Marshal(params)
	f := Frame{ID: json.RawMessage(`"` + id + `"`), Method: method, Params: raw}
	if id == "" {
		f.ID = nil
	}
	if err := conn.WriteJSON(f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	var f Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

// TestServerAbortReachesInFlightRequestOnSameConnection is the case the
// teacher's dispatch-only tests can't see: a request blocked in its handler
// must not stop the same connection's socket from being read, so a
// chat.abort for it actually arrives and cancels it.
func TestServerAbortReachesInFlightRequestOnSameConnection(t *testing.T) {
	d := NewDispatcher(time.Second)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	d.Register("long_running", func(ctx context.Context, c *Conn, params json.RawMessage) (any, *Error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, NewError(CodeCancelled, "cancelled")
	})
	d.Register("abort", func(ctx context.Context, c *Conn, params json.RawMessage) (any, *Error) {
		d.Abort(c.ID, `"req-1"`)
		return map[string]any{"aborted": true}, nil
	})

	bus := NewBus()
	s := NewServer(d, bus, "auth.handshake")
	d.Register("auth.handshake", func(ctx context.Context, c *Conn, params json.RawMessage) (any, *Error) {
		c.Authenticate("tester")
		return nil, nil
	})

	conn := dialServer(t, s)
	sendFrame(t, conn, "0", "auth.handshake", nil)
	_ = readFrame(t, conn) // handshake response

	sendFrame(t, conn, "req-1", "long_running", nil)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("long_running handler never started")
	}

	// Sent on the SAME connection while req-1 is still blocked in its
	// handler. If readPump dispatched synchronously, this would never even
	// be read off the wire.
	sendFrame(t, conn, "req-2", "abort", nil)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("abort on the same connection never reached the in-flight request")
	}
}

// TestServerBusSubscriptionDeliversNotification exercises the production
// wiring path (handshake declares topics -> Conn.Subscribe -> bus.Publish),
// not just the isolated Bus unit tested elsewhere.
func TestServerBusSubscriptionDeliversNotification(t *testing.T) {
	d := NewDispatcher(time.Second)
	bus := NewBus()
	s := NewServer(d, bus, "auth.handshake")

	// wsrpc itself doesn't know about "topics" as a concept — conn.Subscribe
	// is the primitive a caller (gateway's handleHandshake) wires through,
	// same as production does.
	d.Register("auth.handshake", func(ctx context.Context, c *Conn, params json.RawMessage) (any, *Error) {
		var p struct {
			Topics []string `json:"topics"`
		}
		_ = json.Unmarshal(params, &p)
		c.Authenticate("tester")
		c.Subscribe(bus, p.Topics)
		return nil, nil
	})

	conn := dialServer(t, s)
	sendFrame(t, conn, "0", "auth.handshake", map[string]any{"topics": []string{"session:abc"}})
	_ = readFrame(t, conn)

	bus.Publish("session:abc", "chat.event", map[string]any{"kind": "token"})

	f := readFrame(t, conn)
	if f.Method != "chat.event" {
		t.Fatalf("method = %q, want chat.event", f.Method)
	}
}
