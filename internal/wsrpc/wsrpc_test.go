package wsrpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestDispatchUnknownMethod(t *testing.T) {
	d := NewDispatcher(time.Second)
	conn := NewConn("c1", "auth.handshake")
	conn.Authenticate("alice")

	resp, ok := d.Dispatch(context.Background(), conn, Frame{ID: json.RawMessage(`1`), Method: "nope"})
	if !ok {
		t.Fatal("expected a response for an unknown method request")
	}
	if resp.Error == nil || resp.Error.Code != CodeNotFound {
		t.Fatalf("error = %v, want NotFound", resp.Error)
	}
}

func TestDispatchRequiresHandshakeFirst(t *testing.T) {
	d := NewDispatcher(time.Second)
	d.Register("sessions.list", func(ctx context.Context, c *Conn, params json.RawMessage) (any, *Error) {
		return []string{}, nil
	})
	conn := NewConn("c1", "auth.handshake")

	resp, ok := d.Dispatch(context.Background(), conn, Frame{ID: json.RawMessage(`1`), Method: "sessions.list"})
	if !ok || resp.Error == nil || resp.Error.Code != CodeUnauthenticated {
		t.Fatalf("resp = %+v, want Unauthenticated error", resp)
	}
}

func TestDispatchSuccessfulRequest(t *testing.T) {
	d := NewDispatcher(time.Second)
	d.Register("echo", func(ctx context.Context, c *Conn, params json.RawMessage) (any, *Error) {
		return "ok", nil
	})
	conn := NewConn("c1", "auth.handshake")
	conn.Authenticate("alice")

	resp, ok := d.Dispatch(context.Background(), conn, Frame{ID: json.RawMessage(`1`), Method: "echo"})
	if !ok {
		t.Fatal("expected a response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if resp.Result != "ok" {
		t.Fatalf("result = %v, want ok", resp.Result)
	}
}

func TestDispatchNotificationHasNoResponse(t *testing.T) {
	d := NewDispatcher(time.Second)
	called := false
	d.Register("system-event", func(ctx context.Context, c *Conn, params json.RawMessage) (any, *Error) {
		called = true
		return nil, nil
	})
	conn := NewConn("c1", "auth.handshake")
	conn.Authenticate("alice")

	_, ok := d.Dispatch(context.Background(), conn, Frame{Method: "system-event"})
	if ok {
		t.Fatal("notifications should not produce a response frame")
	}
	if !called {
		t.Fatal("handler should still run for a notification")
	}
}

func TestDispatchCancellationPropagates(t *testing.T) {
	d := NewDispatcher(time.Second)
	cancelled := make(chan struct{})
	d.Register("agent", func(ctx context.Context, c *Conn, params json.RawMessage) (any, *Error) {
		<-ctx.Done()
		close(cancelled)
		return nil, NewError(CodeCancelled, "cancelled")
	})

	conn := NewConn("c1", "auth.handshake")
	conn.Authenticate("alice")

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.Abort("c1", `"1"`)
	}()

	resp, ok := d.Dispatch(context.Background(), conn, Frame{ID: json.RawMessage(`"1"`), Method: "agent"})
	if !ok {
		t.Fatal("expected a response")
	}
	if resp.Error == nil || resp.Error.Code != CodeCancelled {
		t.Fatalf("error = %v, want Cancelled", resp.Error)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context was never cancelled")
	}
}

func TestBusPublishAndSlowConsumerDisconnect(t *testing.T) {
	bus := NewBus()
	var sloppedConn string
	chans := bus.Subscribe("c1", []string{"system-event"}, func(connID string) {
		sloppedConn = connID
	})

	bus.Publish("system-event", "wake", nil)

	select {
	case f := <-chans["system-event"]:
		if f.Method != "wake" {
			t.Fatalf("method = %q, want wake", f.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a delivered notification")
	}

	// Overflow the queue to trigger SlowConsumer handling.
	for i := 0; i < BusQueueSize+10; i++ {
		bus.Publish("system-event", "spam", nil)
	}

	if sloppedConn != "c1" {
		t.Fatalf("expected onSlow callback for c1, got %q", sloppedConn)
	}
}

func TestCancelRegistryCancelsDescendants(t *testing.T) {
	reg := NewCancelRegistry()
	parentKey := CancelKey{ConnID: "c1", RequestID: "1"}
	childKey := CancelKey{ConnID: "c1", RequestID: "1-tool-0"}

	parentCtx, parentCleanup := reg.Register(context.Background(), parentKey, CancelKey{})
	defer parentCleanup()
	childCtx, childCleanup := reg.Register(parentCtx, childKey, parentKey)
	defer childCleanup()

	reg.Cancel(parentKey)

	select {
	case <-childCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelling parent should cancel child")
	}
}
