package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexusgate/nexusgate/internal/channel"
)

// fakeChannel fails the first failUntil sends with a classified error, then
// succeeds.
type fakeChannel struct {
	mu        sync.Mutex
	sent      []channel.Message
	failUntil int32
	temporary bool
}

func (f *fakeChannel) Send(ctx context.Context, msg channel.Message) (channel.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.failUntil > 0 {
		f.failUntil--
		err := fmt.Errorf("fake: failing")
		if f.temporary {
			return channel.DeliveryResult{}, channel.Temporary(err)
		}
		return channel.DeliveryResult{}, err
	}
	return channel.DeliveryResult{ProviderMsgID: "ok"}, nil
}

func (f *fakeChannel) Logout(ctx context.Context) error { return nil }

func TestQueueEnqueueAndDrain(t *testing.T) {
	q, err := NewQueue(t.TempDir(), "test-chan", 4)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	ctx := context.Background()
	env, err := q.Enqueue(ctx, "user1", "hello")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if env.To != "user1" || env.Text != "hello" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	got, ok := q.next(ctx)
	if !ok {
		t.Fatal("expected an envelope from next()")
	}
	if got.ID != env.ID {
		t.Fatalf("next() returned %q, want %q", got.ID, env.ID)
	}
}

func TestQueueSpillsToDiskWhenFull(t *testing.T) {
	q, err := NewQueue(t.TempDir(), "test-chan", 1)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "a", "1"); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	// The in-memory channel (capacity 1) is now full; this one must spill.
	if _, err := q.Enqueue(ctx, "b", "2"); err != nil {
		t.Fatalf("Enqueue 2 (expected disk spill): %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		env, ok := q.next(ctx)
		if !ok {
			t.Fatalf("next() call %d: no envelope", i)
		}
		seen[env.To] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected both envelopes to be drained, got %v", seen)
	}
}

func TestQueueEnqueueFailsOverloadedWhenDiskUnavailable(t *testing.T) {
	q, err := NewQueue(t.TempDir(), "test-chan", 1)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "a", "1"); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}

	// Break the overflow directory so spill() fails, forcing the deadline
	// branch; a 150ms deadline with nothing draining the channel must
	// eventually report Overloaded.
	q.dir = "/nonexistent/path/that/cannot/be/created"

	deadlineCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	if _, err := q.Enqueue(deadlineCtx, "b", "2"); err != ErrOverloaded {
		t.Fatalf("Enqueue: got %v, want ErrOverloaded", err)
	}
}

func TestLoopRetriesTransientFailureThenDelivers(t *testing.T) {
	ch := &fakeChannel{failUntil: 1, temporary: true}
	q, err := NewQueue(t.TempDir(), "test-chan", 4)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	var delivered atomic.Bool
	var mu sync.Mutex
	var outcomes []Outcome
	onEvent := func(o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
		if o.Status == "delivered" {
			delivered.Store(true)
		}
	}

	loop := NewLoop("test-chan", q, ch, onEvent, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	if _, err := q.Enqueue(ctx, "user1", "hi"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.After(BaseBackoff + 3*time.Second)
	for !delivered.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for delivery after retry")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 1 || outcomes[0].Status != "delivered" {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
}

func TestLoopFailsPermanentlyWithoutRetry(t *testing.T) {
	ch := &fakeChannel{failUntil: 1, temporary: false}
	q, err := NewQueue(t.TempDir(), "test-chan", 4)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	done := make(chan Outcome, 1)
	onEvent := func(o Outcome) { done <- o }

	loop := NewLoop("test-chan", q, ch, onEvent, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	if _, err := q.Enqueue(ctx, "user1", "hi"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case o := <-done:
		if o.Status != "failed" {
			t.Fatalf("expected status failed, got %q", o.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for permanent failure outcome")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	if got := backoff(1); got != BaseBackoff {
		t.Fatalf("backoff(1) = %v, want %v", got, BaseBackoff)
	}
	if got := backoff(2); got != BaseBackoff*2 {
		t.Fatalf("backoff(2) = %v, want %v", got, BaseBackoff*2)
	}
	if got := backoff(20); got != MaxBackoff {
		t.Fatalf("backoff(20) = %v, want %v (capped)", got, MaxBackoff)
	}
}
