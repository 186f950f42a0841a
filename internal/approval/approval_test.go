package approval

import (
	"context"
	"testing"
	"time"

	"github.com/nexusgate/nexusgate/internal/agent"
)

func TestOpenThenResolveApprovedWakesWaiter(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	tk := s.Open("sess1", "shell.exec", `{"cmd":"ls"}`)
	if tk.Status != StatusPending {
		t.Fatalf("Status = %s, want pending", tk.Status)
	}

	done := make(chan bool, 1)
	go func() {
		approved, err := s.Wait(context.Background(), tk.ID)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		done <- approved
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := s.Resolve(tk.ID, true, tk.Digest, "operator@example.com"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case approved := <-done:
		if !approved {
			t.Fatal("expected approved=true")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resolution")
	}

	got, _ := s.Get(tk.ID)
	if got.Status != StatusApproved {
		t.Fatalf("Status = %s, want approved", got.Status)
	}
}

func TestResolveRejectsStaleDigest(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	tk := s.Open("sess1", "shell.exec", `{}`)

	if _, err := s.Resolve(tk.ID, true, "wrong-digest", "op"); err != ErrStaleDigest {
		t.Fatalf("Resolve error = %v, want ErrStaleDigest", err)
	}
}

func TestResolveRejectsAlreadyResolvedTicket(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	tk := s.Open("sess1", "shell.exec", `{}`)
	if _, err := s.Resolve(tk.ID, false, tk.Digest, "op"); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if _, err := s.Resolve(tk.ID, true, "", "op"); err == nil {
		t.Fatal("expected an error resolving an already-resolved ticket")
	}
}

func TestWaitCancelledByContextLeavesTicketPending(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	tk := s.Open("sess1", "shell.exec", `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Wait(ctx, tk.ID); err == nil {
		t.Fatal("expected Wait to return the cancellation error")
	}

	got, _ := s.Get(tk.ID)
	if got.Status != StatusPending {
		t.Fatalf("Status = %s, want the ticket to remain pending after a disconnect", got.Status)
	}
}

func TestSweepExpiresPastTTLAndDeniesWaiter(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	tk := s.Open("sess1", "shell.exec", `{}`)

	done := make(chan bool, 1)
	go func() {
		approved, _ := s.Wait(context.Background(), tk.ID)
		done <- approved
	}()
	time.Sleep(10 * time.Millisecond)

	s.Sweep(tk.ExpiresAt.Add(time.Second))

	select {
	case approved := <-done:
		if approved {
			t.Fatal("expected an expired ticket to deny its waiter")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sweep to wake the waiter")
	}

	got, _ := s.Get(tk.ID)
	if got.Status != StatusExpired {
		t.Fatalf("Status = %s, want expired", got.Status)
	}
}

func TestRequestApprovalImplementsAgentApprover(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		tickets := s.List()
		if len(tickets) != 1 {
			return
		}
		s.Resolve(tickets[0].ID, true, tickets[0].Digest, "op")
	}()

	var approver agent.Approver = s
	approved, err := approver.RequestApproval(context.Background(), "sess1", agent.ToolCall{
		Name:      "shell.exec",
		Arguments: map[string]any{"cmd": "ls"},
	})
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if !approved {
		t.Fatal("expected approval")
	}
}
