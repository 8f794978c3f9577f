package approvals

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/crpc/internal/shared"
)

func openTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "approvals.json"), ttl, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestOpenResolveWake(t *testing.T) {
	s := openTestStore(t, time.Minute)
	ticket, err := s.Open("message_send", map[string]any{"to": "42"})
	if err != nil {
		t.Fatal(err)
	}
	if ticket.State != StatePending {
		t.Fatalf("state = %q, want pending", ticket.State)
	}

	done := make(chan Decision, 1)
	go func() {
		d, err := s.Wait(context.Background(), ticket.TicketID)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		done <- d
	}()
	time.Sleep(10 * time.Millisecond)

	if _, err := s.Resolve(ticket.TicketID, true, ""); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-done:
		if !d.Approved {
			t.Fatal("waiter should see approval")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitAfterResolution(t *testing.T) {
	s := openTestStore(t, time.Minute)
	ticket, _ := s.Open("message_send", nil)
	if _, err := s.Resolve(ticket.TicketID, false, ""); err != nil {
		t.Fatal(err)
	}
	d, err := s.Wait(context.Background(), ticket.TicketID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Approved {
		t.Fatal("denied ticket should report not approved")
	}
}

func TestResolveConflicts(t *testing.T) {
	s := openTestStore(t, time.Minute)
	ticket, _ := s.Open("message_send", nil)

	_, digest := s.List()
	if _, err := s.Resolve(ticket.TicketID, true, digest); err != nil {
		t.Fatalf("resolve with fresh digest: %v", err)
	}
	// Second resolution conflicts: already resolved.
	if _, err := s.Resolve(ticket.TicketID, false, ""); !shared.IsKind(err, shared.KindConflict) {
		t.Fatalf("kind = %v, want Conflict", shared.KindOf(err))
	}

	// Stale digest conflicts before touching the ticket.
	other, _ := s.Open("message_send", nil)
	if _, err := s.Resolve(other.TicketID, true, digest); !shared.IsKind(err, shared.KindConflict) {
		t.Fatalf("stale digest kind = %v, want Conflict", shared.KindOf(err))
	}
}

func TestWaitCancelledOnDisconnect(t *testing.T) {
	s := openTestStore(t, time.Minute)
	ticket, _ := s.Open("message_send", nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Wait(ctx, ticket.TicketID)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !shared.IsKind(err, shared.KindCancelled) {
			t.Fatalf("kind = %v, want Cancelled", shared.KindOf(err))
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not observe cancellation")
	}

	// The ticket survives the disconnect and can still be resolved.
	if _, err := s.Resolve(ticket.TicketID, true, ""); err != nil {
		t.Fatalf("resolve after disconnect: %v", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	s := openTestStore(t, time.Minute)
	now := time.Unix(5000, 0)
	s.SetClock(func() time.Time { return now })

	ticket, _ := s.Open("message_send", nil)
	now = now.Add(2 * time.Minute)

	list, _ := s.List()
	if len(list) != 1 || list[0].State != StateExpired {
		t.Fatalf("list = %+v, want one expired ticket", list)
	}
	if _, err := s.Resolve(ticket.TicketID, true, ""); !shared.IsKind(err, shared.KindConflict) {
		t.Fatalf("resolving expired kind = %v, want Conflict", shared.KindOf(err))
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approvals.json")
	s, err := Open(path, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	ticket, _ := s.Open("message_send", map[string]any{"to": "42"})

	s2, err := Open(path, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	list, _ := s2.List()
	if len(list) != 1 || list[0].TicketID != ticket.TicketID || list[0].State != StatePending {
		t.Fatalf("reopened list = %+v", list)
	}
}
