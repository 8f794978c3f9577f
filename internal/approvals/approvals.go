// Package approvals persists pending tool-call decisions. A waiting
// agent turn parks on a per-ticket one-shot channel; the operator
// resolves the ticket over RPC, the waiter wakes. Tickets survive
// restarts in approvals.json and carry a content digest for optimistic
// concurrency.
package approvals

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/basket/crpc/internal/bus"
	"github.com/basket/crpc/internal/shared"
	"github.com/basket/crpc/internal/store"
)

// Ticket states.
const (
	StatePending  = "pending"
	StateApproved = "approved"
	StateDenied   = "denied"
	StateExpired  = "expired"
)

// Ticket is one persisted approval decision.
type Ticket struct {
	TicketID  string    `json:"ticket_id"`
	ToolName  string    `json:"tool_name"`
	ArgsDigest string   `json:"arguments_digest"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Decision is what a waiter receives.
type Decision struct {
	TicketID string
	Approved bool
}

// Store owns the ticket table and its waiters.
type Store struct {
	mu      sync.Mutex
	doc     store.Doc
	tickets map[string]*Ticket
	waiters map[string][]chan Decision
	bus     *bus.Bus
	ttl     time.Duration
	now     func() time.Time
}

// Open loads approvals.json; pending tickets from a previous run stay
// pending until resolved or expired.
func Open(path string, ttl time.Duration, b *bus.Bus) (*Store, error) {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	s := &Store{
		doc:     store.Doc{Path: path},
		tickets: map[string]*Ticket{},
		waiters: map[string][]chan Decision{},
		bus:     b,
		ttl:     ttl,
		now:     time.Now,
	}
	var onDisk []*Ticket
	if _, err := s.doc.Load(&onDisk); err != nil && !shared.IsKind(err, shared.KindNotFound) {
		return nil, err
	}
	for _, t := range onDisk {
		s.tickets[t.TicketID] = t
	}
	return s, nil
}

// SetClock overrides the clock for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// ArgsDigest hashes a tool call's arguments for the ticket record.
func ArgsDigest(args map[string]any) string {
	raw, _ := json.Marshal(args)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (s *Store) saveLocked() error {
	list := make([]*Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].TicketID < list[j].TicketID })
	_, err := s.doc.Save(list)
	return err
}

// digestLocked fingerprints the current table for optimistic writes.
func (s *Store) digestLocked() string {
	list := make([]*Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].TicketID < list[j].TicketID })
	raw, _ := json.Marshal(list)
	return store.Digest(raw)
}

// Open creates a pending ticket.
func (s *Store) Open(toolName string, args map[string]any) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	t := &Ticket{
		TicketID:   ulid.Make().String(),
		ToolName:   toolName,
		ArgsDigest: ArgsDigest(args),
		State:      StatePending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	s.tickets[t.TicketID] = t
	if err := s.saveLocked(); err != nil {
		delete(s.tickets, t.TicketID)
		return Ticket{}, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicApprovalOpened, *t)
	}
	return *t, nil
}

// List returns tickets, expiring stale pending ones first. The digest
// covers the returned snapshot for use as a Resolve base.
func (s *Store) List() ([]Ticket, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	list := make([]Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		list = append(list, *t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].TicketID < list[j].TicketID })
	return list, s.digestLocked()
}

func (s *Store) expireLocked() {
	now := s.now()
	changed := false
	for _, t := range s.tickets {
		if t.State == StatePending && now.After(t.ExpiresAt) {
			t.State = StateExpired
			t.ResolvedAt = now
			changed = true
			s.wakeLocked(t.TicketID, Decision{TicketID: t.TicketID, Approved: false})
		}
	}
	if changed {
		_ = s.saveLocked()
	}
}

// Resolve sets a ticket's outcome. baseDigest, when non-empty, must
// match the current table digest or the write fails with Conflict.
func (s *Store) Resolve(ticketID string, approve bool, baseDigest string) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	if baseDigest != "" && baseDigest != s.digestLocked() {
		return Ticket{}, shared.E(shared.KindConflict, "approvals changed since read").
			WithData("current_digest", s.digestLocked())
	}
	t, ok := s.tickets[ticketID]
	if !ok {
		return Ticket{}, shared.Ef(shared.KindNotFound, "ticket %q not found", ticketID)
	}
	if t.State != StatePending {
		return Ticket{}, shared.Ef(shared.KindConflict, "ticket %q already %s", ticketID, t.State)
	}
	if approve {
		t.State = StateApproved
	} else {
		t.State = StateDenied
	}
	t.ResolvedAt = s.now()
	if err := s.saveLocked(); err != nil {
		return Ticket{}, err
	}
	s.wakeLocked(ticketID, Decision{TicketID: ticketID, Approved: approve})
	if s.bus != nil {
		s.bus.Publish(bus.TopicApprovalResolved, *t)
	}
	return *t, nil
}

func (s *Store) wakeLocked(ticketID string, d Decision) {
	for _, ch := range s.waiters[ticketID] {
		ch <- d
	}
	delete(s.waiters, ticketID)
}

// Wait parks until the ticket resolves, its TTL passes, or ctx ends.
// Disconnect (ctx cancellation) returns Cancelled and leaves the ticket
// pending for another resolver.
func (s *Store) Wait(ctx context.Context, ticketID string) (Decision, error) {
	s.mu.Lock()
	t, ok := s.tickets[ticketID]
	if !ok {
		s.mu.Unlock()
		return Decision{}, shared.Ef(shared.KindNotFound, "ticket %q not found", ticketID)
	}
	switch t.State {
	case StateApproved:
		s.mu.Unlock()
		return Decision{TicketID: ticketID, Approved: true}, nil
	case StateDenied, StateExpired:
		s.mu.Unlock()
		return Decision{TicketID: ticketID, Approved: false}, nil
	}
	// Buffered so a resolution never blocks on an abandoned waiter.
	ch := make(chan Decision, 1)
	s.waiters[ticketID] = append(s.waiters[ticketID], ch)
	expiry := t.ExpiresAt
	s.mu.Unlock()

	timer := time.NewTimer(expiry.Sub(s.now()))
	defer timer.Stop()
	select {
	case d := <-ch:
		return d, nil
	case <-timer.C:
		s.mu.Lock()
		s.expireLocked()
		s.dropWaiterLocked(ticketID, ch)
		s.mu.Unlock()
		return Decision{}, shared.Ef(shared.KindTimeout, "ticket %q expired", ticketID)
	case <-ctx.Done():
		s.mu.Lock()
		s.dropWaiterLocked(ticketID, ch)
		s.mu.Unlock()
		return Decision{}, shared.Wrap(shared.KindCancelled, "approval wait", ctx.Err())
	}
}

func (s *Store) dropWaiterLocked(ticketID string, ch chan Decision) {
	waiters := s.waiters[ticketID]
	for i, w := range waiters {
		if w == ch {
			s.waiters[ticketID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(s.waiters[ticketID]) == 0 {
		delete(s.waiters, ticketID)
	}
}
