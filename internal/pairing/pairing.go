// Package pairing runs the admission state machines for remote nodes
// and devices. Requests sit pending until an operator approves or
// rejects them (or the TTL expires); approval mints a bearer token that
// is returned exactly once, with only its SHA-256 digest persisted.
package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/crpc/internal/bus"
	"github.com/basket/crpc/internal/shared"
	"github.com/basket/crpc/internal/store"
)

// Request kinds and states.
const (
	KindNode   = "node"
	KindDevice = "device"

	StatePending  = "pending"
	StateApproved = "approved"
	StateRejected = "rejected"
	StateExpired  = "expired"
)

// DefaultTTL bounds how long a request may sit pending.
const DefaultTTL = 10 * time.Minute

// Request is one pairing record. IssuedTokenHash is the only stored
// form of the credential.
type Request struct {
	RequestID       string    `json:"request_id"`
	Kind            string    `json:"kind"`
	Identity        string    `json:"claimed_identity"`
	Caps            []string  `json:"caps,omitempty"`
	State           string    `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	ResolvedAt      time.Time `json:"resolved_at,omitempty"`
	IssuedTokenHash string    `json:"issued_token_hash,omitempty"`
}

// Registry is the pairing table for one kind, persisted to nodes.json
// or devices.json.
type Registry struct {
	mu       sync.Mutex
	kind     string
	doc      store.Doc
	requests map[string]*Request
	bus      *bus.Bus
	ttl      time.Duration
	now      func() time.Time
}

// Open loads the registry for a kind from its document.
func Open(kind, path string, b *bus.Bus) (*Registry, error) {
	r := &Registry{
		kind:     kind,
		doc:      store.Doc{Path: path},
		requests: map[string]*Request{},
		bus:      b,
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	var onDisk []*Request
	if _, err := r.doc.Load(&onDisk); err != nil && !shared.IsKind(err, shared.KindNotFound) {
		return nil, err
	}
	for _, req := range onDisk {
		r.requests[req.RequestID] = req
	}
	return r, nil
}

// SetClock overrides the clock for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// SetTTL overrides the pending TTL.
func (r *Registry) SetTTL(ttl time.Duration) { r.ttl = ttl }

func (r *Registry) saveLocked() error {
	list := make([]*Request, 0, len(r.requests))
	for _, req := range r.requests {
		list = append(list, req)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].RequestID < list[j].RequestID })
	_, err := r.doc.Save(list)
	return err
}

func (r *Registry) expireLocked() {
	now := r.now()
	changed := false
	for _, req := range r.requests {
		if req.State == StatePending && now.After(req.ExpiresAt) {
			req.State = StateExpired
			req.ResolvedAt = now
			changed = true
		}
	}
	if changed {
		_ = r.saveLocked()
	}
}

// Submit files a pairing request. A pending request for the same
// identity is returned as-is rather than duplicated; an approved
// identity must go through Repair.
func (r *Registry) Submit(identity string, caps []string) (Request, error) {
	if identity == "" {
		return Request{}, shared.E(shared.KindSchemaInvalid, "claimed identity must be non-empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	for _, req := range r.requests {
		if req.Identity != identity {
			continue
		}
		switch req.State {
		case StatePending:
			return *req, nil
		case StateApproved:
			return Request{}, shared.Ef(shared.KindConflict, "%s %q already paired", r.kind, identity)
		}
	}
	now := r.now()
	req := &Request{
		RequestID: uuid.NewString(),
		Kind:      r.kind,
		Identity:  identity,
		Caps:      append([]string(nil), caps...),
		State:     StatePending,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	r.requests[req.RequestID] = req
	if err := r.saveLocked(); err != nil {
		delete(r.requests, req.RequestID)
		return Request{}, err
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicPairingRequested, *req)
	}
	return *req, nil
}

// newToken mints 32 random bytes, hex-encoded.
func newToken() (token, digest string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(raw)
	sum := sha256.Sum256([]byte(token))
	return token, hex.EncodeToString(sum[:]), nil
}

// Approve resolves a pending request and returns the plain token — the
// only time it ever exists outside the caller's hands.
func (r *Registry) Approve(requestID string) (Request, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	req, ok := r.requests[requestID]
	if !ok {
		return Request{}, "", shared.Ef(shared.KindNotFound, "request %q not found", requestID)
	}
	if req.State != StatePending {
		return Request{}, "", shared.Ef(shared.KindConflict, "request %q already %s", requestID, req.State)
	}
	token, digest, err := newToken()
	if err != nil {
		return Request{}, "", shared.Wrap(shared.KindInternal, "mint token", err)
	}
	req.State = StateApproved
	req.ResolvedAt = r.now()
	req.IssuedTokenHash = digest
	if err := r.saveLocked(); err != nil {
		return Request{}, "", err
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicPairingResolved, *req)
	}
	return *req, token, nil
}

// Reject resolves a pending request negatively.
func (r *Registry) Reject(requestID string) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	req, ok := r.requests[requestID]
	if !ok {
		return Request{}, shared.Ef(shared.KindNotFound, "request %q not found", requestID)
	}
	if req.State != StatePending {
		return Request{}, shared.Ef(shared.KindConflict, "request %q already %s", requestID, req.State)
	}
	req.State = StateRejected
	req.ResolvedAt = r.now()
	if err := r.saveLocked(); err != nil {
		return Request{}, err
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicPairingResolved, *req)
	}
	return *req, nil
}

// Revoke removes an approved identity's token digest.
func (r *Registry) Revoke(identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.requests {
		if req.Identity == identity && req.State == StateApproved {
			req.IssuedTokenHash = ""
			req.State = StateRejected
			req.ResolvedAt = r.now()
			return r.saveLocked()
		}
	}
	return shared.Ef(shared.KindNotFound, "%s %q has no active pairing", r.kind, identity)
}

// Repair re-issues a token for an already-approved identity; the old
// digest is replaced in the same atomic write.
func (r *Registry) Repair(identity string) (Request, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.requests {
		if req.Identity == identity && req.State == StateApproved {
			token, digest, err := newToken()
			if err != nil {
				return Request{}, "", shared.Wrap(shared.KindInternal, "mint token", err)
			}
			req.IssuedTokenHash = digest
			req.ResolvedAt = r.now()
			if err := r.saveLocked(); err != nil {
				return Request{}, "", err
			}
			return *req, token, nil
		}
	}
	return Request{}, "", shared.Ef(shared.KindNotFound, "%s %q is not paired", r.kind, identity)
}

// Verify checks a presented token against every active digest in
// constant time per comparison, returning the matched identity. All
// digests are compared regardless of an early match so the latency does
// not reveal which entry (or byte) differed.
func (r *Registry) Verify(token string) (string, bool) {
	sum := sha256.Sum256([]byte(token))
	presented := []byte(hex.EncodeToString(sum[:]))

	r.mu.Lock()
	defer r.mu.Unlock()
	identity := ""
	matched := 0
	for _, req := range r.requests {
		if req.State != StateApproved || req.IssuedTokenHash == "" {
			continue
		}
		if subtle.ConstantTimeCompare(presented, []byte(req.IssuedTokenHash)) == 1 {
			identity = req.Identity
			matched = 1
		}
	}
	return identity, matched == 1
}

// List returns every request, expiring stale pending ones first.
func (r *Registry) List() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	list := make([]Request, 0, len(r.requests))
	for _, req := range r.requests {
		list = append(list, *req)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

// Get returns one request by id.
func (r *Registry) Get(requestID string) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok {
		return Request{}, shared.Ef(shared.KindNotFound, "request %q not found", requestID)
	}
	return *req, nil
}
