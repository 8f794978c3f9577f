package pairing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/crpc/internal/shared"
)

func openTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodes.json")
	r, err := Open(KindNode, path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r, path
}

func TestPairingFlow(t *testing.T) {
	r, path := openTestRegistry(t)

	req, err := r.Submit("n1", []string{"relay"})
	if err != nil {
		t.Fatal(err)
	}
	if req.State != StatePending || req.Kind != KindNode {
		t.Fatalf("request = %+v", req)
	}

	approved, token, err := r.Approve(req.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if approved.State != StateApproved || token == "" {
		t.Fatalf("approved = %+v, token empty=%v", approved, token == "")
	}

	// The plain token never lands on disk; only its digest does.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), token) {
		t.Fatal("plain token persisted")
	}
	var onDisk []Request
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatal(err)
	}
	if len(onDisk) != 1 || len(onDisk[0].IssuedTokenHash) != 64 {
		t.Fatalf("on disk = %+v, want one record with a sha-256 hex digest", onDisk)
	}

	// Verification: right token matches, any other does not.
	if id, ok := r.Verify(token); !ok || id != "n1" {
		t.Fatalf("Verify(token) = %q,%v", id, ok)
	}
	if _, ok := r.Verify(token + "x"); ok {
		t.Fatal("mangled token must not verify")
	}
	if _, ok := r.Verify(""); ok {
		t.Fatal("empty token must not verify")
	}
}

func TestSubmitDeduplicatesPending(t *testing.T) {
	r, _ := openTestRegistry(t)
	a, _ := r.Submit("n1", nil)
	b, _ := r.Submit("n1", nil)
	if a.RequestID != b.RequestID {
		t.Fatal("pending request should be returned, not duplicated")
	}
}

func TestSubmitConflictsWhenPaired(t *testing.T) {
	r, _ := openTestRegistry(t)
	req, _ := r.Submit("n1", nil)
	if _, _, err := r.Approve(req.RequestID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Submit("n1", nil); !shared.IsKind(err, shared.KindConflict) {
		t.Fatalf("kind = %v, want Conflict", shared.KindOf(err))
	}
}

func TestRejectAndDoubleResolve(t *testing.T) {
	r, _ := openTestRegistry(t)
	req, _ := r.Submit("n1", nil)
	if _, err := r.Reject(req.RequestID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Approve(req.RequestID); !shared.IsKind(err, shared.KindConflict) {
		t.Fatalf("approve after reject kind = %v, want Conflict", shared.KindOf(err))
	}
}

func TestExpiry(t *testing.T) {
	r, _ := openTestRegistry(t)
	now := time.Unix(9000, 0)
	r.SetClock(func() time.Time { return now })
	req, _ := r.Submit("n1", nil)

	now = now.Add(DefaultTTL + time.Minute)
	list := r.List()
	if len(list) != 1 || list[0].State != StateExpired {
		t.Fatalf("list = %+v, want expired", list)
	}
	if _, _, err := r.Approve(req.RequestID); !shared.IsKind(err, shared.KindConflict) {
		t.Fatalf("approve expired kind = %v, want Conflict", shared.KindOf(err))
	}
}

func TestRevoke(t *testing.T) {
	r, _ := openTestRegistry(t)
	req, _ := r.Submit("n1", nil)
	_, token, _ := r.Approve(req.RequestID)

	if err := r.Revoke("n1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Verify(token); ok {
		t.Fatal("revoked token must not verify")
	}
	if err := r.Revoke("n1"); !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("second revoke kind = %v, want NotFound", shared.KindOf(err))
	}
}

func TestRepairReplacesDigest(t *testing.T) {
	r, _ := openTestRegistry(t)
	req, _ := r.Submit("n1", nil)
	_, oldToken, _ := r.Approve(req.RequestID)

	_, newToken, err := r.Repair("n1")
	if err != nil {
		t.Fatal(err)
	}
	if newToken == oldToken {
		t.Fatal("repair must mint a fresh token")
	}
	if _, ok := r.Verify(oldToken); ok {
		t.Fatal("old token must stop verifying after repair")
	}
	if id, ok := r.Verify(newToken); !ok || id != "n1" {
		t.Fatalf("new token Verify = %q,%v", id, ok)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	r, path := openTestRegistry(t)
	req, _ := r.Submit("n1", nil)
	_, token, _ := r.Approve(req.RequestID)

	r2, err := Open(KindNode, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id, ok := r2.Verify(token); !ok || id != "n1" {
		t.Fatalf("reopened Verify = %q,%v", id, ok)
	}
}
