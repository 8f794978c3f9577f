package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/crpc/internal/shared"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func appendPairs(t *testing.T, s *Store, sessionID string, pairs int) {
	t.Helper()
	for i := 0; i < pairs; i++ {
		if _, err := s.Append(sessionID, Turn{Role: RoleUser, Content: fmt.Sprintf("q%d", i)}); err != nil {
			t.Fatalf("append user %d: %v", i, err)
		}
		if _, err := s.Append(sessionID, Turn{Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)}); err != nil {
			t.Fatalf("append assistant %d: %v", i, err)
		}
	}
}

func TestAppendHistory_TurnIDsStrictlyIncreasing(t *testing.T) {
	s := newStore(t)
	meta, err := s.Create("alice", "sender:tg:42", "telegram")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	appendPairs(t, s, meta.SessionID, 3)

	turns, err := s.History(meta.SessionID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns) != 6 {
		t.Fatalf("history length = %d, want 6", len(turns))
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].TurnID <= turns[i-1].TurnID {
			t.Fatalf("turn ids not strictly increasing: %d then %d", turns[i-1].TurnID, turns[i].TurnID)
		}
	}
}

func TestAppend_InvalidRole(t *testing.T) {
	s := newStore(t)
	meta, _ := s.Create("alice", "", "")
	if _, err := s.Append(meta.SessionID, Turn{Role: "narrator", Content: "x"}); !shared.IsKind(err, shared.KindSchemaInvalid) {
		t.Fatalf("error = %v, want SchemaInvalid", err)
	}
}

func TestArchive_FreezesSession(t *testing.T) {
	s := newStore(t)
	meta, _ := s.Create("alice", "", "")
	if err := s.Archive(meta.SessionID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := s.Append(meta.SessionID, Turn{Role: RoleUser, Content: "x"}); !shared.IsKind(err, shared.KindArchived) {
		t.Fatalf("append to archived error = %v, want Archived", err)
	}
}

type fixedSummarizer struct{ text string }

func (f fixedSummarizer) Summarize([]Turn) (string, error) { return f.text, nil }

func TestCompact_PrefixToSummaryAndArchive(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	meta, _ := s.Create("alice", "", "")
	appendPairs(t, s, meta.SessionID, 10) // 20 turns

	archivedCount, err := s.Compact(meta.SessionID, 4, fixedSummarizer{text: "earlier: greetings exchanged"})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if archivedCount != 16 {
		t.Fatalf("archived %d turns, want 16", archivedCount)
	}

	turns, err := s.History(meta.SessionID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns) != 5 {
		t.Fatalf("history length = %d, want 5 (1 summary + 4 kept)", len(turns))
	}
	if turns[0].Role != RoleSystem {
		t.Fatalf("summary role = %q, want system", turns[0].Role)
	}
	if turns[0].Content != "earlier: greetings exchanged" {
		t.Fatalf("summary content = %q", turns[0].Content)
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].TurnID <= turns[i-1].TurnID {
			t.Fatalf("post-compaction ids not increasing: %d then %d", turns[i-1].TurnID, turns[i].TurnID)
		}
	}

	// The archived file holds the original sixteen records.
	matches, _ := filepath.Glob(filepath.Join(dir, "sessions", "archived", meta.SessionID+"-*.jsonl"))
	if len(matches) != 1 {
		t.Fatalf("archived files = %d, want 1", len(matches))
	}
	archived, err := readTurns(matches[0])
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(archived) != 16 {
		t.Fatalf("archive length = %d, want 16", len(archived))
	}
	if archived[0].Content != "q0" {
		t.Fatalf("first archived turn = %q", archived[0].Content)
	}
}

func TestCompact_NothingToDo(t *testing.T) {
	s := newStore(t)
	meta, _ := s.Create("alice", "", "")
	appendPairs(t, s, meta.SessionID, 1)
	n, err := s.Compact(meta.SessionID, 10, nil)
	if err != nil || n != 0 {
		t.Fatalf("compact = %d, %v; want 0, nil", n, err)
	}
}

func TestResolve_SameScopeSameSession(t *testing.T) {
	s := newStore(t)
	reset := ResetPolicy{Policy: ResetManual}
	a, err := s.Resolve("alice", ScopePerSender, "telegram", "42", "chat-9", reset)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	b, err := s.Resolve("alice", ScopePerSender, "telegram", "42", "chat-1000", reset)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if a.SessionID != b.SessionID {
		t.Fatal("identical scope inputs mapped to different sessions")
	}

	c, err := s.Resolve("alice", ScopePerSender, "telegram", "43", "chat-9", reset)
	if err != nil {
		t.Fatalf("resolve other sender: %v", err)
	}
	if c.SessionID == a.SessionID {
		t.Fatal("different sender mapped to same per-sender session")
	}
}

func TestResolve_IdleReset(t *testing.T) {
	s := newStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	reset := ResetPolicy{Policy: ResetIdle, Idle: 48 * time.Hour}
	a, _ := s.Resolve("alice", ScopePerSender, "telegram", "42", "", reset)

	// Within the idle window: same session.
	s.SetClock(func() time.Time { return base.Add(24 * time.Hour) })
	b, _ := s.Resolve("alice", ScopePerSender, "telegram", "42", "", reset)
	if a.SessionID != b.SessionID {
		t.Fatal("idle reset fired early")
	}

	// Past the window: new session.
	s.SetClock(func() time.Time { return base.Add(80 * time.Hour) })
	c, _ := s.Resolve("alice", ScopePerSender, "telegram", "42", "", reset)
	if c.SessionID == a.SessionID {
		t.Fatal("idle reset did not fire")
	}
}

func TestResetPolicy_Daily(t *testing.T) {
	p := ResetPolicy{Policy: ResetDaily, BoundaryHour: 4}
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	// Touched yesterday evening, now past today's 04:00 boundary.
	if !p.Due(day.Add(-2*time.Hour), day.Add(9*time.Hour)) {
		t.Fatal("daily reset should fire after boundary")
	}
	// Touched at 05:00, now 09:00 same day: same window.
	if p.Due(day.Add(5*time.Hour), day.Add(9*time.Hour)) {
		t.Fatal("daily reset fired within the same window")
	}
	// Now 02:00: boundary is yesterday 04:00; touch at yesterday 23:00 is after it.
	if p.Due(day.Add(-1*time.Hour), day.Add(2*time.Hour)) {
		t.Fatal("pre-boundary morning should share yesterday's window")
	}
}

func TestExportThenPurgeUser(t *testing.T) {
	s := newStore(t)
	m1, _ := s.Create("alice", "k1", "")
	m2, _ := s.Create("alice", "k2", "")
	s.Create("bob", "k1", "")
	appendPairs(t, s, m1.SessionID, 2)
	appendPairs(t, s, m2.SessionID, 1)

	exports, warnings := s.ExportUser("alice")
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v", warnings)
	}
	if len(exports) != 2 {
		t.Fatalf("exported %d sessions, want 2", len(exports))
	}

	deleted, total := s.PurgeUser("alice")
	if deleted != 2 || total != 2 {
		t.Fatalf("purge = (%d, %d), want (2, 2)", deleted, total)
	}
	if got := len(s.List("alice")); got != 0 {
		t.Fatalf("alice still owns %d sessions after purge", got)
	}
	if got := len(s.List("bob")); got != 1 {
		t.Fatalf("bob's sessions disturbed: %d", got)
	}
	if _, err := os.Stat(filepath.Join(s.baseDir, "sessions", m1.SessionID+".jsonl")); !os.IsNotExist(err) {
		t.Fatal("history file survived purge")
	}
}

func TestSweep_RetentionPurges(t *testing.T) {
	s := newStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })
	old, _ := s.Create("alice", "old", "")
	_ = old

	s.SetClock(func() time.Time { return base.Add(40 * 24 * time.Hour) })
	fresh, _ := s.Create("alice", "fresh", "")

	purged := s.Sweep(30 * 24 * time.Hour)
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, err := s.Get(fresh.SessionID); err != nil {
		t.Fatalf("fresh session purged: %v", err)
	}
}

func TestStore_ReopenKeepsIDsStable(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	meta, _ := s.Create("alice", "k", "")
	appendPairs(t, s, meta.SessionID, 2)

	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s2.Get(meta.SessionID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.LastTurnID != 4 {
		t.Fatalf("last turn id = %d, want 4", got.LastTurnID)
	}
	turn, err := s2.Append(meta.SessionID, Turn{Role: RoleUser, Content: "more"})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if turn.TurnID != 5 {
		t.Fatalf("next turn id = %d, want 5", turn.TurnID)
	}
}

func TestAppend_ConcurrentSessionsIndependent(t *testing.T) {
	s := newStore(t)
	var metas []Meta
	for i := 0; i < 4; i++ {
		m, _ := s.Create("alice", fmt.Sprintf("k%d", i), "")
		metas = append(metas, m)
	}

	var wg sync.WaitGroup
	for _, m := range metas {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := s.Append(id, Turn{Role: RoleUser, Content: "x"}); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(m.SessionID)
	}
	wg.Wait()

	for _, m := range metas {
		turns, err := s.History(m.SessionID)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(turns) != 20 {
			t.Fatalf("session %s has %d turns, want 20", m.SessionID, len(turns))
		}
	}
}
