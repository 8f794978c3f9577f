package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/crpc/internal/shared"
	"github.com/basket/crpc/internal/store"
	"github.com/google/uuid"
)

// index is the persisted session registry: metadata per session plus the
// (owner, scope_key) → session_id mapping.
type index struct {
	Sessions map[string]*Meta  `json:"sessions"`
	Scopes   map[string]string `json:"scopes"`
}

func scopeIndexKey(owner, scopeKey string) string {
	return owner + "\x00" + scopeKey
}

// Store is the file-backed session store rooted at <base>/sessions.
type Store struct {
	baseDir string
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex // guards idx and the lock map
	idx   index
	doc   store.Doc
	locks map[string]*sync.Mutex
}

// Open loads (or initialises) the session index under baseDir.
func Open(baseDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		baseDir: baseDir,
		logger:  logger,
		now:     time.Now,
		doc:     store.Doc{Path: filepath.Join(baseDir, "sessions", "index.json")},
		locks:   map[string]*sync.Mutex{},
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "sessions", "archived"), 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	if _, err := s.doc.LoadOr(&s.idx, func() any {
		return index{Sessions: map[string]*Meta{}, Scopes: map[string]string{}}
	}); err != nil {
		return nil, err
	}
	if s.idx.Sessions == nil {
		s.idx.Sessions = map[string]*Meta{}
	}
	if s.idx.Scopes == nil {
		s.idx.Scopes = map[string]string{}
	}
	return s, nil
}

// SetClock overrides the store's clock. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) historyPath(sessionID string) string {
	return filepath.Join(s.baseDir, "sessions", sessionID+".jsonl")
}

func (s *Store) archivedPath(sessionID string, ts time.Time) string {
	name := fmt.Sprintf("%s-%d.jsonl", sessionID, ts.Unix())
	return filepath.Join(s.baseDir, "sessions", "archived", name)
}

// sessionLock returns the per-session mutex, creating it on first use.
func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *Store) saveIndexLocked() error {
	_, err := s.doc.Save(s.idx)
	return err
}

// Create registers a new session for owner under scopeKey and returns its
// metadata. The history file is created lazily on first append.
func (s *Store) Create(owner, scopeKey, channel string) (Meta, error) {
	now := s.now()
	meta := &Meta{
		SessionID:      uuid.NewString(),
		OwnerUser:      owner,
		ScopeKey:       scopeKey,
		Channel:        channel,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx.Sessions[meta.SessionID] = meta
	if scopeKey != "" {
		s.idx.Scopes[scopeIndexKey(owner, scopeKey)] = meta.SessionID
	}
	if err := s.saveIndexLocked(); err != nil {
		return Meta{}, err
	}
	return *meta, nil
}

// Get returns a session's metadata.
func (s *Store) Get(sessionID string) (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.idx.Sessions[sessionID]
	if !ok {
		return Meta{}, shared.Ef(shared.KindNotFound, "session %s", sessionID)
	}
	return *meta, nil
}

// List returns all sessions, optionally filtered by owner, newest first.
func (s *Store) List(owner string) []Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Meta, 0, len(s.idx.Sessions))
	for _, meta := range s.idx.Sessions {
		if owner != "" && meta.OwnerUser != owner {
			continue
		}
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// Append adds a turn to the session history. Turn ids are assigned here
// and are strictly increasing per session.
func (s *Store) Append(sessionID string, turn Turn) (Turn, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	meta, ok := s.idx.Sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return Turn{}, shared.Ef(shared.KindNotFound, "session %s", sessionID)
	}
	if meta.Archived {
		s.mu.Unlock()
		return Turn{}, shared.Ef(shared.KindArchived, "session %s is archived", sessionID)
	}
	meta.LastTurnID++
	turn.TurnID = meta.LastTurnID
	s.mu.Unlock()

	switch turn.Role {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
	default:
		return Turn{}, shared.Ef(shared.KindSchemaInvalid, "invalid role %q", turn.Role)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}

	if err := s.appendLine(s.historyPath(sessionID), turn); err != nil {
		return Turn{}, err
	}

	s.mu.Lock()
	meta.LastActivityAt = s.now()
	err := s.saveIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return Turn{}, err
	}
	return turn, nil
}

func (s *Store) appendLine(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer f.Close()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return f.Sync()
}

// History streams the session's surviving turns in file order.
func (s *Store) History(sessionID string) ([]Turn, error) {
	if _, err := s.Get(sessionID); err != nil {
		return nil, err
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return readTurns(s.historyPath(sessionID))
}

func readTurns(path string) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var out []Turn
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var t Turn
		if err := json.Unmarshal([]byte(line), &t); err != nil {
			return nil, shared.Wrap(shared.KindInternal, "corrupt history line", err)
		}
		out = append(out, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return out, nil
}

// Archive freezes a session; further appends fail with Archived.
func (s *Store) Archive(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.idx.Sessions[sessionID]
	if !ok {
		return shared.Ef(shared.KindNotFound, "session %s", sessionID)
	}
	meta.Archived = true
	return s.saveIndexLocked()
}

// Compact replaces the history prefix with one system summary turn,
// keeping the most recent keepLast turns. The original prefix records move
// to sessions/archived/<id>-<ts>.jsonl. The summary turn takes over the
// highest archived turn id so the surviving file stays strictly
// increasing.
func (s *Store) Compact(sessionID string, keepLast int, summarizer Summarizer) (int, error) {
	if keepLast < 0 {
		keepLast = 0
	}
	meta, err := s.Get(sessionID)
	if err != nil {
		return 0, err
	}
	if meta.Archived {
		return 0, shared.Ef(shared.KindArchived, "session %s is archived", sessionID)
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	turns, err := readTurns(s.historyPath(sessionID))
	if err != nil {
		return 0, err
	}
	if len(turns) <= keepLast {
		return 0, nil
	}
	split := len(turns) - keepLast
	prefix, kept := turns[:split], turns[split:]

	summary := "Conversation history compacted; older turns archived."
	if summarizer != nil {
		if text, err := summarizer.Summarize(prefix); err == nil && text != "" {
			summary = text
		} else if err != nil {
			s.logger.Warn("compaction summarizer failed; using fallback notice",
				"session_id", sessionID, "error", err)
		}
	}

	ts := s.now()
	archived := s.archivedPath(sessionID, ts)
	var archBuf strings.Builder
	for _, t := range prefix {
		line, err := json.Marshal(t)
		if err != nil {
			return 0, fmt.Errorf("encode archived turn: %w", err)
		}
		archBuf.Write(line)
		archBuf.WriteByte('\n')
	}
	if err := store.WriteFileAtomic(archived, []byte(archBuf.String()), 0o600); err != nil {
		return 0, fmt.Errorf("write archive: %w", err)
	}

	summaryTurn := Turn{
		TurnID:    prefix[len(prefix)-1].TurnID,
		Role:      RoleSystem,
		Content:   summary,
		CreatedAt: ts,
		Pinned:    true,
	}
	var buf strings.Builder
	for _, t := range append([]Turn{summaryTurn}, kept...) {
		line, err := json.Marshal(t)
		if err != nil {
			return 0, fmt.Errorf("encode turn: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := store.WriteFileAtomic(s.historyPath(sessionID), []byte(buf.String()), 0o600); err != nil {
		return 0, fmt.Errorf("rewrite history: %w", err)
	}

	s.mu.Lock()
	if m, ok := s.idx.Sessions[sessionID]; ok {
		m.LastActivityAt = ts
	}
	saveErr := s.saveIndexLocked()
	s.mu.Unlock()
	if saveErr != nil {
		return 0, saveErr
	}
	return len(prefix), nil
}

// Resolve maps (owner, policy, channel, sender, peer) to the scoped
// session, creating a fresh one when none exists or a reset boundary has
// passed since the last touch.
func (s *Store) Resolve(owner, policy, channel, sender, peer string, reset ResetPolicy) (Meta, error) {
	scopeKey := ScopeKey(policy, channel, sender, peer)

	s.mu.Lock()
	sid, ok := s.idx.Scopes[scopeIndexKey(owner, scopeKey)]
	var current *Meta
	if ok {
		current = s.idx.Sessions[sid]
	}
	s.mu.Unlock()

	if current != nil && !current.Archived && !reset.Due(current.LastActivityAt, s.now()) {
		return *current, nil
	}
	return s.Create(owner, scopeKey, channel)
}

// RecordUsage accumulates provider-reported token counts for a session.
func (s *Store) RecordUsage(sessionID string, tokensIn, tokensOut int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta, ok := s.idx.Sessions[sessionID]; ok {
		meta.TokensIn += tokensIn
		meta.TokensOut += tokensOut
		_ = s.saveIndexLocked()
	}
}

// Delete removes a session entirely: index entry, scope mapping, history
// file, and its archived prefixes.
func (s *Store) Delete(sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	meta, ok := s.idx.Sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return shared.Ef(shared.KindNotFound, "session %s", sessionID)
	}
	delete(s.idx.Sessions, sessionID)
	for key, sid := range s.idx.Scopes {
		if sid == sessionID {
			delete(s.idx.Scopes, key)
		}
	}
	err := s.saveIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	_ = meta

	if err := os.Remove(s.historyPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove history: %w", err)
	}
	pattern := filepath.Join(s.baseDir, "sessions", "archived", sessionID+"-*.jsonl")
	matches, _ := filepath.Glob(pattern)
	for _, m := range matches {
		_ = os.Remove(m)
	}
	return nil
}
