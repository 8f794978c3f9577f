package session

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/crpc/internal/audit"
)

// Sweep purges sessions idle longer than retention. A zero retention
// keeps everything. Returns the number purged.
func (s *Store) Sweep(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-retention)
	purged := 0
	for _, meta := range s.List("") {
		if meta.LastActivityAt.After(cutoff) {
			continue
		}
		if err := s.Delete(meta.SessionID); err != nil {
			s.logger.Warn("retention purge failed", "session_id", meta.SessionID, "error", err)
			continue
		}
		audit.Record("session.purged", "", meta.SessionID,
			fmt.Sprintf("retention sweep; idle since %s", meta.LastActivityAt.Format(time.RFC3339)))
		purged++
	}
	if purged > 0 {
		s.logger.Info("retention sweep", "purged", purged)
	}
	return purged
}

// StartSweeper wakes at interval and applies the retention policy.
func (s *Store) StartSweeper(ctx context.Context, interval, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(retention)
			}
		}
	}()
}

// ExportUser collects every session owned by owner. Per-session read
// failures become warnings rather than failing the export.
func (s *Store) ExportUser(owner string) ([]Export, []string) {
	var exports []Export
	var warnings []string
	for _, meta := range s.List(owner) {
		turns, err := s.History(meta.SessionID)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("session %s: %v", meta.SessionID, err))
			continue
		}
		exports = append(exports, Export{Meta: meta, Turns: turns})
	}
	return exports, warnings
}

// PurgeUser deletes every session owned by owner, best effort. Returns
// (deleted, total).
func (s *Store) PurgeUser(owner string) (deleted, total int) {
	sessions := s.List(owner)
	total = len(sessions)
	for _, meta := range sessions {
		if err := s.Delete(meta.SessionID); err != nil {
			s.logger.Warn("purge failed", "session_id", meta.SessionID, "error", err)
			continue
		}
		audit.Record("session.purged", "", meta.SessionID, "user purge for "+owner)
		deleted++
	}
	return deleted, total
}
