package session

import (
	"time"

	"github.com/basket/crpc/internal/config"
)

// Reset policies.
const (
	ResetManual = "manual"
	ResetDaily  = "daily"
	ResetIdle   = "idle"
)

// ResetPolicy decides whether a scope's existing session is stale and a
// new one should be created on next touch.
type ResetPolicy struct {
	Policy string
	// Idle window for ResetIdle.
	Idle time.Duration
	// Boundary hour/minute (local time) for ResetDaily.
	BoundaryHour   int
	BoundaryMinute int
}

// ResetFromConfig builds a ResetPolicy from the sessions config section.
func ResetFromConfig(cfg config.ResetConfig) ResetPolicy {
	p := ResetPolicy{Policy: cfg.Policy, Idle: cfg.IdleWindow()}
	if h, m, err := cfg.BoundaryClock(); err == nil {
		p.BoundaryHour, p.BoundaryMinute = h, m
	} else {
		p.BoundaryHour = 4
	}
	return p
}

// Due reports whether the session last touched at lastActivity should be
// re-scoped at now.
func (p ResetPolicy) Due(lastActivity, now time.Time) bool {
	switch p.Policy {
	case ResetIdle:
		return now.Sub(lastActivity) > p.Idle
	case ResetDaily:
		// The most recent boundary at or before now, in local time. A
		// session last touched before it gets a fresh scope.
		boundary := time.Date(now.Year(), now.Month(), now.Day(),
			p.BoundaryHour, p.BoundaryMinute, 0, 0, now.Location())
		if boundary.After(now) {
			boundary = boundary.AddDate(0, 0, -1)
		}
		return lastActivity.Before(boundary)
	default:
		return false
	}
}
