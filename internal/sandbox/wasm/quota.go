package wasm

import (
	"sync"
	"time"

	"github.com/basket/crpc/internal/shared"
)

// quotaWindow is a fixed one-minute counting window. Capability calls
// past the cap fail with QuotaExceeded until the window rolls over.
type quotaWindow struct {
	limit   int
	count   int
	started time.Time
}

func (w *quotaWindow) take(now time.Time) bool {
	if now.Sub(w.started) >= time.Minute {
		w.started = now
		w.count = 0
	}
	if w.count >= w.limit {
		return false
	}
	w.count++
	return true
}

// Quotas tracks per-plugin capability budgets.
type Quotas struct {
	mu       sync.Mutex
	httpRPM  int
	logLPM   int
	maxMedia int64
	now      func() time.Time

	http map[string]*quotaWindow
	logs map[string]*quotaWindow
}

func NewQuotas(httpPerMinute, logLinesPerMinute int, mediaMaxBytes int64) *Quotas {
	if httpPerMinute <= 0 {
		httpPerMinute = 100
	}
	if logLinesPerMinute <= 0 {
		logLinesPerMinute = 1000
	}
	if mediaMaxBytes <= 0 {
		mediaMaxBytes = 50 << 20
	}
	return &Quotas{
		httpRPM:  httpPerMinute,
		logLPM:   logLinesPerMinute,
		maxMedia: mediaMaxBytes,
		now:      time.Now,
		http:     map[string]*quotaWindow{},
		logs:     map[string]*quotaWindow{},
	}
}

// SetClock overrides the clock for tests.
func (q *Quotas) SetClock(now func() time.Time) { q.now = now }

func (q *Quotas) takeFrom(pool map[string]*quotaWindow, pluginID string, limit int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := pool[pluginID]
	if !ok {
		w = &quotaWindow{limit: limit, started: q.now()}
		pool[pluginID] = w
	}
	return w.take(q.now())
}

// TakeHTTP charges one http:fetch call.
func (q *Quotas) TakeHTTP(pluginID string) error {
	if !q.takeFrom(q.http, pluginID, q.httpRPM) {
		return shared.Ef(shared.KindQuotaExceeded, "plugin %s exceeded %d http calls/min", pluginID, q.httpRPM)
	}
	return nil
}

// TakeLog charges one log line.
func (q *Quotas) TakeLog(pluginID string) error {
	if !q.takeFrom(q.logs, pluginID, q.logLPM) {
		return shared.Ef(shared.KindQuotaExceeded, "plugin %s exceeded %d log lines/min", pluginID, q.logLPM)
	}
	return nil
}

// CheckMedia validates a media_store payload size.
func (q *Quotas) CheckMedia(pluginID string, size int64) error {
	if size > q.maxMedia {
		return shared.Ef(shared.KindQuotaExceeded, "plugin %s media payload %d bytes exceeds cap %d", pluginID, size, q.maxMedia)
	}
	return nil
}
