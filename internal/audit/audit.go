// Package audit maintains the append-only audit log. Records land in
// <base>/logs/audit.jsonl; the file rotates once it crosses 50 MB. Every
// string field is redacted before it is written.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/crpc/internal/shared"
)

// rotateBytes is the size threshold at which audit.jsonl is rotated aside.
const rotateBytes = 50 << 20

type entry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Decision  string `json:"decision,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Detail    string `json:"detail,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	path      string
	size      int64
	denyCount atomic.Int64
)

// Init opens (or creates) the audit log under baseDir. Safe to call once;
// later calls are no-ops.
func Init(baseDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(baseDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	p := filepath.Join(logDir, "audit.jsonl")
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	file, path, size = f, p, info.Size()
	return nil
}

// Close flushes and closes the audit log.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Sync()
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	file = nil
	return err
}

// Sync forces the audit log to stable storage. Called during shutdown drain.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	return file.Sync()
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one audit entry. event names what happened
// (e.g. "connector.http_error", "session.purged"), decision is
// allow/deny/"" for non-decisions.
func Record(event, decision, subject, detail string) {
	RecordTraced(event, decision, subject, detail, "")
}

// RecordTraced is Record with an explicit trace id.
func RecordTraced(event, decision, subject, detail, traceID string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Event:     event,
		Decision:  decision,
		Subject:   shared.Redact(subject),
		Detail:    shared.Redact(detail),
		TraceID:   traceID,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	b = append(b, '\n')

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	if size+int64(len(b)) > rotateBytes {
		rotateLocked()
	}
	if n, err := file.Write(b); err == nil {
		size += int64(n)
	}
}

// rotateLocked moves the current file aside and starts a fresh one.
// Callers hold mu.
func rotateLocked() {
	_ = file.Sync()
	_ = file.Close()
	rotated := fmt.Sprintf("%s.%s", path, time.Now().UTC().Format("20060102T150405"))
	_ = os.Rename(path, rotated)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		file = nil
		return
	}
	file, size = f, 0
}
