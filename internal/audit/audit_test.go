package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func resetForTest(t *testing.T) string {
	t.Helper()
	mu.Lock()
	if file != nil {
		file.Close()
		file = nil
	}
	mu.Unlock()
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { Close() })
	return dir
}

func TestRecord_AppendsRedactedEntry(t *testing.T) {
	dir := resetForTest(t)

	Record("connector.http_error", "deny", "http://169.254.169.254/", "token=0123456789abcdef0123 blocked range")
	Close()

	data, err := os.ReadFile(filepath.Join(dir, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if strings.Contains(string(data), "0123456789abcdef0123") {
		t.Fatalf("secret leaked into audit log: %s", data)
	}

	var rec entry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &rec); err != nil {
		t.Fatalf("audit line is not JSON: %v", err)
	}
	if rec.Event != "connector.http_error" {
		t.Fatalf("event = %q", rec.Event)
	}
	if rec.Decision != "deny" {
		t.Fatalf("decision = %q", rec.Decision)
	}
}

func TestDenyCount(t *testing.T) {
	resetForTest(t)
	before := DenyCount()
	Record("plugin.capability", "deny", "weather:credential_get", "outside prefix")
	Record("plugin.capability", "allow", "weather:http_fetch", "")
	if got := DenyCount(); got != before+1 {
		t.Fatalf("DenyCount = %d, want %d", got, before+1)
	}
}
