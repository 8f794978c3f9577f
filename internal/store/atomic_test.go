package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/crpc/internal/shared"
)

func TestWriteFileAtomic_ReplacesWholeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteFileAtomic(path, []byte("first"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("content = %q, want %q", data, "second")
	}

	// No temp droppings left behind.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("stale temp file: %s", e.Name())
		}
	}
}

func TestDoc_SaveIfConflict(t *testing.T) {
	doc := Doc{Path: filepath.Join(t.TempDir(), "doc.json")}

	type payload struct {
		N int `json:"n"`
	}

	d0, err := doc.Save(payload{N: 1})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	// Writer A succeeds from d0.
	d1, err := doc.SaveIf(payload{N: 2}, d0)
	if err != nil {
		t.Fatalf("first SaveIf: %v", err)
	}
	if d1 == d0 {
		t.Fatal("digest did not change after write")
	}

	// Writer B still holds d0 and must get Conflict, leaving state intact.
	if _, err := doc.SaveIf(payload{N: 99}, d0); !shared.IsKind(err, shared.KindConflict) {
		t.Fatalf("stale SaveIf error = %v, want Conflict", err)
	}

	var got payload
	d2, err := doc.Load(&got)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.N != 2 || d2 != d1 {
		t.Fatalf("state after conflict = %+v digest %s, want n=2 digest %s", got, d2, d1)
	}
}

func TestDoc_LoadMissing(t *testing.T) {
	doc := Doc{Path: filepath.Join(t.TempDir(), "absent.json")}
	var v map[string]any
	if _, err := doc.Load(&v); !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("Load error = %v, want NotFound", err)
	}
}

func TestDoc_LoadOrSeedsFallback(t *testing.T) {
	doc := Doc{Path: filepath.Join(t.TempDir(), "seeded.json")}
	var v struct {
		Jobs []string `json:"jobs"`
	}
	digest, err := doc.LoadOr(&v, func() any {
		return map[string]any{"jobs": []string{}}
	})
	if err != nil {
		t.Fatalf("LoadOr: %v", err)
	}
	if digest == "" {
		t.Fatal("expected digest for seeded content")
	}
	if v.Jobs == nil || len(v.Jobs) != 0 {
		t.Fatalf("fallback not applied: %+v", v)
	}
}
