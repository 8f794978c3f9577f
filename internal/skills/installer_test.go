package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/crpc/internal/shared"
)

// wasmHeader is the minimal binary magic + version the installer checks.
var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func writeWASMSource(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, wasmHeader, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInstallListRemove(t *testing.T) {
	dir := t.TempDir()
	inst := NewInstaller(filepath.Join(dir, "installed"), nil)
	src := writeWASMSource(t, dir, "weather.wasm")

	info, err := inst.Install(context.Background(), "weather", src)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if info.Name != "weather" || info.Size != int64(len(wasmHeader)) {
		t.Fatalf("info = %+v", info)
	}

	list, err := inst.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "weather" {
		t.Fatalf("List = %+v", list)
	}

	if err := inst.Remove("weather"); err != nil {
		t.Fatal(err)
	}
	if err := inst.Remove("weather"); !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("second remove kind = %v, want NotFound", shared.KindOf(err))
	}
}

func TestInstallConflicts(t *testing.T) {
	dir := t.TempDir()
	inst := NewInstaller(filepath.Join(dir, "installed"), nil)
	src := writeWASMSource(t, dir, "weather.wasm")

	if _, err := inst.Install(context.Background(), "weather", src); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Install(context.Background(), "weather", src); !shared.IsKind(err, shared.KindConflict) {
		t.Fatalf("duplicate install kind = %v, want Conflict", shared.KindOf(err))
	}
	if _, err := inst.Update(context.Background(), "weather", src); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := inst.Update(context.Background(), "missing", src); !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("update missing kind = %v, want NotFound", shared.KindOf(err))
	}
}

func TestInstallRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	inst := NewInstaller(filepath.Join(dir, "installed"), nil)

	notWASM := filepath.Join(dir, "notes.wasm")
	if err := os.WriteFile(notWASM, []byte("#!/bin/sh"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Install(context.Background(), "notes", notWASM); !shared.IsKind(err, shared.KindSchemaInvalid) {
		t.Fatalf("non-wasm kind = %v, want SchemaInvalid", shared.KindOf(err))
	}

	src := writeWASMSource(t, dir, "ok.wasm")
	for _, bad := range []string{"../escape", "a/b", "", ".hidden/../../x"} {
		if _, err := inst.Install(context.Background(), bad, src); !shared.IsKind(err, shared.KindSchemaInvalid) {
			t.Errorf("name %q kind = %v, want SchemaInvalid", bad, shared.KindOf(err))
		}
	}

	if _, err := inst.Install(context.Background(), "ftp", "ftp://example.com/x.wasm"); !shared.IsKind(err, shared.KindSchemaInvalid) {
		t.Fatalf("ftp source kind = %v, want SchemaInvalid", shared.KindOf(err))
	}
}
