package wasm

import (
	"reflect"
	"testing"

	"github.com/basket/crpc/internal/policy"
	"github.com/basket/crpc/internal/shared"
)

func TestDeriveManifestKinds(t *testing.T) {
	cases := []struct {
		name     string
		exports  []string
		wantKind string
	}{
		{"tool", []string{ExportAlloc, ExportToolInvoke}, KindTool},
		{"channel", []string{ExportAlloc, ExportChannelSend}, KindChannel},
		{"hook", []string{ExportAlloc, ExportHookFire}, KindHook},
		{"tool wins over channel", []string{ExportAlloc, ExportChannelSend, ExportToolInvoke}, KindTool},
	}
	for _, tc := range cases {
		m, err := DeriveManifest("p", tc.exports, nil)
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if m.Kind != tc.wantKind {
			t.Errorf("%s: kind = %q, want %q", tc.name, m.Kind, tc.wantKind)
		}
	}
}

func TestDeriveManifestRejects(t *testing.T) {
	if _, err := DeriveManifest("p", []string{ExportAlloc}, nil); !shared.IsKind(err, shared.KindSchemaInvalid) {
		t.Error("no entry point should be rejected")
	}
	if _, err := DeriveManifest("p", []string{ExportToolInvoke}, nil); !shared.IsKind(err, shared.KindSchemaInvalid) {
		t.Error("missing alloc should be rejected")
	}
	_, err := DeriveManifest("p", []string{ExportAlloc, ExportToolInvoke}, []string{"shell_exec"})
	if !shared.IsKind(err, shared.KindSchemaInvalid) {
		t.Error("unknown capability import should be rejected at load")
	}
}

func TestDeriveManifestVersionAndCaps(t *testing.T) {
	m, err := DeriveManifest("weather",
		[]string{ExportAlloc, ExportToolInvoke, "version:1.4.2"},
		[]string{"http_fetch", "credential_get", "http_fetch"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Version != "1.4.2" {
		t.Errorf("version = %q, want 1.4.2", m.Version)
	}
	want := []string{policy.CapHTTPFetch, policy.CapCredentialRead}
	if !reflect.DeepEqual(m.Capabilities, want) {
		t.Errorf("capabilities = %v, want %v (deduplicated, in import order)", m.Capabilities, want)
	}
}

func TestManifestGranted(t *testing.T) {
	m := Manifest{
		PluginID:     "weather",
		Capabilities: []string{policy.CapHTTPFetch, policy.CapKVWrite},
	}
	p := policy.Policy{Grants: map[string][]string{"weather": {policy.CapHTTPFetch}}}
	got := m.Granted(p)
	if len(got) != 1 || got[0] != policy.CapHTTPFetch {
		t.Fatalf("Granted = %v, want [http:fetch]", got)
	}
}

func TestPackUnpack(t *testing.T) {
	ptr, length := unpack(pack(0xDEAD, 0xBEEF))
	if ptr != 0xDEAD || length != 0xBEEF {
		t.Fatalf("round trip = (%#x, %#x)", ptr, length)
	}
}
