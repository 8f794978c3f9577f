package wasm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/crpc/internal/shared"
)

func TestClassifyWASMError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want shared.Kind
	}{
		{"deadline", context.DeadlineExceeded, shared.KindTimeout},
		{"cancelled", context.Canceled, shared.KindCancelled},
		{"trap", errors.New("wasm error: unreachable"), shared.KindInternal},
	}
	for _, tc := range cases {
		if got := shared.KindOf(classifyWASMError("p", tc.err)); got != tc.want {
			t.Errorf("%s: kind = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExtensionFor(t *testing.T) {
	cases := map[string]string{
		"image/png":       ".png",
		"image/jpeg":      ".jpg",
		"audio/mpeg":      ".mp3",
		"audio/ogg":       ".ogg",
		"application/zip": ".bin",
		"":                ".bin",
	}
	for ct, want := range cases {
		if got := extensionFor(ct); got != want {
			t.Errorf("extensionFor(%q) = %q, want %q", ct, got, want)
		}
	}
}

func TestHostLoadRejectsGarbage(t *testing.T) {
	h, err := NewHost(t.Context(), Config{
		MediaDir: t.TempDir(),
		KVDir:    t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close(context.Background())

	if _, err := h.Load(t.Context(), "junk", []byte("not wasm at all"), "test"); !shared.IsKind(err, shared.KindSchemaInvalid) {
		t.Fatalf("kind = %v, want SchemaInvalid", shared.KindOf(err))
	}
	if _, ok := h.ManifestOf("junk"); ok {
		t.Fatal("rejected plugin must not be admitted")
	}
}

func TestInvokeUnknownPlugin(t *testing.T) {
	h, err := NewHost(t.Context(), Config{
		MediaDir: t.TempDir(),
		KVDir:    t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close(context.Background())

	if _, err := h.InvokeTool(t.Context(), "ghost", nil); !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("kind = %v, want NotFound", shared.KindOf(err))
	}
}

func TestInvokeTimeoutConfig(t *testing.T) {
	h, err := NewHost(t.Context(), Config{
		MediaDir:      t.TempDir(),
		KVDir:         t.TempDir(),
		InvokeTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close(context.Background())
	if h.invokeTimeout != 5*time.Second {
		t.Fatalf("invokeTimeout = %v", h.invokeTimeout)
	}
}
