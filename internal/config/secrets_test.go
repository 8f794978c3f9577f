package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/basket/crpc/internal/shared"
)

func TestEncryptDecryptValue(t *testing.T) {
	enc, err := EncryptValue("open sesame", "tg-bot-token-123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(enc, "enc:v1:") {
		t.Fatalf("missing prefix: %q", enc)
	}

	plain, err := DecryptValue("open sesame", enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "tg-bot-token-123" {
		t.Fatalf("round trip = %q", plain)
	}
}

func TestDecryptValue_WrongPassphrase(t *testing.T) {
	enc, err := EncryptValue("right", "secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptValue("wrong", enc); !shared.IsKind(err, shared.KindSchemaInvalid) {
		t.Fatalf("error = %v, want SchemaInvalid", err)
	}
}

func TestDecryptValue_PassthroughPlaintext(t *testing.T) {
	got, err := DecryptValue("", "just a plain string")
	if err != nil || got != "just a plain string" {
		t.Fatalf("passthrough = %q, %v", got, err)
	}
}

func TestDecryptValue_MissingPassphrase(t *testing.T) {
	if _, err := DecryptValue("", "enc:v1:AAAA"); !shared.IsKind(err, shared.KindDependencyUnavailable) {
		t.Fatalf("error = %v, want DependencyUnavailable", err)
	}
}

func TestBackupRoundTrip(t *testing.T) {
	payload := []byte(`{"sessions": ["s1", "s2"], "cron": []}`)

	var buf bytes.Buffer
	if err := WriteBackup(&buf, "vault-pass", payload); err != nil {
		t.Fatalf("write backup: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("CRPC_ENC")) {
		t.Fatalf("missing magic header: %q", buf.Bytes()[:12])
	}
	if bytes.Contains(buf.Bytes(), []byte("sessions")) {
		t.Fatal("payload visible in archive")
	}

	got, err := ReadBackup(bytes.NewReader(buf.Bytes()), "vault-pass")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip = %q", got)
	}

	if _, err := ReadBackup(bytes.NewReader(buf.Bytes()), "wrong"); err == nil {
		t.Fatal("wrong passphrase accepted")
	}
}
