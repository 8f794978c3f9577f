package credentials

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T, passphrase string) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := Open(path, passphrase)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path
}

func TestSetGetRoundTrip(t *testing.T) {
	s, _ := openTestStore(t, "")
	if err := s.Set("weather", "api_key", "s3cret"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get("weather", "api_key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "s3cret" {
		t.Fatalf("Get = %q, want %q", got, "s3cret")
	}
}

func TestPrefixIsolation(t *testing.T) {
	s, _ := openTestStore(t, "")
	if err := s.Set("weather", "api_key", "s3cret"); err != nil {
		t.Fatal(err)
	}
	// Another plugin cannot see the key, and cannot smuggle a colon to
	// escape its prefix.
	if _, err := s.Get("other", "api_key"); err == nil {
		t.Fatal("other plugin should not read weather's credential")
	}
	if _, err := s.Get("weather", "api_key:x"); err == nil {
		t.Fatal("colon in name must not resolve")
	}
	if _, err := s.Get("", "weather:api_key"); err == nil {
		t.Fatal("empty plugin id must not resolve")
	}
}

func TestEncryptedAtRest(t *testing.T) {
	s, path := openTestStore(t, "hunter2")
	if err := s.Set("weather", "api_key", "s3cret"); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "s3cret") {
		t.Fatal("plaintext secret leaked to disk")
	}
	if !strings.Contains(string(raw), "enc:v1:") {
		t.Fatal("stored value should carry the enc:v1 prefix")
	}

	// Reopen and read back.
	s2, err := Open(path, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.Get("weather", "api_key")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got != "s3cret" {
		t.Fatalf("Get = %q, want s3cret", got)
	}
}

func TestNamesListsOwnPrefixOnly(t *testing.T) {
	s, _ := openTestStore(t, "")
	for _, kv := range [][2]string{{"weather", "api_key"}, {"weather", "backup"}, {"notes", "token"}} {
		if err := s.Set(kv[0], kv[1], "x"); err != nil {
			t.Fatal(err)
		}
	}
	names := s.Names("weather")
	if len(names) != 2 || names[0] != "api_key" || names[1] != "backup" {
		t.Fatalf("Names = %v, want [api_key backup]", names)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, _ := openTestStore(t, "")
	if err := s.Set("weather", "api_key", "x"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("weather", "api_key"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("weather", "api_key"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := s.Get("weather", "api_key"); err == nil {
		t.Fatal("deleted credential should be gone")
	}
}
