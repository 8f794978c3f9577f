// Package store provides the file-backed persistence primitives shared by
// every subsystem: temp-write + fsync + rename replacement, and JSON
// documents guarded by a content digest for optimistic concurrency.
// Readers never observe a partial file.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/crpc/internal/shared"
)

// WriteFileAtomic replaces path with data. The write goes to a temp file in
// the same directory, is fsynced, then renamed over the target so a crash
// leaves either the old or the new content, never a mix.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil // best effort; some filesystems refuse directory opens
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}

// Digest returns the hex SHA-256 of data; the digest form used for every
// optimistic-concurrency check in the system.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Doc is a JSON document file with digest-checked replacement.
type Doc struct {
	Path string
}

// Load unmarshals the document into v and returns the digest of the raw
// bytes. A missing file yields NotFound.
func (d Doc) Load(v any) (string, error) {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", shared.Ef(shared.KindNotFound, "document %s does not exist", filepath.Base(d.Path))
		}
		return "", fmt.Errorf("read %s: %w", d.Path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return "", shared.Wrap(shared.KindSchemaInvalid, fmt.Sprintf("parse %s", filepath.Base(d.Path)), err)
	}
	return Digest(data), nil
}

// LoadOr behaves like Load but initialises v from fallback when the file is
// missing, returning the digest of the encoded fallback.
func (d Doc) LoadOr(v any, fallback func() any) (string, error) {
	digest, err := d.Load(v)
	if err == nil {
		return digest, nil
	}
	if !shared.IsKind(err, shared.KindNotFound) {
		return "", err
	}
	seed, mErr := json.Marshal(fallback())
	if mErr != nil {
		return "", fmt.Errorf("encode fallback: %w", mErr)
	}
	if uErr := json.Unmarshal(seed, v); uErr != nil {
		return "", fmt.Errorf("decode fallback: %w", uErr)
	}
	return Digest(seed), nil
}

// Save replaces the document unconditionally and returns the new digest.
func (d Doc) Save(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", filepath.Base(d.Path), err)
	}
	data = append(data, '\n')
	if err := WriteFileAtomic(d.Path, data, 0o600); err != nil {
		return "", err
	}
	return Digest(data), nil
}

// SaveIf replaces the document only when the on-disk digest still equals
// baseDigest. On mismatch it returns Conflict carrying the current digest.
func (d Doc) SaveIf(v any, baseDigest string) (string, error) {
	current := ""
	if data, err := os.ReadFile(d.Path); err == nil {
		current = Digest(data)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read %s: %w", d.Path, err)
	}
	if current != "" && current != baseDigest {
		return "", shared.E(shared.KindConflict, "document changed since read").WithData("current_digest", current)
	}
	if current == "" && baseDigest != "" {
		return "", shared.E(shared.KindConflict, "document no longer exists")
	}
	return d.Save(v)
}
