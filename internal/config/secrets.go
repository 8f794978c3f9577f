package config

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/basket/crpc/internal/shared"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/pbkdf2"
)

// encPrefix marks an inline encrypted config value. The payload is
// base64(salt(16) || nonce(12) || ciphertext).
const encPrefix = "enc:v1:"

// backupMagic heads every encrypted backup archive.
const backupMagic = "CRPC_ENC"

const (
	pbkdf2Iterations = 600_000
	saltLen          = 16
	nonceLen         = 12
	keyLen           = 32
)

// PassphraseEnv names the environment variable holding the master
// passphrase used for enc:v1 values and backup archives.
const PassphraseEnv = "CRPC_PASSPHRASE"

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keyLen, sha256.New)
}

// IsEncryptedValue reports whether value carries the enc:v1 prefix.
func IsEncryptedValue(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// EncryptValue produces an enc:v1 string for plaintext.
func EncryptValue(passphrase, plaintext string) (string, error) {
	if passphrase == "" {
		return "", shared.E(shared.KindDependencyUnavailable, "master passphrase not set")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	aead, err := newAEAD(deriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	payload := append(append(salt, nonce...), sealed...)
	return encPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptValue reverses EncryptValue. A wrong passphrase or mangled
// payload yields SchemaInvalid.
func DecryptValue(passphrase, value string) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return value, nil
	}
	if passphrase == "" {
		return "", shared.E(shared.KindDependencyUnavailable, "encrypted value present but master passphrase not set")
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil {
		return "", shared.Wrap(shared.KindSchemaInvalid, "decode encrypted value", err)
	}
	if len(payload) < saltLen+nonceLen+1 {
		return "", shared.E(shared.KindSchemaInvalid, "encrypted value too short")
	}
	salt := payload[:saltLen]
	nonce := payload[saltLen : saltLen+nonceLen]
	sealed := payload[saltLen+nonceLen:]
	aead, err := newAEAD(deriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", shared.Wrap(shared.KindSchemaInvalid, "decrypt value", err)
	}
	return string(plain), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// resolveSecrets decrypts every enc:v1 string leaf in the raw document.
func resolveSecrets(v any, passphrase string) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := resolveSecrets(item, passphrase)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveSecrets(item, passphrase)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case string:
		return DecryptValue(passphrase, val)
	default:
		return v, nil
	}
}

// WriteBackup writes an encrypted, compressed backup blob: the CRPC_ENC
// magic, a salt and nonce, then AES-256-GCM over the gzip stream.
func WriteBackup(w io.Writer, passphrase string, payload []byte) error {
	if passphrase == "" {
		return shared.E(shared.KindDependencyUnavailable, "master passphrase not set")
	}
	var compressed bytes.Buffer
	gz, err := gzip.NewWriterLevel(&compressed, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("init gzip: %w", err)
	}
	if _, err := gz.Write(payload); err != nil {
		return fmt.Errorf("compress backup: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("flush gzip: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("read salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("read nonce: %w", err)
	}
	aead, err := newAEAD(deriveKey(passphrase, salt))
	if err != nil {
		return err
	}
	sealed := aead.Seal(nil, nonce, compressed.Bytes(), nil)

	if _, err := w.Write([]byte(backupMagic)); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if _, err := w.Write(salt); err != nil {
		return fmt.Errorf("write salt: %w", err)
	}
	if _, err := w.Write(nonce); err != nil {
		return fmt.Errorf("write nonce: %w", err)
	}
	if _, err := w.Write(sealed); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// ReadBackup reverses WriteBackup.
func ReadBackup(r io.Reader, passphrase string) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	if len(raw) < len(backupMagic)+saltLen+nonceLen+1 {
		return nil, shared.E(shared.KindSchemaInvalid, "backup truncated")
	}
	if string(raw[:len(backupMagic)]) != backupMagic {
		return nil, shared.E(shared.KindSchemaInvalid, "not a crpc backup archive")
	}
	raw = raw[len(backupMagic):]
	salt, nonce, sealed := raw[:saltLen], raw[saltLen:saltLen+nonceLen], raw[saltLen+nonceLen:]
	aead, err := newAEAD(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, shared.Wrap(shared.KindSchemaInvalid, "decrypt backup", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(plain))
	if err != nil {
		return nil, shared.Wrap(shared.KindSchemaInvalid, "decompress backup", err)
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
