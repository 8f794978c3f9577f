// Package credentials stores plugin secrets. Every entry is keyed
// "<plugin_id>:<name>" and a plugin can only ever read under its own
// prefix; there is no enumeration surface for hosted code at all.
package credentials

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/basket/crpc/internal/config"
	"github.com/basket/crpc/internal/shared"
	"github.com/basket/crpc/internal/store"
)

// Store is a file-backed credential table. When a master passphrase is
// configured, values are written as enc:v1 ciphertext; otherwise the file
// relies on its 0600 mode.
type Store struct {
	mu         sync.Mutex
	doc        store.Doc
	passphrase string
	entries    map[string]string
}

// Open loads (or initialises) the credential file.
func Open(path, passphrase string) (*Store, error) {
	s := &Store{
		doc:        store.Doc{Path: path},
		passphrase: passphrase,
		entries:    map[string]string{},
	}
	if _, err := s.doc.Load(&s.entries); err != nil && !shared.IsKind(err, shared.KindNotFound) {
		return nil, err
	}
	if s.entries == nil {
		s.entries = map[string]string{}
	}
	return s, nil
}

// Key builds the canonical storage key.
func Key(pluginID, name string) string {
	return pluginID + ":" + name
}

// Get returns the secret for "<pluginID>:<name>". Keys outside the
// plugin's prefix are indistinguishable from missing ones.
func (s *Store) Get(pluginID, name string) (string, error) {
	if pluginID == "" || name == "" || strings.Contains(name, ":") {
		return "", shared.E(shared.KindNotFound, "credential not found")
	}
	s.mu.Lock()
	raw, ok := s.entries[Key(pluginID, name)]
	s.mu.Unlock()
	if !ok {
		return "", shared.E(shared.KindNotFound, "credential not found")
	}
	if config.IsEncryptedValue(raw) {
		if s.passphrase == "" {
			return "", shared.E(shared.KindDependencyUnavailable, "credential is encrypted and no passphrase is configured")
		}
		plain, err := config.DecryptValue(s.passphrase, raw)
		if err != nil {
			return "", fmt.Errorf("decrypt credential: %w", err)
		}
		return plain, nil
	}
	return raw, nil
}

// Set writes a credential for the plugin, encrypting when a passphrase is
// available.
func (s *Store) Set(pluginID, name, value string) error {
	if pluginID == "" || name == "" || strings.Contains(name, ":") {
		return shared.E(shared.KindSchemaInvalid, "credential names must be non-empty and colon-free")
	}
	stored := value
	if s.passphrase != "" {
		enc, err := config.EncryptValue(s.passphrase, value)
		if err != nil {
			return fmt.Errorf("encrypt credential: %w", err)
		}
		stored = enc
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[Key(pluginID, name)] = stored
	_, err := s.doc.Save(s.entries)
	return err
}

// Delete removes a credential. Deleting a missing key is not an error.
func (s *Store) Delete(pluginID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[Key(pluginID, name)]; !ok {
		return nil
	}
	delete(s.entries, Key(pluginID, name))
	_, err := s.doc.Save(s.entries)
	return err
}

// Names lists the credential names under one plugin's prefix. This is an
// operator surface; it is never exposed to hosted code.
func (s *Store) Names(pluginID string) []string {
	prefix := pluginID + ":"
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			names = append(names, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(names)
	return names
}
