// Package credentials persists OAuth credentials for subscription accounts
// in a single JSON file keyed by account id.
//
// The file is the source of truth shared with other tools; the store reads
// it fresh on every operation rather than caching, and writes atomically
// (temp file + rename) so a crash can never leave a half-written file.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when an account id has no stored credential.
var ErrNotFound = errors.New("credential not found")

// Credential is one account's OAuth material. Expires is an absolute unix
// timestamp in milliseconds, matching the on-disk format.
type Credential struct {
	Type    string `json:"type"`
	Refresh string `json:"refresh"`
	Access  string `json:"access"`
	Expires int64  `json:"expires"`
}

// ExpiresAt converts the millisecond timestamp to a time.Time.
func (c Credential) ExpiresAt() time.Time {
	return time.UnixMilli(c.Expires)
}

// ExpiresWithin reports whether the access token expires within d of now
// (or already has). The window is inclusive: a token expiring at exactly
// now+d counts.
func (c Credential) ExpiresWithin(d time.Duration) bool {
	return c.expiresWithin(time.Now(), d)
}

func (c Credential) expiresWithin(now time.Time, d time.Duration) bool {
	return !c.ExpiresAt().After(now.Add(d))
}

// Store is a file-backed credential store. All writes are serialized and
// atomic; concurrent readers see either the old or the new file, never a
// partial one.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore opens the store backed by the JSON file at path. A missing file
// is created holding the empty mapping (0600) so the file exists from first
// startup; an unreadable or malformed file fails here rather than
// mid-request.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat credentials file: %w", err)
		}
		if err := s.write(map[string]Credential{}); err != nil {
			return nil, err
		}
		return s, nil
	}
	if _, err := s.read(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the credential for id, or ErrNotFound.
func (s *Store) Get(id string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.read()
	if err != nil {
		return Credential{}, err
	}
	cred, ok := creds[id]
	if !ok {
		return Credential{}, fmt.Errorf("account %q: %w", id, ErrNotFound)
	}
	return cred, nil
}

// Put inserts or replaces the credential for id.
func (s *Store) Put(id string, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.read()
	if err != nil {
		return err
	}
	if cred.Type == "" {
		cred.Type = "oauth"
	}
	creds[id] = cred
	return s.write(creds)
}

// UpdateToken replaces the credential for an id that already exists,
// failing with ErrNotFound otherwise. Refresh paths persist through this so
// a refresh racing an account removal cannot resurrect the deleted entry.
func (s *Store) UpdateToken(id string, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := creds[id]; !ok {
		return fmt.Errorf("account %q: %w", id, ErrNotFound)
	}
	if cred.Type == "" {
		cred.Type = "oauth"
	}
	creds[id] = cred
	return s.write(creds)
}

// Delete removes the credential for id. Deleting an absent id is a no-op.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := creds[id]; !ok {
		return nil
	}
	delete(creds, id)
	return s.write(creds)
}

// List returns all stored credentials keyed by account id.
func (s *Store) List() (map[string]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// IDs returns the stored account ids in sorted order.
func (s *Store) IDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.read()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(creds))
	for id := range creds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// read loads the full credential map. Caller holds s.mu.
func (s *Store) read() (map[string]Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Credential{}, nil
		}
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	if len(data) == 0 {
		return map[string]Credential{}, nil
	}

	var creds map[string]Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials file %s: %w", s.path, err)
	}
	if creds == nil {
		creds = map[string]Credential{}
	}
	return creds, nil
}

// write persists the credential map atomically: marshal to a temp file in
// the same directory with 0600 permissions, then rename over the target.
// Caller holds s.mu.
func (s *Store) write(creds map[string]Credential) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp credentials file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp credentials file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}
