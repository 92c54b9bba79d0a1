// Package tokenstore provides persistent portalsdk.TokenStore
// implementations for the CLI.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aussiebroadwan/portal/pkg/cryptox"
	"github.com/aussiebroadwan/portal/pkg/portalsdk"
)

// SealInfo binds the file store's key to its purpose.
const SealInfo = "portal/tokenstore/file/v1"

// Store is a TokenStore holding a resource that must be released.
type Store interface {
	portalsdk.TokenStore
	Close() error
}

// FileStore keeps the pair in a single file sealed with AES-GCM. Saves write
// a temporary file and rename it over the old one, so the file always holds
// a complete pair or none.
type FileStore struct {
	path   string
	sealer *cryptox.Sealer
	mu     sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store at path. The parent directory is created on
// the first save.
func NewFileStore(path string, sealer *cryptox.Sealer) *FileStore {
	return &FileStore{path: path, sealer: sealer}
}

// Load returns the stored pair. A file that cannot be opened or decoded,
// for example after the key changed, reports ErrNoTokens.
func (s *FileStore) Load(_ context.Context) (portalsdk.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return portalsdk.TokenPair{}, portalsdk.ErrNoTokens
	}
	if err != nil {
		return portalsdk.TokenPair{}, fmt.Errorf("read token file: %w", err)
	}

	data, err := s.sealer.Open(sealed)
	if err != nil {
		return portalsdk.TokenPair{}, fmt.Errorf("%w: %w", portalsdk.ErrNoTokens, err)
	}

	var pair portalsdk.TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return portalsdk.TokenPair{}, fmt.Errorf("%w: decode token file: %w", portalsdk.ErrNoTokens, err)
	}
	if err := pair.Validate(); err != nil {
		return portalsdk.TokenPair{}, fmt.Errorf("%w: %w", portalsdk.ErrNoTokens, err)
	}
	return pair, nil
}

func (s *FileStore) Save(_ context.Context, pair portalsdk.TokenPair) error {
	if err := pair.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}
	sealed, err := s.sealer.Seal(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp token file: %w", err)
	}
	if _, err := tmp.Write(sealed); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp token file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// Close is a no-op; the file is not held open.
func (s *FileStore) Close() error { return nil }
