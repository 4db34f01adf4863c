package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Document names for the engine's persisted state. Each is a whole JSON
// document replaced atomically; there is at most one writer at a time (the
// scheduler guarantees a single run).
const (
	DocRewardCache   = "reward_cache"
	DocFailedPayouts = "failed_payouts"
	DocLedger        = "delegation_history"
	DocLedgerSync    = "ledger_sync"
)

// ErrNotFound is returned when a document has never been written.
var ErrNotFound = errors.New("document not found")

// Store is a key to JSON-document map with atomic whole-document replace
// semantics. Backends must make Save durable before returning: the reward
// cache is the one piece of state whose loss leaks funds.
type Store interface {
	Load(name string, v interface{}) error
	Save(name string, v interface{}) error
	Close() error
}

// FileStore keeps each document as an indented JSON file in a directory,
// written temp-then-rename so a crash mid-write never corrupts the previous
// version.
type FileStore struct {
	Dir string
}

// OpenFileStore creates the directory if needed.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.Dir, name+".json")
}

func (s *FileStore) Load(name string, v interface{}) error {
	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("document %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) Save(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("document %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.Dir, name+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	// Sync before rename: the rename must only ever expose complete data.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(name))
}

func (s *FileStore) Close() error { return nil }
