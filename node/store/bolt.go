package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

// BoltStore is the embedded-database backend: same document semantics as
// FileStore, one bucket, one key per document. bbolt commits are durable on
// return, which satisfies the same guarantee the temp-then-rename file
// backend gives.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the database file.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(name string, v interface{}) error {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(documentsBucket).Get([]byte(name)); raw != nil {
			data = append(data, raw...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if data == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("document %s: %w", name, err)
	}
	return nil
}

func (s *BoltStore) Save(name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("document %s: %w", name, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(name), data)
	})
}

func (s *BoltStore) Close() error { return s.db.Close() }
