// Package bbolt provides a BBolt-backed storage repository. Each artifact
// kind is a bucket and each artifact a key within it; every write is its own
// transaction. BBolt holds an exclusive lock on the database file while it
// is open, so other processes wait in Open until it is closed.
package bbolt

import (
	"fmt"
	"sort"

	"github.com/jmcleod/minica/storage"
	"go.etcd.io/bbolt"
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(kind storage.Kind, name string, data []byte) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return err
		}
		return b.Put([]byte(name), data)
	})
}

func (s *Store) Get(kind storage.Kind, name string) ([]byte, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", kind, name, storage.ErrNotFound)
		}
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", kind, name, storage.ErrNotFound)
		}
		// Values are only valid for the life of the transaction.
		out = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Update(kind storage.Kind, name string, fn storage.UpdateFunc) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return err
		}
		var current []byte
		if data := b.Get([]byte(name)); data != nil {
			current = append([]byte(nil), data...)
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}
		return b.Put([]byte(name), next)
	})
}

func (s *Store) List(kind storage.Kind) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	sort.Strings(names)
	return names, err
}

func (s *Store) Delete(kind storage.Kind, name string) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil || b.Get([]byte(name)) == nil {
			return fmt.Errorf("%s/%s: %w", kind, name, storage.ErrNotFound)
		}
		return b.Delete([]byte(name))
	})
}
