// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jmcleod/minica/internal/util"
	"github.com/jmcleod/minica/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[storage.Kind]map[string][]byte
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[storage.Kind]map[string][]byte)}
}

func (r *Repository) Put(kind storage.Kind, name string, data []byte) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[kind]; !ok {
		r.data[kind] = make(map[string][]byte)
	}
	r.data[kind][name] = util.CopyBytes(data)
	return nil
}

func (r *Repository) Get(kind storage.Kind, name string) ([]byte, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.data[kind][name]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", kind, name, storage.ErrNotFound)
	}
	return util.CopyBytes(data), nil
}

func (r *Repository) Update(kind storage.Kind, name string, fn storage.UpdateFunc) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var current []byte
	if data, ok := r.data[kind][name]; ok {
		current = util.CopyBytes(data)
	}
	next, err := fn(current)
	if err != nil || next == nil {
		return err
	}
	if _, ok := r.data[kind]; !ok {
		r.data[kind] = make(map[string][]byte)
	}
	r.data[kind][name] = util.CopyBytes(next)
	return nil
}

func (r *Repository) List(kind storage.Kind) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.data[kind]))
	for name := range r.data[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Repository) Delete(kind storage.Kind, name string) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[kind][name]; !ok {
		return fmt.Errorf("%s/%s: %w", kind, name, storage.ErrNotFound)
	}
	delete(r.data[kind], name)
	return nil
}
