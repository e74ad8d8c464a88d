// Package file provides a filesystem-backed storage repository. Every
// artifact is a single file in one directory; writes go to a temporary file
// that is synced and then renamed over the target, so readers never see a
// partially written artifact. Updates hold an advisory lock file next to the
// artifact for the whole read-modify-write.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"github.com/jmcleod/minica/storage"
)

const (
	dirPerm     = 0o700
	privatePerm = 0o600
	publicPerm  = 0o644
)

// suffixes maps artifact kinds onto file name suffixes.
var suffixes = map[storage.Kind]string{
	storage.KindKey:         "_key.pem",
	storage.KindCertificate: "_cert.pem",
	storage.KindCRL:         "_crl.pem",
	storage.KindRevocations: "_revocations.json",
}

// Store implements storage.Repository on top of a directory.
type Store struct {
	dir string
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository rooted at dir, creating it if absent.
func NewRepository(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("storage directory must not be empty")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path an artifact is stored at.
func (s *Store) Path(kind storage.Kind, name string) string {
	return filepath.Join(s.dir, fileName(kind, name))
}

func fileName(kind storage.Kind, name string) string {
	if suffix, ok := suffixes[kind]; ok {
		return name + suffix
	}
	return name + "." + string(kind)
}

func suffix(kind storage.Kind) string {
	if s, ok := suffixes[kind]; ok {
		return s
	}
	return "." + string(kind)
}

func perm(kind storage.Kind) fs.FileMode {
	if kind == storage.KindKey {
		return privatePerm
	}
	return publicPerm
}

func (s *Store) Put(kind storage.Kind, name string, data []byte) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	// The directory may have been removed since the store was opened.
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}
	return writeAtomic(s.dir, fileName(kind, name), data, perm(kind))
}

func (s *Store) Update(kind storage.Kind, name string, fn storage.UpdateFunc) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}
	target := fileName(kind, name)
	lock := flock.New(filepath.Join(s.dir, "."+target+".lock"))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking %s/%s: %w", kind, name, err)
	}
	defer lock.Unlock()

	current, err := os.ReadFile(filepath.Join(s.dir, target))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading %s/%s: %w", kind, name, err)
		}
		current = nil
	}
	next, err := fn(current)
	if err != nil || next == nil {
		return err
	}
	return writeAtomic(s.dir, target, next, perm(kind))
}

func writeAtomic(dir, name string, data []byte, mode fs.FileMode) (err error) {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err = tmp.Chmod(mode); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", name, err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", name, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", name, err)
	}
	if err = os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("renaming %s into place: %w", name, err)
	}
	return nil
}

func (s *Store) Get(kind storage.Kind, name string) ([]byte, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(kind, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", kind, name, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s/%s: %w", kind, name, err)
	}
	return data, nil
}

func (s *Store) List(kind storage.Kind) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing storage directory: %w", err)
	}
	sfx := suffix(kind)
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, ".") || !strings.HasSuffix(n, sfx) {
			continue
		}
		names = append(names, strings.TrimSuffix(n, sfx))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Delete(kind storage.Kind, name string) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	if err := os.Remove(s.Path(kind, name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s/%s: %w", kind, name, storage.ErrNotFound)
		}
		return fmt.Errorf("deleting %s/%s: %w", kind, name, err)
	}
	return nil
}
