// Package storagetest holds the behaviour every storage.Repository
// implementation must share. Backends call Run from their own tests.
package storagetest

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jmcleod/minica/storage"
)

// Run exercises repo against the storage.Repository contract. repo must be
// empty when passed in.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	data := []byte("-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n")

	t.Run("PutGet", func(t *testing.T) {
		if err := repo.Put(storage.KindCertificate, "root-ca", data); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(storage.KindCertificate, "root-ca")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("expected %q, got %q", data, got)
		}

		// Returned slices must not alias stored data.
		got[0] = 'X'
		again, _ := repo.Get(storage.KindCertificate, "root-ca")
		if !bytes.Equal(again, data) {
			t.Errorf("stored data was mutated through returned slice")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		if err := repo.Put(storage.KindCertificate, "overwrite", []byte("v1")); err != nil {
			t.Fatalf("Put v1 failed: %v", err)
		}
		if err := repo.Put(storage.KindCertificate, "overwrite", []byte("v2")); err != nil {
			t.Fatalf("Put v2 failed: %v", err)
		}
		got, err := repo.Get(storage.KindCertificate, "overwrite")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != "v2" {
			t.Errorf("expected v2, got %q", got)
		}
	})

	t.Run("KindsAreSeparate", func(t *testing.T) {
		if err := repo.Put(storage.KindKey, "root-ca", []byte("key")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		cert, _ := repo.Get(storage.KindCertificate, "root-ca")
		key, _ := repo.Get(storage.KindKey, "root-ca")
		if bytes.Equal(cert, key) {
			t.Errorf("key and certificate with the same name collided")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get(storage.KindRevocations, "nope")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		for _, name := range []string{"b", "a", "c"} {
			if err := repo.Put(storage.KindCRL, name, []byte(name)); err != nil {
				t.Fatalf("Put %s failed: %v", name, err)
			}
		}
		names, err := repo.List(storage.KindCRL)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if fmt.Sprint(names) != "[a b c]" {
			t.Errorf("expected sorted [a b c], got %v", names)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete(storage.KindCRL, "a"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(storage.KindCRL, "a"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(storage.KindCRL, "a"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})

	t.Run("InvalidNames", func(t *testing.T) {
		for _, name := range []string{"", "../escape", ".hidden", "a/b", "a\\b"} {
			if err := repo.Put(storage.KindKey, name, data); !errors.Is(err, storage.ErrInvalidName) {
				t.Errorf("Put(%q): expected ErrInvalidName, got %v", name, err)
			}
		}
	})

	t.Run("Update", func(t *testing.T) {
		err := repo.Update(storage.KindRevocations, "counter", func(current []byte) ([]byte, error) {
			if current != nil {
				t.Errorf("expected nil for a missing artifact, got %q", current)
			}
			return []byte("1"), nil
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		err = repo.Update(storage.KindRevocations, "counter", func(current []byte) ([]byte, error) {
			return append(current, '2'), nil
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		got, err := repo.Get(storage.KindRevocations, "counter")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != "12" {
			t.Errorf("expected 12, got %q", got)
		}
	})

	t.Run("UpdateWithoutChange", func(t *testing.T) {
		err := repo.Update(storage.KindRevocations, "untouched", func([]byte) ([]byte, error) {
			return nil, nil
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if _, err := repo.Get(storage.KindRevocations, "untouched"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdateError", func(t *testing.T) {
		errAbort := errors.New("abort")
		err := repo.Update(storage.KindRevocations, "counter", func([]byte) ([]byte, error) {
			return nil, errAbort
		})
		if !errors.Is(err, errAbort) {
			t.Fatalf("expected the callback error, got %v", err)
		}
		got, _ := repo.Get(storage.KindRevocations, "counter")
		if string(got) != "12" {
			t.Errorf("aborted update changed the artifact to %q", got)
		}
	})

	t.Run("ConcurrentUpdate", func(t *testing.T) {
		RunConcurrentUpdates(t, func(int) storage.Repository { return repo })
	})

	t.Run("ConcurrentPut", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				payload := bytes.Repeat([]byte{byte('a' + i)}, 4096)
				if err := repo.Put(storage.KindRevocations, "shared", payload); err != nil {
					t.Errorf("Put failed: %v", err)
				}
			}(i)
		}
		wg.Wait()

		got, err := repo.Get(storage.KindRevocations, "shared")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if len(got) != 4096 || !bytes.Equal(got, bytes.Repeat(got[:1], 4096)) {
			t.Errorf("observed a torn write of %d bytes", len(got))
		}
	})
}

// RunConcurrentUpdates appends one byte per writer to a shared artifact
// through the repositories returned by open, and checks that no append was
// lost. open may hand every writer the same repository or a fresh one on
// the same storage area.
func RunConcurrentUpdates(t *testing.T, open func(writer int) storage.Repository) {
	t.Helper()
	const writers = 24
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := open(i).Update(storage.KindRevocations, "appended", func(current []byte) ([]byte, error) {
				return append(current, byte('a'+i)), nil
			})
			if err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := open(0).Get(storage.KindRevocations, "appended")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got) != writers {
		t.Errorf("expected %d appended bytes, got %d (%q)", writers, len(got), got)
	}
}
