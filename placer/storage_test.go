package placer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"testing"
)

// storageFactories lets every contract test run against both backends.
func storageFactories(t *testing.T) map[string]Storage {
	t.Helper()
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return map[string]Storage{
		"memory": NewMemory(),
		"fs":     fs,
	}
}

func TestStoragePutGet(t *testing.T) {
	for name, s := range storageFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := []byte("hello placer")

			if err := s.Put(ctx, "objects/a", bytes.NewReader(want)); err != nil {
				t.Fatalf("Put: %v", err)
			}

			rc, err := s.Get(ctx, "objects/a")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			defer func() { _ = rc.Close() }()
			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("got %q, want %q", got, want)
			}
		})
	}
}

func TestStoragePutExistingKey(t *testing.T) {
	for name, s := range storageFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := s.Put(ctx, "objects/a", bytes.NewReader([]byte("one"))); err != nil {
				t.Fatalf("Put: %v", err)
			}
			err := s.Put(ctx, "objects/a", bytes.NewReader([]byte("two")))
			if !errors.Is(err, ErrKeyExists) {
				t.Fatalf("got %v, want ErrKeyExists", err)
			}
		})
	}
}

func TestStorageGetMissing(t *testing.T) {
	for name, s := range storageFactories(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(context.Background(), "objects/missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStorageReadRange(t *testing.T) {
	for name, s := range storageFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("0123456789")
			if err := s.Put(ctx, "objects/r", bytes.NewReader(data)); err != nil {
				t.Fatalf("Put: %v", err)
			}

			got, err := s.ReadRange(ctx, "objects/r", 2, 4)
			if err != nil {
				t.Fatalf("ReadRange: %v", err)
			}
			if string(got) != "2345" {
				t.Fatalf("got %q, want %q", got, "2345")
			}

			// Range extending beyond the object returns the available bytes.
			got, err = s.ReadRange(ctx, "objects/r", 8, 100)
			if err != nil {
				t.Fatalf("ReadRange past end: %v", err)
			}
			if string(got) != "89" {
				t.Fatalf("got %q, want %q", got, "89")
			}

			// Negative offset or length is invalid.
			if _, err := s.ReadRange(ctx, "objects/r", -1, 4); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("negative offset: got %v, want ErrInvalidKey", err)
			}
			if _, err := s.ReadRange(ctx, "objects/r", 0, -1); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("negative length: got %v, want ErrInvalidKey", err)
			}

			if _, err := s.ReadRange(ctx, "objects/missing", 0, 4); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing key: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStorageSize(t *testing.T) {
	for name, s := range storageFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Put(ctx, "objects/sz", bytes.NewReader(make([]byte, 123))); err != nil {
				t.Fatalf("Put: %v", err)
			}

			size, err := s.Size(ctx, "objects/sz")
			if err != nil {
				t.Fatalf("Size: %v", err)
			}
			if size != 123 {
				t.Fatalf("got %d, want 123", size)
			}

			if _, err := s.Size(ctx, "objects/missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStorageExistsDelete(t *testing.T) {
	for name, s := range storageFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Put(ctx, "objects/d", bytes.NewReader([]byte("x"))); err != nil {
				t.Fatalf("Put: %v", err)
			}

			ok, err := s.Exists(ctx, "objects/d")
			if err != nil || !ok {
				t.Fatalf("Exists: got (%v, %v), want (true, nil)", ok, err)
			}

			if err := s.Delete(ctx, "objects/d"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			ok, err = s.Exists(ctx, "objects/d")
			if err != nil || ok {
				t.Fatalf("Exists after delete: got (%v, %v), want (false, nil)", ok, err)
			}

			// Delete is idempotent.
			if err := s.Delete(ctx, "objects/d"); err != nil {
				t.Fatalf("second Delete: %v", err)
			}
		})
	}
}

func TestStorageList(t *testing.T) {
	for name, s := range storageFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"objects/1", "objects/2", "meta/1"} {
				if err := s.Put(ctx, key, bytes.NewReader([]byte("x"))); err != nil {
					t.Fatalf("Put %s: %v", key, err)
				}
			}

			keys, err := s.List(ctx, "objects/")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			sort.Strings(keys)
			if len(keys) != 2 || keys[0] != "objects/1" || keys[1] != "objects/2" {
				t.Fatalf("got %v, want [objects/1 objects/2]", keys)
			}
		})
	}
}

func TestStorageInvalidKeys(t *testing.T) {
	for name, s := range storageFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"", "..", "../escape", "a/../../b"} {
				if err := s.Put(ctx, key, bytes.NewReader([]byte("x"))); !errors.Is(err, ErrInvalidKey) {
					t.Fatalf("Put %q: got %v, want ErrInvalidKey", key, err)
				}
			}
		})
	}
}
