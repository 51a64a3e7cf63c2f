package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"codemode-runtime/internal/tools"
)

const fileExt = ".json"

// FileBackend keeps one JSON file per key under <root>/<namespace>/. Writes
// hold an exclusive lock on the key and replace the file by rename, so a
// reader never sees a partial record.
type FileBackend struct {
	root string
}

// NewFileBackend creates root if needed.
func NewFileBackend(root string) (*FileBackend, error) {
	if root == "" {
		return nil, errors.New("file store: state directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("file store: creating %s: %w", abs, err)
	}
	return &FileBackend{root: abs}, nil
}

// Root is the state directory.
func (b *FileBackend) Root() string { return b.root }

func (b *FileBackend) dir(ns string) string {
	return filepath.Join(b.root, ns)
}

func (b *FileBackend) path(ns, key string) string {
	return filepath.Join(b.root, ns, key+fileExt)
}

func (b *FileBackend) lockPath(ns, key string) string {
	return filepath.Join(b.root, ns, "."+key+".lock")
}

func (b *FileBackend) Get(_ context.Context, ns, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(ns, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (b *FileBackend) Put(_ context.Context, ns, key string, data []byte) error {
	return b.withLock(ns, key, func() error {
		return tools.WriteFileAtomic(b.path(ns, key), data, 0o600)
	})
}

func (b *FileBackend) Create(_ context.Context, ns, key string, data []byte) error {
	return b.withLock(ns, key, func() error {
		if _, err := os.Stat(b.path(ns, key)); err == nil {
			return ErrExists
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return tools.WriteFileAtomic(b.path(ns, key), data, 0o600)
	})
}

func (b *FileBackend) Delete(_ context.Context, ns, key string) error {
	return b.withLock(ns, key, func() error {
		err := os.Remove(b.path(ns, key))
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	})
}

func (b *FileBackend) List(_ context.Context, ns string) ([]string, error) {
	entries, err := os.ReadDir(b.dir(ns))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FileBackend) Close() error { return nil }

// withLock runs fn holding the key's lock. The lock is released on every
// return path, including a panic in fn.
func (b *FileBackend) withLock(ns, key string, fn func() error) error {
	if err := os.MkdirAll(b.dir(ns), 0o700); err != nil {
		return err
	}
	l, err := acquireKeyLock(b.lockPath(ns, key))
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
