package tools

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultMaxFileBytes caps how much a single tool call reads into memory.
const DefaultMaxFileBytes = 10 << 20

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers see either the old or the new content.
// An existing file keeps its mode.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("setting mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	committed = true
	return nil
}

// ReadFileLimited reads path, refusing files larger than max bytes.
func ReadFileLimited(op, path string, max int64) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxFileBytes
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, IO(op, path, err)
	}
	if info.IsDir() {
		return nil, Validation(op, path, "is a directory")
	}
	if info.Size() > max {
		return nil, Validation(op, path, "file is %d bytes, limit is %d", info.Size(), max)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path validated by Guard.Resolve
	if err != nil {
		return nil, IO(op, path, err)
	}
	return data, nil
}
