package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Backend stores cache entries by relative, slash-separated name.
type Backend interface {
	// Kind labels metrics ("file", "redis").
	Kind() string

	Exists(ctx context.Context, name string) (bool, error)
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error

	// List returns the base names stored directly under dir, in the
	// backend's own enumeration order.
	List(ctx context.Context, dir string) ([]string, error)
}

// FileBackend stores entries as files under Root.
type FileBackend struct {
	Root string
}

// NewFileBackend creates a file backend rooted at root.
func NewFileBackend(root string) *FileBackend {
	return &FileBackend{Root: root}
}

// Kind implements Backend.
func (b *FileBackend) Kind() string { return "file" }

// Path returns the filesystem path of name.
func (b *FileBackend) Path(name string) string {
	return filepath.Join(b.Root, filepath.FromSlash(path.Clean("/"+name)))
}

// Exists implements Backend.
func (b *FileBackend) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(b.Path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Read implements Backend.
func (b *FileBackend) Read(_ context.Context, name string) ([]byte, error) {
	return os.ReadFile(b.Path(name))
}

// Write implements Backend. The data lands in a temporary file next to the
// target and is renamed into place.
func (b *FileBackend) Write(_ context.Context, name string, data []byte) error {
	target := b.Path(name)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// List implements Backend. Entries come back in directory order, not
// sorted; temporary files are skipped.
func (b *FileBackend) List(_ context.Context, dir string) ([]string, error) {
	f, err := os.Open(b.Path(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
