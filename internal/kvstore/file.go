package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FilePerms restricts the storage file to owner-only read/write. It holds
// bearer credentials.
const FilePerms = 0o600

// DirPerms is used when creating the storage directory.
const DirPerms = 0o700

// File is a Store backed by a single JSON object on disk. Every read goes to
// disk so that writes from another process are observed; every write
// replaces the file atomically.
type File struct {
	mu     sync.Mutex
	path   string
	closed bool
}

// OpenFile returns a file-backed store at path. The file is created lazily
// on the first write; a missing file reads as empty.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("kvstore: file path is empty")
	}

	return &File{path: path}, nil
}

// Path returns the location of the backing file.
func (f *File) Path() string {
	return f.path
}

func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return "", false, ErrClosed
	}

	data, err := f.load()
	if err != nil {
		return "", false, err
	}

	v, ok := data[key]

	return v, ok, nil
}

func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	data, err := f.load()
	if err != nil {
		return err
	}

	data[key] = value

	return f.save(data)
}

func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	data, err := f.load()
	if err != nil {
		return err
	}

	if _, ok := data[key]; !ok {
		return nil
	}

	delete(data, key)

	return f.save(data)
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

// load reads the whole file. A missing file is an empty map.
func (f *File) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}

	if err != nil {
		return nil, fmt.Errorf("kvstore: reading %s: %w", f.path, err)
	}

	data := make(map[string]string)
	if len(raw) == 0 {
		return data, nil
	}

	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("kvstore: decoding %s: %w", f.path, err)
	}

	return data, nil
}

// save writes data atomically (write-to-temp + rename) with 0600
// permissions.
func (f *File) save(data map[string]string) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("kvstore: encoding: %w", err)
	}

	dir := filepath.Dir(f.path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("kvstore: creating directory %s: %w", dir, mkErr)
	}

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".kv-*.tmp")
	if err != nil {
		return fmt.Errorf("kvstore: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("kvstore: setting permissions: %w", err)
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("kvstore: writing: %w", err)
	}

	// Flush before rename so a crash cannot leave a truncated file at the
	// final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("kvstore: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("kvstore: closing: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("kvstore: renaming: %w", err)
	}

	success = true

	return nil
}
