// Package eviction implements the content-addressed overflow store for
// oversized tool outputs. Files are write-once, named by content hash, and
// confined to a per-thread directory under the store root.
package eviction

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrPathEscape reports a resolved path outside the store sandbox.
	ErrPathEscape = errors.New("eviction: path escapes store root")
	// ErrBadThreadID reports a thread id unusable as a directory name.
	ErrBadThreadID = errors.New("eviction: invalid thread id")
	// ErrNotFound reports a pointer with no backing file.
	ErrNotFound = errors.New("eviction: content not found")
)

// Store holds evicted content under <root>/<thread_id>/<16-hex>.bin.
type Store struct {
	root string
}

// NewStore resolves root to an absolute path and creates it if needed.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("eviction: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("eviction: create root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string { return s.root }

// Save writes content to its content-addressed path and returns the pointer.
// Writing the same content twice is a no-op returning the same pointer: no
// two writers ever target different bytes under one filename.
func (s *Store) Save(threadID string, content []byte) (string, error) {
	if err := validThreadID(threadID); err != nil {
		return "", err
	}

	sum := sha256.Sum256(content)
	name := hex.EncodeToString(sum[:])[:16] + ".bin"

	dir := filepath.Join(s.root, threadID)
	path, err := s.confine(filepath.Join(dir, name), threadID)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("eviction: create thread dir: %w", err)
	}

	// Write through a temp file then rename, so a crash never leaves a
	// half-written content-addressed file.
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return "", fmt.Errorf("eviction: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("eviction: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("eviction: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("eviction: rename: %w", err)
	}
	return path, nil
}

// Load reads content back through the same sandbox check used on save.
func (s *Store) Load(pointer string) ([]byte, error) {
	abs, err := filepath.Abs(pointer)
	if err != nil {
		return nil, fmt.Errorf("eviction: resolve pointer: %w", err)
	}
	if !s.under(abs, s.root) {
		return nil, ErrPathEscape
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eviction: read: %w", err)
	}
	return data, nil
}

// DeleteThread removes every evicted file for a thread. Called on
// administrative thread delete; eviction files are otherwise kept for the
// life of the thread.
func (s *Store) DeleteThread(threadID string) error {
	if err := validThreadID(threadID); err != nil {
		return err
	}
	dir, err := s.confine(filepath.Join(s.root, threadID), threadID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("eviction: delete thread: %w", err)
	}
	return nil
}

// confine resolves path to absolute form and verifies it stays inside the
// thread's directory.
func (s *Store) confine(path, threadID string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("eviction: resolve path: %w", err)
	}
	threadRoot := filepath.Join(s.root, threadID)
	if abs != threadRoot && !s.under(abs, threadRoot) {
		return "", ErrPathEscape
	}
	return abs, nil
}

func (s *Store) under(path, root string) bool {
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func validThreadID(threadID string) error {
	if threadID == "" ||
		strings.ContainsAny(threadID, `/\`) ||
		threadID == "." || threadID == ".." ||
		strings.Contains(threadID, "..") {
		return ErrBadThreadID
	}
	return nil
}
