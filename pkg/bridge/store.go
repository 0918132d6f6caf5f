// Package bridge moves events between nodes over shared storage. Export
// writes one file per event under the node's own namespace; import scans
// peer namespaces and appends unseen, validated events to the local log.
// Both directions are idempotent, so a crash mid-cycle only repeats work,
// never duplicates it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned by Get for a key with no object.
var ErrNotFound = errors.New("bridge: object not found")

// Store is the shared-storage abstraction the bridge runs over. Keys are
// slash-separated paths, namespaced by node ID.
type Store interface {
	// Put writes an object. Overwriting an existing key with the same
	// content must be safe; export relies on that for crash recovery.
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns all keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// DirStore backs the bridge with a shared filesystem directory, the
// deployment mode for co-located nodes and for tests.
type DirStore struct {
	root string
}

// NewDirStore creates the root directory if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("bridge: create store root: %w", err)
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) keyPath(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("bridge: empty key")
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

// Put writes atomically: temp file in the target directory, then rename.
// A reader never observes a half-written object.
func (s *DirStore) Put(ctx context.Context, key string, data []byte) error {
	p, err := s.keyPath(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("bridge: create namespace dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("bridge: create temp object: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("bridge: write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("bridge: close object: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("bridge: install object: %w", err)
	}
	return nil
}

func (s *DirStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: read object %s: %w", key, err)
	}
	return data, nil
}

func (s *DirStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
