package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileBackend stores the lease record in a single JSON file. The
// read-modify-write is serialized through an O_EXCL lock file and the
// record itself is replaced with write-temp-then-rename, so a crash
// mid-write never corrupts it.
//
// This is best-effort mutual exclusion for development and single-host
// deployments. It does not provide true multi-node CAS; Strong returns
// false and the daemon warns when it is selected for a multi-node
// profile.
type FileBackend struct {
	path        string
	lockTimeout time.Duration
}

// NewFileBackend creates a backend storing the record at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path, lockTimeout: 2 * time.Second}
}

func (b *FileBackend) Strong() bool { return false }

func (b *FileBackend) Load(ctx context.Context) (*Lease, error) {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: read record: %w", err)
	}
	var l Lease
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("lease: corrupt record at %s: %w", b.path, err)
	}
	return &l, nil
}

func (b *FileBackend) CompareAndSwap(ctx context.Context, expectEpoch int64, next Lease) (bool, error) {
	unlock, err := b.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	current, err := b.Load(ctx)
	if err != nil {
		return false, err
	}
	currentEpoch := int64(0)
	if current != nil {
		currentEpoch = current.Epoch
	}
	if currentEpoch != expectEpoch {
		return false, nil
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("lease: encode record: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return false, fmt.Errorf("lease: write temp record: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return false, fmt.Errorf("lease: install record: %w", err)
	}
	return true, nil
}

// lock takes the advisory lock file, retrying until the timeout. A lock
// file older than the timeout is treated as abandoned by a crashed
// process and broken.
func (b *FileBackend) lock(ctx context.Context) (func(), error) {
	lockPath := b.path + ".lock"
	deadline := time.Now().Add(b.lockTimeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("lease: take lock: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > b.lockTimeout {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lease: lock at %s held past timeout", lockPath)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// EnsureDir creates the parent directory for a file-backend path.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o700)
}
