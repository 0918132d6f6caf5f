package lease

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileBackendLoadEmpty(t *testing.T) {
	b := NewFileBackend(filepath.Join(t.TempDir(), "lease.json"))
	l, err := b.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, l)
}

func TestFileBackendCASLifecycle(t *testing.T) {
	ctx := context.Background()
	b := NewFileBackend(filepath.Join(t.TempDir(), "lease.json"))

	next := Lease{LeaderID: "node-a", Epoch: 1, ExpiresAt: time.Now().Add(time.Minute).UTC()}
	ok, err := b.CompareAndSwap(ctx, 0, next)
	require.NoError(t, err)
	require.True(t, ok)

	// Stale expectation is refused.
	ok, err = b.CompareAndSwap(ctx, 0, Lease{LeaderID: "node-b", Epoch: 1})
	require.NoError(t, err)
	require.False(t, ok)

	loaded, err := b.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "node-a", loaded.LeaderID)
	require.Equal(t, int64(1), loaded.Epoch)

	ok, err = b.CompareAndSwap(ctx, 1, Lease{LeaderID: "node-b", Epoch: 2, ExpiresAt: time.Now().Add(time.Minute).UTC()})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFileBackendCorruptRecordSurfaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lease.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	b := NewFileBackend(path)
	_, err := b.Load(context.Background())
	require.Error(t, err)
}

func TestFileBackendConcurrentCASSingleWinner(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lease.json")

	var wg sync.WaitGroup
	wins := make([]bool, 8)
	for i := range wins {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := NewFileBackend(path)
			ok, err := b.CompareAndSwap(ctx, 0, Lease{
				LeaderID:  "node",
				Epoch:     1,
				ExpiresAt: time.Now().Add(time.Minute).UTC(),
			})
			wins[i] = err == nil && ok
		}(i)
	}
	wg.Wait()

	total := 0
	for _, w := range wins {
		if w {
			total++
		}
	}
	require.Equal(t, 1, total, "expected exactly one CAS winner")
}

func TestFileBackendIsNotStrong(t *testing.T) {
	b := NewFileBackend(filepath.Join(t.TempDir(), "lease.json"))
	require.False(t, b.Strong())
	require.True(t, NewMemoryBackend().Strong())
}
