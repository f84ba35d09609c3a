package staging

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scratch", "nested")
	a, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, a.Dir())
	assert.DirExists(t, dir)
}

func TestAcquire_UniqueAndReleased(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)

	f1, err := a.Acquire("report.pdf")
	require.NoError(t, err)
	f2, err := a.Acquire("report.pdf")
	require.NoError(t, err)
	assert.NotEqual(t, f1.Path(), f2.Path())
	assert.True(t, strings.HasPrefix(filepath.Base(f1.Path()), Prefix))
	assert.True(t, strings.HasSuffix(f1.Path(), "-report.pdf"))

	_, err = f1.WriteString("data")
	require.NoError(t, err)

	require.NoError(t, f1.Release())
	require.NoError(t, f1.Release())
	assert.NoFileExists(t, f1.Path())

	require.NoError(t, f2.Release())
	names, err := a.Entries()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestAcquire_SanitizesName(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)

	f, err := a.Acquire("../../etc/passwd")
	require.NoError(t, err)
	defer f.Release()
	assert.Equal(t, a.Dir(), filepath.Dir(f.Path()))
	assert.True(t, strings.HasSuffix(f.Path(), "-passwd"))

	g, err := a.Acquire("")
	require.NoError(t, err)
	defer g.Release()
	assert.True(t, strings.HasSuffix(g.Path(), "-item"))
}

func TestAcquire_Concurrent(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)

	const n = 32
	var wg sync.WaitGroup
	paths := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := a.Acquire("same.bin")
			if err != nil {
				return
			}
			paths <- f.Path()
			f.Release()
		}()
	}
	wg.Wait()
	close(paths)

	seen := map[string]bool{}
	for p := range paths {
		assert.False(t, seen[p])
		seen[p] = true
	}
	assert.Len(t, seen, n)
}

func TestAcquireDir(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)

	d, err := a.AcquireDir("Photos")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(d.Path(), "a.jpg"), []byte("x"), 0600))
	require.NoError(t, d.Release())
	require.NoError(t, d.Release())
	assert.NoDirExists(t, d.Path())
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, Prefix+"old-a.bin"), []byte("x"), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, Prefix+"old-dir", "sub"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("keep"), 0600))

	removed, err := a.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.FileExists(t, filepath.Join(dir, "unrelated.txt"))

	names, err := a.Entries()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestEnsureFree(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	assert.NoError(t, a.EnsureFree(ctx, -1))
	assert.NoError(t, a.EnsureFree(ctx, 1))

	err = a.EnsureFree(ctx, math.MaxInt64)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientSpace))
}
