package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/mholt/archives"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extract(t *testing.T, data []byte) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := archives.Zip{}.Extract(context.Background(), bytes.NewReader(data), func(ctx context.Context, f archives.FileInfo) error {
		if f.IsDir() {
			out[f.NameInArchive] = ""
			return nil
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		content, err := io.ReadAll(rc)
		if err != nil {
			return err
		}
		out[f.NameInArchive] = string(content)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestZipDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nexus-stage-1234-Photos")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "2024"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2024", "b.txt"), []byte("bravo"), 0644))

	var buf bytes.Buffer
	require.NoError(t, ZipDir(context.Background(), dir, "Photos", &buf))

	files := extract(t, buf.Bytes())
	assert.Equal(t, "alpha", files["Photos/a.txt"])
	assert.Equal(t, "bravo", files["Photos/2024/b.txt"])

	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		assert.NotContains(t, n, "nexus-stage")
	}
}

func TestZipDir_Empty(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	require.NoError(t, ZipDir(context.Background(), dir, "", &buf))
	assert.NotZero(t, buf.Len())
}

func TestZipDir_Errors(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, ZipDir(context.Background(), filepath.Join(t.TempDir(), "missing"), "x", &buf))

	file := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	assert.Error(t, ZipDir(context.Background(), file, "x", &buf))
}

func TestZipDir_Cancelled(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0644))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	assert.Error(t, ZipDir(ctx, dir, "x", &buf))
}
