package transfer

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/local"
	"digital.vasic.nexuscloud/pkg/remoteerr"
	"digital.vasic.nexuscloud/pkg/staging"
)

var allOps = []client.Operation{
	client.OpList, client.OpDownload, client.OpUpload, client.OpMkdir, client.OpDelete,
	client.OpRename, client.OpCopy, client.OpCopyDir, client.OpTest,
}

// backend is an in-memory connection registered under an arbitrary kind.
type backend struct {
	conn client.Connection
	fs   afero.Fs
	ops  []client.Operation
	wrap func(client.Client) client.Client
}

type memOpener struct {
	mu       sync.Mutex
	backends map[string]*backend
	opened   int
}

var _ Opener = (*memOpener)(nil)

func newMemOpener() *memOpener {
	return &memOpener{backends: map[string]*backend{}}
}

func (o *memOpener) add(id string, kind client.Kind, ops ...client.Operation) *backend {
	if len(ops) == 0 {
		ops = allOps
	}
	b := &backend{
		conn: client.Connection{ID: id, Name: id, Kind: kind},
		fs:   afero.NewMemMapFs(),
		ops:  ops,
	}
	o.backends[id] = b
	return b
}

func (o *memOpener) Connection(ctx context.Context, userID, connectionID string) (client.Connection, error) {
	b, ok := o.backends[connectionID]
	if !ok {
		return client.Connection{}, remoteerr.New(remoteerr.KindNotFound, "connection", connectionID)
	}
	return b.conn, nil
}

func (o *memOpener) Supports(kind client.Kind, op client.Operation) bool {
	for _, b := range o.backends {
		if b.conn.Kind != kind {
			continue
		}
		for _, supported := range b.ops {
			if supported == op {
				return true
			}
		}
		return false
	}
	return false
}

func (o *memOpener) Open(ctx context.Context, userID string, conn client.Connection, explicit *client.Credentials) (client.Client, error) {
	o.mu.Lock()
	o.opened++
	o.mu.Unlock()
	b := o.backends[conn.ID]
	var c client.Client = local.NewLocalClientWithFs(&local.Config{BasePath: "/"}, b.fs)
	if b.wrap != nil {
		c = b.wrap(c)
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (o *memOpener) opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened
}

// deniedWrites stores a partial object and then fails like a bucket without
// write permission.
type deniedWrites struct {
	client.Client
}

func (d deniedWrites) WriteFile(ctx context.Context, p string, r io.Reader, size int64) error {
	head := make([]byte, 16)
	n, _ := io.ReadFull(r, head)
	_ = d.Client.WriteFile(ctx, p, strings.NewReader(string(head[:n])), int64(n))
	return remoteerr.Wrap(remoteerr.KindPermissionDenied, "upload", p, errors.New("access denied"))
}

// stuckDeletes refuses to delete anything.
type stuckDeletes struct {
	client.Client
}

func (s stuckDeletes) DeleteFile(ctx context.Context, p string) error {
	return remoteerr.Wrap(remoteerr.KindPermissionDenied, "delete", p, errors.New("read-only"))
}

// endlessReads serves an unbounded stream of unknown size.
type endlessReads struct {
	client.Client
}

type endlessReader struct{}

func (endlessReader) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func (e endlessReads) ReadFile(ctx context.Context, p string) (io.ReadCloser, int64, error) {
	return io.NopCloser(endlessReader{}), -1, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	phases   []Phase
	final    string
	percents []int
	exact    bool
}

func (r *recordingObserver) Phase(p Phase) {
	r.mu.Lock()
	r.phases = append(r.phases, p)
	r.mu.Unlock()
}

func (r *recordingObserver) Resolved(finalPath string, isDir bool, total int64) {
	r.mu.Lock()
	r.final = finalPath
	r.mu.Unlock()
}

func (r *recordingObserver) Progress(percent int, exact bool, bytes int64) {
	r.mu.Lock()
	r.percents = append(r.percents, percent)
	r.exact = exact
	r.mu.Unlock()
}

func writeFile(t *testing.T, fs afero.Fs, p string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, p, data, 0644))
}

func readFile(t *testing.T, fs afero.Fs, p string) []byte {
	t.Helper()
	data, err := afero.ReadFile(fs, p)
	require.NoError(t, err)
	return data
}

func exists(t *testing.T, fs afero.Fs, p string) bool {
	t.Helper()
	ok, err := afero.Exists(fs, p)
	require.NoError(t, err)
	return ok
}

func newArea(t *testing.T) *staging.Area {
	t.Helper()
	area, err := staging.New(t.TempDir())
	require.NoError(t, err)
	return area
}

func assertNoStaging(t *testing.T, area *staging.Area) {
	t.Helper()
	entries, err := area.Entries()
	require.NoError(t, err)
	require.Empty(t, entries, "staging entries leaked")
}

// brokenCopies leaves a partial target behind and then fails.
type brokenCopies struct {
	client.Client
}

func (b brokenCopies) CopyFile(ctx context.Context, src, dst string) error {
	_ = b.Client.WriteFile(ctx, dst, strings.NewReader("part"), 4)
	return remoteerr.Wrap(remoteerr.KindHostUnreachable, "copy", src, errors.New("connection reset"))
}

func rootNames(t *testing.T, fs afero.Fs, dir string) []string {
	t.Helper()
	infos, err := afero.ReadDir(fs, dir)
	require.NoError(t, err)
	out := make([]string, 0, len(infos))
	for _, fi := range infos {
		out = append(out, fi.Name())
	}
	return out
}
