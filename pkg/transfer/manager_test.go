package transfer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
	"digital.vasic.nexuscloud/pkg/staging"
)

type managerFixture struct {
	opener  *memOpener
	a, b    *backend
	area    *staging.Area
	manager *Manager
}

func newManagerFixture(t *testing.T, config ManagerConfig) *managerFixture {
	t.Helper()
	opener := newMemOpener()
	a := opener.add("server-a", client.KindSFTP)
	b := opener.add("server-b", client.KindS3)
	writeFile(t, a.fs, "/docs/report.pdf", report())
	area := newArea(t)
	m := NewManager(NewPipeline(opener, area, WithHeartbeat(time.Millisecond)), config)
	t.Cleanup(m.Close)
	return &managerFixture{opener: opener, a: a, b: b, area: area, manager: m}
}

func waitFor(t *testing.T, m *Manager, userID, id string) Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := m.Wait(ctx, userID, id)
	require.NoError(t, err)
	return rec
}

func TestManager_SubmitCompletes(t *testing.T) {
	var mu sync.Mutex
	var finished []Record
	f := newManagerFixture(t, ManagerConfig{OnFinish: func(r Record) {
		mu.Lock()
		finished = append(finished, r)
		mu.Unlock()
	}})

	rec, err := f.manager.Submit(moveRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, ConflictFail, rec.Conflict)
	assert.Equal(t, "report.pdf", rec.FinalName)

	done := waitFor(t, f.manager, "u1", rec.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.True(t, done.ProgressExact)
	assert.Equal(t, int64(2048), done.TotalBytes)
	assert.Equal(t, int64(2048), done.BytesTransferred)
	assert.Equal(t, PhaseRetire, done.Phase)
	assert.Empty(t, done.ErrorKind)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)

	assert.False(t, exists(t, f.a.fs, "/docs/report.pdf"))
	assert.Equal(t, report(), readFile(t, f.b.fs, "/archive/report.pdf"))
	assertNoStaging(t, f.area)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, finished, 1)
	assert.Equal(t, rec.ID, finished[0].ID)
}

func TestManager_FailedRecordAndRetry(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	f.b.wrap = func(c client.Client) client.Client { return deniedWrites{c} }

	rec, err := f.manager.Submit(moveRequest())
	require.NoError(t, err)
	failed := waitFor(t, f.manager, "u1", rec.ID)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, remoteerr.KindPermissionDenied, failed.ErrorKind)
	assert.Equal(t, PhasePlace, failed.Phase)
	assert.NotEmpty(t, failed.ErrorDetail)
	assert.True(t, exists(t, f.a.fs, "/docs/report.pdf"))
	assert.False(t, exists(t, f.b.fs, "/archive/report.pdf"))

	f.b.wrap = nil
	retry, err := f.manager.Retry("u1", rec.ID)
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, retry.ID)
	assert.Equal(t, rec.ID, retry.RetryOf)

	done := waitFor(t, f.manager, "u1", retry.ID)
	assert.Equal(t, StatusCompleted, done.Status)

	_, err = f.manager.Retry("u1", retry.ID)
	assert.Equal(t, remoteerr.KindConflict, remoteerr.KindOf(err))

	original, err := f.manager.Get("u1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, original.Status)
}

func TestManager_Cancel(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	f.a.wrap = func(c client.Client) client.Client { return endlessReads{c} }

	rec, err := f.manager.Submit(moveRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, err := f.manager.Get("u1", rec.ID)
		return err == nil && r.Status == StatusInProgress
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, f.manager.Cancel("u1", rec.ID))
	done := waitFor(t, f.manager, "u1", rec.ID)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.Equal(t, remoteerr.KindCancelled, done.ErrorKind)
	assert.Less(t, done.Progress, 100)
	assert.True(t, exists(t, f.a.fs, "/docs/report.pdf"))
	assert.False(t, exists(t, f.b.fs, "/archive/report.pdf"))

	assertNoStaging(t, f.area)

	err = f.manager.Cancel("u1", rec.ID)
	assert.Equal(t, remoteerr.KindConflict, remoteerr.KindOf(err))
}

func TestManager_ConcurrencyBound(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	f := newManagerFixture(t, ManagerConfig{
		MaxConcurrent: 1,
		OnStart: func(Record) {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
		},
		OnFinish: func(r Record) {
			mu.Lock()
			if r.StartedAt != nil {
				active--
			}
			mu.Unlock()
		},
	})
	for i := 0; i < 3; i++ {
		writeFile(t, f.a.fs, AlternateName("/docs/report.pdf", i+1), report())
	}

	var ids []string
	for i := 0; i < 3; i++ {
		req := moveRequest()
		req.IsMove = false
		req.Source.Path = AlternateName("/docs/report.pdf", i+1)
		req.Dest.Path = AlternateName("/archive/report.pdf", i+1)
		rec, err := f.manager.Submit(req)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	for _, id := range ids {
		assert.Equal(t, StatusCompleted, waitFor(t, f.manager, "u1", id).Status)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak)
}

func TestManager_UserScoping(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	rec, err := f.manager.Submit(moveRequest())
	require.NoError(t, err)
	waitFor(t, f.manager, "u1", rec.ID)

	_, err = f.manager.Get("u2", rec.ID)
	assert.Equal(t, remoteerr.KindNotFound, remoteerr.KindOf(err))
	assert.Equal(t, remoteerr.KindNotFound, remoteerr.KindOf(f.manager.Cancel("u2", rec.ID)))
	_, err = f.manager.Retry("u2", rec.ID)
	assert.Equal(t, remoteerr.KindNotFound, remoteerr.KindOf(err))

	assert.Empty(t, f.manager.List("u2"))
	list := f.manager.List("u1")
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
}

func TestManager_ListNewestFirst(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	req := moveRequest()
	req.IsMove = false
	req.Conflict = ConflictRename

	first, err := f.manager.Submit(req)
	require.NoError(t, err)
	waitFor(t, f.manager, "u1", first.ID)
	time.Sleep(2 * time.Millisecond)
	second, err := f.manager.Submit(req)
	require.NoError(t, err)
	done := waitFor(t, f.manager, "u1", second.ID)
	assert.Equal(t, "report (1).pdf", done.FinalName)
	assert.Equal(t, "/archive/report (1).pdf", done.Dest.Path)

	list := f.manager.List("u1")
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestManager_SubmitValidation(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})

	req := moveRequest()
	req.UserID = ""
	_, err := f.manager.Submit(req)
	assert.Equal(t, remoteerr.KindAuthenticationFailed, remoteerr.KindOf(err))

	req = moveRequest()
	req.Source.Path = ""
	_, err = f.manager.Submit(req)
	assert.Error(t, err)

	req = moveRequest()
	req.Conflict = "overwrite"
	_, err = f.manager.Submit(req)
	assert.Error(t, err)

	assert.Empty(t, f.manager.List("u1"))
}

func TestManager_RecordExpiry(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{RecordTTL: 50 * time.Millisecond})
	rec, err := f.manager.Submit(moveRequest())
	require.NoError(t, err)
	waitFor(t, f.manager, "u1", rec.ID)

	require.Eventually(t, func() bool {
		_, err := f.manager.Get("u1", rec.ID)
		return remoteerr.KindOf(err) == remoteerr.KindNotFound
	}, 5*time.Second, 5*time.Millisecond)
}

func TestManager_Close(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	f.a.wrap = func(c client.Client) client.Client { return endlessReads{c} }

	rec, err := f.manager.Submit(moveRequest())
	require.NoError(t, err)
	f.manager.Close()

	got, err := f.manager.Get("u1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = f.manager.Submit(moveRequest())
	assert.Equal(t, remoteerr.KindCancelled, remoteerr.KindOf(err))
}

func TestManager_WaitContext(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	f.a.wrap = func(c client.Client) client.Client { return endlessReads{c} }

	rec, err := f.manager.Submit(moveRequest())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.manager.Wait(ctx, "u1", rec.ID)
	assert.Equal(t, remoteerr.KindTimeout, remoteerr.KindOf(err))
	require.NoError(t, f.manager.Cancel("u1", rec.ID))
}
