package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/progress"
	"digital.vasic.nexuscloud/pkg/remoteerr"
	"digital.vasic.nexuscloud/pkg/staging"
)

// DefaultHeartbeat is the estimate interval used when sizes are unknown.
const DefaultHeartbeat = 500 * time.Millisecond

// maxAlternates bounds the search for a free "name (n).ext" target.
const maxAlternates = 1000

// Opener gives the pipeline access to connections. Open returns a connected
// session that the caller must disconnect.
type Opener interface {
	Connection(ctx context.Context, userID, connectionID string) (client.Connection, error)
	Supports(kind client.Kind, op client.Operation) bool
	Open(ctx context.Context, userID string, conn client.Connection, explicit *client.Credentials) (client.Client, error)
}

// Observer receives the state changes of one transfer.
type Observer interface {
	Phase(phase Phase)
	Resolved(finalPath string, isDir bool, totalBytes int64)
	Progress(percent int, exact bool, bytes int64)
}

type nopObserver struct{}

func (nopObserver) Phase(Phase)                  {}
func (nopObserver) Resolved(string, bool, int64) {}
func (nopObserver) Progress(int, bool, int64)    {}

// Pipeline executes single transfers.
type Pipeline struct {
	opener    Opener
	staging   *staging.Area
	logger    *zap.Logger
	heartbeat time.Duration
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithHeartbeat sets the interval of the progress estimate.
func WithHeartbeat(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.heartbeat = d
		}
	}
}

// NewPipeline creates a pipeline staging through area.
func NewPipeline(opener Opener, area *staging.Area, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		opener:    opener,
		staging:   area,
		logger:    zap.NewNop(),
		heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one transfer and returns the final destination path. Failures
// are *PhaseError values wrapping the classified adapter error.
func (p *Pipeline) Run(ctx context.Context, req Request, obs Observer) (string, error) {
	if obs == nil {
		obs = nopObserver{}
	}
	srcConn, err := p.opener.Connection(ctx, req.UserID, req.Source.ConnectionID)
	if err != nil {
		return "", phaseError(PhasePrepare, err)
	}
	if req.Source.ConnectionID == req.Dest.ConnectionID {
		return p.runNative(ctx, req, srcConn, obs)
	}
	dstConn, err := p.opener.Connection(ctx, req.UserID, req.Dest.ConnectionID)
	if err != nil {
		return "", phaseError(PhasePrepare, err)
	}
	return p.runStaged(ctx, req, srcConn, dstConn, obs)
}

func (p *Pipeline) require(kind client.Kind, ops ...client.Operation) error {
	for _, op := range ops {
		if !p.opener.Supports(kind, op) {
			return remoteerr.Unsupported(string(op), string(kind))
		}
	}
	return nil
}

func (p *Pipeline) open(ctx context.Context, req Request, conn client.Connection, explicit *client.Credentials) (client.Client, func(), error) {
	c, err := p.opener.Open(ctx, req.UserID, conn, explicit)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := c.Disconnect(context.Background()); err != nil {
			p.logger.Debug("disconnect failed", zap.String("connection", conn.ID), zap.Error(err))
		}
	}
	return c, closeFn, nil
}

// runNative performs a transfer within one connection with a single session.
func (p *Pipeline) runNative(ctx context.Context, req Request, conn client.Connection, obs Observer) (string, error) {
	op := client.OpCopy
	if req.IsMove {
		op = client.OpRename
	}
	if err := p.require(conn.Kind, op); err != nil {
		return "", phaseError(PhasePrepare, err)
	}
	if err := CheckNativePaths(req.Source.Path, req.Dest.Path, req.Conflict); err != nil {
		return "", phaseError(PhasePrepare, err)
	}

	session, closeFn, err := p.open(ctx, req, conn, req.SourceCredentials)
	if err != nil {
		return "", phaseError(PhasePrepare, err)
	}
	defer closeFn()

	info, err := session.GetFileInfo(ctx, req.Source.Path)
	if err != nil {
		return "", phaseError(PhasePrepare, err)
	}
	if info.IsDir() && !req.IsMove {
		if err := p.require(conn.Kind, client.OpCopyDir); err != nil {
			return "", phaseError(PhasePrepare, err)
		}
	}

	target, existed, err := resolveTarget(ctx, session, req.Dest.Path, req.Conflict)
	if err != nil {
		return "", phaseError(PhasePrepare, err)
	}
	obs.Resolved(target, info.IsDir(), info.Size)

	obs.Phase(PhaseNative)
	tracker := progress.NewTracker(func(percent int, exact bool) { obs.Progress(percent, exact, 0) })
	stop := progress.Heartbeat(ctx, tracker, p.heartbeat)
	defer stop()

	var backup string
	if existed {
		if backup, err = p.setAside(ctx, conn.Kind, session, target); err != nil {
			return "", phaseError(PhaseNative, err)
		}
	}
	if req.IsMove {
		err = session.Rename(ctx, req.Source.Path, target)
	} else {
		err = session.CopyFile(ctx, req.Source.Path, target)
	}
	if err != nil {
		if backup != "" {
			p.restore(session, backup, target)
		}
		return "", phaseError(PhaseNative, err)
	}
	if backup != "" {
		p.discard(session, backup)
	}
	return target, nil
}

// CheckNativePaths rejects a transfer within one connection whose destination
// is the source itself, lies inside the source, or (when replacing) contains
// the source. Equal paths are allowed with the rename policy, which always
// resolves to a sibling.
func CheckNativePaths(src, dst string, policy ConflictPolicy) error {
	src, dst = client.CleanPath(src), client.CleanPath(dst)
	switch {
	case src == dst:
		if policy == ConflictRename {
			return nil
		}
		return remoteerr.Wrap(remoteerr.KindConflict, "transfer", dst,
			errors.New("source and destination are the same path"))
	case isWithin(dst, src):
		return remoteerr.Wrap(remoteerr.KindConflict, "transfer", dst,
			fmt.Errorf("destination is inside the source %s", src))
	case policy == ConflictReplace && isWithin(src, dst):
		return remoteerr.Wrap(remoteerr.KindConflict, "transfer", dst,
			fmt.Errorf("destination contains the source %s", src))
	}
	return nil
}

// isWithin reports whether p lies strictly below dir.
func isWithin(p, dir string) bool {
	return strings.HasPrefix(p, strings.TrimSuffix(dir, "/")+"/")
}

// setAside moves an occupied target to a hidden sibling so that it can be put
// back if the transfer fails. Backends without rename fall back to deleting
// the target up front.
func (p *Pipeline) setAside(ctx context.Context, kind client.Kind, c client.Client, target string) (string, error) {
	if !p.opener.Supports(kind, client.OpRename) {
		return "", removeEntry(ctx, c, target)
	}
	dir, name := client.SplitPath(target)
	backup := client.JoinPath(dir, "."+name+".replaced-"+uuid.NewString()[:8])
	if err := c.Rename(ctx, target, backup); err != nil {
		return "", err
	}
	return backup, nil
}

// restore puts a set-aside target back after a failed transfer, dropping
// whatever the failed attempt left at target.
func (p *Pipeline) restore(c client.Client, backup, target string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := removeEntry(ctx, c, target); err != nil && !errors.Is(err, remoteerr.ErrNotFound) {
		p.logger.Warn("failed transfer left data at target", zap.String("path", target), zap.Error(err))
	}
	if err := c.Rename(ctx, backup, target); err != nil {
		p.logger.Error("replaced target not restored", zap.String("path", target),
			zap.String("backup", backup), zap.Error(err))
	}
}

// discard removes a set-aside target once its replacement is in place.
func (p *Pipeline) discard(c client.Client, backup string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := removeEntry(ctx, c, backup); err != nil {
		p.logger.Warn("replaced target not removed", zap.String("backup", backup), zap.Error(err))
	}
}

// runStaged moves one file between two connections through a staging file.
func (p *Pipeline) runStaged(ctx context.Context, req Request, srcConn, dstConn client.Connection, obs Observer) (string, error) {
	srcOps := []client.Operation{client.OpDownload}
	if req.IsMove {
		srcOps = append(srcOps, client.OpDelete)
	}
	if err := p.require(srcConn.Kind, srcOps...); err != nil {
		return "", phaseError(PhasePrepare, err)
	}
	if err := p.require(dstConn.Kind, client.OpUpload); err != nil {
		return "", phaseError(PhasePrepare, err)
	}

	src, closeSrc, err := p.open(ctx, req, srcConn, req.SourceCredentials)
	if err != nil {
		return "", phaseError(PhasePrepare, err)
	}
	defer closeSrc()

	info, err := src.GetFileInfo(ctx, req.Source.Path)
	if err != nil {
		return "", phaseError(PhasePrepare, err)
	}
	if info.IsDir() {
		return "", phaseError(PhasePrepare, remoteerr.Wrap(remoteerr.KindUnsupportedOperation, "transfer", req.Source.Path,
			errors.New("folders cannot be transferred between different connections")))
	}
	if err := p.staging.EnsureFree(ctx, info.Size); err != nil {
		return "", phaseError(PhasePrepare, err)
	}

	dst, closeDst, err := p.open(ctx, req, dstConn, req.DestCredentials)
	if err != nil {
		return "", phaseError(PhasePrepare, err)
	}
	defer closeDst()

	target, existed, err := resolveTarget(ctx, dst, req.Dest.Path, req.Conflict)
	if err != nil {
		return "", phaseError(PhasePrepare, err)
	}
	obs.Resolved(target, false, info.Size)

	var bytes atomic.Int64
	tracker := progress.NewTracker(func(percent int, exact bool) { obs.Progress(percent, exact, bytes.Load()) })

	// Phase 1: fetch into an exclusively owned staging file.
	obs.Phase(PhaseFetch)
	stage, err := p.staging.Acquire(path.Base(req.Source.Path))
	if err != nil {
		return "", phaseError(PhaseFetch, err)
	}
	defer func() {
		if err := stage.Release(); err != nil {
			p.logger.Warn("staging file not released", zap.String("path", stage.Path()), zap.Error(err))
		}
	}()

	rc, size, err := src.ReadFile(ctx, req.Source.Path)
	if err != nil {
		return "", phaseError(PhaseFetch, err)
	}
	if size < 0 && info.Size > 0 {
		size = info.Size
	}
	if size <= 0 {
		stop := progress.Heartbeat(ctx, tracker, p.heartbeat)
		defer stop()
	}
	fetched, err := progress.Copy(ctx, stage, rc, size, func(done, total int64) {
		bytes.Store(done)
		tracker.Set(progress.Scale(done, total, 0, 50))
	})
	rc.Close()
	if err != nil {
		return "", phaseError(PhaseFetch, remoteerr.Classify("download", req.Source.Path, err))
	}
	if _, err := stage.Seek(0, io.SeekStart); err != nil {
		return "", phaseError(PhaseFetch, fmt.Errorf("failed to rewind staging file: %w", err))
	}

	// Phase 2: place the staged bytes at the destination.
	obs.Phase(PhasePlace)
	reader := progress.NewReader(ctx, stage, fetched, func(done, total int64) {
		bytes.Store(done)
		tracker.Set(progress.Scale(done, total, 50, 99))
	})
	if err := dst.WriteFile(ctx, target, reader, fetched); err != nil {
		if !existed {
			p.removePartial(dst, target)
		}
		return "", phaseError(PhasePlace, remoteerr.Classify("upload", target, err))
	}

	// Phase 3: retire the source, only once the destination holds the file.
	if req.IsMove {
		obs.Phase(PhaseRetire)
		if err := src.DeleteFile(ctx, req.Source.Path); err != nil {
			return target, phaseError(PhaseRetire, err)
		}
	}
	return target, nil
}

// removePartial deletes what a failed upload may have left behind.
func (p *Pipeline) removePartial(dst client.Client, target string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := dst.DeleteFile(ctx, target)
	if err != nil && !errors.Is(err, remoteerr.ErrNotFound) {
		p.logger.Debug("partial destination not removed", zap.String("path", target), zap.Error(err))
	}
}

func removeEntry(ctx context.Context, c client.Client, p string) error {
	info, err := c.GetFileInfo(ctx, p)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return c.DeleteDirectory(ctx, p)
	}
	return c.DeleteFile(ctx, p)
}

// resolveTarget applies the conflict policy to target. existed reports that
// the returned path is occupied and will be replaced.
func resolveTarget(ctx context.Context, c client.Client, target string, policy ConflictPolicy) (string, bool, error) {
	target = client.CleanPath(target)
	exists, err := c.FileExists(ctx, target)
	if err != nil {
		return "", false, err
	}
	if !exists {
		return target, false, nil
	}

	switch policy {
	case ConflictReplace:
		return target, true, nil
	case ConflictRename:
		for n := 1; n <= maxAlternates; n++ {
			candidate := AlternateName(target, n)
			exists, err := c.FileExists(ctx, candidate)
			if err != nil {
				return "", false, err
			}
			if !exists {
				return candidate, false, nil
			}
		}
	}
	return "", false, remoteerr.Wrap(remoteerr.KindConflict, "transfer", target,
		fmt.Errorf("destination %s already exists", target))
}

// AlternateName returns "name (n).ext" for the n-th alternative of p.
func AlternateName(p string, n int) string {
	dir, base := path.Split(p)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	return dir + fmt.Sprintf("%s (%d)%s", stem, n, ext)
}
