package transfer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/marusama/semaphore/v2"
	"go.uber.org/zap"

	"digital.vasic.nexuscloud/pkg/remoteerr"
)

// Manager defaults.
const (
	DefaultMaxConcurrent = 4
	DefaultRecordTTL     = time.Hour
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// MaxConcurrent bounds the transfers running at once.
	MaxConcurrent int
	// RecordTTL is how long settled records stay queryable.
	RecordTTL time.Duration
	Logger    *zap.Logger
	// OnFinish is called once per record when it settles.
	OnFinish func(Record)
	// OnStart is called when a record leaves the queue.
	OnStart func(Record)
}

// job is the mutable state behind one record. It observes its own pipeline run.
type job struct {
	mu              sync.Mutex
	record          Record
	req             Request
	cancel          context.CancelFunc
	cancelRequested bool
	done            chan struct{}
}

func (j *job) snapshot() Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record
}

func (j *job) Phase(phase Phase) {
	j.mu.Lock()
	j.record.Phase = phase
	j.mu.Unlock()
}

func (j *job) Resolved(finalPath string, isDir bool, totalBytes int64) {
	j.mu.Lock()
	j.record.FinalName = path.Base(finalPath)
	j.record.Dest.Path = finalPath
	j.record.IsDirectory = isDir
	j.record.TotalBytes = totalBytes
	j.mu.Unlock()
}

func (j *job) Progress(percent int, exact bool, bytes int64) {
	j.mu.Lock()
	if percent > j.record.Progress {
		j.record.Progress = percent
	}
	j.record.ProgressExact = exact
	if bytes > j.record.BytesTransferred {
		j.record.BytesTransferred = bytes
	}
	j.mu.Unlock()
}

// Manager runs transfers asynchronously and keeps their records.
type Manager struct {
	pipeline *Pipeline
	config   ManagerConfig
	logger   *zap.Logger
	validate *validator.Validate
	sem      semaphore.Semaphore
	jobs     *ttlcache.Cache[string, *job]
	ctx      context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates a manager executing transfers through pipeline.
func NewManager(pipeline *Pipeline, config ManagerConfig) *Manager {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultMaxConcurrent
	}
	if config.RecordTTL <= 0 {
		config.RecordTTL = DefaultRecordTTL
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		pipeline: pipeline,
		config:   config,
		logger:   logger,
		validate: validator.New(),
		sem:      semaphore.New(config.MaxConcurrent),
		jobs: ttlcache.New[string, *job](
			ttlcache.WithTTL[string, *job](config.RecordTTL),
			ttlcache.WithDisableTouchOnHit[string, *job](),
		),
		ctx:  ctx,
		stop: stop,
	}
	return m
}

// Close cancels every running transfer and waits for them to settle.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

// Submit validates req and starts it in the background. The returned record is
// pending.
func (m *Manager) Submit(req Request) (Record, error) {
	if req.UserID == "" {
		return Record{}, remoteerr.Wrap(remoteerr.KindAuthenticationFailed, "transfer", "", errors.New("missing user"))
	}
	if err := m.validate.Struct(req); err != nil {
		return Record{}, remoteerr.Wrap(remoteerr.KindUnknown, "transfer", req.Source.Path,
			fmt.Errorf("invalid transfer request: %w", err))
	}
	if err := m.ctx.Err(); err != nil {
		return Record{}, remoteerr.Wrap(remoteerr.KindCancelled, "transfer", req.Source.Path, errors.New("manager closed"))
	}
	if req.Conflict == "" {
		req.Conflict = ConflictFail
	}
	return m.start(req, ""), nil
}

func (m *Manager) start(req Request, retryOf string) Record {
	m.jobs.DeleteExpired()

	ctx, cancel := context.WithCancel(m.ctx)
	j := &job{
		req:    req,
		cancel: cancel,
		done:   make(chan struct{}),
		record: Record{
			ID:        uuid.NewString(),
			UserID:    req.UserID,
			Source:    req.Source,
			Dest:      req.Dest,
			FinalName: path.Base(req.Dest.Path),
			IsMove:    req.IsMove,
			Conflict:  req.Conflict,
			Status:    StatusPending,
			RetryOf:   retryOf,
			CreatedAt: time.Now().UTC(),
		},
	}
	m.jobs.Set(j.record.ID, j, ttlcache.NoTTL)
	rec := j.snapshot()

	m.logger.Info("transfer submitted",
		zap.String("transfer_id", rec.ID),
		zap.String("source", rec.Source.ConnectionID+":"+rec.Source.Path),
		zap.String("dest", rec.Dest.ConnectionID+":"+rec.Dest.Path),
		zap.Bool("move", rec.IsMove))

	m.wg.Add(1)
	go m.run(ctx, j)
	return rec
}

func (m *Manager) run(ctx context.Context, j *job) {
	defer m.wg.Done()
	defer close(j.done)
	defer j.cancel()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(j, "", phaseError(PhasePrepare, err))
		return
	}
	defer m.sem.Release(1)

	now := time.Now().UTC()
	j.mu.Lock()
	j.record.Status = StatusInProgress
	j.record.Phase = PhasePrepare
	j.record.StartedAt = &now
	rec := j.record
	j.mu.Unlock()
	if m.config.OnStart != nil {
		m.config.OnStart(rec)
	}

	finalPath, err := m.pipeline.Run(ctx, j.req, j)
	m.finish(j, finalPath, err)
}

func (m *Manager) finish(j *job, finalPath string, err error) {
	now := time.Now().UTC()
	j.mu.Lock()
	j.record.FinishedAt = &now
	switch {
	case err == nil:
		j.record.Status = StatusCompleted
		j.record.Progress = 100
		if j.record.TotalBytes > 0 {
			j.record.BytesTransferred = j.record.TotalBytes
		}
		if finalPath != "" {
			j.record.Dest.Path = finalPath
			j.record.FinalName = path.Base(finalPath)
		}
	case j.cancelRequested || errors.Is(err, context.Canceled) || remoteerr.KindOf(err) == remoteerr.KindCancelled:
		j.record.Status = StatusCancelled
		j.record.ErrorKind = remoteerr.KindCancelled
		j.record.ErrorDetail = "transfer cancelled"
	default:
		j.record.Status = StatusFailed
		j.record.ErrorKind = remoteerr.KindOf(err)
		j.record.ErrorDetail = err.Error()
	}
	var pe *PhaseError
	if errors.As(err, &pe) {
		j.record.Phase = pe.Phase
	}
	rec := j.record
	j.mu.Unlock()

	m.jobs.Set(rec.ID, j, m.config.RecordTTL)

	fields := []zap.Field{
		zap.String("transfer_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.Int64("bytes", rec.BytesTransferred),
	}
	if err != nil {
		m.logger.Warn("transfer settled", append(fields, zap.String("phase", string(rec.Phase)), zap.Error(err))...)
	} else {
		m.logger.Info("transfer settled", fields...)
	}
	if m.config.OnFinish != nil {
		m.config.OnFinish(rec)
	}
}

func (m *Manager) lookup(userID, id string) (*job, error) {
	item := m.jobs.Get(id)
	if item == nil || item.Value().req.UserID != userID {
		return nil, remoteerr.Wrap(remoteerr.KindNotFound, "transfer", id, fmt.Errorf("transfer %s not found", id))
	}
	return item.Value(), nil
}

// Get returns the record with id owned by userID.
func (m *Manager) Get(userID, id string) (Record, error) {
	j, err := m.lookup(userID, id)
	if err != nil {
		return Record{}, err
	}
	return j.snapshot(), nil
}

// List returns the records of userID, newest first.
func (m *Manager) List(userID string) []Record {
	var records []Record
	m.jobs.Range(func(item *ttlcache.Item[string, *job]) bool {
		if item.Value().req.UserID == userID {
			records = append(records, item.Value().snapshot())
		}
		return true
	})
	sort.Slice(records, func(i, k int) bool {
		if records[i].CreatedAt.Equal(records[k].CreatedAt) {
			return records[i].ID < records[k].ID
		}
		return records[i].CreatedAt.After(records[k].CreatedAt)
	})
	return records
}

// Cancel aborts a pending or running transfer. Settled records yield Conflict.
func (m *Manager) Cancel(userID, id string) error {
	j, err := m.lookup(userID, id)
	if err != nil {
		return err
	}
	j.mu.Lock()
	if j.record.Status.Terminal() {
		status := j.record.Status
		j.mu.Unlock()
		return remoteerr.Wrap(remoteerr.KindConflict, "cancel", id, fmt.Errorf("transfer already %s", status))
	}
	j.cancelRequested = true
	j.mu.Unlock()
	j.cancel()
	return nil
}

// Wait blocks until the record settles or ctx is done.
func (m *Manager) Wait(ctx context.Context, userID, id string) (Record, error) {
	j, err := m.lookup(userID, id)
	if err != nil {
		return Record{}, err
	}
	select {
	case <-j.done:
		return j.snapshot(), nil
	case <-ctx.Done():
		return j.snapshot(), remoteerr.Classify("wait", id, ctx.Err())
	}
}

// Retry starts a new transfer with the parameters of a failed or cancelled one.
func (m *Manager) Retry(userID, id string) (Record, error) {
	j, err := m.lookup(userID, id)
	if err != nil {
		return Record{}, err
	}
	rec := j.snapshot()
	if rec.Status != StatusFailed && rec.Status != StatusCancelled {
		return Record{}, remoteerr.Wrap(remoteerr.KindConflict, "retry", id,
			fmt.Errorf("only failed or cancelled transfers can be retried, transfer is %s", rec.Status))
	}
	if err := m.ctx.Err(); err != nil {
		return Record{}, remoteerr.Wrap(remoteerr.KindCancelled, "retry", id, errors.New("manager closed"))
	}
	return m.start(j.req, id), nil
}
