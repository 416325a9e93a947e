// ABOUTME: Sync engine that runs import and incremental sync jobs
// ABOUTME: Enforces one active job per user and integration and exposes job handles with progress
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/prokopsimek/pmcrm-sub000/events"
	"github.com/prokopsimek/pmcrm-sub000/lock"
	"github.com/prokopsimek/pmcrm-sub000/metrics"
	"github.com/prokopsimek/pmcrm-sub000/models"
	"github.com/prokopsimek/pmcrm-sub000/store"
	"go.uber.org/zap"
)

// DefaultLockTTL is how long a job lock lives without being extended.
const DefaultLockTTL = 2 * time.Minute

// DefaultHandleRetention is how long a finished job stays reachable through
// Handle. Its status remains in the store afterwards.
const DefaultHandleRetention = 10 * time.Minute

// SyncResult summarizes one finished incremental sync.
type SyncResult struct {
	JobID        string `json:"job_id"`
	Added        int    `json:"added"`
	Updated      int    `json:"updated"`
	Deleted      int    `json:"deleted"`
	Skipped      int    `json:"skipped"`
	Failed       int    `json:"failed"`
	FullSync     bool   `json:"full_sync"`
	Conflicts    int    `json:"conflicts"`
	AutoResolved int    `json:"auto_resolved"`
	Deferred     int    `json:"deferred"`
}

// Preview is a read-only classification of what an import would do.
type Preview struct {
	Report
	Records int `json:"records"`
}

// JobHandle follows one running job.
type JobHandle struct {
	id        string
	mu        gosync.Mutex
	job       models.ImportJob
	result    *SyncResult
	err       error
	progress  chan models.ImportJob
	done      chan struct{}
	cancelled atomic.Bool
}

func newJobHandle(job *models.ImportJob) *JobHandle {
	return &JobHandle{
		id:       job.ID,
		job:      job.Snapshot(),
		progress: make(chan models.ImportJob, 16),
		done:     make(chan struct{}),
	}
}

func (h *JobHandle) ID() string { return h.id }

// Status returns the latest job snapshot.
func (h *JobHandle) Status() models.ImportJob {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job.Snapshot()
}

// Progress delivers snapshots after each batch. Snapshots are dropped when the
// reader falls behind; the channel closes when the job ends.
func (h *JobHandle) Progress() <-chan models.ImportJob {
	return h.progress
}

// Done is closed once the job is terminal.
func (h *JobHandle) Done() <-chan struct{} {
	return h.done
}

// Cancel asks the job to stop at the next batch boundary.
func (h *JobHandle) Cancel() {
	h.cancelled.Store(true)
}

// Err returns the failure cause once the job is done.
func (h *JobHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Result returns the sync summary once the job is done.
func (h *JobHandle) Result() *SyncResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

func (h *JobHandle) update(job models.ImportJob) {
	h.mu.Lock()
	h.job = job
	h.mu.Unlock()
	select {
	case h.progress <- job:
	default:
	}
}

func (h *JobHandle) finish(job models.ImportJob, result *SyncResult, err error) {
	h.mu.Lock()
	h.job = job
	h.result = result
	h.err = err
	h.mu.Unlock()
	select {
	case h.progress <- job:
	default:
	}
	close(h.progress)
	close(h.done)
}

// Engine runs imports and syncs against a store and a set of directories.
type Engine struct {
	store     store.Store
	resolver  DirectoryResolver
	pipeline  *Pipeline
	matcher   *Matcher
	locker    lock.Locker
	publisher events.Publisher
	logger    *zap.Logger
	metrics   *metrics.Recorder
	fetchOpts []FetcherOption
	lockTTL   time.Duration
	retention time.Duration
	batchSize int
	maxErrors int
	now       func() time.Time

	mu   gosync.Mutex
	jobs map[string]*JobHandle
	wg   gosync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithLocker(l lock.Locker) EngineOption {
	return func(e *Engine) { e.locker = l }
}

func WithPublisher(p events.Publisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *metrics.Recorder) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithMatcher(m *Matcher) EngineOption {
	return func(e *Engine) { e.matcher = m }
}

func WithEngineBatchSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithMaxJobErrors bounds the error list kept per job.
func WithMaxJobErrors(n int) EngineOption {
	return func(e *Engine) { e.maxErrors = n }
}

func WithFetcherOptions(opts ...FetcherOption) EngineOption {
	return func(e *Engine) { e.fetchOpts = append(e.fetchOpts, opts...) }
}

// WithHandleRetention sets how long finished handles are kept. Zero drops
// them as soon as the job ends.
func WithHandleRetention(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d >= 0 {
			e.retention = d
		}
	}
}

func WithLockTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.lockTTL = d
		}
	}
}

// NewEngine wires an engine. Defaults: in-process locking, log-only events.
func NewEngine(st store.Store, resolver DirectoryResolver, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     st,
		resolver:  resolver,
		matcher:   NewMatcher(DefaultRegion),
		locker:    lock.NewMemoryLocker(),
		logger:    zap.NewNop(),
		lockTTL:   DefaultLockTTL,
		retention: DefaultHandleRetention,
		batchSize: DefaultBatchSize,
		maxErrors: models.DefaultMaxJobErrors,
		now:       func() time.Time { return time.Now().UTC() },
		jobs:      make(map[string]*JobHandle),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.publisher == nil {
		e.publisher = events.NewLogPublisher(e.logger)
	}
	e.fetchOpts = append([]FetcherOption{WithFetchLogger(e.logger), WithFetchMetrics(e.metrics)}, e.fetchOpts...)
	e.pipeline = NewPipeline(st,
		WithBatchSize(e.batchSize),
		WithPipelineLogger(e.logger),
		WithPipelineMetrics(e.metrics))
	return e
}

// StartImport enqueues a full import and returns its job id. The import runs
// in the background; follow it with GetJobStatus or Handle.
func (e *Engine) StartImport(ctx context.Context, cfg ImportConfig) (string, error) {
	h, err := e.StartImportJob(ctx, cfg)
	if err != nil {
		return "", err
	}
	return h.ID(), nil
}

// StartImportJob is StartImport returning the job's handle, which stays
// usable after the engine drops it.
func (e *Engine) StartImportJob(ctx context.Context, cfg ImportConfig) (*JobHandle, error) {
	integration, err := e.integration(ctx, cfg.IntegrationID)
	if err != nil {
		return nil, err
	}
	if cfg.UserID == "" {
		cfg.UserID = integration.UserID
	}
	if cfg.UserID != integration.UserID {
		return nil, fmt.Errorf("integration %s does not belong to user %s: %w", integration.ID, cfg.UserID, ErrIntegrationNotFound)
	}

	return e.start(ctx, integration, func(ctx context.Context, run *jobRun) (*SyncResult, error) {
		return e.runImport(ctx, run, cfg)
	})
}

// StartIncrementalSync applies the changes since the stored cursor and waits
// for the job to finish. Without a cursor, or with an expired one, it runs a
// full import and stores the resulting cursor as the new baseline.
func (e *Engine) StartIncrementalSync(ctx context.Context, integrationID string) (*SyncResult, error) {
	integration, err := e.integration(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	h, err := e.start(ctx, integration, e.runIncremental)
	if err != nil {
		return nil, err
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		h.Cancel()
		<-h.Done()
	}
	return h.Result(), h.Err()
}

// GetJobStatus returns a snapshot of a job.
func (e *Engine) GetJobStatus(ctx context.Context, jobID string) (models.ImportJob, error) {
	if h, ok := e.Handle(jobID); ok {
		return h.Status(), nil
	}
	job, err := e.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return models.ImportJob{}, fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return models.ImportJob{}, err
	}
	return job.Snapshot(), nil
}

// Handle returns the handle of a job started by this engine. Finished jobs
// are dropped after the retention period.
func (e *Engine) Handle(jobID string) (*JobHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.jobs[jobID]
	return h, ok
}

// Cancel asks a running job to stop at the next batch boundary.
func (e *Engine) Cancel(jobID string) error {
	h, ok := e.Handle(jobID)
	if !ok {
		return fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	h.Cancel()
	return nil
}

// Wait blocks until every job started by this engine is done.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// PreviewImport classifies what an import with cfg would do without writing anything.
func (e *Engine) PreviewImport(ctx context.Context, cfg ImportConfig) (*Preview, error) {
	integration, err := e.integration(ctx, cfg.IntegrationID)
	if err != nil {
		return nil, err
	}
	userID := cfg.UserID
	if userID == "" {
		userID = integration.UserID
	}

	client, err := e.resolver.Directory(ctx, integration)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory: %w", err)
	}
	fetched, err := NewFetcher(client, integration.Provider, e.fetchOpts...).FetchAll(ctx, "")
	if err != nil {
		return nil, err
	}

	records := e.prepare(fetched.Records, cfg)
	existing, err := e.store.ListActiveContacts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing contacts: %w", err)
	}

	report := NewDeduplicator(e.matcher, existing).Deduplicate(records)
	return &Preview{Report: report, Records: len(records)}, nil
}

// Disconnect removes an integration's links and cursor. Contacts stay.
func (e *Engine) Disconnect(ctx context.Context, integrationID string) (int64, error) {
	integration, err := e.integration(ctx, integrationID)
	if err != nil {
		return 0, err
	}
	lk, err := e.acquire(ctx, integration)
	if err != nil {
		return 0, err
	}
	defer e.release(lk)

	removed, err := e.store.DeleteLinksForIntegration(ctx, integration.ID)
	if err != nil {
		return 0, err
	}
	if err := e.store.DeleteCursor(ctx, integration.ID); err != nil {
		return removed, err
	}
	e.logger.Info("integration disconnected",
		zap.String("integration_id", integration.ID),
		zap.Int64("links_removed", removed))
	return removed, nil
}

// jobRun is the state shared between the runner and a job's work function.
type jobRun struct {
	job         *models.ImportJob
	integration *models.Integration
	handle      *JobHandle
	touched     []uuid.UUID

	lock       lock.Lock
	extendedAt atomic.Int64
	lockLost   atomic.Bool
}

type jobFunc func(ctx context.Context, run *jobRun) (*SyncResult, error)

func (e *Engine) start(ctx context.Context, integration *models.Integration, work jobFunc) (*JobHandle, error) {
	lk, err := e.acquire(ctx, integration)
	if err != nil {
		return nil, err
	}

	job := models.NewImportJob(ulid.Make().String(), integration.UserID, integration.ID, e.now())
	job.MaxErrors = e.maxErrors
	if err := e.store.CreateJob(ctx, job); err != nil {
		e.release(lk)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	h := newJobHandle(job)
	e.mu.Lock()
	e.jobs[job.ID] = h
	e.mu.Unlock()

	run := &jobRun{job: job, integration: integration, handle: h, lock: lk}
	run.extendedAt.Store(time.Now().UnixNano())
	e.wg.Add(1)
	go e.execute(context.WithoutCancel(ctx), run, work)
	return h, nil
}

func (e *Engine) execute(ctx context.Context, run *jobRun, work jobFunc) {
	defer e.wg.Done()

	stopKeepAlive := e.keepAlive(ctx, run)
	// The lock goes before waiters are woken so they can start the next job.
	finish := func(job models.ImportJob, result *SyncResult, err error) {
		stopKeepAlive()
		e.release(run.lock)
		e.forget(job.ID)
		run.handle.finish(job, result, err)
	}

	job := run.job
	began := time.Now()
	logger := e.logger.With(zap.String("job_id", job.ID), zap.String("integration_id", job.IntegrationID))

	if err := job.Start(e.now()); err != nil {
		logger.Error("failed to start job", zap.Error(err))
		finish(job.Snapshot(), nil, err)
		return
	}
	if err := e.store.UpdateJob(ctx, job); err != nil {
		logger.Error("failed to persist job start", zap.Error(err))
	}
	run.handle.update(job.Snapshot())
	e.metrics.JobStarted()
	logger.Info("job started", zap.String("provider", run.integration.Provider))

	result, err := work(ctx, run)

	if err != nil {
		_ = job.Fail(e.now(), err)
		logger.Error("job failed", zap.Error(err))
	} else if cerr := job.Complete(e.now()); cerr != nil {
		err = cerr
	}
	if perr := e.store.UpdateJob(ctx, job); perr != nil {
		logger.Error("failed to persist job result", zap.Error(perr))
	}

	if result == nil {
		result = &SyncResult{}
	}
	result.JobID = job.ID
	result.Added = job.ImportedCount
	result.Updated = job.UpdatedCount
	result.Deleted = job.DeletedCount
	result.Skipped = job.SkippedCount
	result.Failed = job.FailedCount

	e.metrics.JobFinished(run.integration.Provider, string(job.Status), time.Since(began))
	e.publish(ctx, run, logger)
	logger.Info("job finished",
		zap.String("status", string(job.Status)),
		zap.Int("imported", job.ImportedCount),
		zap.Int("updated", job.UpdatedCount),
		zap.Int("skipped", job.SkippedCount),
		zap.Int("deleted", job.DeletedCount),
		zap.Int("failed", job.FailedCount))

	finish(job.Snapshot(), result, err)
}

func (e *Engine) publish(ctx context.Context, run *jobRun, logger *zap.Logger) {
	ids := make([]string, 0, len(run.touched))
	for _, id := range run.touched {
		ids = append(ids, id.String())
	}
	job := run.job
	err := e.publisher.PublishImportCompleted(ctx, &events.ImportCompleted{
		JobID:         job.ID,
		UserID:        job.UserID,
		IntegrationID: job.IntegrationID,
		Provider:      run.integration.Provider,
		Status:        string(job.Status),
		Imported:      job.ImportedCount,
		Updated:       job.UpdatedCount,
		Skipped:       job.SkippedCount,
		Deleted:       job.DeletedCount,
		Failed:        job.FailedCount,
		ContactIDs:    ids,
	})
	if err != nil {
		e.metrics.EventPublished("error")
		logger.Warn("failed to publish import event", zap.Error(err))
		return
	}
	e.metrics.EventPublished("ok")
}

func (e *Engine) runImport(ctx context.Context, run *jobRun, cfg ImportConfig) (*SyncResult, error) {
	client, err := e.resolver.Directory(ctx, run.integration)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory: %w", err)
	}
	fetched, err := NewFetcher(client, run.integration.Provider, e.fetchOpts...).FetchAll(ctx, "")
	if err != nil {
		return nil, err
	}

	res, err := e.apply(ctx, run, cfg, fetched, nil, nil)
	if err != nil {
		return res, err
	}

	// A partial import must not become the baseline for later deltas.
	if !cfg.Filtered() && fetched.SyncCursor != "" {
		if err := e.saveCursor(ctx, run, fetched.SyncCursor); err != nil {
			return res, err
		}
	}
	res.FullSync = true
	return res, nil
}

func (e *Engine) runIncremental(ctx context.Context, run *jobRun) (*SyncResult, error) {
	integration := run.integration
	client, err := e.resolver.Directory(ctx, integration)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory: %w", err)
	}

	cursor, err := e.store.GetCursor(ctx, integration.ID)
	if err != nil {
		return nil, err
	}
	token := ""
	if cursor != nil {
		token = cursor.Token
	}

	fetcher := NewFetcher(client, integration.Provider, e.fetchOpts...)
	fetched, err := fetcher.FetchAll(ctx, token)
	if token != "" && errors.Is(err, ErrCursorExpired) {
		e.logger.Warn("sync cursor expired, running full sync", zap.String("integration_id", integration.ID))
		token = ""
		fetched, err = fetcher.FetchAll(ctx, "")
	}
	if err != nil {
		return nil, err
	}

	resolver, err := NewConflictResolver(e.matcher, integration.Strategy)
	if err != nil {
		return nil, err
	}
	writer, _ := client.(DirectoryWriter)

	cfg := ImportConfig{
		UserID:         integration.UserID,
		IntegrationID:  integration.ID,
		SkipDuplicates: true,
		UpdateExisting: true,
	}
	res, err := e.apply(ctx, run, cfg, fetched, resolver, writer)
	if err != nil {
		return res, err
	}

	if fetched.SyncCursor != "" {
		if err := e.saveCursor(ctx, run, fetched.SyncCursor); err != nil {
			return res, err
		}
	}
	res.FullSync = token == ""
	return res, nil
}

func (e *Engine) apply(ctx context.Context, run *jobRun, cfg ImportConfig, fetched *FetchResult, resolver *ConflictResolver, writer DirectoryWriter) (*SyncResult, error) {
	if run.handle.cancelled.Load() {
		return nil, ErrJobCancelled
	}

	existing, err := e.store.ListActiveContacts(ctx, run.job.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing contacts: %w", err)
	}

	out, err := e.pipeline.Run(ctx, &RunInput{
		Job:         run.job,
		Integration: run.integration,
		Config:      cfg,
		Records:     e.prepare(fetched.Records, cfg),
		Removed:     fetched.Removed,
		Dedup:       NewDeduplicator(e.matcher, existing),
		Resolver:    resolver,
		Writer:      writer,
		Cancelled:   run.handle.cancelled.Load,
		Renew:       func(ctx context.Context) error { return e.extend(ctx, run) },
		Progress:    run.handle.update,
	})
	res := &SyncResult{}
	if out != nil {
		run.touched = append(run.touched, out.Touched...)
		res.Conflicts = out.Conflicts
		res.AutoResolved = out.AutoResolved
		res.Deferred = out.Deferred
	}
	return res, err
}

func (e *Engine) prepare(raw []RawContact, cfg ImportConfig) []models.ContactRecord {
	records := make([]models.ContactRecord, 0, len(raw))
	for _, r := range raw {
		records = append(records, Normalize(r))
	}
	return cfg.Select(records)
}

// saveCursor stores the new baseline, unless another runner may have taken
// over the integration.
func (e *Engine) saveCursor(ctx context.Context, run *jobRun, token string) error {
	if err := e.extend(ctx, run); err != nil {
		return err
	}
	err := e.store.SaveCursor(ctx, &models.SyncCursor{
		IntegrationID: run.integration.ID,
		Token:         token,
		LastSyncAt:    e.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}

func (e *Engine) integration(ctx context.Context, id string) (*models.Integration, error) {
	integration, err := e.store.GetIntegration(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrIntegrationNotFound)
	}
	return integration, err
}

func lockKey(integration *models.Integration) string {
	return integration.UserID + ":" + integration.ID
}

func (e *Engine) acquire(ctx context.Context, integration *models.Integration) (lock.Lock, error) {
	lk, err := e.locker.Acquire(ctx, lockKey(integration), e.lockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, fmt.Errorf("%s: %w", integration.ID, ErrJobAlreadyRunning)
	}
	if err != nil {
		return nil, err
	}
	return lk, nil
}

func (e *Engine) release(lk lock.Lock) {
	if err := lk.Release(context.Background()); err != nil {
		e.logger.Warn("failed to release job lock", zap.Error(err))
	}
}

// keepAlive extends the job lock every third of its TTL until the returned
// stop function is called. Between extensions the pipeline renews it before
// every batch.
func (e *Engine) keepAlive(ctx context.Context, run *jobRun) func() {
	stop := make(chan struct{})
	var once gosync.Once
	ticker := time.NewTicker(e.lockTTL / 3)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := e.extend(ctx, run); err != nil {
					e.logger.Error("job lock lost", zap.String("job_id", run.job.ID), zap.Error(err))
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

// extend refreshes the job lock. The lock is lost once the locker reports it
// gone or no extension has succeeded for a whole TTL; after that the job must
// not write.
func (e *Engine) extend(ctx context.Context, run *jobRun) error {
	if run.lockLost.Load() {
		return ErrLockLost
	}
	err := run.lock.Extend(ctx, e.lockTTL)
	if err == nil {
		run.extendedAt.Store(time.Now().UnixNano())
		return nil
	}
	last := time.Unix(0, run.extendedAt.Load())
	if errors.Is(err, lock.ErrNotHeld) || time.Since(last) >= e.lockTTL {
		run.lockLost.Store(true)
		return fmt.Errorf("%w: %v", ErrLockLost, err)
	}
	e.logger.Warn("failed to extend job lock", zap.String("job_id", run.job.ID), zap.Error(err))
	return nil
}

// forget drops a finished handle once the retention period is over.
func (e *Engine) forget(jobID string) {
	drop := func() {
		e.mu.Lock()
		delete(e.jobs, jobID)
		e.mu.Unlock()
	}
	if e.retention == 0 {
		drop()
		return
	}
	time.AfterFunc(e.retention, drop)
}
