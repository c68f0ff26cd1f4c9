// Package queue runs the provision, power and snapshot job queues.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/wenwu/saas-platform/vps-service/internal/apperr"
	"github.com/wenwu/saas-platform/vps-service/internal/metrics"
)

var (
	// ErrQueueFull is returned when a queue's buffer cannot take another job.
	ErrQueueFull = errors.New("queue is full")
	// ErrStopped is returned by Enqueue after Shutdown.
	ErrStopped = errors.New("dispatcher stopped")
)

const (
	defaultCapacity    = 1024
	defaultRetention   = time.Hour
	defaultMaxRetained = 1000
	sinkTimeout        = 30 * time.Second
	storeTimeout       = 5 * time.Second
	drainPollInterval  = 100 * time.Millisecond
)

// Handler executes jobs. It has one method per payload variant.
type Handler interface {
	HandleProvision(ctx context.Context, p ProvisionPayload) error
	HandlePower(ctx context.Context, p PowerPayload) error
	HandleSnapshot(ctx context.Context, p SnapshotPayload) error
}

// FailureSink is told about jobs that exhausted their attempts so the owning
// Order or Instance can record the terminal error.
type FailureSink interface {
	JobFailed(ctx context.Context, job Job, err error)
}

// KeyLocker claims idempotency keys across processes.
type KeyLocker interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Options configures a Dispatcher. With a Store every accepted job is
// persisted and Resume picks up what an earlier process left unfinished.
// ResumeInterval repeats that scan while running; it needs a Locker so
// replicas never run the same job twice.
type Options struct {
	Queues         []QueueConfig
	Handler        Handler
	Sink           FailureSink
	Clock          clockwork.Clock
	Locker         KeyLocker
	Store          Store
	ResumeInterval time.Duration
	Retention      time.Duration
	MaxRetained    int
}

type queueState struct {
	cfg QueueConfig
	ch  chan *Job
}

// Dispatcher owns the queues, their workers and the job table.
type Dispatcher struct {
	handler        Handler
	sink           FailureSink
	clock          clockwork.Clock
	locker         KeyLocker
	store          Store
	resumeInterval time.Duration
	validate       validatorFunc
	retention      time.Duration
	maxRetained    int
	queues         map[Name]*queueState

	mu       sync.Mutex
	jobs     map[string]*Job
	active   map[string]*Job
	claiming map[string]struct{} // keys between dedupe check and admission
	finished []*Job
	started  bool
	stopped  bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type validatorFunc func(Payload) error

// New builds a dispatcher. Workers do not run until Start.
func New(opts Options) (*Dispatcher, error) {
	if opts.Handler == nil {
		return nil, errors.New("queue: handler is required")
	}
	if len(opts.Queues) == 0 {
		opts.Queues = DefaultQueues()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.MaxRetained <= 0 {
		opts.MaxRetained = defaultMaxRetained
	}

	v := newValidator()
	d := &Dispatcher{
		handler:        opts.Handler,
		sink:           opts.Sink,
		clock:          opts.Clock,
		locker:         opts.Locker,
		store:          opts.Store,
		resumeInterval: opts.ResumeInterval,
		validate:       func(p Payload) error { return validatePayload(v, p) },
		retention:      opts.Retention,
		maxRetained:    opts.MaxRetained,
		queues:         make(map[Name]*queueState, len(opts.Queues)),
		jobs:           make(map[string]*Job),
		active:         make(map[string]*Job),
		claiming:       make(map[string]struct{}),
	}

	for _, cfg := range opts.Queues {
		switch cfg.Name {
		case QueueProvision, QueuePower, QueueSnapshot:
		default:
			return nil, fmt.Errorf("queue: unknown queue %q", cfg.Name)
		}
		if _, dup := d.queues[cfg.Name]; dup {
			return nil, fmt.Errorf("queue: %q configured twice", cfg.Name)
		}
		if cfg.Concurrency < 1 {
			cfg.Concurrency = 1
		}
		if cfg.Capacity < 1 {
			cfg.Capacity = defaultCapacity
		}
		if cfg.Retry.MaxAttempts < 1 {
			cfg.Retry.MaxAttempts = 1
		}
		d.queues[cfg.Name] = &queueState{cfg: cfg, ch: make(chan *Job, cfg.Capacity)}
	}

	return d, nil
}

// Start launches the workers of every queue. Jobs enqueued earlier are kept
// in their buffers and picked up now.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	runCtx, cancel := context.WithCancel(ctx)
	d.runCtx = runCtx
	d.cancel = cancel
	for _, q := range d.queues {
		for i := 0; i < q.cfg.Concurrency; i++ {
			d.wg.Add(1)
			go d.worker(runCtx, q)
		}
		log.Info().Str("queue", string(q.cfg.Name)).Int("concurrency", q.cfg.Concurrency).Msg("Queue workers started")
	}

	if d.store != nil && d.locker != nil && d.resumeInterval > 0 {
		d.wg.Add(1)
		go d.resumeLoop(runCtx)
	}
}

// Shutdown stops accepting jobs, cancels running handlers and waits for the
// workers to exit or ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Jobs still queued or waiting to retry stay persisted; free their keys
	// for the next process.
	d.mu.Lock()
	keys := make([]string, 0, len(d.active))
	for key := range d.active {
		keys = append(keys, key)
	}
	d.mu.Unlock()
	for _, key := range keys {
		d.releaseClaim(key)
	}
	return nil
}

// Drain waits until every accepted job, including those waiting to retry,
// has finished or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	ticker := d.clock.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		d.mu.Lock()
		pending := len(d.active)
		d.mu.Unlock()
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// Enqueue adds a job unless one with the same key is queued, running or
// waiting to retry. A duplicate returns the existing job with enqueued=false.
// When the key is held by another process, or by a persisted job not loaded
// here, the job is nil.
func (d *Dispatcher) Enqueue(ctx context.Context, key string, payload Payload) (*Job, bool, error) {
	payload = normalize(payload)
	if err := d.validate(payload); err != nil {
		return nil, false, err
	}
	if key == "" {
		return nil, false, apperr.Validation("key", "idempotency key is required")
	}
	q, ok := d.queues[payload.Queue()]
	if !ok {
		return nil, false, apperr.Validation("queue", "queue %q is not configured", payload.Queue())
	}
	name := string(q.cfg.Name)

	d.mu.Lock()
	d.pruneLocked(d.clock.Now())
	if d.stopped {
		d.mu.Unlock()
		return nil, false, ErrStopped
	}
	if existing, ok := d.active[key]; ok {
		c := *existing
		d.mu.Unlock()
		metrics.DuplicateEnqueues.WithLabelValues(name).Inc()
		log.Debug().Str("queue", name).Str("key", key).Str("job_id", c.ID).Msg("Duplicate enqueue ignored")
		return &c, false, nil
	}
	if _, busy := d.claiming[key]; busy {
		d.mu.Unlock()
		metrics.DuplicateEnqueues.WithLabelValues(name).Inc()
		log.Debug().Str("queue", name).Str("key", key).Msg("Enqueue of the same key already in progress")
		return nil, false, nil
	}
	d.claiming[key] = struct{}{}
	d.mu.Unlock()

	// Remote calls run without the lock held.
	if !d.claim(ctx, q, key) {
		d.unreserve(key)
		metrics.DuplicateEnqueues.WithLabelValues(name).Inc()
		log.Info().Str("queue", name).Str("key", key).Msg("Idempotency key held by another replica")
		return nil, false, nil
	}

	now := d.clock.Now()
	job := &Job{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Queue:       q.cfg.Name,
		Key:         key,
		Payload:     payload,
		MaxAttempts: q.cfg.Retry.MaxAttempts,
		State:       StateQueued,
		EnqueuedAt:  now,
	}

	if d.store != nil {
		rec, err := newRecord(job)
		if err == nil {
			var inserted bool
			inserted, err = d.store.Insert(ctx, rec)
			if err == nil && !inserted {
				d.unreserve(key)
				d.releaseClaim(key)
				metrics.DuplicateEnqueues.WithLabelValues(name).Inc()
				log.Info().Str("queue", name).Str("key", key).Msg("Idempotency key held by a persisted job")
				return nil, false, nil
			}
		}
		if err != nil {
			d.unreserve(key)
			d.releaseClaim(key)
			return nil, false, fmt.Errorf("persist job: %w", err)
		}
	}

	d.mu.Lock()
	delete(d.claiming, key)
	if d.stopped {
		d.mu.Unlock()
		d.releaseClaim(key)
		if d.store == nil {
			return nil, false, ErrStopped
		}
		log.Info().Str("queue", name).Str("key", key).Str("job_id", job.ID).Msg("Job persisted during shutdown, it runs after the next start")
		c := *job
		return &c, true, nil
	}

	select {
	case q.ch <- job:
	default:
		job.State = StateFailed
		job.LastError = ErrQueueFull.Error()
		job.FinishedAt = &now
		rec := job.record()
		d.mu.Unlock()
		d.releaseClaim(key)
		d.persist(rec)
		return nil, false, fmt.Errorf("%w: %s", ErrQueueFull, name)
	}

	d.jobs[job.ID] = job
	d.active[key] = job
	c := *job
	d.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(name).Inc()
	log.Info().Str("queue", name).Str("key", key).Str("job_id", job.ID).Msg("Job enqueued")
	return &c, true, nil
}

// Resume queues persisted jobs left unfinished by an earlier process. Jobs
// known here, or whose key another replica holds, are skipped. Retry delays
// still running are honored. Call after Start.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	d.mu.Lock()
	runCtx, ready := d.runCtx, d.started && !d.stopped
	d.mu.Unlock()
	if !ready {
		return 0, errors.New("queue: resume needs a running dispatcher")
	}

	if n, err := d.store.PurgeFinished(ctx, d.clock.Now().Add(-d.retention)); err != nil {
		log.Warn().Err(err).Msg("Failed to purge finished jobs")
	} else if n > 0 {
		log.Debug().Int64("purged", n).Msg("Purged finished jobs")
	}

	recs, err := d.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list persisted jobs: %w", err)
	}

	resumed := 0
	for _, rec := range recs {
		ok, err := d.resumeOne(ctx, runCtx, rec)
		if err != nil {
			log.Error().Err(err).Str("job_id", rec.ID).Str("key", rec.Key).Msg("Failed to resume job")
			continue
		}
		if ok {
			resumed++
		}
	}
	if resumed > 0 {
		log.Info().Int("resumed", resumed).Int("persisted", len(recs)).Msg("Persisted jobs resumed")
	}
	return resumed, nil
}

func (d *Dispatcher) resumeOne(ctx, runCtx context.Context, rec Record) (bool, error) {
	q, ok := d.queues[rec.Queue]
	if !ok {
		return false, fmt.Errorf("queue %q is not configured", rec.Queue)
	}
	job, err := jobFromRecord(rec)
	if err != nil {
		return false, err
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = q.cfg.Retry.MaxAttempts
	}

	d.mu.Lock()
	_, known := d.jobs[rec.ID]
	_, held := d.active[rec.Key]
	_, reserving := d.claiming[rec.Key]
	if known || held || reserving || d.stopped {
		d.mu.Unlock()
		return false, nil
	}
	d.claiming[rec.Key] = struct{}{}
	d.mu.Unlock()

	if !d.claim(ctx, q, rec.Key) {
		d.unreserve(rec.Key)
		return false, nil
	}

	d.mu.Lock()
	delete(d.claiming, rec.Key)
	if d.stopped {
		d.mu.Unlock()
		d.releaseClaim(rec.Key)
		return false, nil
	}

	now := d.clock.Now()
	if job.NextRunAt != nil && job.NextRunAt.After(now) {
		job.State = StateRetrying
		d.wg.Add(1)
		go d.retryAfter(runCtx, q, job, job.NextRunAt.Sub(now))
	} else {
		job.State = StateQueued
		job.NextRunAt = nil
		select {
		case q.ch <- job:
			metrics.QueueDepth.WithLabelValues(string(q.cfg.Name)).Inc()
		default:
			d.mu.Unlock()
			d.releaseClaim(rec.Key)
			return false, fmt.Errorf("%w: %s", ErrQueueFull, q.cfg.Name)
		}
	}
	d.jobs[job.ID] = job
	d.active[job.Key] = job
	d.mu.Unlock()

	log.Info().Str("queue", string(q.cfg.Name)).Str("key", job.Key).Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("Job resumed")
	return true, nil
}

func (d *Dispatcher) resumeLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := d.clock.NewTicker(d.resumeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := d.Resume(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Periodic job resume failed")
			}
		}
	}
}

// Get returns a copy of a retained job.
func (d *Dispatcher) Get(id string) (*Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(d.clock.Now())

	job, ok := d.jobs[id]
	if !ok {
		return nil, false
	}
	c := *job
	return &c, true
}

// Depth counts queued and retry-waiting jobs per queue.
func (d *Dispatcher) Depth() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	depth := make(map[string]int, len(d.queues))
	for name := range d.queues {
		depth[string(name)] = 0
	}
	for _, job := range d.active {
		if job.State == StateQueued || job.State == StateRetrying {
			depth[string(job.Queue)]++
		}
	}
	return depth
}

func (d *Dispatcher) worker(ctx context.Context, q *queueState) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.ch:
			d.run(ctx, q, job)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, q *queueState, job *Job) {
	name := string(q.cfg.Name)

	d.mu.Lock()
	job.Attempts++
	job.State = StateRunning
	started := d.clock.Now()
	job.StartedAt = &started
	job.NextRunAt = nil
	attempt := job.Attempts
	payload := job.Payload
	rec := job.record()
	d.mu.Unlock()
	d.persist(rec)

	metrics.QueueDepth.WithLabelValues(name).Dec()
	metrics.JobsInFlight.WithLabelValues(name).Inc()

	logger := log.With().
		Str("queue", name).
		Str("job_id", job.ID).
		Str("key", job.Key).
		Int("attempt", attempt).
		Logger()

	jobCtx := ctx
	var cancel context.CancelFunc = func() {}
	if q.cfg.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, q.cfg.JobTimeout)
	}
	jobCtx = logger.WithContext(jobCtx)

	begin := time.Now()
	err := d.dispatch(jobCtx, payload)
	cancel()

	metrics.JobDuration.WithLabelValues(name).Observe(time.Since(begin).Seconds())
	metrics.JobsInFlight.WithLabelValues(name).Dec()

	d.mu.Lock()
	now := d.clock.Now()

	if err == nil {
		job.State = StateSucceeded
		job.LastError = ""
		d.finishLocked(job, now)
		rec := job.record()
		d.mu.Unlock()

		d.persist(rec)
		d.releaseClaim(job.Key)
		metrics.JobsTotal.WithLabelValues(name, "succeeded").Inc()
		logger.Info().Msg("Job succeeded")
		return
	}

	job.LastError = err.Error()
	if ctx.Err() == nil && attempt < job.MaxAttempts && !apperr.IsPermanent(err) {
		delay := q.cfg.Retry.Backoff(attempt)
		next := now.Add(delay)
		job.State = StateRetrying
		job.NextRunAt = &next
		d.wg.Add(1)
		go d.retryAfter(ctx, q, job, delay)
		rec := job.record()
		d.mu.Unlock()

		d.persist(rec)
		metrics.JobsTotal.WithLabelValues(name, "retrying").Inc()
		logger.Warn().Err(err).Dur("delay", delay).Msg("Job failed, will retry")
		return
	}

	job.State = StateFailed
	d.finishLocked(job, now)
	final := *job
	rec = job.record()
	d.mu.Unlock()

	d.releaseClaim(job.Key)

	if ctx.Err() != nil {
		// Still owed: the persisted row goes back to queued for the next start.
		rec.State = StateQueued
		rec.FinishedAt = nil
		d.persist(rec)
		logger.Warn().Err(err).Msg("Job abandoned by shutdown")
		return
	}
	d.persist(rec)
	metrics.JobsTotal.WithLabelValues(name, "failed").Inc()
	logger.Error().Err(err).Int("max_attempts", job.MaxAttempts).Msg("Job failed permanently")

	if d.sink != nil {
		sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
		d.sink.JobFailed(logger.WithContext(sinkCtx), final, err)
		cancel()
	}
}

func (d *Dispatcher) retryAfter(ctx context.Context, q *queueState, job *Job, delay time.Duration) {
	defer d.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-d.clock.After(delay):
	}

	d.mu.Lock()
	job.State = StateQueued
	d.mu.Unlock()

	select {
	case q.ch <- job:
		metrics.QueueDepth.WithLabelValues(string(q.cfg.Name)).Inc()
	case <-ctx.Done():
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, payload Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()

	switch p := payload.(type) {
	case ProvisionPayload:
		return d.handler.HandleProvision(ctx, p)
	case PowerPayload:
		return d.handler.HandlePower(ctx, p)
	case SnapshotPayload:
		return d.handler.HandleSnapshot(ctx, p)
	default:
		return apperr.Validation("payload", "unsupported payload %T", payload)
	}
}

func (d *Dispatcher) finishLocked(job *Job, now time.Time) {
	job.FinishedAt = &now
	job.NextRunAt = nil
	if d.active[job.Key] == job {
		delete(d.active, job.Key)
	}
	d.finished = append(d.finished, job)
}

// pruneLocked drops finished jobs past retention or beyond the retained cap.
func (d *Dispatcher) pruneLocked(now time.Time) {
	drop := 0
	for drop < len(d.finished) {
		job := d.finished[drop]
		expired := now.Sub(*job.FinishedAt) >= d.retention
		if !expired && len(d.finished)-drop <= d.maxRetained {
			break
		}
		delete(d.jobs, job.ID)
		drop++
	}
	if drop > 0 {
		d.finished = append(d.finished[:0:0], d.finished[drop:]...)
	}
}

// claim takes the cross-process claim on key. An unreachable locker does
// not block work; local dedupe still applies.
func (d *Dispatcher) claim(ctx context.Context, q *queueState, key string) bool {
	if d.locker == nil {
		return true
	}
	claimed, err := d.locker.Claim(ctx, key, claimTTL(q.cfg))
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Idempotency claim unavailable, relying on local dedupe")
		return true
	}
	return claimed
}

func (d *Dispatcher) unreserve(key string) {
	d.mu.Lock()
	delete(d.claiming, key)
	d.mu.Unlock()
}

// persist writes a state change. Store errors are logged; this process keeps
// running the job from memory.
func (d *Dispatcher) persist(rec Record) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := d.store.Update(ctx, rec); err != nil {
		log.Warn().Err(err).Str("job_id", rec.ID).Str("state", string(rec.State)).Msg("Failed to persist job state")
	}
}

func (d *Dispatcher) releaseClaim(key string) {
	if d.locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.locker.Release(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to release idempotency claim")
	}
}

// claimTTL outlives every attempt of a job so a crashed holder eventually
// frees its key.
func claimTTL(cfg QueueConfig) time.Duration {
	attempts := time.Duration(cfg.Retry.MaxAttempts)
	ttl := attempts * (cfg.JobTimeout + cfg.Retry.MaxDelay)
	if ttl <= 0 {
		ttl = time.Hour
	}
	return ttl
}

func normalize(p Payload) Payload {
	switch v := p.(type) {
	case *ProvisionPayload:
		if v != nil {
			return *v
		}
	case *PowerPayload:
		if v != nil {
			return *v
		}
	case *SnapshotPayload:
		if v != nil {
			return *v
		}
	default:
		return p
	}
	return nil
}
