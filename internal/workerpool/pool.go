// Copyright 2025 James Ross
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paperatlas/enrichq/internal/breaker"
	"github.com/paperatlas/enrichq/internal/config"
	"github.com/paperatlas/enrichq/internal/jobstore"
	"github.com/paperatlas/enrichq/internal/obs"
	"github.com/paperatlas/enrichq/internal/ratelimit"
	"github.com/paperatlas/enrichq/internal/stage"
	"github.com/paperatlas/enrichq/internal/stages"
	"github.com/paperatlas/enrichq/internal/tracker"
)

// KindStatus is the observable state of one kind's sub-pool.
type KindStatus struct {
	Workers     int       `json:"workers"`
	Busy        int       `json:"busy"`
	Idle        int       `json:"idle"`
	Processed   int64     `json:"processed"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// Pool drives stage execution: one sub-pool of workers per kind, each
// worker looping acquire-token -> claim -> run body -> mark. Scaling down
// never abandons a claimed job; stopping lets each worker finish its
// current job inside the graceful deadline.
type Pool struct {
	cfg   *config.Config
	store *jobstore.Store
	rl    *ratelimit.Limiter
	reg   *stages.Registry
	tr    *tracker.Tracker
	log   *zap.Logger

	mu        sync.Mutex
	targets   map[stage.Kind]int
	running   map[stage.Kind]int
	busy      map[stage.Kind]int
	processed map[stage.Kind]int64
	lastError map[stage.Kind]time.Time
	seq       int64
	started   bool

	cbs    map[stage.Kind]*breaker.CircuitBreaker
	baseID string

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg *config.Config, store *jobstore.Store, rl *ratelimit.Limiter, reg *stages.Registry, tr *tracker.Tracker, log *zap.Logger) *Pool {
	host, _ := os.Hostname()
	p := &Pool{
		cfg:       cfg,
		store:     store,
		rl:        rl,
		reg:       reg,
		tr:        tr,
		log:       log,
		targets:   make(map[stage.Kind]int),
		running:   make(map[stage.Kind]int),
		busy:      make(map[stage.Kind]int),
		processed: make(map[stage.Kind]int64),
		lastError: make(map[stage.Kind]time.Time),
		cbs:       make(map[stage.Kind]*breaker.CircuitBreaker),
		baseID:    fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		stopCh:    make(chan struct{}),
	}
	cb := cfg.CircuitBreaker
	for _, k := range stage.Kinds() {
		p.cbs[k] = breaker.New(cb.Window, cb.CooldownPeriod, cb.FailureThreshold, cb.MinSamples)
	}
	return p
}

// Start spawns the configured sub-pools. It returns immediately; workers
// run until Stop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	for _, k := range stage.Kinds() {
		n := p.cfg.Worker.PoolSizes[string(k)]
		p.targets[k] = n
		for i := 0; i < n; i++ {
			p.spawnLocked(k)
		}
	}
	go p.sampleLoop()
	p.log.Info("worker pool started",
		obs.Int("llm", p.targets[stage.KindLLM]),
		obs.Int("external", p.targets[stage.KindExternal]),
		obs.Int("local", p.targets[stage.KindLocal]))
	return nil
}

// Scale adjusts a kind's worker count. Growth spawns immediately; excess
// workers exit after finishing their current job.
func (p *Pool) Scale(k stage.Kind, n int) error {
	if n < 0 {
		return fmt.Errorf("worker count must be >= 0, got %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return errors.New("pool not started")
	}
	p.targets[k] = n
	for p.running[k] < n {
		p.spawnLocked(k)
	}
	p.log.Info("scaled pool", obs.String("kind", string(k)), obs.Int("target", n))
	return nil
}

// Stop signals every worker, waits for them to finish their current job up
// to graceful, then cancels in-flight bodies and waits briefly for the
// stragglers. Whatever is still leased afterwards comes back through the
// reaper.
func (p *Pool) Stop(graceful time.Duration) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(graceful):
		p.log.Warn("graceful deadline passed, cancelling in-flight jobs")
		p.cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	p.cancel()
	p.log.Info("worker pool stopped")
}

// Status reports per-kind pool state.
func (p *Pool) Status() map[stage.Kind]KindStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[stage.Kind]KindStatus, len(p.targets))
	for _, k := range stage.Kinds() {
		out[k] = KindStatus{
			Workers:     p.running[k],
			Busy:        p.busy[k],
			Idle:        p.running[k] - p.busy[k],
			Processed:   p.processed[k],
			LastErrorAt: p.lastError[k],
		}
	}
	return out
}

func (p *Pool) spawnLocked(k stage.Kind) {
	p.seq++
	id := fmt.Sprintf("%s-%s-%d", p.baseID, k, p.seq)
	p.running[k]++
	p.wg.Add(1)
	go p.runWorker(k, id)
}

// excess reports whether this worker should exit to honor a lower target.
func (p *Pool) excess(k stage.Kind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running[k] > p.targets[k] {
		p.running[k]--
		return true
	}
	return false
}

// buckets of a kind, in stage execution order, deduplicated.
func bucketsOf(k stage.Kind) []string {
	var out []string
	seen := map[string]bool{}
	for _, st := range stage.ByKind(k) {
		b := stage.BucketOf(st)
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

func stagesForBucket(k stage.Kind, bucket string) []stage.Stage {
	var out []stage.Stage
	for _, st := range stage.ByKind(k) {
		if stage.BucketOf(st) == bucket {
			out = append(out, st)
		}
	}
	return out
}

func (p *Pool) runWorker(k stage.Kind, workerID string) {
	defer p.wg.Done()
	obs.WorkerActive.WithLabelValues(string(k)).Inc()
	defer obs.WorkerActive.WithLabelValues(string(k)).Dec()

	buckets := bucketsOf(k)
	next := 0
	cb := p.cbs[k]

	for {
		select {
		case <-p.stopCh:
			p.workerExit(k)
			return
		case <-p.ctx.Done():
			p.workerExit(k)
			return
		default:
		}
		if p.excess(k) {
			return
		}

		if !cb.Allow() {
			if !p.sleep(p.cfg.Worker.BreakerPause) {
				p.workerExit(k)
				return
			}
			continue
		}

		claimed := false
		for i := 0; i < len(buckets) && !claimed; i++ {
			bucket := buckets[(next+i)%len(buckets)]
			allowed := stagesForBucket(k, bucket)

			// Don't spend a token when nothing is queued for this bucket.
			if n, err := p.store.PendingByStage(p.ctx, allowed); err != nil || n == 0 {
				continue
			}
			// Token before claim: a claimed job must never sit on an open
			// lease waiting for the bucket to refill.
			if !p.rl.Acquire(p.ctx, bucket, p.acquireWait(bucket)) {
				continue
			}
			job, err := p.store.ClaimNext(p.ctx, k, allowed, workerID)
			if err != nil {
				p.log.Warn("claim error", obs.String("kind", string(k)), obs.Err(err))
				continue
			}
			if job == nil {
				continue // raced another worker for the last job
			}
			claimed = true
			ok := p.process(k, workerID, job)
			cb.Record(ok)
			p.mu.Lock()
			p.processed[k]++
			if !ok {
				p.lastError[k] = time.Now()
			}
			p.mu.Unlock()
		}
		next++
		if !claimed {
			cb.CancelProbe()
			if !p.sleep(p.cfg.Worker.PollIntervalEmpty) {
				p.workerExit(k)
				return
			}
		}
	}
}

func (p *Pool) workerExit(k stage.Kind) {
	p.mu.Lock()
	p.running[k]--
	p.mu.Unlock()
}

// sleep waits for d unless the pool is stopping; it reports whether the
// caller should keep running.
func (p *Pool) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.stopCh:
		return false
	case <-p.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Pool) acquireWait(bucket string) time.Duration {
	if rl, ok := p.cfg.RateLimits[bucket]; ok && rl.AcquireWait > 0 {
		return rl.AcquireWait
	}
	return 2 * time.Second
}

func (p *Pool) setBusy(k stage.Kind, delta int) {
	p.mu.Lock()
	p.busy[k] += delta
	p.mu.Unlock()
	obs.WorkerBusy.WithLabelValues(string(k)).Add(float64(delta))
}

// process runs one claimed job to a terminal mark and reports success.
func (p *Pool) process(k stage.Kind, workerID string, job *jobstore.Job) bool {
	p.setBusy(k, 1)
	defer p.setBusy(k, -1)

	ctx, span := obs.StartProcessSpan(p.ctx, string(job.Stage), job.PaperID, workerID)
	defer span.End()

	body := p.reg.Get(job.Stage)
	if body == nil {
		err := fmt.Errorf("no body registered for stage %s", job.Stage)
		obs.RecordError(ctx, err)
		p.markFailure(ctx, job, err.Error(), true, 0)
		return false
	}

	attemptCtx, cancel := context.WithTimeout(ctx, stage.AttemptTimeout(job.Stage))
	start := time.Now()
	err := runBody(attemptCtx, body, job)
	cancel()
	obs.JobProcessingDuration.WithLabelValues(string(job.Stage)).Observe(time.Since(start).Seconds())

	if err == nil {
		if mErr := p.store.MarkSuccess(p.ctx, job.ID); mErr != nil {
			p.log.Error("mark success failed", obs.Int64("job", job.ID), obs.Err(mErr))
			obs.RecordError(ctx, mErr)
			return false
		}
		if _, sErr := p.tr.Stamp(p.ctx, job.PaperID, job.Stage); sErr != nil {
			// job is completed either way; backfill will re-derive the gap
			p.log.Error("stamp failed", obs.String("paper", job.PaperID), obs.Err(sErr))
		}
		obs.SetSpanSuccess(ctx)
		p.log.Info("job completed",
			obs.Int64("job", job.ID),
			obs.String("stage", string(job.Stage)),
			obs.String("paper", job.PaperID),
			obs.String("worker", workerID))
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = stages.Transient(fmt.Errorf("attempt timeout after %s", stage.AttemptTimeout(job.Stage)))
	}
	obs.RecordError(ctx, err)
	kind, backoff := stages.Classify(err)
	if kind == stages.KindRateLimited {
		p.rl.ReportLimitHit(p.ctx, stage.BucketOf(job.Stage), backoff)
	}
	permanent := kind == stages.KindPermanent
	retryBackoff := retryDelay(job.RetryCount+1, p.cfg.Worker.Backoff.Base, p.cfg.Worker.Backoff.Max)
	p.markFailure(ctx, job, err.Error(), permanent, retryBackoff)
	p.log.Warn("job failed",
		obs.Int64("job", job.ID),
		obs.String("stage", string(job.Stage)),
		obs.String("paper", job.PaperID),
		obs.Bool("permanent", permanent),
		obs.Err(err))
	return false
}

func (p *Pool) markFailure(ctx context.Context, job *jobstore.Job, msg string, permanent bool, backoff time.Duration) {
	if err := p.store.MarkFailure(p.ctx, job.ID, msg, permanent, backoff); err != nil {
		p.log.Error("mark failure failed", obs.Int64("job", job.ID), obs.Err(err))
	}
	if err := p.tr.RecordError(p.ctx, job.PaperID); err != nil {
		p.log.Error("record paper error failed", obs.String("paper", job.PaperID), obs.Err(err))
	}
}

// runBody shields the loop from panicking bodies; a panic charges the job
// one transient failure, like a crash would.
func runBody(ctx context.Context, body stages.Body, job *jobstore.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = stages.Transient(fmt.Errorf("stage body panic: %v", r))
		}
	}()
	return body(ctx, job.PaperID, job.Metadata)
}

func retryDelay(retries int, base, max time.Duration) time.Duration {
	if retries < 1 {
		retries = 1
	}
	// double step by step and stop once max is reached, so large retry
	// counts cannot overflow the shift
	d := base
	for i := 1; i < retries && d < max; i++ {
		d *= 2
	}
	if d > max || d < 0 {
		return max
	}
	return d
}

// sampleLoop keeps the depth and breaker gauges fresh.
func (p *Pool) sampleLoop() {
	interval := p.cfg.Observability.SampleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			for _, k := range stage.Kinds() {
				if n, err := p.store.PendingDepth(p.ctx, k); err == nil {
					obs.PendingDepth.WithLabelValues(string(k)).Set(float64(n))
				}
				obs.CircuitBreakerState.WithLabelValues(string(k)).Set(float64(p.cbs[k].State()))
			}
		}
	}
}
