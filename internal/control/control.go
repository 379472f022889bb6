// Copyright 2025 James Ross
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/paperatlas/enrichq/internal/config"
	"github.com/paperatlas/enrichq/internal/jobstore"
	"github.com/paperatlas/enrichq/internal/obs"
	"github.com/paperatlas/enrichq/internal/ratelimit"
	"github.com/paperatlas/enrichq/internal/stage"
	"github.com/paperatlas/enrichq/internal/tracker"
	"github.com/paperatlas/enrichq/internal/workerpool"
)

const runsKey = "enrichq:runs"

// BackfillOpts selects which incomplete papers to enqueue and what to run
// on them. Zero values take the configured defaults.
type BackfillOpts struct {
	Stages          []stage.Stage
	Limit           int
	Priority        int
	MinCompleteness int
	MaxCompleteness int
	PublishedAfter  time.Time
	PublishedBefore time.Time
}

// BatchResult summarizes one backfill or enrichment run.
type BatchResult struct {
	BatchID     string `json:"batch_id"`
	PapersFound int    `json:"papers_found"`
	JobsCreated int    `json:"jobs_created"`
	JobsSkipped int    `json:"jobs_skipped"`
	Priority    int    `json:"priority"`
}

// RunRecord is the persisted trace of one batch operation.
type RunRecord struct {
	RunType   string      `json:"run_type"`
	BatchID   string      `json:"batch_id"`
	StartedAt time.Time   `json:"started_at"`
	Result    BatchResult `json:"result"`
	Config    any         `json:"config,omitempty"`
}

// Health is the aggregate observability snapshot.
type Health struct {
	JobCounts     map[string]int64                     `json:"job_counts"`
	PendingDepths map[stage.Kind]int64                 `json:"pending_depths"`
	RateLimits    map[string]ratelimit.Stats           `json:"rate_limits"`
	Workers       map[stage.Kind]workerpool.KindStatus `json:"workers,omitempty"`
	Completeness  map[string]int64                     `json:"completeness_distribution"`
	RecentRuns    []RunRecord                          `json:"recent_runs,omitempty"`
	Timestamp     time.Time                            `json:"timestamp"`
}

// Controller composes the queue, the tracker, the limiter and the pool into
// the operator-facing surface. Every operation returns as soon as the store
// has the work; only workers run stage bodies.
type Controller struct {
	cfg   *config.Config
	rdb   *redis.Client
	store *jobstore.Store
	tr    *tracker.Tracker
	rl    *ratelimit.Limiter
	pool  *workerpool.Pool // nil in api-only processes
	log   *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, store *jobstore.Store, tr *tracker.Tracker, rl *ratelimit.Limiter, pool *workerpool.Pool, log *zap.Logger) *Controller {
	return &Controller{cfg: cfg, rdb: rdb, store: store, tr: tr, rl: rl, pool: pool, log: log}
}

// CreateBackfill scans for incomplete papers and enqueues the stages each
// one is missing (or the explicit list), all under one batch id.
func (c *Controller) CreateBackfill(ctx context.Context, opts BackfillOpts) (BatchResult, error) {
	for _, st := range opts.Stages {
		if !stage.Valid(st) {
			return BatchResult{}, fmt.Errorf("unknown stage %q", st)
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = c.cfg.Backfill.Limit
	}
	priority := opts.Priority
	if priority == 0 {
		priority = c.cfg.Backfill.Priority
	}
	res := BatchResult{BatchID: uuid.NewString(), Priority: priority}
	filter := tracker.FindFilter{
		MinCompleteness: opts.MinCompleteness,
		MaxCompleteness: opts.MaxCompleteness,
		PublishedAfter:  opts.PublishedAfter,
		PublishedBefore: opts.PublishedBefore,
	}
	offset := 0
	for res.PapersFound < limit {
		page, next, done, err := c.tr.FindIncomplete(ctx, filter, offset, c.cfg.Backfill.PageSize)
		if err != nil {
			return res, err
		}
		for _, item := range page {
			if res.PapersFound >= limit {
				break
			}
			res.PapersFound++
			todo := item.MissingStages
			if len(opts.Stages) > 0 {
				todo = opts.Stages
			}
			for _, st := range todo {
				_, wasNew, err := c.store.Enqueue(ctx, st, item.PaperID, priority, res.BatchID, nil)
				if err != nil {
					return res, err
				}
				if wasNew {
					res.JobsCreated++
				} else {
					res.JobsSkipped++
				}
			}
		}
		if done {
			break
		}
		offset = next
	}
	c.recordRun(ctx, "backfill", res, opts)
	c.log.Info("backfill created",
		obs.String("batch", res.BatchID),
		obs.Int("papers", res.PapersFound),
		obs.Int("created", res.JobsCreated),
		obs.Int("skipped", res.JobsSkipped))
	return res, nil
}

// CreateEnrichment enqueues the given stages (all, when none given) for a
// caller-chosen set of papers.
func (c *Controller) CreateEnrichment(ctx context.Context, paperIDs []string, sts []stage.Stage, priority int) (BatchResult, error) {
	if len(paperIDs) == 0 {
		return BatchResult{}, fmt.Errorf("no papers given")
	}
	for _, st := range sts {
		if !stage.Valid(st) {
			return BatchResult{}, fmt.Errorf("unknown stage %q", st)
		}
	}
	if len(sts) == 0 {
		sts = stage.Order()
	}
	if priority == 0 {
		priority = jobstore.PriorityNormal
	}
	res := BatchResult{BatchID: uuid.NewString(), Priority: priority, PapersFound: len(paperIDs)}
	for _, paperID := range paperIDs {
		for _, st := range sts {
			_, wasNew, err := c.store.Enqueue(ctx, st, paperID, priority, res.BatchID, nil)
			if err != nil {
				return res, err
			}
			if wasNew {
				res.JobsCreated++
			} else {
				res.JobsSkipped++
			}
		}
	}
	c.recordRun(ctx, "enrichment", res, map[string]any{"stages": sts, "papers": len(paperIDs)})
	c.log.Info("enrichment created",
		obs.String("batch", res.BatchID),
		obs.Int("created", res.JobsCreated),
		obs.Int("skipped", res.JobsSkipped))
	return res, nil
}

// Health aggregates queue counts, limiter state, pool status and the
// completeness distribution.
func (c *Controller) Health(ctx context.Context) (Health, error) {
	h := Health{
		PendingDepths: make(map[stage.Kind]int64),
		RateLimits:    make(map[string]ratelimit.Stats),
		Timestamp:     time.Now().UTC(),
	}
	counts, err := c.store.Counts(ctx)
	if err != nil {
		return h, err
	}
	h.JobCounts = counts
	for _, k := range stage.Kinds() {
		n, err := c.store.PendingDepth(ctx, k)
		if err != nil {
			return h, err
		}
		h.PendingDepths[k] = n
	}
	for _, b := range stage.Buckets() {
		st, err := c.rl.Stats(ctx, b)
		if err != nil {
			return h, err
		}
		h.RateLimits[b] = st
	}
	if c.pool != nil {
		h.Workers = c.pool.Status()
	}
	dist, err := c.tr.Distribution(ctx)
	if err != nil {
		return h, err
	}
	h.Completeness = dist
	h.RecentRuns, _ = c.RecentRuns(ctx, 10)
	return h, nil
}

// ListJobs, RetryJob, CancelJob and CancelBatch are thin pass-throughs so
// callers of the control surface never touch the store directly.

func (c *Controller) ListJobs(ctx context.Context, f jobstore.ListFilter, limit, offset int) ([]*jobstore.Job, int, error) {
	return c.store.List(ctx, f, limit, offset)
}

func (c *Controller) GetJob(ctx context.Context, id int64) (*jobstore.Job, error) {
	return c.store.Get(ctx, id)
}

func (c *Controller) RetryJob(ctx context.Context, id int64, resetRetries bool) error {
	return c.store.Retry(ctx, id, resetRetries)
}

func (c *Controller) CancelJob(ctx context.Context, id int64) error {
	return c.store.Cancel(ctx, id)
}

func (c *Controller) CancelBatch(ctx context.Context, batchID string) (int, error) {
	return c.store.CancelBatch(ctx, batchID)
}

// RateLimitStats exposes one provider's bucket state.
func (c *Controller) RateLimitStats(ctx context.Context, provider string) (ratelimit.Stats, error) {
	return c.rl.Stats(ctx, provider)
}

// ClearBackoff lifts a provider backoff early.
func (c *Controller) ClearBackoff(ctx context.Context, provider string) error {
	return c.rl.ClearBackoff(ctx, provider)
}

// ScaleWorkers adjusts one kind's pool, when this process runs a pool.
func (c *Controller) ScaleWorkers(k stage.Kind, n int) error {
	if c.pool == nil {
		return fmt.Errorf("this process runs no worker pool")
	}
	return c.pool.Scale(k, n)
}

// WorkerStatus reports the pool, when this process runs one.
func (c *Controller) WorkerStatus() map[stage.Kind]workerpool.KindStatus {
	if c.pool == nil {
		return nil
	}
	return c.pool.Status()
}

func (c *Controller) recordRun(ctx context.Context, runType string, res BatchResult, cfg any) {
	rec := RunRecord{
		RunType:   runType,
		BatchID:   res.BatchID,
		StartedAt: time.Now().UTC(),
		Result:    res,
		Config:    cfg,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, runsKey, b)
	pipe.LTrim(ctx, runsKey, 0, 99)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("record run failed", obs.Err(err))
	}
}

// RecentRuns returns the latest batch operations, newest first.
func (c *Controller) RecentRuns(ctx context.Context, n int) ([]RunRecord, error) {
	if n <= 0 {
		n = 10
	}
	raw, err := c.rdb.LRange(ctx, runsKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(raw))
	for _, r := range raw {
		var rec RunRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
