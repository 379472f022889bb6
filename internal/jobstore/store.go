// Copyright 2025 James Ross
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/paperatlas/enrichq/internal/obs"
	"github.com/paperatlas/enrichq/internal/stage"
)

const keyPrefix = "enrichq"

var (
	ErrNotFound   = errors.New("job not found")
	ErrBadState   = errors.New("job not in a state that allows this transition")
	ErrBadRequest = errors.New("invalid request")
)

// Store is the durable job table and the coordination substrate for every
// dispatcher in the fleet. All state lives in Redis; every multi-key step
// runs as a single Lua script so concurrent producers and workers never
// observe a half-applied transition.
type Store struct {
	rdb *redis.Client
	log *zap.Logger
	now func() time.Time

	defaultMaxRetries int

	enqueueScript *redis.Script
	claimScript   *redis.Script
	successScript *redis.Script
	failureScript *redis.Script
	retryScript   *redis.Script
	cancelScript  *redis.Script
	reclaimScript *redis.Script
}

// New returns a Store. defaultMaxRetries is the retry budget given to every
// enqueued job.
func New(rdb *redis.Client, log *zap.Logger, defaultMaxRetries int) *Store {
	s := &Store{
		rdb:               rdb,
		log:               log,
		now:               time.Now,
		defaultMaxRetries: defaultMaxRetries,
	}
	s.initScripts()
	return s
}

func pendingKey(k stage.Kind) string { return fmt.Sprintf("%s:pending:%s", keyPrefix, k) }
func delayedKey(k stage.Kind) string { return fmt.Sprintf("%s:delayed:%s", keyPrefix, k) }
func jobKey(id int64) string         { return fmt.Sprintf("%s:job:%d", keyPrefix, id) }

const (
	processingKey = keyPrefix + ":processing"
	countsKey     = keyPrefix + ":counts"
	indexKey      = keyPrefix + ":jobs"
)

func (s *Store) initScripts() {
	// Idempotent insert: first writer for a key creates the row, everyone
	// else gets the original id back.
	s.enqueueScript = redis.NewScript(`
		local prefix = ARGV[1]
		local idem = ARGV[2]
		local existing = redis.call('HGET', prefix .. ':idem', idem)
		if existing then
			return {tonumber(existing), 0}
		end
		local id = redis.call('INCR', prefix .. ':job:seq')
		redis.call('HSET', prefix .. ':idem', idem, id)
		redis.call('HSET', prefix .. ':job:' .. id,
			'id', id,
			'stage', ARGV[3],
			'kind', ARGV[4],
			'paper_id', ARGV[5],
			'batch_id', ARGV[6],
			'priority', ARGV[7],
			'status', 'pending',
			'idempotency_key', idem,
			'retry_count', 0,
			'max_retries', ARGV[8],
			'lease_ms', ARGV[9],
			'created_at', ARGV[10],
			'metadata', ARGV[11])
		redis.call('ZADD', prefix .. ':pending:' .. ARGV[4], tonumber(ARGV[7]) * 1e12 - id, id)
		redis.call('ZADD', prefix .. ':jobs', id, id)
		if ARGV[6] ~= '' then
			redis.call('SADD', prefix .. ':batch:' .. ARGV[6], id)
		end
		redis.call('HINCRBY', prefix .. ':counts', 'pending:' .. ARGV[3], 1)
		return {id, 1}
	`)

	// Claim: promote due delayed jobs into the pending index, then hand the
	// caller the highest-priority pending job whose stage is allowed. The
	// pop and the pending->processing transition happen in one script, so
	// no two workers ever capture the same row.
	s.claimScript = redis.NewScript(`
		local pending = KEYS[1]
		local delayed = KEYS[2]
		local processing = KEYS[3]
		local prefix = ARGV[1]
		local now = tonumber(ARGV[2])
		local due = redis.call('ZRANGEBYSCORE', delayed, '-inf', now, 'LIMIT', 0, 100)
		for _, id in ipairs(due) do
			local prio = tonumber(redis.call('HGET', prefix .. ':job:' .. id, 'priority'))
			redis.call('ZADD', pending, prio * 1e12 - id, id)
			redis.call('ZREM', delayed, id)
		end
		local allowed = {}
		for i = 4, #ARGV do
			allowed[ARGV[i]] = true
		end
		local ids = redis.call('ZREVRANGE', pending, 0, 127)
		for _, id in ipairs(ids) do
			local jk = prefix .. ':job:' .. id
			local st = redis.call('HGET', jk, 'stage')
			if allowed[st] then
				redis.call('ZREM', pending, id)
				local lease = tonumber(redis.call('HGET', jk, 'lease_ms'))
				redis.call('HSET', jk,
					'status', 'processing',
					'worker_id', ARGV[3],
					'started_at', now,
					'lease_expires_at', now + lease)
				redis.call('ZADD', processing, now + lease, id)
				redis.call('HINCRBY', prefix .. ':counts', 'pending:' .. st, -1)
				redis.call('HINCRBY', prefix .. ':counts', 'processing:' .. st, 1)
				return redis.call('HGETALL', jk)
			end
		end
		return false
	`)

	// Success is idempotent: a second call finds the row already completed
	// and does nothing.
	s.successScript = redis.NewScript(`
		local jk = ARGV[1] .. ':job:' .. ARGV[2]
		local st = redis.call('HGET', jk, 'status')
		if not st then return -1 end
		if st ~= 'processing' then return 0 end
		local stg = redis.call('HGET', jk, 'stage')
		redis.call('HSET', jk, 'status', 'completed', 'completed_at', ARGV[3], 'error_message', '')
		redis.call('ZREM', KEYS[1], ARGV[2])
		redis.call('HINCRBY', ARGV[1] .. ':counts', 'processing:' .. stg, -1)
		redis.call('HINCRBY', ARGV[1] .. ':counts', 'completed:' .. stg, 1)
		return 1
	`)

	// Transient failures re-queue through the delayed index until the retry
	// budget runs out; permanent failures land in failed directly.
	s.failureScript = redis.NewScript(`
		local jk = ARGV[1] .. ':job:' .. ARGV[2]
		local st = redis.call('HGET', jk, 'status')
		if not st then return -1 end
		if st ~= 'processing' then return 0 end
		local stg = redis.call('HGET', jk, 'stage')
		local kind = redis.call('HGET', jk, 'kind')
		local now = tonumber(ARGV[3])
		local retries = redis.call('HINCRBY', jk, 'retry_count', 1)
		local max = tonumber(redis.call('HGET', jk, 'max_retries'))
		redis.call('HSET', jk, 'error_message', ARGV[4], 'worker_id', '')
		redis.call('ZREM', KEYS[1], ARGV[2])
		redis.call('HINCRBY', ARGV[1] .. ':counts', 'processing:' .. stg, -1)
		if ARGV[5] == '1' or retries > max then
			redis.call('HSET', jk, 'status', 'failed', 'completed_at', now)
			redis.call('HINCRBY', ARGV[1] .. ':counts', 'failed:' .. stg, 1)
			return 2
		end
		local nb = now + tonumber(ARGV[6])
		redis.call('HSET', jk, 'status', 'pending', 'not_before', nb)
		redis.call('ZADD', ARGV[1] .. ':delayed:' .. kind, nb, ARGV[2])
		redis.call('HINCRBY', ARGV[1] .. ':counts', 'pending:' .. stg, 1)
		return 1
	`)

	// Operator retry: failed -> pending. retry_count is preserved unless
	// the caller asks for a fresh budget.
	s.retryScript = redis.NewScript(`
		local jk = ARGV[1] .. ':job:' .. ARGV[2]
		local st = redis.call('HGET', jk, 'status')
		if not st then return -1 end
		if st ~= 'failed' then return 0 end
		local stg = redis.call('HGET', jk, 'stage')
		local kind = redis.call('HGET', jk, 'kind')
		redis.call('HSET', jk, 'status', 'pending', 'worker_id', '', 'error_message', '',
			'started_at', 0, 'completed_at', 0, 'not_before', 0)
		if ARGV[3] == '1' then
			redis.call('HSET', jk, 'retry_count', 0)
		end
		local prio = tonumber(redis.call('HGET', jk, 'priority'))
		redis.call('ZADD', ARGV[1] .. ':pending:' .. kind, prio * 1e12 - tonumber(ARGV[2]), ARGV[2])
		redis.call('HINCRBY', ARGV[1] .. ':counts', 'failed:' .. stg, -1)
		redis.call('HINCRBY', ARGV[1] .. ':counts', 'pending:' .. stg, 1)
		return 1
	`)

	// Cancel applies to pending rows only.
	s.cancelScript = redis.NewScript(`
		local jk = ARGV[1] .. ':job:' .. ARGV[2]
		local st = redis.call('HGET', jk, 'status')
		if not st then return -1 end
		if st ~= 'pending' then return 0 end
		local stg = redis.call('HGET', jk, 'stage')
		local kind = redis.call('HGET', jk, 'kind')
		redis.call('HSET', jk, 'status', 'cancelled', 'completed_at', ARGV[3])
		redis.call('ZREM', ARGV[1] .. ':pending:' .. kind, ARGV[2])
		redis.call('ZREM', ARGV[1] .. ':delayed:' .. kind, ARGV[2])
		redis.call('HINCRBY', ARGV[1] .. ':counts', 'pending:' .. stg, -1)
		redis.call('HINCRBY', ARGV[1] .. ':counts', 'cancelled:' .. stg, 1)
		return 1
	`)

	// Lease reclaim: every processing row whose lease deadline has passed
	// goes back to pending, the crash counting as one transient failure;
	// a row whose budget that charge exhausts lands in failed instead.
	s.reclaimScript = redis.NewScript(`
		local processing = KEYS[1]
		local prefix = ARGV[1]
		local now = tonumber(ARGV[2])
		local expired = redis.call('ZRANGEBYSCORE', processing, '-inf', now, 'LIMIT', 0, 100)
		local n = 0
		for _, id in ipairs(expired) do
			local jk = prefix .. ':job:' .. id
			redis.call('ZREM', processing, id)
			local stg = redis.call('HGET', jk, 'stage')
			local kind = redis.call('HGET', jk, 'kind')
			redis.call('HINCRBY', prefix .. ':counts', 'processing:' .. stg, -1)
			local retries = redis.call('HINCRBY', jk, 'retry_count', 1)
			local max = tonumber(redis.call('HGET', jk, 'max_retries'))
			redis.call('HSET', jk, 'worker_id', '', 'error_message', 'lease expired')
			if retries > max then
				redis.call('HSET', jk, 'status', 'failed', 'completed_at', now)
				redis.call('HINCRBY', prefix .. ':counts', 'failed:' .. stg, 1)
			else
				local prio = tonumber(redis.call('HGET', jk, 'priority'))
				redis.call('HSET', jk, 'status', 'pending', 'not_before', 0)
				redis.call('ZADD', prefix .. ':pending:' .. kind, prio * 1e12 - id, id)
				redis.call('HINCRBY', prefix .. ':counts', 'pending:' .. stg, 1)
			end
			n = n + 1
		end
		return n
	`)
}

// Enqueue inserts a job, or returns the existing one when the idempotency
// key collides. wasNew reports which happened.
func (s *Store) Enqueue(ctx context.Context, st stage.Stage, paperID string, priority int, batchID string, metadata map[string]any) (int64, bool, error) {
	if !stage.Valid(st) {
		return 0, false, fmt.Errorf("%w: unknown stage %q", ErrBadRequest, st)
	}
	if paperID == "" {
		return 0, false, fmt.Errorf("%w: empty paper id", ErrBadRequest)
	}
	switch priority {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
	default:
		return 0, false, fmt.Errorf("%w: priority %d not in {25,50,75,100}", ErrBadRequest, priority)
	}
	meta := "{}"
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return 0, false, fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	res, err := s.enqueueScript.Run(ctx, s.rdb, nil,
		keyPrefix,
		IdempotencyKey(st, paperID, batchID),
		string(st),
		string(stage.KindOf(st)),
		paperID,
		batchID,
		priority,
		s.defaultMaxRetries,
		stage.LeaseFor(st).Milliseconds(),
		s.now().UnixMilli(),
		meta,
	).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("enqueue: %w", err)
	}
	id := res[0].(int64)
	wasNew := res[1].(int64) == 1
	if wasNew {
		obs.JobsEnqueued.WithLabelValues(string(st)).Inc()
	} else {
		obs.JobsDeduplicated.Inc()
	}
	return id, wasNew, nil
}

// ClaimNext hands the caller the highest-priority runnable job among the
// allowed stages of kind k, transitioning it to processing under workerID
// with its per-stage lease. Returns nil when nothing is runnable.
func (s *Store) ClaimNext(ctx context.Context, k stage.Kind, allowed []stage.Stage, workerID string) (*Job, error) {
	if len(allowed) == 0 {
		allowed = stage.ByKind(k)
	}
	args := make([]any, 0, 3+len(allowed))
	args = append(args, keyPrefix, s.now().UnixMilli(), workerID)
	for _, st := range allowed {
		args = append(args, string(st))
	}
	res, err := s.claimScript.Run(ctx, s.rdb,
		[]string{pendingKey(k), delayedKey(k), processingKey}, args...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	flat, ok := res.([]any)
	if !ok || len(flat) == 0 {
		return nil, nil
	}
	h := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		h[fmt.Sprint(flat[i])] = fmt.Sprint(flat[i+1])
	}
	j, err := jobFromHash(h)
	if err != nil {
		return nil, err
	}
	obs.JobsClaimed.WithLabelValues(string(k)).Inc()
	return j, nil
}

// MarkSuccess completes a processing job. Idempotent: marking an already
// terminal job is a no-op.
func (s *Store) MarkSuccess(ctx context.Context, jobID int64) error {
	n, err := s.successScript.Run(ctx, s.rdb, []string{processingKey},
		keyPrefix, jobID, s.now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	if n == -1 {
		return ErrNotFound
	}
	if n == 1 {
		if j, err := s.Get(ctx, jobID); err == nil {
			obs.JobsCompleted.WithLabelValues(string(j.Stage)).Inc()
		}
	}
	return nil
}

// MarkFailure records a failed attempt. Transient failures re-queue with
// backoff until the retry budget is exhausted; permanent ones fail now.
func (s *Store) MarkFailure(ctx context.Context, jobID int64, errMsg string, permanent bool, backoff time.Duration) error {
	perm := "0"
	if permanent {
		perm = "1"
	}
	n, err := s.failureScript.Run(ctx, s.rdb, []string{processingKey},
		keyPrefix, jobID, s.now().UnixMilli(), errMsg, perm, backoff.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("mark failure: %w", err)
	}
	switch n {
	case -1:
		return ErrNotFound
	case 0:
		return ErrBadState
	case 1:
		if j, err := s.Get(ctx, jobID); err == nil {
			obs.JobsRetried.WithLabelValues(string(j.Stage)).Inc()
		}
	case 2:
		if j, err := s.Get(ctx, jobID); err == nil {
			obs.JobsFailed.WithLabelValues(string(j.Stage)).Inc()
		}
	}
	return nil
}

// Retry moves a failed job back to pending. The retry counter is preserved
// unless resetRetries is set.
func (s *Store) Retry(ctx context.Context, jobID int64, resetRetries bool) error {
	reset := "0"
	if resetRetries {
		reset = "1"
	}
	n, err := s.retryScript.Run(ctx, s.rdb, nil, keyPrefix, jobID, reset).Int()
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if n == -1 {
		return ErrNotFound
	}
	if n == 0 {
		return ErrBadState
	}
	return nil
}

// Cancel cancels a pending job.
func (s *Store) Cancel(ctx context.Context, jobID int64) error {
	n, err := s.cancelScript.Run(ctx, s.rdb, nil, keyPrefix, jobID, s.now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if n == -1 {
		return ErrNotFound
	}
	if n == 0 {
		return ErrBadState
	}
	return nil
}

// CancelBatch cancels every still-pending job of a batch and returns how
// many it cancelled.
func (s *Store) CancelBatch(ctx context.Context, batchID string) (int, error) {
	ids, err := s.rdb.SMembers(ctx, fmt.Sprintf("%s:batch:%s", keyPrefix, batchID)).Result()
	if err != nil {
		return 0, fmt.Errorf("cancel batch: %w", err)
	}
	cancelled := 0
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		switch err := s.Cancel(ctx, id); {
		case err == nil:
			cancelled++
		case errors.Is(err, ErrBadState), errors.Is(err, ErrNotFound):
			// not pending anymore, leave it alone
		default:
			return cancelled, err
		}
	}
	return cancelled, nil
}

// ReclaimExpiredLeases returns every expired processing job to pending,
// charging one transient failure against its budget; a job whose budget
// that exhausts is marked failed. It returns how many jobs it handled.
// This is the sole recovery path for crashed workers.
func (s *Store) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.reclaimScript.Run(ctx, s.rdb, []string{processingKey},
			keyPrefix, s.now().UnixMilli()).Int()
		if err != nil {
			return total, fmt.Errorf("reclaim leases: %w", err)
		}
		total += n
		if n < 100 {
			break
		}
	}
	if total > 0 {
		obs.LeasesReclaimed.Add(float64(total))
		s.log.Warn("reclaimed expired leases", obs.Int("count", total))
	}
	return total, nil
}

// Get loads one job by id.
func (s *Store) Get(ctx context.Context, jobID int64) (*Job, error) {
	h, err := s.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return jobFromHash(h)
}

// ListFilter narrows List output. Zero values mean "any".
type ListFilter struct {
	Status  Status
	Stage   stage.Stage
	PaperID string
	BatchID string
}

func (f ListFilter) match(j *Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Stage != "" && j.Stage != f.Stage {
		return false
	}
	if f.PaperID != "" && j.PaperID != f.PaperID {
		return false
	}
	if f.BatchID != "" && j.BatchID != f.BatchID {
		return false
	}
	return true
}

// List returns matching jobs newest-first, plus the total match count.
func (s *Store) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Job, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*Job
	total := 0
	const chunk = 500
	for start := int64(0); ; start += chunk {
		ids, err := s.rdb.ZRevRange(ctx, indexKey, start, start+chunk-1).Result()
		if err != nil {
			return nil, 0, fmt.Errorf("list jobs: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		for _, raw := range ids {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			j, err := s.Get(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return nil, 0, err
			}
			if !f.match(j) {
				continue
			}
			if total >= offset && len(out) < limit {
				out = append(out, j)
			}
			total++
		}
		if len(ids) < chunk {
			break
		}
	}
	return out, total, nil
}

// PendingByStage returns the sum of the current pending counts of the given
// stages (delayed retries included).
func (s *Store) PendingByStage(ctx context.Context, stages []stage.Stage) (int64, error) {
	if len(stages) == 0 {
		return 0, nil
	}
	fields := make([]string, len(stages))
	for i, st := range stages {
		fields[i] = "pending:" + string(st)
	}
	vals, err := s.rdb.HMGet(ctx, countsKey, fields...).Result()
	if err != nil {
		return 0, fmt.Errorf("pending counts: %w", err)
	}
	var total int64
	for _, v := range vals {
		if v == nil {
			continue
		}
		n, _ := strconv.ParseInt(fmt.Sprint(v), 10, 64)
		if n > 0 {
			total += n
		}
	}
	return total, nil
}

// PendingDepth returns the size of a kind's pending index (delayed jobs
// included).
func (s *Store) PendingDepth(ctx context.Context, k stage.Kind) (int64, error) {
	p, err := s.rdb.ZCard(ctx, pendingKey(k)).Result()
	if err != nil {
		return 0, err
	}
	d, err := s.rdb.ZCard(ctx, delayedKey(k)).Result()
	if err != nil {
		return 0, err
	}
	return p + d, nil
}

// Counts returns job counts keyed "status:stage".
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	h, err := s.rdb.HGetAll(ctx, countsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}
	out := make(map[string]int64, len(h))
	for k, v := range h {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		out[k] = n
	}
	return out, nil
}
