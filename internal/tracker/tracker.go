// Copyright 2025 James Ross
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/paperatlas/enrichq/internal/stage"
)

const (
	keyPrefix = "enrichq:paper:"
	indexKey  = "enrichq:papers"
)

var ErrNotFound = errors.New("paper not found")

// State is the per-paper processing record: one completion timestamp per
// stage plus error accounting and the derived completeness score.
type State struct {
	PaperID           string                    `json:"paper_id"`
	Title             string                    `json:"title,omitempty"`
	Abstract          string                    `json:"abstract,omitempty"`
	Priority          int                       `json:"priority"`
	PublishedAt       time.Time                 `json:"published_at,omitempty"`
	ErrorCount        int                       `json:"error_count"`
	CompletenessScore int                       `json:"completeness_score"`
	StageCompletedAt  map[stage.Stage]time.Time `json:"stage_completed_at"`
}

// Incomplete pairs a paper with its currently missing stages.
type Incomplete struct {
	PaperID           string        `json:"paper_id"`
	CompletenessScore int           `json:"completeness_score"`
	Priority          int           `json:"priority"`
	MissingStages     []stage.Stage `json:"missing_stages"`
}

// FindFilter narrows FindIncomplete. The zero value matches every paper
// with at least one missing stage and fewer errors than the threshold.
type FindFilter struct {
	MinCompleteness int
	MaxCompleteness int // 0 means 99
	PublishedAfter  time.Time
	PublishedBefore time.Time
	MinPriority     int
}

// Tracker keeps one state row per paper. Stamps recompute the completeness
// score in the same atomic step, so the score is always a pure function of
// the stage columns.
type Tracker struct {
	rdb            *redis.Client
	log            *zap.Logger
	now            func() time.Time
	errorThreshold int

	stampScript *redis.Script
	resetScript *redis.Script
}

func New(rdb *redis.Client, log *zap.Logger, errorThreshold int) *Tracker {
	t := &Tracker{
		rdb:            rdb,
		log:            log,
		now:            time.Now,
		errorThreshold: errorThreshold,
	}
	stages := ""
	for _, st := range stage.Order() {
		stages += "'" + string(st) + "_at',"
	}
	// Stamp and rescore in one step. ARGV: paper id, stage, now.
	t.stampScript = redis.NewScript(`
		local key = KEYS[1]
		local index = KEYS[2]
		redis.call('HSET', key, ARGV[2] .. '_at', ARGV[3])
		local fields = {` + stages + `}
		local done = 0
		for _, f in ipairs(fields) do
			if redis.call('HEXISTS', key, f) == 1 then done = done + 1 end
		end
		local score = math.floor(done * 100 / #fields + 0.5)
		redis.call('HSET', key, 'completeness', score)
		redis.call('ZADD', index, score, ARGV[1])
		return score
	`)
	// Explicit reset is the only path that lowers a score.
	t.resetScript = redis.NewScript(`
		local key = KEYS[1]
		local index = KEYS[2]
		for i = 3, #ARGV do
			redis.call('HDEL', key, ARGV[i] .. '_at')
		end
		local fields = {` + stages + `}
		local done = 0
		for _, f in ipairs(fields) do
			if redis.call('HEXISTS', key, f) == 1 then done = done + 1 end
		end
		local score = math.floor(done * 100 / #fields + 0.5)
		redis.call('HSET', key, 'completeness', score, 'error_count', ARGV[2])
		redis.call('ZADD', index, score, ARGV[1])
		return score
	`)
	return t
}

func paperKey(paperID string) string { return keyPrefix + paperID }

// RegisterOpts carries the ingestion-time attributes of a paper.
type RegisterOpts struct {
	Title       string
	Abstract    string
	Priority    int
	PublishedAt time.Time
}

// Register creates the state row for a freshly ingested paper. Re-registering
// updates the descriptive fields and leaves stage stamps alone.
func (t *Tracker) Register(ctx context.Context, paperID string, opts RegisterOpts) error {
	if paperID == "" {
		return errors.New("empty paper id")
	}
	fields := map[string]any{
		"paper_id": paperID,
		"title":    opts.Title,
		"abstract": opts.Abstract,
		"priority": opts.Priority,
	}
	if !opts.PublishedAt.IsZero() {
		fields["published_at"] = opts.PublishedAt.UnixMilli()
	}
	pipe := t.rdb.TxPipeline()
	pipe.HSet(ctx, paperKey(paperID), fields)
	pipe.HSetNX(ctx, paperKey(paperID), "error_count", 0)
	pipe.HSetNX(ctx, paperKey(paperID), "completeness", 0)
	pipe.ZAddNX(ctx, indexKey, redis.Z{Score: 0, Member: paperID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register paper: %w", err)
	}
	return nil
}

// Stamp records a successful stage completion and returns the recomputed
// completeness score.
func (t *Tracker) Stamp(ctx context.Context, paperID string, st stage.Stage) (int, error) {
	if !stage.Valid(st) {
		return 0, fmt.Errorf("unknown stage %q", st)
	}
	score, err := t.stampScript.Run(ctx, t.rdb,
		[]string{paperKey(paperID), indexKey},
		paperID, string(st), t.now().UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("stamp: %w", err)
	}
	return score, nil
}

// Reset clears the given stages (all of them when none given) and the error
// counter, lowering the score accordingly.
func (t *Tracker) Reset(ctx context.Context, paperID string, stages ...stage.Stage) (int, error) {
	if len(stages) == 0 {
		stages = stage.Order()
	}
	args := make([]any, 0, 2+len(stages))
	args = append(args, paperID, 0)
	for _, st := range stages {
		args = append(args, string(st))
	}
	score, err := t.resetScript.Run(ctx, t.rdb,
		[]string{paperKey(paperID), indexKey}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("reset: %w", err)
	}
	return score, nil
}

// RecordError charges one failure against the paper. Papers whose error
// count has reached the threshold are skipped by backfill until cleared.
func (t *Tracker) RecordError(ctx context.Context, paperID string) error {
	return t.rdb.HIncrBy(ctx, paperKey(paperID), "error_count", 1).Err()
}

// ClearErrors zeroes the error counter.
func (t *Tracker) ClearErrors(ctx context.Context, paperID string) error {
	return t.rdb.HSet(ctx, paperKey(paperID), "error_count", 0).Err()
}

// Get loads a paper's full state.
func (t *Tracker) Get(ctx context.Context, paperID string) (*State, error) {
	h, err := t.rdb.HGetAll(ctx, paperKey(paperID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get paper: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	return stateFromHash(h), nil
}

// Completeness returns the paper's completeness score in 0..100.
func (t *Tracker) Completeness(ctx context.Context, paperID string) (int, error) {
	v, err := t.rdb.HGet(ctx, paperKey(paperID), "completeness").Result()
	if err == redis.Nil {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("completeness: %w", err)
	}
	return strconv.Atoi(v)
}

// PendingStages returns the stages with no completion stamp, in execution
// order.
func (t *Tracker) PendingStages(ctx context.Context, paperID string) ([]stage.Stage, error) {
	st, err := t.Get(ctx, paperID)
	if err != nil {
		return nil, err
	}
	return missingOf(st), nil
}

// FindIncomplete pages through papers with at least one missing stage that
// pass the filter. Returns the matching page and the offset to resume from;
// done reports exhaustion.
func (t *Tracker) FindIncomplete(ctx context.Context, f FindFilter, offset, pageSize int) (items []Incomplete, next int, done bool, err error) {
	if pageSize <= 0 {
		pageSize = 200
	}
	maxC := f.MaxCompleteness
	if maxC <= 0 {
		maxC = 99
	}
	ids, err := t.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min:    strconv.Itoa(f.MinCompleteness),
		Max:    strconv.Itoa(maxC),
		Offset: int64(offset),
		Count:  int64(pageSize),
	}).Result()
	if err != nil {
		return nil, 0, false, fmt.Errorf("find incomplete: %w", err)
	}
	for _, id := range ids {
		st, err := t.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, 0, false, err
		}
		if st.ErrorCount >= t.errorThreshold {
			continue
		}
		if st.Priority < f.MinPriority {
			continue
		}
		if !f.PublishedAfter.IsZero() && (st.PublishedAt.IsZero() || st.PublishedAt.Before(f.PublishedAfter)) {
			continue
		}
		if !f.PublishedBefore.IsZero() && (st.PublishedAt.IsZero() || st.PublishedAt.After(f.PublishedBefore)) {
			continue
		}
		missing := missingOf(st)
		if len(missing) == 0 {
			continue
		}
		items = append(items, Incomplete{
			PaperID:           st.PaperID,
			CompletenessScore: st.CompletenessScore,
			Priority:          st.Priority,
			MissingStages:     missing,
		})
	}
	return items, offset + len(ids), len(ids) < pageSize, nil
}

// Distribution buckets completeness scores the way the health endpoint
// reports them: 0, 1-24, 25-49, 50-74, 75-99, 100.
func (t *Tracker) Distribution(ctx context.Context) (map[string]int64, error) {
	buckets := []struct{ name, min, max string }{
		{"0", "0", "0"},
		{"1-24", "1", "24"},
		{"25-49", "25", "49"},
		{"50-74", "50", "74"},
		{"75-99", "75", "99"},
		{"100", "100", "100"},
	}
	out := make(map[string]int64, len(buckets))
	for _, b := range buckets {
		n, err := t.rdb.ZCount(ctx, indexKey, b.min, b.max).Result()
		if err != nil {
			return nil, fmt.Errorf("distribution: %w", err)
		}
		out[b.name] = n
	}
	return out, nil
}

func stateFromHash(h map[string]string) *State {
	st := &State{
		PaperID:          h["paper_id"],
		Title:            h["title"],
		Abstract:         h["abstract"],
		StageCompletedAt: make(map[stage.Stage]time.Time),
	}
	st.Priority, _ = strconv.Atoi(h["priority"])
	st.ErrorCount, _ = strconv.Atoi(h["error_count"])
	st.CompletenessScore, _ = strconv.Atoi(h["completeness"])
	if ms, err := strconv.ParseInt(h["published_at"], 10, 64); err == nil && ms != 0 {
		st.PublishedAt = time.UnixMilli(ms)
	}
	for _, s := range stage.Order() {
		if ms, err := strconv.ParseInt(h[string(s)+"_at"], 10, 64); err == nil && ms != 0 {
			st.StageCompletedAt[s] = time.UnixMilli(ms)
		}
	}
	return st
}

func missingOf(st *State) []stage.Stage {
	var missing []stage.Stage
	for _, s := range stage.Order() {
		if _, ok := st.StageCompletedAt[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}
