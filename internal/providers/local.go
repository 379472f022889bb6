// Copyright 2025 James Ross
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/paperatlas/enrichq/internal/config"
	"github.com/paperatlas/enrichq/internal/obs"
	"github.com/paperatlas/enrichq/internal/stages"
	"github.com/paperatlas/enrichq/internal/tracker"
)

const (
	embeddingKeyPrefix = "enrichq:embedding:"
	embeddingIndexKey  = "enrichq:embeddings"
	relatedKeyPrefix   = "enrichq:related:"

	relatedTopK         = 10
	relatedCandidateCap = 1000
)

// LocalStages runs the compute-only stages: feature-hash embeddings over
// title+abstract, and nearest-neighbor relationship sets over those
// vectors. Both keep their artifacts in Redis next to the paper state.
type LocalStages struct {
	rdb *redis.Client
	tr  *tracker.Tracker
	dim int
	log *zap.Logger
}

func NewLocalStages(cfg config.Providers, rdb *redis.Client, tr *tracker.Tracker, log *zap.Logger) *LocalStages {
	dim := cfg.EmbeddingDimension
	if dim <= 0 {
		dim = 256
	}
	return &LocalStages{rdb: rdb, tr: tr, dim: dim, log: log}
}

// EmbeddingBody computes and stores the paper's vector.
func (l *LocalStages) EmbeddingBody() stages.Body {
	return func(ctx context.Context, paperID string, _ map[string]any) error {
		paper, err := l.tr.Get(ctx, paperID)
		if err != nil {
			if errors.Is(err, tracker.ErrNotFound) {
				return stages.Permanent(fmt.Errorf("paper %s not registered", paperID))
			}
			return stages.Transient(err)
		}
		text := strings.TrimSpace(paper.Title + " " + paper.Abstract)
		if text == "" {
			return stages.Permanent(fmt.Errorf("paper %s has no text to embed", paperID))
		}
		vec := l.embed(text)
		raw, err := json.Marshal(vec)
		if err != nil {
			return stages.Permanent(err)
		}
		pipe := l.rdb.TxPipeline()
		pipe.Set(ctx, embeddingKeyPrefix+paperID, raw, 0)
		pipe.SAdd(ctx, embeddingIndexKey, paperID)
		if _, err := pipe.Exec(ctx); err != nil {
			return stages.Transient(err)
		}
		return nil
	}
}

// RelationshipsBody ranks the nearest neighbors of the paper's vector. A
// missing vector fails transient, so the job comes back once the embedding
// stage has run.
func (l *LocalStages) RelationshipsBody() stages.Body {
	return func(ctx context.Context, paperID string, _ map[string]any) error {
		vec, err := l.vector(ctx, paperID)
		if err != nil {
			return err
		}
		candidates, err := l.rdb.SRandMemberN(ctx, embeddingIndexKey, relatedCandidateCap).Result()
		if err != nil {
			return stages.Transient(err)
		}
		type scored struct {
			ID    string  `json:"paper_id"`
			Score float64 `json:"score"`
		}
		var related []scored
		for _, other := range candidates {
			if other == paperID {
				continue
			}
			ov, err := l.vector(ctx, other)
			if err != nil {
				continue
			}
			related = append(related, scored{ID: other, Score: cosine(vec, ov)})
		}
		sort.Slice(related, func(i, j int) bool { return related[i].Score > related[j].Score })
		if len(related) > relatedTopK {
			related = related[:relatedTopK]
		}
		raw, err := json.Marshal(related)
		if err != nil {
			return stages.Permanent(err)
		}
		if err := l.rdb.Set(ctx, relatedKeyPrefix+paperID, raw, 0).Err(); err != nil {
			return stages.Transient(err)
		}
		l.log.Debug("relationships computed",
			obs.String("paper", paperID),
			obs.Int("related", len(related)))
		return nil
	}
}

func (l *LocalStages) vector(ctx context.Context, paperID string) ([]float64, error) {
	raw, err := l.rdb.Get(ctx, embeddingKeyPrefix+paperID).Result()
	if err == redis.Nil {
		return nil, stages.Transient(fmt.Errorf("no embedding for paper %s yet", paperID))
	}
	if err != nil {
		return nil, stages.Transient(err)
	}
	var vec []float64
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, stages.Permanent(fmt.Errorf("corrupt embedding for %s: %w", paperID, err))
	}
	return vec, nil
}

// embed feature-hashes the text into a fixed-dimension unit vector.
func (l *LocalStages) embed(text string) []float64 {
	vec := make([]float64, l.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:()[]{}\"'")
		if tok == "" {
			continue
		}
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(l.dim))
		sign := 1.0
		if sum&(1<<63) != 0 {
			sign = -1.0
		}
		vec[idx] += sign
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	return dot
}
