// Copyright 2025 James Ross
package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/paperatlas/enrichq/internal/config"
	"github.com/paperatlas/enrichq/internal/stages"
	"github.com/paperatlas/enrichq/internal/tracker"
)

func setupLocal(t *testing.T) (*LocalStages, *tracker.Tracker, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tr := tracker.New(rdb, zap.NewNop(), 5)
	l := NewLocalStages(config.Providers{EmbeddingDimension: 64}, rdb, tr, zap.NewNop())
	return l, tr, func() { mr.Close() }
}

func TestEmbeddingBody(t *testing.T) {
	l, tr, cleanup := setupLocal(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, tr.Register(ctx, "p1", tracker.RegisterOpts{
		Title:    "Sparse Attention",
		Abstract: "We propose a sparse attention mechanism.",
	}))
	require.NoError(t, l.EmbeddingBody()(ctx, "p1", nil))

	vec, err := l.vector(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, vec, 64)

	// unregistered paper is a permanent failure
	err = l.EmbeddingBody()(ctx, "ghost", nil)
	kind, _ := stages.Classify(err)
	assert.Equal(t, stages.KindPermanent, kind)

	// registered but empty paper is permanent too
	require.NoError(t, tr.Register(ctx, "empty", tracker.RegisterOpts{}))
	err = l.EmbeddingBody()(ctx, "empty", nil)
	kind, _ = stages.Classify(err)
	assert.Equal(t, stages.KindPermanent, kind)
}

func TestRelationshipsNeedsEmbedding(t *testing.T) {
	l, tr, cleanup := setupLocal(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, tr.Register(ctx, "p1", tracker.RegisterOpts{Title: "T"}))

	// no embedding yet: transient, so the job re-queues and waits its turn
	err := l.RelationshipsBody()(ctx, "p1", nil)
	kind, _ := stages.Classify(err)
	assert.Equal(t, stages.KindTransient, kind)
}

func TestRelationshipsRanksNeighbors(t *testing.T) {
	l, tr, cleanup := setupLocal(t)
	defer cleanup()
	ctx := context.Background()

	papers := map[string]string{
		"a": "sparse attention transformers",
		"b": "sparse attention mechanisms for transformers",
		"c": "reinforcement learning for robotics control",
	}
	for id, title := range papers {
		require.NoError(t, tr.Register(ctx, id, tracker.RegisterOpts{Title: title}))
		require.NoError(t, l.EmbeddingBody()(ctx, id, nil))
	}

	require.NoError(t, l.RelationshipsBody()(ctx, "a", nil))

	raw, err := l.rdb.Get(ctx, relatedKeyPrefix+"a").Result()
	require.NoError(t, err)
	assert.Contains(t, raw, `"b"`)
	assert.Contains(t, raw, `"c"`)
	// the similar paper outranks the unrelated one
	assert.Less(t,
		indexOf(raw, `"b"`), indexOf(raw, `"c"`))
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestCitationsBodyClassification(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "7")
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"citationCount": 12, "referenceCount": 30}`))
		}
	}))
	defer srv.Close()

	c := NewCitationsClient(config.Providers{CitationsBaseURL: srv.URL}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Body()(ctx, "p1", nil))

	status = http.StatusNotFound
	kind, _ := stages.Classify(c.Body()(ctx, "p1", nil))
	assert.Equal(t, stages.KindPermanent, kind)

	status = http.StatusTooManyRequests
	var backoff = func() (stages.FailureKind, bool) {
		k, b := stages.Classify(c.Body()(ctx, "p1", nil))
		return k, b.Seconds() == 7
	}
	kind2, okBackoff := backoff()
	assert.Equal(t, stages.KindRateLimited, kind2)
	assert.True(t, okBackoff)

	status = http.StatusInternalServerError
	kind, _ = stages.Classify(c.Body()(ctx, "p1", nil))
	assert.Equal(t, stages.KindTransient, kind)
}

func TestGitHubBodyQuotaSignal(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tr := tracker.New(rdb, zap.NewNop(), 5)

	exhausted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exhausted {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"total_count": 3}`))
	}))
	defer srv.Close()

	g := NewGitHubClient(config.Providers{GitHubBaseURL: srv.URL}, tr, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, g.Body()(ctx, "p1", nil))

	exhausted = true
	kind, backoff := stages.Classify(g.Body()(ctx, "p1", nil))
	assert.Equal(t, stages.KindRateLimited, kind)
	assert.Greater(t, backoff.Seconds(), 0.0)
}
