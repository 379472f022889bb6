// Copyright 2025 James Ross
package stage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrderCoversEveryStage(t *testing.T) {
	order := Order()
	assert.Len(t, order, 9)
	assert.Equal(t, Embedding, order[0])
	assert.Equal(t, Relationships, order[len(order)-1])
	for _, s := range order {
		assert.True(t, Valid(s))
		assert.NotEmpty(t, KindOf(s))
		assert.NotEmpty(t, BucketOf(s))
		assert.Greater(t, AttemptTimeout(s), time.Duration(0))
		assert.Equal(t, 2*AttemptTimeout(s), LeaseFor(s))
	}
}

func TestKindPartition(t *testing.T) {
	assert.Equal(t, []Stage{AIAnalysis, Concepts, Techniques, Benchmarks, DeepAnalysis}, ByKind(KindLLM))
	assert.Equal(t, []Stage{Citations, GitHub}, ByKind(KindExternal))
	assert.Equal(t, []Stage{Embedding, Relationships}, ByKind(KindLocal))

	// kinds partition the stage set
	total := 0
	for _, k := range Kinds() {
		total += len(ByKind(k))
	}
	assert.Equal(t, len(Order()), total)
}

func TestBuckets(t *testing.T) {
	assert.Equal(t, BucketLLM, BucketOf(DeepAnalysis))
	assert.Equal(t, BucketCitations, BucketOf(Citations))
	assert.Equal(t, BucketGitHub, BucketOf(GitHub))
	assert.Equal(t, BucketLocal, BucketOf(Embedding))
}

func TestParse(t *testing.T) {
	s, err := Parse("deep_analysis")
	assert.NoError(t, err)
	assert.Equal(t, DeepAnalysis, s)

	_, err = Parse("not_a_stage")
	assert.Error(t, err)
}
