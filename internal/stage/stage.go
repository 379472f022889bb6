// Copyright 2025 James Ross
package stage

import (
	"fmt"
	"time"
)

// Stage is one named unit of enrichment work applied to a paper.
type Stage string

const (
	Embedding     Stage = "embedding"
	AIAnalysis    Stage = "ai_analysis"
	Citations     Stage = "citations"
	Concepts      Stage = "concepts"
	Techniques    Stage = "techniques"
	Benchmarks    Stage = "benchmarks"
	GitHub        Stage = "github"
	DeepAnalysis  Stage = "deep_analysis"
	Relationships Stage = "relationships"
)

// Kind classifies stages by resource profile. Each kind owns a worker
// sub-pool budget.
type Kind string

const (
	KindLLM      Kind = "llm"
	KindExternal Kind = "external"
	KindLocal    Kind = "local"
)

// Rate-limit bucket names, one per upstream provider.
const (
	BucketLLM       = "llm_provider"
	BucketCitations = "citations_provider"
	BucketGitHub    = "github"
	BucketLocal     = "local"
)

// executionOrder is the canonical stage order. Later stages may consume
// artifacts of earlier ones (relationships needs embedding); the queue does
// not enforce this, backfill enqueues in this order.
var executionOrder = []Stage{
	Embedding,
	AIAnalysis,
	Citations,
	Concepts,
	Techniques,
	Benchmarks,
	GitHub,
	DeepAnalysis,
	Relationships,
}

type info struct {
	kind           Kind
	bucket         string
	attemptTimeout time.Duration
}

var registry = map[Stage]info{
	Embedding:     {KindLocal, BucketLocal, 2 * time.Minute},
	AIAnalysis:    {KindLLM, BucketLLM, 3 * time.Minute},
	Citations:     {KindExternal, BucketCitations, 1 * time.Minute},
	Concepts:      {KindLLM, BucketLLM, 2 * time.Minute},
	Techniques:    {KindLLM, BucketLLM, 2 * time.Minute},
	Benchmarks:    {KindLLM, BucketLLM, 2 * time.Minute},
	GitHub:        {KindExternal, BucketGitHub, 1 * time.Minute},
	DeepAnalysis:  {KindLLM, BucketLLM, 5 * time.Minute},
	Relationships: {KindLocal, BucketLocal, 4 * time.Minute},
}

// Order returns the canonical execution order. The returned slice is a copy.
func Order() []Stage {
	out := make([]Stage, len(executionOrder))
	copy(out, executionOrder)
	return out
}

// Kinds returns every worker kind.
func Kinds() []Kind { return []Kind{KindLLM, KindExternal, KindLocal} }

// KindOf returns the worker kind that runs s.
func KindOf(s Stage) Kind { return registry[s].kind }

// BucketOf returns the rate-limit bucket s consumes.
func BucketOf(s Stage) string { return registry[s].bucket }

// AttemptTimeout is the wall-clock budget for a single attempt of s.
func AttemptTimeout(s Stage) time.Duration { return registry[s].attemptTimeout }

// LeaseFor sizes the dispatch lease for s: twice the attempt budget, so a
// healthy worker always finishes (or times out) well inside its lease.
func LeaseFor(s Stage) time.Duration { return 2 * registry[s].attemptTimeout }

// ByKind returns the stages of kind k in execution order.
func ByKind(k Kind) []Stage {
	var out []Stage
	for _, s := range executionOrder {
		if registry[s].kind == k {
			out = append(out, s)
		}
	}
	return out
}

// Buckets returns every distinct rate-limit bucket name.
func Buckets() []string {
	return []string{BucketLLM, BucketCitations, BucketGitHub, BucketLocal}
}

// Valid reports whether s is a known stage.
func Valid(s Stage) bool {
	_, ok := registry[s]
	return ok
}

// Parse converts a wire string into a Stage.
func Parse(s string) (Stage, error) {
	st := Stage(s)
	if !Valid(st) {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}
