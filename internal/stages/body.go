// Copyright 2025 James Ross
package stages

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/paperatlas/enrichq/internal/stage"
)

// Body is one stage implementation. It performs its own I/O against the
// provider; the worker loop owns the job row, the rate-limit token and the
// attempt timeout. A Body is called at most once concurrently per job.
type Body func(ctx context.Context, paperID string, metadata map[string]any) error

// FailureKind classifies a stage failure for the retry policy.
type FailureKind int

const (
	// KindTransient re-queues the job with backoff.
	KindTransient FailureKind = iota
	// KindPermanent fails the job immediately.
	KindPermanent
	// KindRateLimited backs off the whole provider bucket, then re-queues.
	KindRateLimited
)

// Failure wraps a stage error with its retry classification.
type Failure struct {
	Kind    FailureKind
	Backoff time.Duration // rate-limited only
	Err     error
}

func (f *Failure) Error() string {
	switch f.Kind {
	case KindPermanent:
		return fmt.Sprintf("permanent: %v", f.Err)
	case KindRateLimited:
		return fmt.Sprintf("rate limited (backoff %s): %v", f.Backoff, f.Err)
	default:
		return fmt.Sprintf("transient: %v", f.Err)
	}
}

func (f *Failure) Unwrap() error { return f.Err }

// Transient marks err as retryable.
func Transient(err error) error { return &Failure{Kind: KindTransient, Err: err} }

// Permanent marks err as non-retryable.
func Permanent(err error) error { return &Failure{Kind: KindPermanent, Err: err} }

// RateLimited marks err as a provider throttle with the backoff to honor.
func RateLimited(backoff time.Duration, err error) error {
	return &Failure{Kind: KindRateLimited, Backoff: backoff, Err: err}
}

// Classify extracts the failure kind from err. Unclassified errors and
// timeouts count as transient.
func Classify(err error) (FailureKind, time.Duration) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind, f.Backoff
	}
	return KindTransient, 0
}

// ClassifyHTTP maps a provider HTTP status onto a failure. 429 is a
// throttle, other 4xx are permanent, everything else transient.
func ClassifyHTTP(status int, retryAfter time.Duration, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		if retryAfter <= 0 {
			retryAfter = 30 * time.Second
		}
		return RateLimited(retryAfter, err)
	case status >= 400 && status < 500:
		return Permanent(err)
	default:
		return Transient(err)
	}
}

// Registry maps stages to their bodies. It is assembled once at process
// start and read-only afterwards.
type Registry struct {
	bodies map[stage.Stage]Body
}

func NewRegistry() *Registry {
	return &Registry{bodies: make(map[stage.Stage]Body)}
}

// Register binds a body to a stage. Last registration wins.
func (r *Registry) Register(st stage.Stage, b Body) {
	r.bodies[st] = b
}

// Get returns the body for a stage, or nil if none registered.
func (r *Registry) Get(st stage.Stage) Body {
	return r.bodies[st]
}
