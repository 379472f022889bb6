// Copyright 2025 James Ross
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/paperatlas/enrichq/internal/config"
	"github.com/paperatlas/enrichq/internal/jobstore"
	"github.com/paperatlas/enrichq/internal/obs"
)

// Reaper periodically returns expired leases to the queue. It is the only
// recovery path for jobs stranded by a crashed or partitioned worker.
type Reaper struct {
	cfg   *config.Config
	store *jobstore.Store
	log   *zap.Logger
}

func New(cfg *config.Config, store *jobstore.Store, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, store: store, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	interval := r.cfg.Worker.ReclaimInterval
	if interval <= 0 || interval > time.Minute {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	n, err := r.store.ReclaimExpiredLeases(ctx)
	if err != nil {
		r.log.Warn("lease reclaim error", obs.Err(err))
		return
	}
	if n > 0 {
		r.log.Info("requeued abandoned jobs", obs.Int("count", n))
	}
}
