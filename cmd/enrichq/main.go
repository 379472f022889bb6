// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/paperatlas/enrichq/internal/adminapi"
	"github.com/paperatlas/enrichq/internal/config"
	"github.com/paperatlas/enrichq/internal/control"
	"github.com/paperatlas/enrichq/internal/jobstore"
	"github.com/paperatlas/enrichq/internal/obs"
	"github.com/paperatlas/enrichq/internal/providers"
	"github.com/paperatlas/enrichq/internal/ratelimit"
	"github.com/paperatlas/enrichq/internal/reaper"
	"github.com/paperatlas/enrichq/internal/redisclient"
	"github.com/paperatlas/enrichq/internal/stage"
	"github.com/paperatlas/enrichq/internal/tracker"
	"github.com/paperatlas/enrichq/internal/workerpool"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminID string
	var adminStages string
	var adminLimit int
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: worker|api|backfill|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: health|jobs|retry|cancel|cancel-batch|rate-limits")
	fs.StringVar(&adminID, "id", "", "Job id or batch id for admin commands")
	fs.StringVar(&adminStages, "stages", "", "Comma-separated stages for backfill (empty = auto-detect)")
	fs.IntVar(&adminLimit, "limit", 0, "Paper limit for backfill")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	store := jobstore.New(rdb, logger, cfg.Worker.MaxRetries)
	tr := tracker.New(rdb, logger, cfg.Backfill.ErrorCountThreshold)
	rl := ratelimit.New(rdb, logger, cfg.RateLimits)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(cfg.Worker.StopDeadline + 5*time.Second):
		}
	}()

	if role != "admin" {
		readyCheck := func(c context.Context) error {
			_, err := rdb.Ping(c).Result()
			return err
		}
		httpSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	switch role {
	case "worker":
		runWorker(ctx, cfg, rdb, store, tr, rl, logger, false)
	case "api":
		ctl := control.New(cfg, rdb, store, tr, rl, nil, logger)
		srv := adminapi.New(cfg, ctl, tr, logger)
		srv.Start()
		<-ctx.Done()
		shutdownCtx, c2 := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		c2()
	case "backfill":
		ctl := control.New(cfg, rdb, store, tr, rl, nil, logger)
		res, err := ctl.CreateBackfill(ctx, backfillOpts(adminStages, adminLimit))
		if err != nil {
			logger.Fatal("backfill error", obs.Err(err))
		}
		printJSON(res)
	case "all":
		runWorker(ctx, cfg, rdb, store, tr, rl, logger, true)
	case "admin":
		ctl := control.New(cfg, rdb, store, tr, rl, nil, logger)
		runAdmin(ctx, ctl, logger, adminCmd, adminID)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runWorker(ctx context.Context, cfg *config.Config, rdb *redis.Client, store *jobstore.Store, tr *tracker.Tracker, rl *ratelimit.Limiter, logger *zap.Logger, withAPI bool) {
	reg := providers.BuildRegistry(cfg.Providers, rdb, tr, logger)
	pool := workerpool.New(cfg, store, rl, reg, tr, logger)
	ctl := control.New(cfg, rdb, store, tr, rl, pool, logger)

	rep := reaper.New(cfg, store, logger)
	go rep.Run(ctx)

	if err := pool.Start(ctx); err != nil {
		logger.Fatal("pool start failed", obs.Err(err))
	}

	var srv *adminapi.Server
	if withAPI {
		srv = adminapi.New(cfg, ctl, tr, logger)
		srv.Start()
	}

	// Recurring backfill, when configured.
	var cr *cron.Cron
	if cfg.Backfill.Schedule != "" {
		cr = cron.New()
		_, err := cr.AddFunc(cfg.Backfill.Schedule, func() {
			if _, err := ctl.CreateBackfill(ctx, control.BackfillOpts{}); err != nil {
				logger.Error("scheduled backfill failed", obs.Err(err))
			}
		})
		if err != nil {
			logger.Fatal("bad backfill schedule", obs.String("schedule", cfg.Backfill.Schedule), obs.Err(err))
		}
		cr.Start()
		logger.Info("scheduled backfill enabled", obs.String("schedule", cfg.Backfill.Schedule))
	}

	<-ctx.Done()
	if cr != nil {
		cr.Stop()
	}
	if srv != nil {
		shutdownCtx, c2 := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		c2()
	}
	pool.Stop(cfg.Worker.StopDeadline)
}

func runAdmin(ctx context.Context, ctl *control.Controller, logger *zap.Logger, cmd, id string) {
	switch cmd {
	case "health":
		h, err := ctl.Health(ctx)
		if err != nil {
			logger.Fatal("admin health error", obs.Err(err))
		}
		printJSON(h)
	case "jobs":
		jobs, total, err := ctl.ListJobs(ctx, jobstore.ListFilter{}, 50, 0)
		if err != nil {
			logger.Fatal("admin jobs error", obs.Err(err))
		}
		printJSON(map[string]any{"jobs": jobs, "total": total})
	case "retry":
		jobID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			logger.Fatal("admin retry requires --id <job id>")
		}
		if err := ctl.RetryJob(ctx, jobID, false); err != nil {
			logger.Fatal("admin retry error", obs.Err(err))
		}
		fmt.Println("job requeued")
	case "cancel":
		jobID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			logger.Fatal("admin cancel requires --id <job id>")
		}
		if err := ctl.CancelJob(ctx, jobID); err != nil {
			logger.Fatal("admin cancel error", obs.Err(err))
		}
		fmt.Println("job cancelled")
	case "cancel-batch":
		if id == "" {
			logger.Fatal("admin cancel-batch requires --id <batch id>")
		}
		n, err := ctl.CancelBatch(ctx, id)
		if err != nil {
			logger.Fatal("admin cancel-batch error", obs.Err(err))
		}
		printJSON(map[string]any{"batch_id": id, "cancelled": n})
	case "rate-limits":
		out := map[string]any{}
		for _, b := range stage.Buckets() {
			st, err := ctl.RateLimitStats(ctx, b)
			if err != nil {
				logger.Fatal("admin rate-limits error", obs.Err(err))
			}
			out[b] = st
		}
		printJSON(out)
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func backfillOpts(stagesCSV string, limit int) control.BackfillOpts {
	opts := control.BackfillOpts{Limit: limit}
	if stagesCSV != "" {
		for _, raw := range strings.Split(stagesCSV, ",") {
			if st, err := stage.Parse(strings.TrimSpace(raw)); err == nil {
				opts.Stages = append(opts.Stages, st)
			}
		}
	}
	return opts
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
