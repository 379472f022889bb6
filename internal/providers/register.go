// Copyright 2025 James Ross
package providers

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/paperatlas/enrichq/internal/config"
	"github.com/paperatlas/enrichq/internal/stage"
	"github.com/paperatlas/enrichq/internal/stages"
	"github.com/paperatlas/enrichq/internal/tracker"
)

// BuildRegistry wires the bundled bodies for all nine stages.
func BuildRegistry(cfg config.Providers, rdb *redis.Client, tr *tracker.Tracker, log *zap.Logger) *stages.Registry {
	reg := stages.NewRegistry()

	analyzer := NewAnalyzer(cfg, tr, log)
	for _, st := range stage.ByKind(stage.KindLLM) {
		reg.Register(st, analyzer.Body(st))
	}

	reg.Register(stage.Citations, NewCitationsClient(cfg, log).Body())
	reg.Register(stage.GitHub, NewGitHubClient(cfg, tr, log).Body())

	local := NewLocalStages(cfg, rdb, tr, log)
	reg.Register(stage.Embedding, local.EmbeddingBody())
	reg.Register(stage.Relationships, local.RelationshipsBody())

	return reg
}
