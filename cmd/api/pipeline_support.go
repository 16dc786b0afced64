package main

import (
	"log"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/mediflow/internal/config"
	"github.com/yourusername/mediflow/internal/document"
	"github.com/yourusername/mediflow/internal/jobs"
	"github.com/yourusername/mediflow/internal/progress"
)

// pipeline は API サーバーが利用するパイプライン部品の束です。
type pipeline struct {
	redis       *redis.Client
	coordinator *jobs.Coordinator
	inspector   *document.Inspector
	publisher   progress.Publisher
}

// setupPipeline は Redis 接続を確立し、キャッシュ・キュー・進捗配信と
// ジョブコーディネーターを組み立てます。
func setupPipeline(cfg *config.Config) (*pipeline, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(opt)

	store, err := document.NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	coordinator, err := jobs.NewCoordinator(
		jobs.NewRedisCache(redisClient),
		jobs.NewRedisQueue(redisClient),
		store,
		jobs.CoordinatorOptions{
			ResultTTL:          cfg.ResultTTL,
			TerminalResultTTL:  cfg.TerminalResultTTL,
			MaxTextLength:      cfg.MaxTextLength,
			SupportedLanguages: cfg.SupportedLanguages,
			DefaultEmbedTarget: cfg.EmbeddingModel,
		},
		log.Default(),
	)
	if err != nil {
		return nil, err
	}

	return &pipeline{
		redis:       redisClient,
		coordinator: coordinator,
		inspector:   document.NewInspector(cfg.MaxFileSize, cfg.MaxPages),
		publisher:   progress.NewRedisPublisher(redisClient),
	}, nil
}
