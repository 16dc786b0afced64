// Package main はバックグラウンドワーカーのエントリーポイントです。
// キューからジョブを取り出し、OpenAI API でバッチ処理して結果を書き戻します。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/mediflow/internal/config"
	"github.com/yourusername/mediflow/internal/document"
	"github.com/yourusername/mediflow/internal/jobs"
	"github.com/yourusername/mediflow/internal/processor"
	"github.com/yourusername/mediflow/internal/progress"
	"github.com/yourusername/mediflow/internal/worker"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Invalid REDIS_URL: %v", err)
	}
	redisClient := redis.NewClient(opt)

	store, err := document.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to init document store: %v", err)
	}

	registry := worker.NewRegistry()

	embedding, err := processor.NewEmbeddingProcessor(cfg.OpenAIAPIKey, cfg.EmbeddingModel)
	if err != nil {
		log.Fatalf("Failed to init embedding processor: %v", err)
	}
	registry.Register(jobs.OperationEmbed, embedding)

	translation, err := processor.NewTranslationProcessor(cfg.OpenAIAPIKey, cfg.TranslationModel, cfg.SupportedLanguages)
	if err != nil {
		log.Fatalf("Failed to init translation processor: %v", err)
	}
	registry.Register(jobs.OperationTranslate, translation)

	pool, err := worker.NewPool(
		jobs.NewRedisQueue(redisClient),
		jobs.NewRedisCache(redisClient),
		registry,
		progress.NewRedisPublisher(redisClient),
		store,
		worker.Options{
			Concurrency:      cfg.WorkerConcurrency,
			BatchSize:        cfg.BatchSize,
			BatchWait:        cfg.BatchWait,
			MaxRetryAttempts: cfg.MaxRetryAttempts,
			RetryBaseDelay:   cfg.RetryBaseDelay,
			ProcessTimeout:   cfg.ProcessTimeout,
			ResultTTL:        cfg.ResultTTL,
		},
		log.Default(),
	)
	if err != nil {
		log.Fatalf("Failed to init worker pool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}
	log.Printf("Worker started (concurrency=%d, batchSize=%d)", cfg.WorkerConcurrency, cfg.BatchSize)

	// SIGINT / SIGTERM で新規デキューを止め、処理中のバッチを待ってから終了
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down worker...")
	cancel()
	pool.Shutdown()
	if err := redisClient.Close(); err != nil {
		log.Printf("Failed to close redis client: %v", err)
	}
	log.Println("Worker stopped")
}
