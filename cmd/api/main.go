// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/mediflow/internal/auth"
	"github.com/yourusername/mediflow/internal/config"
	"github.com/yourusername/mediflow/internal/jobs"
	"github.com/yourusername/mediflow/internal/progress"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.MaxMultipartMemory = cfg.MaxFileSize

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
	}
	router.Use(cors.New(corsConfig))

	// パイプライン一式（Redis接続・キャッシュ・キュー・進捗）の構築
	pipeline, err := setupPipeline(cfg)
	if err != nil {
		log.Fatalf("Failed to set up pipeline: %v", err)
	}

	// ルーティングの設定
	setupRoutes(router, cfg, pipeline)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// healthHandler はヘルスチェックエンドポイントのハンドラーを返します。
// Redis への疎通が取れない場合は 503 を返します。
func healthHandler(client *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "degraded",
				"service": "mediflow-api",
				"redis":   "unreachable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "mediflow-api",
			"version": "0.1.0",
		})
	}
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, p *pipeline) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", healthHandler(p.redis))

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	{
		protected := api.Group("/pipeline")
		protected.Use(authManager.RequireToken())
		{
			protected.POST("/translate", jobs.TranslateHandler(p.coordinator))
			protected.POST("/embed", jobs.EmbedHandler(p.coordinator, p.inspector))
			protected.GET("/results/:id", jobs.StatusHandler(p.coordinator))
			protected.GET("/progress/:id", progress.StreamHandler(p.publisher))
			protected.GET("/queue", jobs.StatsHandler(p.coordinator))
		}
	}
}
