// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証設定
	ServiceTokenHash string // bcryptでハッシュ化されたサービストークン

	// Redis設定
	RedisURL string // キャッシュ・キュー・進捗配信用のRedis接続URL

	// ワーカー設定
	WorkerConcurrency int           // ワーカーゴルーチン数
	BatchSize         int           // 一度にデキューするジョブの最大数
	BatchWait         time.Duration // バッチを埋めるための追加待ち時間
	MaxRetryAttempts  int           // Processor呼び出しの最大試行回数
	RetryBaseDelay    time.Duration // リトライの基準待ち時間（指数バックオフの底）
	ProcessTimeout    time.Duration // Processor1回あたりのタイムアウト

	// 結果キャッシュ設定
	ResultTTL         time.Duration // 結果エントリの有効期限
	TerminalResultTTL time.Duration // 取得済み終了ジョブの短縮有効期限

	// 入力制限
	MaxTextLength int    // テキストジョブの最大文字数
	MaxFileSize   int64  // アップロードファイルの最大サイズ（バイト）
	MaxPages      int    // PDFの最大ページ数
	DataDir       string // アップロードファイルの保存先ディレクトリ

	// Processor設定
	SupportedLanguages []string // 翻訳対象として許可する言語コード
	OpenAIAPIKey       string   // OpenAI APIキー
	EmbeddingModel     string   // 埋め込み生成に使うモデルID
	TranslationModel   string   // 翻訳に使うチャットモデルID
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// 認証設定
		ServiceTokenHash: getEnv("SERVICE_TOKEN_HASH", ""),

		// Redis設定
		RedisURL: getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),

		// ワーカー設定
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 3),
		BatchSize:         getEnvAsInt("BATCH_SIZE", 8),
		BatchWait:         getEnvAsDuration("BATCH_WAIT_SECONDS", time.Second),
		MaxRetryAttempts:  getEnvAsInt("MAX_RETRY_ATTEMPTS", 3),
		RetryBaseDelay:    time.Duration(getEnvAsInt("RETRY_BASE_DELAY_MS", 500)) * time.Millisecond,
		ProcessTimeout:    getEnvAsDuration("PROCESS_TIMEOUT_SECONDS", 60*time.Second),

		// 結果キャッシュ設定
		ResultTTL:         time.Duration(getEnvAsInt("RESULT_TTL_MINUTES", 60)) * time.Minute,
		TerminalResultTTL: time.Duration(getEnvAsInt("TERMINAL_RESULT_TTL_MINUTES", 5)) * time.Minute,

		// 入力制限
		MaxTextLength: getEnvAsInt("MAX_TEXT_LENGTH", 4000),
		MaxFileSize:   getEnvAsInt64("MAX_FILE_SIZE", 52428800), // 50MB
		MaxPages:      getEnvAsInt("MAX_PAGES", 200),
		DataDir:       getEnv("DATA_DIR", filepath.Join(os.TempDir(), "mediflow")),

		// Processor設定
		SupportedLanguages: getEnvAsList("SUPPORTED_LANGUAGES", []string{"fr", "es", "zh", "hi", "ar"}),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		EmbeddingModel:     getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		TranslationModel:   getEnv("TRANSLATION_MODEL", "gpt-4o-mini"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}
	if c.MaxRetryAttempts <= 0 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be positive")
	}
	if len(c.SupportedLanguages) == 0 {
		return fmt.Errorf("SUPPORTED_LANGUAGES must not be empty")
	}

	// ローカル開発では認証・APIキーは任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.ServiceTokenHash == "" {
			return fmt.Errorf("SERVICE_TOKEN_HASH is required in release mode")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required in release mode")
		}
	}

	return nil
}

// SupportsLanguage は指定された言語コードが翻訳対象かどうかを返します。
func (c *Config) SupportsLanguage(code string) bool {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, lang := range c.SupportedLanguages {
		if lang == code {
			return true
		}
	}
	return false
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は秒数で指定された環境変数を time.Duration として取得します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return time.Duration(value) * time.Second
}

// getEnvAsList はカンマ区切りの環境変数を文字列スライスとして取得します。
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			values = append(values, p)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
