// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/yourusername/paper-view/internal/render"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 認証設定（未設定ならビューアは認証なしで公開される）
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 文書の置き場所
	LibraryDir     string // 起動時に読み込む文書ディレクトリ
	UploadDir      string // アップロードされた文書の保存先
	MaxFileSize    int64  // 単一ファイルの最大サイズ（バイト）
	WatchDocuments bool   // 文書ファイルの変更を監視して再読み込みするか

	// 描画設定
	PageCacheSize     int64         // ピクスマップキャッシュのメモリ上限（バイト）
	MaxPreloadedPages int           // 可視範囲の前後に先読みする最大ページ数
	RenderWorkers     int           // 描画ワーカー数
	RenderQueueOrder  []render.Kind // 同じ優先度内でのジョブ種別の順序
	RenderDebug       bool          // ジョブ単位のデバッグログ
	ThumbnailWidth    int           // サムネイルの既定幅（ピクセル）

	// ジョブ/キュー設定
	QueueRedisURL    string // Asynq とメタデータ保存用の Redis 接続URL
	JobExpireMinutes int    // ジョブの有効期限（分）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	order, err := parseQueueOrder(getEnv("RENDER_QUEUE_ORDER", ""))
	if err != nil {
		return nil, err
	}

	config := &Config{
		// 認証設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// 文書の置き場所
		LibraryDir:     getEnv("LIBRARY_DIR", ""),
		UploadDir:      getEnv("UPLOAD_DIR", filepath.Join(os.TempDir(), "paper-view")),
		MaxFileSize:    getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB
		WatchDocuments: getEnvAsBool("WATCH_DOCUMENTS", true),

		// 描画設定
		PageCacheSize:     getEnvAsInt64("PAGE_CACHE_SIZE", 50*1024*1024), // 50MB
		MaxPreloadedPages: getEnvAsInt("MAX_PRELOADED_PAGES", 3),
		RenderWorkers:     getEnvAsInt("RENDER_WORKERS", 1),
		RenderQueueOrder:  order,
		RenderDebug:       getEnvAsBool("RENDER_DEBUG", false),
		ThumbnailWidth:    getEnvAsInt("THUMBNAIL_WIDTH", 128),

		// ジョブ/キュー設定
		QueueRedisURL:    getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 10),
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

// AuthEnabled はログインが必要な構成かどうかを返します。
func (c *Config) AuthEnabled() bool {
	return c.AppUsername != "" && c.AppPasswordHash != ""
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.PageCacheSize < 0 {
		return fmt.Errorf("PAGE_CACHE_SIZE must not be negative")
	}
	if c.RenderWorkers < 1 {
		return fmt.Errorf("RENDER_WORKERS must be at least 1")
	}
	if c.ThumbnailWidth < 1 {
		return fmt.Errorf("THUMBNAIL_WIDTH must be positive")
	}
	if c.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR is required")
	}

	// ローカル利用では認証設定は任意
	if c.GinMode == "release" {
		if (c.AppUsername == "") != (c.AppPasswordHash == "") {
			return fmt.Errorf("APP_USERNAME and APP_PASSWORD_HASH must be set together")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
	}

	return nil
}

// parseQueueOrder はカンマ区切りのジョブ種別を読みます。空なら既定順です。
func parseQueueOrder(value string) ([]render.Kind, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var kinds []render.Kind
	for _, part := range strings.Split(value, ",") {
		k, err := render.ParseKind(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("RENDER_QUEUE_ORDER: %w", err)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
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

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
