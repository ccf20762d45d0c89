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
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）
	MaxPages    int   // 単一ファイルの最大ページ数

	// レート制限
	RateLimitWindowMs         int     // 固定ウィンドウの長さ（ミリ秒）
	RateLimitMaxAnonymous     int     // 未認証の呼び出し元のウィンドウ内上限
	RateLimitMaxAuthenticated int     // 認証済みユーザーのウィンドウ内上限
	RateLimitBackend          string  // memory または redis
	GlobalRateLimitRPS        float64 // プロセス全体の秒間リクエスト上限（0で無効）
	GlobalRateLimitBurst      int     // プロセス全体のバースト許容数

	// 結果キャッシュ
	CacheTTLMs      int // キャッシュの有効期間（ミリ秒）
	CacheMaxEntries int // キャッシュの最大件数

	// プロセスキュー
	QueueMaxConcurrent int // 同時に実行するワーカー数
	QueueMaxSize       int // 待ち行列の最大長
	QueueTimeoutMs     int // 待ち行列での最大待ち時間（ミリ秒）

	// ワーカー設定
	EnginePython    string                   // ワーカー起動に使うインタプリタ
	EngineScriptDir string                   // ワーカースクリプトのディレクトリ
	EngineTimeouts  map[string]time.Duration // エンジンごとのタイムアウト上書き

	// 保存・記録
	QueueRedisURL       string // Asynq/記録用Redis接続URL（空なら記録を無効化）
	StorageDir          string // 入力・出力の保存先ディレクトリ
	RecordExpireMinutes int    // 変換記録の保持期間（分）

	// ログ・メトリクス
	LogLevel    string // debug, info, warn, error
	LogFormat   string // console または json
	LogFile     string // 空なら標準出力
	MetricsPath string // Prometheus のエンドポイント
}

// engineNames はタイムアウト上書きを読み込むエンジン名です。
var engineNames = []string{"markitdown", "mineru", "tesseract"}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 52428800), // 50MB
		MaxPages:    getEnvAsInt("MAX_PAGES", 500),

		RateLimitWindowMs:         getEnvAsInt("RATE_LIMIT_WINDOW_MS", 60000),
		RateLimitMaxAnonymous:     getEnvAsInt("RATE_LIMIT_MAX_ANONYMOUS", 10),
		RateLimitMaxAuthenticated: getEnvAsInt("RATE_LIMIT_MAX_AUTHENTICATED", 30),
		RateLimitBackend:          strings.ToLower(getEnv("RATE_LIMIT_BACKEND", "memory")),
		GlobalRateLimitRPS:        getEnvAsFloat("GLOBAL_RATE_LIMIT_RPS", 20),
		GlobalRateLimitBurst:      getEnvAsInt("GLOBAL_RATE_LIMIT_BURST", 40),

		CacheTTLMs:      getEnvAsInt("CACHE_TTL_MS", 3600000), // 1時間
		CacheMaxEntries: getEnvAsInt("CACHE_MAX_ENTRIES", 100),

		QueueMaxConcurrent: getEnvAsInt("QUEUE_MAX_CONCURRENT", 2),
		QueueMaxSize:       getEnvAsInt("QUEUE_MAX_SIZE", 10),
		QueueTimeoutMs:     getEnvAsInt("QUEUE_TIMEOUT_MS", 120000),

		EnginePython:    getEnv("ENGINE_PYTHON", "python3"),
		EngineScriptDir: getEnv("ENGINE_SCRIPT_DIR", "engines/python"),
		EngineTimeouts:  loadEngineTimeouts(),

		QueueRedisURL:       getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		StorageDir:          getEnv("STORAGE_DIR", "/tmp/app"),
		RecordExpireMinutes: getEnvAsInt("RECORD_EXPIRE_MINUTES", 1440),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "console"),
		LogFile:     getEnv("LOG_FILE", ""),
		MetricsPath: getEnv("METRICS_PATH", "/metrics"),
	}

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

// loadEngineTimeouts は ENGINE_TIMEOUT_<ENGINE>_MS を読み込みます。
func loadEngineTimeouts() map[string]time.Duration {
	timeouts := make(map[string]time.Duration)
	for _, name := range engineNames {
		key := "ENGINE_TIMEOUT_" + strings.ToUpper(name) + "_MS"
		if ms := getEnvAsInt(key, 0); ms > 0 {
			timeouts[name] = time.Duration(ms) * time.Millisecond
		}
	}
	return timeouts
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.RateLimitBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be memory or redis (got %q)", c.RateLimitBackend)
	}
	if c.RateLimitBackend == "redis" && c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required when RATE_LIMIT_BACKEND=redis")
	}
	if c.RateLimitMaxAnonymous > c.RateLimitMaxAuthenticated {
		return fmt.Errorf("RATE_LIMIT_MAX_ANONYMOUS must not exceed RATE_LIMIT_MAX_AUTHENTICATED")
	}
	if c.QueueMaxConcurrent <= 0 {
		return fmt.Errorf("QUEUE_MAX_CONCURRENT must be positive")
	}
	if c.QueueMaxSize < 0 {
		return fmt.Errorf("QUEUE_MAX_SIZE must not be negative")
	}

	// ローカル開発では認証設定は任意
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
	}

	return nil
}

// RateLimitWindow は固定ウィンドウの長さを返します。
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMs) * time.Millisecond
}

// CacheTTL はキャッシュの有効期間を返します。
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMs) * time.Millisecond
}

// QueueTimeout は待ち行列での最大待ち時間を返します。
func (c *Config) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutMs) * time.Millisecond
}

// RecordTTL は変換記録の保持期間を返します。
func (c *Config) RecordTTL() time.Duration {
	minutes := c.RecordExpireMinutes
	if minutes <= 0 {
		minutes = 1440
	}
	return time.Duration(minutes) * time.Minute
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

// getEnvAsFloat は環境変数を浮動小数点数として取得します。
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
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
