// Package config loads the mediator configuration from the
// environment, with defaults matching the production deployment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/scttfrdmn/chatmesh/chatmesh-go/llm"
)

// Config is the full runtime configuration surface.
type Config struct {
	// Upstream accounts. Main and Backup are required; Memory is
	// optional and falls back to Backup for memory-class calls.
	MainAPIKey   string
	BackupAPIKey string
	MemoryAPIKey string

	// Rate pools, requests per minute.
	ChatRPM   int
	MemoryRPM int

	// Worker pool.
	Workers   int
	QueueSize int

	// Per-call deadline for chat turns.
	ChatTimeout time.Duration

	// Retry and routing.
	MaxAttempts int
	ChatWeight  int

	// History and memory.
	HistoryRounds      int
	TriggerThreshold   int
	SummaryContextSize int

	// Models.
	ChatModel      string
	SummaryModel   string
	EmbeddingModel string

	// Storage. RedisURL switches the conversation log to Redis when
	// non-empty; DatabasePath is the SQLite file otherwise.
	DatabasePath string
	RedisURL     string

	// Logging.
	LogLevel string
	LogJSON  bool

	// HTTP listen address.
	ListenAddr string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("CHAT_RPM_LIMIT", 250)
	v.SetDefault("MEMORY_RPM_LIMIT", 400)
	v.SetDefault("THREAD_POOL_MAX_WORKERS", 300)
	v.SetDefault("CHAT_QUEUE_SIZE", 1000)
	v.SetDefault("CHAT_TIMEOUT_SECONDS", 60)
	v.SetDefault("MAX_RETRY_ATTEMPTS", 3)
	v.SetDefault("CHAT_ACCOUNT_WEIGHT", 5)
	v.SetDefault("HISTORY_ROUNDS", 3)
	v.SetDefault("MEMORY_TRIGGER_THRESHOLD", 3)
	v.SetDefault("MEMORY_CONTEXT_SIZE", 10)
	v.SetDefault("CHAT_MODEL", llm.DefaultChatModel)
	v.SetDefault("MEMORY_MODEL", llm.DefaultSummaryModel)
	v.SetDefault("EMBEDDING_MODEL", llm.DefaultEmbeddingModel)
	v.SetDefault("DATABASE_PATH", "chatmesh.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_JSON", false)
	v.SetDefault("LISTEN_ADDR", ":8080")

	cfg := &Config{
		MainAPIKey:   v.GetString("MAIN_API_KEY"),
		BackupAPIKey: v.GetString("BACKUP_API_KEY"),
		MemoryAPIKey: v.GetString("MEMORY_API_KEY"),

		ChatRPM:   v.GetInt("CHAT_RPM_LIMIT"),
		MemoryRPM: v.GetInt("MEMORY_RPM_LIMIT"),

		Workers:   v.GetInt("THREAD_POOL_MAX_WORKERS"),
		QueueSize: v.GetInt("CHAT_QUEUE_SIZE"),

		ChatTimeout: time.Duration(v.GetInt("CHAT_TIMEOUT_SECONDS")) * time.Second,

		MaxAttempts: v.GetInt("MAX_RETRY_ATTEMPTS"),
		ChatWeight:  v.GetInt("CHAT_ACCOUNT_WEIGHT"),

		HistoryRounds:      v.GetInt("HISTORY_ROUNDS"),
		TriggerThreshold:   v.GetInt("MEMORY_TRIGGER_THRESHOLD"),
		SummaryContextSize: v.GetInt("MEMORY_CONTEXT_SIZE"),

		ChatModel:      v.GetString("CHAT_MODEL"),
		SummaryModel:   v.GetString("MEMORY_MODEL"),
		EmbeddingModel: v.GetString("EMBEDDING_MODEL"),

		DatabasePath: v.GetString("DATABASE_PATH"),
		RedisURL:     v.GetString("REDIS_URL"),

		LogLevel: v.GetString("LOG_LEVEL"),
		LogJSON:  v.GetBool("LOG_JSON"),

		ListenAddr: v.GetString("LISTEN_ADDR"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MainAPIKey == "" {
		return errors.New("MAIN_API_KEY is required")
	}
	if c.BackupAPIKey == "" {
		return errors.New("BACKUP_API_KEY is required")
	}
	if c.ChatRPM <= 0 || c.MemoryRPM <= 0 {
		return fmt.Errorf("rate limits must be positive, got chat=%d memory=%d", c.ChatRPM, c.MemoryRPM)
	}
	if c.Workers <= 0 || c.QueueSize <= 0 {
		return fmt.Errorf("worker pool sizes must be positive, got workers=%d queue=%d", c.Workers, c.QueueSize)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.ChatWeight <= 0 {
		return fmt.Errorf("chat account weight must be positive, got %d", c.ChatWeight)
	}
	if c.TriggerThreshold <= 0 {
		return fmt.Errorf("trigger threshold must be positive, got %d", c.TriggerThreshold)
	}
	return nil
}
