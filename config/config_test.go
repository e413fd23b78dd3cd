package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("MAIN_API_KEY", "sk-main")
	t.Setenv("BACKUP_API_KEY", "sk-backup")
}

// TestLoadDefaults verifies the documented defaults.
func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ChatRPM != 250 || cfg.MemoryRPM != 400 {
		t.Errorf("Expected rate defaults 250/400, got %d/%d", cfg.ChatRPM, cfg.MemoryRPM)
	}
	if cfg.Workers != 300 || cfg.QueueSize != 1000 {
		t.Errorf("Expected pool defaults 300/1000, got %d/%d", cfg.Workers, cfg.QueueSize)
	}
	if cfg.ChatTimeout != 60*time.Second {
		t.Errorf("Expected 60s chat timeout, got %v", cfg.ChatTimeout)
	}
	if cfg.MaxAttempts != 3 || cfg.ChatWeight != 5 {
		t.Errorf("Expected retry/weight defaults 3/5, got %d/%d", cfg.MaxAttempts, cfg.ChatWeight)
	}
	if cfg.HistoryRounds != 3 || cfg.TriggerThreshold != 3 || cfg.SummaryContextSize != 10 {
		t.Errorf("Expected history/memory defaults 3/3/10, got %d/%d/%d",
			cfg.HistoryRounds, cfg.TriggerThreshold, cfg.SummaryContextSize)
	}
	if cfg.ChatModel != "gpt-4o" || cfg.SummaryModel != "gpt-4o-mini" {
		t.Errorf("Expected model defaults, got %q/%q", cfg.ChatModel, cfg.SummaryModel)
	}
	if cfg.EmbeddingModel != "text-embedding-3-small" {
		t.Errorf("Expected embedding default, got %q", cfg.EmbeddingModel)
	}
	if cfg.MemoryAPIKey != "" {
		t.Errorf("Expected empty memory key by default, got %q", cfg.MemoryAPIKey)
	}
}

// TestLoadOverrides verifies environment overrides are honored.
func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("MEMORY_API_KEY", "sk-memory")
	t.Setenv("CHAT_RPM_LIMIT", "100")
	t.Setenv("THREAD_POOL_MAX_WORKERS", "50")
	t.Setenv("CHAT_TIMEOUT_SECONDS", "30")
	t.Setenv("CHAT_ACCOUNT_WEIGHT", "9")
	t.Setenv("REDIS_URL", "redis://localhost:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MemoryAPIKey != "sk-memory" {
		t.Errorf("Expected memory key override, got %q", cfg.MemoryAPIKey)
	}
	if cfg.ChatRPM != 100 || cfg.Workers != 50 {
		t.Errorf("Expected overrides 100/50, got %d/%d", cfg.ChatRPM, cfg.Workers)
	}
	if cfg.ChatTimeout != 30*time.Second {
		t.Errorf("Expected 30s timeout, got %v", cfg.ChatTimeout)
	}
	if cfg.ChatWeight != 9 {
		t.Errorf("Expected weight 9, got %d", cfg.ChatWeight)
	}
	if cfg.RedisURL != "redis://localhost:6379" {
		t.Errorf("Expected redis URL, got %q", cfg.RedisURL)
	}
}

// TestLoadRequiresKeys verifies missing account keys fail.
func TestLoadRequiresKeys(t *testing.T) {
	t.Setenv("MAIN_API_KEY", "")
	t.Setenv("BACKUP_API_KEY", "")
	if _, err := Load(); err == nil {
		t.Error("Expected error without MAIN_API_KEY")
	}

	t.Setenv("MAIN_API_KEY", "sk-main")
	if _, err := Load(); err == nil {
		t.Error("Expected error without BACKUP_API_KEY")
	}
}

// TestLoadRejectsBadValues verifies validation of numeric knobs.
func TestLoadRejectsBadValues(t *testing.T) {
	setRequired(t)
	t.Setenv("CHAT_RPM_LIMIT", "0")
	if _, err := Load(); err == nil {
		t.Error("Expected error for zero rate limit")
	}

	t.Setenv("CHAT_RPM_LIMIT", "250")
	t.Setenv("MEMORY_TRIGGER_THRESHOLD", "-1")
	if _, err := Load(); err == nil {
		t.Error("Expected error for negative threshold")
	}
}
