// Package config loads the broker's runtime configuration: environment
// variables with secret-file overrides for everything connection- and
// credential-shaped, plus a YAML policy/pricing overlay that can be
// hot-reloaded. Grounded on the teacher's internal/config/config.go's
// env-var-plus-secret-file loading style and internal/config/watcher.go's
// fsnotify reload, narrowed to this domain's knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// TelegramConfig controls the Telegram transport.
type TelegramConfig struct {
	Token      string
	AllowedIDs []int64
}

// ProviderConfig holds the LLM provider's API key and default model.
type ProviderConfig struct {
	APIKey       string
	DefaultModel string
	VisionModel  string
}

// Config is the broker's fully-resolved runtime configuration.
type Config struct {
	HomeDir string

	Telegram TelegramConfig
	Provider ProviderConfig

	Database DatabaseConfig
	Redis    RedisConfig

	GlobalPrompt string

	// MinimumBalanceForRequest is the strict threshold for starting a new
	// request: balance must exceed this (may be <= 0 to permit one
	// overshoot before a user is cut off).
	MinimumBalanceForRequest float64

	// ToolCostPrecheckEnabled gates whether paid tools pre-check balance
	// before running (spec.md §6); disabling it only skips the check, never
	// the eventual charge.
	ToolCostPrecheckEnabled bool

	// FilesAPITTL bounds how long an uploaded file stays valid at the
	// provider and in this broker's own file-metadata TTL.
	FilesAPITTLHours int

	TopicNamingEnabled bool
	TopicNamingModel   string

	MaxOutputTokens int64
	ThinkingBudget  int64

	// PrivilegedUserIDs bypass balance checks entirely.
	PrivilegedUserIDs []int64

	LogLevel string
}

// DatabaseConfig mirrors persistence.Config's shape so main can build one
// from the other without this package importing internal/persistence.
type DatabaseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	PoolMax  int32
}

// RedisConfig mirrors cache.Config's shape for the same reason.
type RedisConfig struct {
	Host     string
	Port     int
	DB       int
	Password string
}

// HomeDir returns the directory holding the YAML overlay (policy.yaml /
// pricing.yaml) and any other on-disk config. TOKENBROKER_HOME overrides the
// default of ~/.tokenbroker.
func HomeDir() string {
	if override := os.Getenv("TOKENBROKER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tokenbroker")
}

// Load builds a Config from the environment, applying defaults for anything unset.
func Load() (Config, error) {
	cfg := Config{
		HomeDir:                  HomeDir(),
		MinimumBalanceForRequest: -0.50,
		ToolCostPrecheckEnabled:  true,
		FilesAPITTLHours:         24,
		TopicNamingEnabled:       true,
		TopicNamingModel:         "claude-haiku-4-5-20251001",
		MaxOutputTokens:          8192,
		ThinkingBudget:           0,
		LogLevel:                "info",
	}

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("config: create home dir: %w", err)
	}

	cfg.Telegram = telegramConfigFromEnv()
	cfg.Provider = providerConfigFromEnv()
	cfg.Database = databaseConfigFromEnv()
	cfg.Redis = redisConfigFromEnv()

	applyEnvOverrides(&cfg)
	loadGlobalPrompt(&cfg)

	if cfg.Telegram.Token == "" {
		return cfg, fmt.Errorf("config: TELEGRAM_TOKEN is required")
	}
	return cfg, nil
}

func telegramConfigFromEnv() TelegramConfig {
	return TelegramConfig{
		Token:      os.Getenv("TELEGRAM_TOKEN"),
		AllowedIDs: parseInt64List(os.Getenv("TELEGRAM_ALLOWED_IDS")),
	}
}

func providerConfigFromEnv() ProviderConfig {
	model := os.Getenv("PROVIDER_DEFAULT_MODEL")
	if model == "" {
		model = "claude-sonnet-4-5-20250929"
	}
	vision := os.Getenv("PROVIDER_VISION_MODEL")
	if vision == "" {
		vision = model
	}
	return ProviderConfig{
		APIKey:       readSecretOrEnv("anthropic_api_key", "ANTHROPIC_API_KEY"),
		DefaultModel: model,
		VisionModel:  vision,
	}
}

func databaseConfigFromEnv() DatabaseConfig {
	host := os.Getenv("DATABASE_HOST")
	if host == "" {
		host = "localhost"
	}
	port := 5432
	if raw := os.Getenv("DATABASE_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			port = v
		}
	}
	name := os.Getenv("DATABASE_NAME")
	if name == "" {
		name = "tokenbroker"
	}
	user := os.Getenv("DATABASE_USER")
	if user == "" {
		user = "tokenbroker"
	}
	return DatabaseConfig{
		Host:     host,
		Port:     port,
		Database: name,
		User:     user,
		Password: readSecretOrEnv("postgres_password", "DATABASE_PASSWORD"),
		PoolMax:  20,
	}
}

func redisConfigFromEnv() RedisConfig {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	port := 6379
	if raw := os.Getenv("REDIS_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			port = v
		}
	}
	db := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			db = v
		}
	}
	return RedisConfig{
		Host:     host,
		Port:     port,
		DB:       db,
		Password: readSecretOrEnv("redis_password", "REDIS_PASSWORD"),
	}
}

// readSecretOrEnv mirrors the cache and persistence packages' own
// secret-file-first convention — duplicated rather than imported so this
// package has no dependency on either.
func readSecretOrEnv(secretName, envVar string) string {
	if b, err := os.ReadFile(filepath.Join("/run/secrets", secretName)); err == nil {
		return strings.TrimSpace(string(b))
	}
	return os.Getenv(envVar)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MINIMUM_BALANCE_FOR_REQUEST"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.MinimumBalanceForRequest = v
		}
	}
	if raw := os.Getenv("TOOL_COST_PRECHECK_ENABLED"); raw != "" {
		cfg.ToolCostPrecheckEnabled = parseBool(raw, cfg.ToolCostPrecheckEnabled)
	}
	if raw := os.Getenv("FILES_API_TTL_HOURS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.FilesAPITTLHours = v
		}
	}
	if raw := os.Getenv("TOPIC_NAMING_ENABLED"); raw != "" {
		cfg.TopicNamingEnabled = parseBool(raw, cfg.TopicNamingEnabled)
	}
	if raw := os.Getenv("TOPIC_NAMING_MODEL"); raw != "" {
		cfg.TopicNamingModel = raw
	}
	if raw := os.Getenv("MAX_OUTPUT_TOKENS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.MaxOutputTokens = v
		}
	}
	if raw := os.Getenv("THINKING_BUDGET_TOKENS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.ThinkingBudget = v
		}
	}
	if raw := os.Getenv("PRIVILEGED_USER_IDS"); raw != "" {
		cfg.PrivilegedUserIDs = parseInt64List(raw)
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
}

func loadGlobalPrompt(cfg *Config) {
	path := filepath.Join(cfg.HomeDir, "SYSTEM_PROMPT.md")
	if b, err := os.ReadFile(path); err == nil {
		cfg.GlobalPrompt = string(b)
	}
}

func parseBool(raw string, fallback bool) bool {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func parseInt64List(raw string) []int64 {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if v, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// IsPrivileged reports whether userID is in the static privileged allowlist
// — a config-level override distinct from the persisted per-user
// model.User.Privileged flag (an operator toggle, not a balance fact).
func (c Config) IsPrivileged(userID int64) bool {
	for _, id := range c.PrivilegedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
