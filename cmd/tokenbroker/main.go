// Command tokenbroker runs the Telegram conversation broker: one process
// wiring the cache-aside data plane, the write-behind persistence queue, the
// tool-use turn loop, and the Telegram transport together, then blocking
// until it's told to stop. Grounded on the teacher's cmd/goclaw/main.go
// wiring order (config -> logger -> otel -> store -> policy -> channels ->
// graceful shutdown), trimmed to this domain: no TUI, no agent registry, no
// skill/MCP machinery, one transport.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/halvorsen/tokenbroker/internal/balance"
	"github.com/halvorsen/tokenbroker/internal/bus"
	"github.com/halvorsen/tokenbroker/internal/cache"
	"github.com/halvorsen/tokenbroker/internal/channels"
	"github.com/halvorsen/tokenbroker/internal/config"
	otelpkg "github.com/halvorsen/tokenbroker/internal/otel"
	"github.com/halvorsen/tokenbroker/internal/persistence"
	"github.com/halvorsen/tokenbroker/internal/policy"
	"github.com/halvorsen/tokenbroker/internal/pricing"
	"github.com/halvorsen/tokenbroker/internal/provider"
	"github.com/halvorsen/tokenbroker/internal/queue"
	"github.com/halvorsen/tokenbroker/internal/sandbox"
	"github.com/halvorsen/tokenbroker/internal/telemetry"
	"github.com/halvorsen/tokenbroker/internal/tools"
	"github.com/halvorsen/tokenbroker/internal/turn"
)

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:     os.Getenv("OTEL_ENABLED") == "true",
		Exporter:    envOr("OTEL_EXPORTER", "stdout"),
		Endpoint:    os.Getenv("OTEL_ENDPOINT"),
		ServiceName: "tokenbroker",
		SampleRate:  1.0,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.NewWithLogger(logger)

	db, err := persistence.Open(ctx, persistence.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		PoolMax:  cfg.Database.PoolMax,
	})
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer db.Close()
	if err := db.Init(ctx); err != nil {
		fatalStartup(logger, "E_SCHEMA_INIT", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated")

	cacheClient := cache.New(cache.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	}, logger)
	defer cacheClient.Close()
	cacheClient.SetOnStateChange(func(from, to string) {
		eventBus.Publish(bus.TopicCacheCircuitChanged, bus.CacheCircuitEvent{From: from, To: to})
	})

	writeQueue := queue.New(cacheClient, db.Sink(logger), logger)
	go writeQueue.Run(ctx)
	logger.Info("startup phase", "phase", "write_queue_started")

	policyPath := filepath.Join(cfg.HomeDir, "policy.yaml")
	if _, statErr := os.Stat(policyPath); os.IsNotExist(statErr) {
		if writeErr := os.WriteFile(policyPath, []byte("disabled_tools: []\n"), 0o644); writeErr != nil {
			fatalStartup(logger, "E_POLICY_BOOTSTRAP", writeErr)
		}
	}
	polData, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	pol := policy.NewLivePolicy(polData, policyPath)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", pol.PolicyVersion())

	pricingTable := pricing.NewTable()
	if raw, err := os.ReadFile(filepath.Join(cfg.HomeDir, "pricing.yaml")); err == nil {
		if err := pricingTable.LoadOverlay(raw, logger); err != nil {
			logger.Warn("pricing.yaml overlay rejected, using defaults", "error", err)
		}
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go watchOverlayFiles(confWatcher, pol, pricingTable, logger)

	providerClient := provider.New(cfg.Provider.APIKey)

	balancePolicy := balance.NewPolicy(cacheClient, db.Users, cfg.MinimumBalanceForRequest, 0, logger)

	toolRegistry := buildToolRegistry(ctx, cfg, providerClient, pricingTable, db, logger)

	turnDeps := turn.Deps{
		Provider:    providerClient,
		Tools:       toolRegistry,
		Balance:     balancePolicy,
		Charger:     db.Users,
		Pricing:     pricingTable,
		Policy:      pol,
		Metrics:     metrics,
		Bus:         eventBus,
		VisionModel: cfg.Provider.VisionModel,
		Logger:      logger,
	}

	telegramChannel, err := channels.NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.AllowedIDs, channels.Config{
		Threads:            db.Threads,
		Users:              db.Users,
		Messages:           db.Messages,
		WriteQueue:         writeQueue,
		Uploader:           providerClient.UploadFile,
		Cache:              cacheClient,
		FileStore:          db.Files,
		TurnDeps:           turnDeps,
		GlobalPrompt:       cfg.GlobalPrompt,
		DefaultModel:       cfg.Provider.DefaultModel,
		MaxOutputTokens:    cfg.MaxOutputTokens,
		ThinkingBudget:     cfg.ThinkingBudget,
		TopicNamingEnabled: cfg.TopicNamingEnabled,
		TopicNamingModel:   cfg.TopicNamingModel,
		Bus:                eventBus,
	}, logger)
	if err != nil {
		fatalStartup(logger, "E_TELEGRAM_INIT", err)
	}

	channelErr := make(chan error, 1)
	go func() {
		if err := telegramChannel.Start(ctx); err != nil {
			channelErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "telegram_started")

	go runRetentionJob(ctx, db, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-channelErr:
		logger.Error("telegram channel exited with error", "error", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	writeQueue.Drain(drainCtx)
	logger.Info("shutdown complete")
}

// buildToolRegistry registers every catalog tool. execute_python is skipped
// (with a warning, not a fatal error) when no WASM interpreter module is
// configured, since it's the one tool with an external binary dependency.
func buildToolRegistry(ctx context.Context, cfg config.Config, providerClient *provider.Client, pricingTable *pricing.Table, db *persistence.DB, logger *slog.Logger) *tools.Registry {
	registry := tools.NewRegistry()

	registry.Register(tools.NewAnalyzeImageDescriptor(providerClient, cfg.Provider.VisionModel))
	registry.Register(tools.NewAnalyzePDFDescriptor(providerClient, cfg.Provider.VisionModel))
	registry.Register(tools.NewRenderLatexDescriptor(nil))

	fetch := func(ctx context.Context, providerFileID string) ([]byte, string, error) {
		f, ok, err := db.Files.GetFileByProviderID(ctx, providerFileID)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, "", fmt.Errorf("file %s not found", providerFileID)
		}
		data, err := providerClient.DownloadFile(ctx, providerFileID)
		if err != nil {
			return nil, "", err
		}
		return data, f.FileName, nil
	}
	registry.Register(tools.NewTranscribeAudioDescriptor(&http.Client{Timeout: 2 * time.Minute}, os.Getenv("OPENAI_API_KEY"), fetch, pricingTable, nil))

	interpreterPath := os.Getenv("EXECUTE_PYTHON_INTERPRETER_PATH")
	if interpreterPath == "" {
		logger.Info("execute_python tool disabled: EXECUTE_PYTHON_INTERPRETER_PATH not set")
		return registry
	}
	interpreterBytes, err := os.ReadFile(interpreterPath)
	if err != nil {
		logger.Warn("execute_python tool disabled: failed to read interpreter module", "path", interpreterPath, "error", err)
		return registry
	}
	sb, err := sandbox.New(ctx, sandbox.Config{Logger: logger})
	if err != nil {
		logger.Warn("execute_python tool disabled: sandbox init failed", "error", err)
		return registry
	}
	registry.Register(tools.NewExecutePythonDescriptor(sb, interpreterBytes))
	return registry
}

func watchOverlayFiles(w *config.Watcher, pol *policy.LivePolicy, pricingTable *pricing.Table, logger *slog.Logger) {
	for ev := range w.Events() {
		switch filepath.Base(ev.Path) {
		case "policy.yaml":
			if err := policy.ReloadFromFile(pol, ev.Path); err != nil {
				logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err)
			} else {
				logger.Info("policy.yaml hot-reloaded", "policy_version", pol.PolicyVersion())
			}
		case "pricing.yaml":
			raw, err := os.ReadFile(ev.Path)
			if err != nil {
				logger.Warn("pricing.yaml reload: read failed", "error", err)
				continue
			}
			if err := pricingTable.LoadOverlay(raw, logger); err != nil {
				logger.Error("pricing.yaml reload rejected; retaining previous table", "error", err)
			} else {
				logger.Info("pricing.yaml hot-reloaded")
			}
		}
	}
}

// runRetentionJob periodically expires files whose provider-side TTL has
// passed. Retention policy beyond this (message/audit pruning) is an
// operator-owned cron job outside this process, per spec.md's Non-goals.
func runRetentionJob(ctx context.Context, db *persistence.DB, logger *slog.Logger) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.Files.DeleteExpiredFiles(ctx)
			if err != nil {
				logger.Error("file retention job failed", "error", err)
			} else if n > 0 {
				logger.Info("file retention job completed", "expired", n)
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
