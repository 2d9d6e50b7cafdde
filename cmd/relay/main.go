package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	cmdpkg "github.com/stupiduntilnot/relay/internal/commander"
	"github.com/stupiduntilnot/relay/internal/config"
	"github.com/stupiduntilnot/relay/internal/conversation"
	"github.com/stupiduntilnot/relay/internal/db"
	"github.com/stupiduntilnot/relay/internal/dummy"
	"github.com/stupiduntilnot/relay/internal/langchain"
	"github.com/stupiduntilnot/relay/internal/logging"
	"github.com/stupiduntilnot/relay/internal/model"
	"github.com/stupiduntilnot/relay/internal/openai"
	"github.com/stupiduntilnot/relay/internal/orchestrator"
	"github.com/stupiduntilnot/relay/internal/relay"
	"github.com/stupiduntilnot/relay/internal/telegram"
)

func main() {
	var (
		configPath string
		logLevel   string
		logFormat  string
		dbPath     string
	)
	flag.StringVar(&configPath, "config", "", "path to a YAML config file (default $RELAY_CONFIG_FILE)")
	flag.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.StringVar(&logFormat, "log-format", "", "log format: json or console")
	flag.StringVar(&dbPath, "db", "", "path to the sqlite event database")
	flag.Parse()

	cfg, err := config.LoadRelayConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(2)
	}
	applyFlags(&cfg, logLevel, logFormat, dbPath)

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("relay failed", zap.Error(err))
	}
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// run serves until ctx is cancelled. Every resource it opens is released
// before it returns.
func run(ctx context.Context, cfg config.RelayConfig, logger *zap.Logger) error {
	database, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.InitSchema(database); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	rootID, err := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{
		"role":      "relay",
		"pid":       os.Getpid(),
		"backend":   cfg.CompletionBackend,
		"commander": cfg.Commander,
		"model":     cfg.Model,
	})
	if err != nil {
		logger.Warn("failed to log process.started", zap.Error(err))
	}
	events := &db.EventLog{DB: database}
	if rootID > 0 {
		events.RootID = &rootID
	}

	commander, err := newCommander(cfg)
	if err != nil {
		return fmt.Errorf("init commander: %w", err)
	}
	provider, err := newProvider(cfg)
	if err != nil {
		return fmt.Errorf("init completion backend: %w", err)
	}

	store := conversation.NewStore(cfg.HistoryMaxTurns)
	orch := orchestrator.New(store, provider, orchestrator.Config{
		SystemPrompt:    cfg.SystemPrompt,
		FallbackMessage: cfg.FallbackMessage,
		Options: model.Options{
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		},
	}, orchestrator.WithLogger(logger), orchestrator.WithEvents(events))

	r := relay.New(relay.Config{
		PollTimeout:          cfg.PollTimeout,
		Sleep:                time.Duration(cfg.SleepSeconds) * time.Second,
		DropPending:          cfg.DropPending,
		PendingWindowSeconds: cfg.PendingWindowSeconds,
		PendingMaxMessages:   cfg.PendingMaxMessages,
	}, commander, orch, database, relay.WithLogger(logger), relay.WithEvents(events))

	logger.Info("relay starting",
		zap.String("model", cfg.Model),
		zap.String("backend", cfg.CompletionBackend),
		zap.String("commander", cfg.Commander),
		zap.Int("history_max_turns", cfg.HistoryMaxTurns),
	)
	runErr := r.Run(ctx)

	stats := store.Stats()
	if _, err := events.Record(nil, db.EventProcessStopped, map[string]any{
		"conversations": stats.Conversations,
		"turns":         stats.Turns,
	}); err != nil {
		logger.Warn("failed to log process.stopped", zap.Error(err))
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("relay stopped", zap.Int("conversations", stats.Conversations))
	return nil
}

func applyFlags(cfg *config.RelayConfig, logLevel, logFormat, dbPath string) {
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
}

func newCommander(cfg config.RelayConfig) (cmdpkg.Commander, error) {
	switch cfg.Commander {
	case config.CommanderTelegram:
		return telegram.NewClient(cfg.TelegramBotURL(), time.Duration(cfg.PollTimeout+20)*time.Second), nil
	case config.CommanderDummy:
		return dummy.NewCommander(cfg.DummyCommanderScript, cfg.DummySendScript)
	default:
		return nil, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
}

func newProvider(cfg config.RelayConfig) (model.Provider, error) {
	switch cfg.CompletionBackend {
	case config.BackendHTTP:
		return openai.NewClient(cfg.APIKey, cfg.CompletionURL, cfg.Model, cfg.RequestTimeout), nil
	case config.BackendLangchain:
		return langchain.New(cfg.CompletionBaseURL, cfg.APIKey, cfg.Model, cfg.RequestTimeout)
	case config.BackendDummy:
		return dummy.NewProvider(cfg.Model, cfg.DummyProviderScript)
	default:
		return nil, fmt.Errorf("unsupported completion backend: %s", cfg.CompletionBackend)
	}
}
