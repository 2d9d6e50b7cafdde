package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend and commander names.
const (
	BackendHTTP      = "http"
	BackendLangchain = "langchain"
	BackendDummy     = "dummy"

	CommanderTelegram = "telegram"
	CommanderDummy    = "dummy"
)

// RelayConfig holds configuration for the relay process.
type RelayConfig struct {
	TelegramToken        string
	TelegramAPIBase      string
	PollTimeout          int
	SleepSeconds         int
	DropPending          bool
	PendingWindowSeconds int64
	PendingMaxMessages   int

	APIKey            string
	CompletionURL     string
	CompletionBaseURL string
	Model             string
	Temperature       float64
	MaxTokens         int
	RequestTimeout    time.Duration
	HistoryMaxTurns   int

	SystemPrompt     string
	SystemPromptFile string
	FallbackMessage  string

	DBPath    string
	LogLevel  string
	LogFormat string

	CompletionBackend    string
	Commander            string
	DummyProviderScript  string
	DummyCommanderScript string
	DummySendScript      string
}

// FileConfig is the optional YAML overlay. Empty fields leave the default
// in place; environment variables always win over the file.
type FileConfig struct {
	Telegram struct {
		APIBase              string `yaml:"api_base"`
		PollTimeout          int    `yaml:"poll_timeout"`
		SleepSeconds         int    `yaml:"sleep_seconds"`
		DropPending          *bool  `yaml:"drop_pending"`
		PendingWindowSeconds int64  `yaml:"pending_window_seconds"`
		PendingMaxMessages   int    `yaml:"pending_max_messages"`
	} `yaml:"telegram"`
	Completion struct {
		Backend               string   `yaml:"backend"`
		URL                   string   `yaml:"url"`
		BaseURL               string   `yaml:"base_url"`
		Model                 string   `yaml:"model"`
		Temperature           *float64 `yaml:"temperature"`
		MaxTokens             int      `yaml:"max_tokens"`
		RequestTimeoutSeconds int      `yaml:"request_timeout_seconds"`
	} `yaml:"completion"`
	Conversation struct {
		HistoryMaxTurns  int    `yaml:"history_max_turns"`
		SystemPrompt     string `yaml:"system_prompt"`
		SystemPromptFile string `yaml:"system_prompt_file"`
		FallbackMessage  string `yaml:"fallback_message"`
	} `yaml:"conversation"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Commander string `yaml:"commander"`
}

// LoadFile reads a YAML overlay from path.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &fc, nil
}

// Defaults returns the configuration used when nothing is set.
func Defaults() RelayConfig {
	return RelayConfig{
		TelegramAPIBase:      "https://api.telegram.org",
		PollTimeout:          30,
		SleepSeconds:         1,
		DropPending:          true,
		PendingWindowSeconds: 600,
		PendingMaxMessages:   50,
		CompletionURL:        "https://api.deepseek.com/v1/chat/completions",
		CompletionBaseURL:    "https://api.deepseek.com/v1",
		Model:                "deepseek-chat",
		Temperature:          0.7,
		MaxTokens:            1000,
		RequestTimeout:       60 * time.Second,
		HistoryMaxTurns:      20,
		SystemPrompt:         "You are a helpful AI assistant. Respond naturally and conversationally.",
		FallbackMessage:      "Sorry, I encountered an error while processing your request. Please try again.",
		DBPath:               "./relay.db",
		LogLevel:             "info",
		LogFormat:            "json",
		CompletionBackend:    BackendHTTP,
		Commander:            CommanderTelegram,
		DummyProviderScript:  "ok",
		DummyCommanderScript: "ok",
		DummySendScript:      "ok",
	}
}

// Apply overlays the non-empty file values onto cfg.
func (fc *FileConfig) Apply(cfg *RelayConfig) {
	if fc == nil {
		return
	}
	setString(&cfg.TelegramAPIBase, fc.Telegram.APIBase)
	setInt(&cfg.PollTimeout, fc.Telegram.PollTimeout)
	setInt(&cfg.SleepSeconds, fc.Telegram.SleepSeconds)
	if fc.Telegram.DropPending != nil {
		cfg.DropPending = *fc.Telegram.DropPending
	}
	if fc.Telegram.PendingWindowSeconds > 0 {
		cfg.PendingWindowSeconds = fc.Telegram.PendingWindowSeconds
	}
	setInt(&cfg.PendingMaxMessages, fc.Telegram.PendingMaxMessages)

	setString(&cfg.CompletionBackend, fc.Completion.Backend)
	setString(&cfg.CompletionURL, fc.Completion.URL)
	setString(&cfg.CompletionBaseURL, fc.Completion.BaseURL)
	setString(&cfg.Model, fc.Completion.Model)
	if fc.Completion.Temperature != nil {
		cfg.Temperature = *fc.Completion.Temperature
	}
	setInt(&cfg.MaxTokens, fc.Completion.MaxTokens)
	if fc.Completion.RequestTimeoutSeconds > 0 {
		cfg.RequestTimeout = time.Duration(fc.Completion.RequestTimeoutSeconds) * time.Second
	}

	setInt(&cfg.HistoryMaxTurns, fc.Conversation.HistoryMaxTurns)
	setString(&cfg.SystemPrompt, fc.Conversation.SystemPrompt)
	setString(&cfg.SystemPromptFile, fc.Conversation.SystemPromptFile)
	setString(&cfg.FallbackMessage, fc.Conversation.FallbackMessage)
	setString(&cfg.DBPath, fc.Storage.DBPath)
	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFormat, fc.Log.Format)
	setString(&cfg.Commander, fc.Commander)
}

// LoadRelayConfig reads relay configuration from the optional YAML file at
// path (empty to skip) and then from environment variables.
func LoadRelayConfig(path string) (RelayConfig, error) {
	cfg := Defaults()
	if path == "" {
		path = os.Getenv("RELAY_CONFIG_FILE")
	}
	if path != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return RelayConfig{}, err
		}
		fc.Apply(&cfg)
	}

	cfg.TelegramAPIBase = envOrDefault("RELAY_TELEGRAM_API_BASE", cfg.TelegramAPIBase)
	cfg.PollTimeout = envIntOrDefault("RELAY_POLL_TIMEOUT", cfg.PollTimeout)
	cfg.SleepSeconds = envIntOrDefault("RELAY_SLEEP_SECONDS", cfg.SleepSeconds)
	cfg.DropPending = envBoolOrDefault("RELAY_DROP_PENDING", cfg.DropPending)
	cfg.PendingWindowSeconds = int64(envIntOrDefault("RELAY_PENDING_WINDOW_SECONDS", int(cfg.PendingWindowSeconds)))
	cfg.PendingMaxMessages = envIntOrDefault("RELAY_PENDING_MAX_MESSAGES", cfg.PendingMaxMessages)

	cfg.CompletionBackend = envOrDefault("RELAY_COMPLETION_BACKEND", cfg.CompletionBackend)
	cfg.CompletionURL = envOrDefault("RELAY_COMPLETION_URL", cfg.CompletionURL)
	cfg.CompletionBaseURL = envOrDefault("RELAY_COMPLETION_BASE_URL", cfg.CompletionBaseURL)
	cfg.Model = envOrDefault("RELAY_MODEL", cfg.Model)
	cfg.Temperature = envFloatOrDefault("RELAY_TEMPERATURE", cfg.Temperature)
	cfg.MaxTokens = envIntOrDefault("RELAY_MAX_TOKENS", cfg.MaxTokens)
	cfg.RequestTimeout = time.Duration(envIntOrDefault("RELAY_REQUEST_TIMEOUT_SECONDS", int(cfg.RequestTimeout/time.Second))) * time.Second
	cfg.HistoryMaxTurns = envIntOrDefault("RELAY_HISTORY_MAX_TURNS", cfg.HistoryMaxTurns)

	cfg.SystemPrompt = envOrDefault("RELAY_SYSTEM_PROMPT", cfg.SystemPrompt)
	cfg.SystemPromptFile = envOrDefault("RELAY_SYSTEM_PROMPT_FILE", cfg.SystemPromptFile)
	cfg.FallbackMessage = envOrDefault("RELAY_FALLBACK_MESSAGE", cfg.FallbackMessage)

	cfg.DBPath = envOrDefault("RELAY_DB_PATH", cfg.DBPath)
	cfg.LogLevel = envOrDefault("RELAY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("RELAY_LOG_FORMAT", cfg.LogFormat)

	cfg.Commander = envOrDefault("RELAY_COMMANDER", cfg.Commander)
	cfg.DummyProviderScript = envOrDefault("RELAY_DUMMY_PROVIDER_SCRIPT", cfg.DummyProviderScript)
	cfg.DummyCommanderScript = envOrDefault("RELAY_DUMMY_COMMANDER_SCRIPT", cfg.DummyCommanderScript)
	cfg.DummySendScript = envOrDefault("RELAY_DUMMY_SEND_SCRIPT", cfg.DummySendScript)

	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.APIKey = os.Getenv("DEEPSEEK_API_KEY")

	if cfg.SystemPromptFile != "" {
		data, err := os.ReadFile(cfg.SystemPromptFile)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("RELAY_SYSTEM_PROMPT_FILE: %w", err)
		}
		if prompt := strings.TrimSpace(string(data)); prompt != "" {
			cfg.SystemPrompt = prompt
		}
	}

	if err := cfg.Validate(); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

// Validate checks secrets and limits.
func (c RelayConfig) Validate() error {
	switch c.Commander {
	case CommanderTelegram:
		if c.TelegramToken == "" {
			return fmt.Errorf("TELEGRAM_BOT_TOKEN is required in environment when RELAY_COMMANDER=telegram")
		}
	case CommanderDummy:
	default:
		return fmt.Errorf("RELAY_COMMANDER must be one of telegram, dummy: got %q", c.Commander)
	}
	switch c.CompletionBackend {
	case BackendHTTP, BackendLangchain:
		if c.APIKey == "" {
			return fmt.Errorf("DEEPSEEK_API_KEY is required in environment when RELAY_COMPLETION_BACKEND=%s", c.CompletionBackend)
		}
	case BackendDummy:
	default:
		return fmt.Errorf("RELAY_COMPLETION_BACKEND must be one of http, langchain, dummy: got %q", c.CompletionBackend)
	}
	if c.HistoryMaxTurns < 2 {
		return fmt.Errorf("RELAY_HISTORY_MAX_TURNS must be >= 2: got %d", c.HistoryMaxTurns)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("RELAY_TEMPERATURE must be within [0, 2]: got %v", c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("RELAY_MAX_TOKENS must be > 0: got %d", c.MaxTokens)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("RELAY_REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if c.PollTimeout < 0 {
		return fmt.Errorf("RELAY_POLL_TIMEOUT must be >= 0: got %d", c.PollTimeout)
	}
	if strings.TrimSpace(c.SystemPrompt) == "" {
		return fmt.Errorf("RELAY_SYSTEM_PROMPT must not be empty")
	}
	return nil
}

// TelegramBotURL is the API base including the bot token.
func (c RelayConfig) TelegramBotURL() string {
	return strings.TrimRight(c.TelegramAPIBase, "/") + "/bot" + c.TelegramToken
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloatOrDefault(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
