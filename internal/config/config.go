package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port          int    `yaml:"port"`
	LogLevel      string `yaml:"log_level"`
	DatabaseURL   string `yaml:"database_url"`
	NatsURL       string `yaml:"nats_url"`
	NatsToken     string `yaml:"nats_token"`
	APIToken      string `yaml:"api_token"`
	BackupDir     string `yaml:"backup_dir"`
	CanvasCache   string `yaml:"canvas_cache_path"`
	Workers       int    `yaml:"workers"`
	SkipUnchanged bool   `yaml:"skip_unchanged"`
	NewsDays      int    `yaml:"news_days"`

	Slack     SlackConfig     `yaml:"slack"`
	LLM       LLMConfig       `yaml:"llm"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Extract   ExtractConfig   `yaml:"extract"`
	Summarize SummarizeConfig `yaml:"summarize"`
	Schedules []Schedule      `yaml:"schedules"`
}

type SlackConfig struct {
	BotToken      string `yaml:"bot_token"`
	SigningSecret string `yaml:"signing_secret"`
}

type LLMConfig struct {
	Provider        string `yaml:"provider"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	AnthropicModel  string `yaml:"anthropic_model"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`
	GeminiModel     string `yaml:"gemini_model"`
}

type WorkflowConfig struct {
	URL        string        `yaml:"url"`
	Token      string        `yaml:"token"`
	PendingTTL time.Duration `yaml:"pending_ttl"`
}

type ExtractConfig struct {
	PageSize       int           `yaml:"page_size"`
	MinInterval    time.Duration `yaml:"min_interval"`
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	TotalTimeout   time.Duration `yaml:"total_timeout"`
}

type SummarizeConfig struct {
	ContextTokens int     `yaml:"context_tokens"`
	SafetyMargin  float64 `yaml:"safety_margin"`
	BudgetTokens  int     `yaml:"budget_tokens"`
	ChunkTokens   int     `yaml:"chunk_tokens"`
	Concurrency   int     `yaml:"concurrency"`
}

// Schedule is a periodic canvas refresh for one channel.
type Schedule struct {
	Channel string `yaml:"channel"`
	Spec    string `yaml:"spec"`
	Kind    string `yaml:"kind"`
	Days    int    `yaml:"days"`
}

func Default() Config {
	return Config{
		Port:        8760,
		LogLevel:    "info",
		NatsURL:     "",
		BackupDir:   "./data/backups",
		CanvasCache: "./data/canvas.db",
		Workers:     4,
		NewsDays:    5,
		LLM: LLMConfig{
			Provider:       "anthropic",
			AnthropicModel: "claude-sonnet-4-20250514",
			GeminiModel:    "gemini-2.5-flash",
		},
		Workflow: WorkflowConfig{PendingTTL: 30 * time.Minute},
		Extract: ExtractConfig{
			PageSize:       200,
			MinInterval:    1200 * time.Millisecond,
			MaxRetries:     3,
			RequestTimeout: 15 * time.Second,
			TotalTimeout:   10 * time.Minute,
		},
		Summarize: SummarizeConfig{
			ContextTokens: 100000,
			SafetyMargin:  0.2,
			BudgetTokens:  1500,
			ChunkTokens:   800,
			Concurrency:   4,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence (environment wins).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("PORT", c.Port)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
	c.DatabaseURL = envStr("DATABASE_URL", c.DatabaseURL)
	c.NatsURL = envStr("NATS_URL", c.NatsURL)
	c.NatsToken = envStr("NATS_TOKEN", c.NatsToken)
	c.APIToken = envStr("SCRIBE_API_TOKEN", c.APIToken)
	c.BackupDir = envStr("BACKUP_DIR", c.BackupDir)
	c.CanvasCache = envStr("CANVAS_CACHE_PATH", c.CanvasCache)
	c.Workers = envInt("WORKERS", c.Workers)
	c.SkipUnchanged = envBool("SKIP_UNCHANGED", c.SkipUnchanged)
	c.NewsDays = envInt("NEWS_DAYS", c.NewsDays)

	c.Slack.BotToken = envStr("SLACK_BOT_TOKEN", c.Slack.BotToken)
	c.Slack.SigningSecret = envStr("SLACK_SIGNING_SECRET", c.Slack.SigningSecret)

	c.LLM.Provider = envStr("LLM_PROVIDER", c.LLM.Provider)
	c.LLM.AnthropicAPIKey = envStr("ANTHROPIC_API_KEY", c.LLM.AnthropicAPIKey)
	c.LLM.AnthropicModel = envStr("ANTHROPIC_MODEL", c.LLM.AnthropicModel)
	c.LLM.GeminiAPIKey = envStr("GEMINI_API_KEY", c.LLM.GeminiAPIKey)
	c.LLM.GeminiModel = envStr("GEMINI_MODEL", c.LLM.GeminiModel)

	c.Workflow.URL = envStr("WORKFLOW_URL", c.Workflow.URL)
	c.Workflow.Token = envStr("WORKFLOW_TOKEN", c.Workflow.Token)

	c.Extract.MaxRetries = envInt("EXTRACT_MAX_RETRIES", c.Extract.MaxRetries)
	c.Extract.TotalTimeout = envDuration("EXTRACT_TIMEOUT", c.Extract.TotalTimeout)
	c.Summarize.BudgetTokens = envInt("SUMMARY_BUDGET_TOKENS", c.Summarize.BudgetTokens)
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Workers, validation.Required, validation.Min(1)),
		validation.Field(&c.NewsDays, validation.Required, validation.Min(1), validation.Max(30)),
		validation.Field(&c.LLM),
		validation.Field(&c.Extract),
		validation.Field(&c.Summarize),
		validation.Field(&c.Schedules),
	)
}

func (c LLMConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Provider, validation.Required, validation.In("anthropic", "gemini")),
	)
}

func (c ExtractConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.PageSize, validation.Required, validation.Min(1), validation.Max(999)),
		validation.Field(&c.MaxRetries, validation.Min(0), validation.Max(9)),
		validation.Field(&c.RequestTimeout, validation.Required),
		validation.Field(&c.TotalTimeout, validation.Required),
	)
}

func (c SummarizeConfig) Validate() error {
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.ContextTokens, validation.Required, validation.Min(1000)),
		validation.Field(&c.SafetyMargin, validation.Min(0.0), validation.Max(0.9)),
		validation.Field(&c.BudgetTokens, validation.Required, validation.Min(50)),
		validation.Field(&c.ChunkTokens, validation.Required, validation.Min(50)),
		validation.Field(&c.Concurrency, validation.Required, validation.Min(1)),
	); err != nil {
		return err
	}
	if c.ChunkTokens*4 > c.ContextTokens {
		return errors.New("chunk_tokens must be at most a quarter of context_tokens")
	}
	return nil
}

func (s Schedule) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Channel, validation.Required),
		validation.Field(&s.Spec, validation.Required),
		validation.Field(&s.Days, validation.Min(0), validation.Max(30)),
	)
}

// MissingCredentials lists the environment variables a serving process still needs.
func (c Config) MissingCredentials() []string {
	var missing []string
	if c.Slack.BotToken == "" {
		missing = append(missing, "SLACK_BOT_TOKEN")
	}
	switch c.LLM.Provider {
	case "anthropic":
		if c.LLM.AnthropicAPIKey == "" {
			missing = append(missing, "ANTHROPIC_API_KEY")
		}
	case "gemini":
		if c.LLM.GeminiAPIKey == "" {
			missing = append(missing, "GEMINI_API_KEY")
		}
	}
	return missing
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
