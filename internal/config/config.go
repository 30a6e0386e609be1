package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Schedule   string           `yaml:"schedule"`
	Timezone   string           `yaml:"timezone"`
	RunOnStart bool             `yaml:"run_on_start"`
	Mode       string           `yaml:"mode"`
	Log        LogConfig        `yaml:"log"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Sources    []SourceConfig   `yaml:"sources"`
	State      StateConfig      `yaml:"state"`
	Providers  []ProviderConfig `yaml:"providers"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Notify     NotifyConfig     `yaml:"notify"`
	Channels   []ChannelConfig  `yaml:"channels"`
	Server     ServerConfig     `yaml:"server"`

	location *time.Location
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type FetchConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	Timeout         time.Duration `yaml:"timeout"`
	Retries         *int          `yaml:"retries"`
	Stagger         time.Duration `yaml:"stagger"`
	TolerantPartial bool          `yaml:"tolerate_partial"`
}

// RetryCount returns the per-source retry count, defaulting to 2.
func (f FetchConfig) RetryCount() int {
	if f.Retries == nil {
		return 2
	}
	return *f.Retries
}

// SourceConfig describes one news source. Which fields apply depends on Type.
type SourceConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Platform   string `yaml:"platform"`
	Label      string `yaml:"label"`
	URL        string `yaml:"url"`
	BaseURL    string `yaml:"base_url"`
	Query      string `yaml:"query"`
	MaxResults int    `yaml:"max_results"`
	MaxItems   int    `yaml:"max_items"`
}

type StateConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	URL     string `yaml:"url"`
	DSN     string `yaml:"dsn"`
	Key     string `yaml:"key"`
	// CommitOnDeliveryFailure controls whether seen ids are committed when
	// every configured channel failed. Defaults to true.
	CommitOnDeliveryFailure *bool `yaml:"commit_on_delivery_failure"`
}

// CommitsOnDeliveryFailure reports the effective commit policy.
func (s StateConfig) CommitsOnDeliveryFailure() bool {
	return s.CommitOnDeliveryFailure == nil || *s.CommitOnDeliveryFailure
}

type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Priority    *int          `yaml:"priority"`
	Timeout     time.Duration `yaml:"timeout"`
	Retries     *int          `yaml:"retries"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
}

// Rank returns the provider's priority. Lower ranks are tried first. Load
// fills an unset priority with the provider's 1-based position.
func (p ProviderConfig) Rank() int {
	if p.Priority == nil {
		return 0
	}
	return *p.Priority
}

// RetryCount returns the per-provider retry count, defaulting to 1.
func (p ProviderConfig) RetryCount() int {
	if p.Retries == nil {
		return 1
	}
	return *p.Retries
}

type AggregatorConfig struct {
	MaxItemsPerBatch  int    `yaml:"max_items_per_batch"`
	MaxTokensPerBatch int    `yaml:"max_tokens_per_batch"`
	MaxBodyChars      int    `yaml:"max_body_chars"`
	Workers           int    `yaml:"workers"`
	Language          string `yaml:"language"`
}

type NotifyConfig struct {
	Retries   *int          `yaml:"retries"`
	BaseDelay time.Duration `yaml:"base_delay"`
	Timeout   time.Duration `yaml:"timeout"`
}

// RetryCount returns the per-channel retry count, defaulting to 2.
func (n NotifyConfig) RetryCount() int {
	if n.Retries == nil {
		return 2
	}
	return *n.Retries
}

// ChannelConfig describes one delivery target. Which fields apply depends on Type.
type ChannelConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`

	// telegram
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	APIBase  string `yaml:"api_base"`

	// email
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	FromName string   `yaml:"from_name"`
	To       []string `yaml:"to"`
	Cc       []string `yaml:"cc"`
	Bcc      []string `yaml:"bcc"`
	StartTLS *bool    `yaml:"starttls"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func setDefaults(cfg *Config) {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 8 * * *"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.Mode == "" {
		cfg.Mode = "incremental"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	if cfg.Fetch.Concurrency == 0 {
		cfg.Fetch.Concurrency = 8
	}
	if cfg.Fetch.Timeout == 0 {
		cfg.Fetch.Timeout = 15 * time.Second
	}
	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if s.Name == "" {
			switch {
			case s.Platform != "":
				s.Name = s.Platform
			default:
				s.Name = s.Type
			}
		}
		if s.Type == "arxiv" && s.MaxResults == 0 {
			s.MaxResults = 20
		}
	}

	if cfg.State.Backend == "" {
		cfg.State.Backend = "file"
	}
	if cfg.State.Backend == "file" && cfg.State.Path == "" {
		cfg.State.Path = "data/state.json"
	}
	if cfg.State.Key == "" {
		cfg.State.Key = "news-distill"
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Name == "" {
			p.Name = p.Type
		}
		if p.Priority == nil {
			rank := i + 1
			p.Priority = &rank
		}
		if p.Timeout == 0 {
			p.Timeout = 120 * time.Second
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = 4096
		}
		if p.Type == "anthropic" && p.Model == "" {
			p.Model = "claude-sonnet-4-20250514"
		}
		if p.Type == "ollama" && p.BaseURL == "" {
			p.BaseURL = "http://localhost:11434"
		}
	}

	if cfg.Aggregator.MaxItemsPerBatch == 0 {
		cfg.Aggregator.MaxItemsPerBatch = 80
	}
	if cfg.Aggregator.MaxTokensPerBatch == 0 {
		cfg.Aggregator.MaxTokensPerBatch = 6000
	}
	if cfg.Aggregator.MaxBodyChars == 0 {
		cfg.Aggregator.MaxBodyChars = 280
	}
	if cfg.Aggregator.Workers == 0 {
		cfg.Aggregator.Workers = 1
	}
	if cfg.Aggregator.Language == "" {
		cfg.Aggregator.Language = "English"
	}

	if cfg.Notify.BaseDelay == 0 {
		cfg.Notify.BaseDelay = 1 * time.Second
	}
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = 30 * time.Second
	}
	for i := range cfg.Channels {
		c := &cfg.Channels[i]
		if c.Name == "" {
			c.Name = c.Type
		}
		if c.Type == "email" && c.SMTPPort == 0 {
			c.SMTPPort = 587
		}
	}
}

func validate(cfg *Config) error {
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return fmt.Errorf("config: invalid schedule %q: %w", cfg.Schedule, err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", cfg.Timezone, err)
	}
	cfg.location = loc

	switch cfg.Mode {
	case "incremental", "full":
	default:
		return fmt.Errorf("config: unsupported mode %q (supported: incremental, full)", cfg.Mode)
	}

	if err := validateSources(cfg.Sources); err != nil {
		return err
	}
	if err := validateState(cfg.State); err != nil {
		return err
	}
	if err := validateProviders(cfg.Providers); err != nil {
		return err
	}
	if err := validateChannels(cfg.Channels); err != nil {
		return err
	}

	if cfg.Fetch.Concurrency < 1 {
		return fmt.Errorf("config: fetch.concurrency must be positive")
	}
	if cfg.Fetch.RetryCount() < 0 {
		return fmt.Errorf("config: fetch.retries must not be negative")
	}
	if cfg.Notify.RetryCount() < 0 {
		return fmt.Errorf("config: notify.retries must not be negative")
	}
	if cfg.Aggregator.MaxItemsPerBatch < 1 || cfg.Aggregator.MaxTokensPerBatch < 1 {
		return fmt.Errorf("config: aggregator batch limits must be positive")
	}
	if cfg.Aggregator.Workers < 1 {
		return fmt.Errorf("config: aggregator.workers must be positive")
	}
	return nil
}

func validateSources(sources []SourceConfig) error {
	if len(sources) == 0 {
		return fmt.Errorf("config: at least one source is required")
	}
	seen := make(map[string]bool)
	for i, s := range sources {
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate source name %q", s.Name)
		}
		seen[s.Name] = true

		switch s.Type {
		case "newsnow":
			if s.Platform == "" {
				return fmt.Errorf("config: sources[%d].platform is required for newsnow source", i)
			}
		case "rss":
			if s.URL == "" {
				return fmt.Errorf("config: sources[%d].url is required for rss source", i)
			}
		case "arxiv":
			if s.Query == "" {
				return fmt.Errorf("config: sources[%d].query is required for arxiv source", i)
			}
		default:
			return fmt.Errorf("config: unsupported source type %q (supported: newsnow, rss, arxiv)", s.Type)
		}
	}
	return nil
}

func validateState(s StateConfig) error {
	switch s.Backend {
	case "file":
		if s.Path == "" {
			return fmt.Errorf("config: state.path is required for file backend")
		}
	case "redis":
		if s.URL == "" {
			return fmt.Errorf("config: state.url is required for redis backend")
		}
	case "postgres", "mysql":
		if s.DSN == "" {
			return fmt.Errorf("config: state.dsn is required for %s backend", s.Backend)
		}
	default:
		return fmt.Errorf("config: unsupported state backend %q (supported: file, redis, postgres, mysql)", s.Backend)
	}
	return nil
}

func validateProviders(providers []ProviderConfig) error {
	if len(providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	seen := make(map[string]bool)
	for i, p := range providers {
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true

		switch p.Type {
		case "openai", "anthropic", "gemini":
			if p.APIKey == "" || envVarRegex.MatchString(p.APIKey) {
				return fmt.Errorf("config: providers[%d].api_key is required for %s provider %q", i, p.Type, p.Name)
			}
		case "ollama":
			if p.BaseURL == "" {
				return fmt.Errorf("config: providers[%d].base_url is required for ollama provider", i)
			}
		default:
			return fmt.Errorf("config: unsupported provider type %q (supported: openai, anthropic, gemini, ollama)", p.Type)
		}
		if p.Model == "" {
			return fmt.Errorf("config: providers[%d].model is required", i)
		}
		if p.RetryCount() < 0 {
			return fmt.Errorf("config: providers[%d].retries must not be negative", i)
		}
	}
	return nil
}

func validateChannels(channels []ChannelConfig) error {
	seen := make(map[string]bool)
	for i, c := range channels {
		if seen[c.Name] {
			return fmt.Errorf("config: duplicate channel name %q", c.Name)
		}
		seen[c.Name] = true

		switch c.Type {
		case "feishu", "wecom", "discord":
			if c.WebhookURL == "" || envVarRegex.MatchString(c.WebhookURL) {
				return fmt.Errorf("config: channels[%d].webhook_url is required for %s channel", i, c.Type)
			}
		case "telegram":
			if c.BotToken == "" || c.ChatID == "" {
				return fmt.Errorf("config: channels[%d].bot_token and chat_id are required for telegram channel", i)
			}
		case "email":
			if c.SMTPHost == "" {
				return fmt.Errorf("config: channels[%d].smtp_host is required for email channel", i)
			}
			if c.From == "" {
				return fmt.Errorf("config: channels[%d].from is required for email channel", i)
			}
			if len(c.To) == 0 {
				return fmt.Errorf("config: channels[%d].to is required for email channel", i)
			}
		case "stdout", "web":
		default:
			return fmt.Errorf("config: unsupported channel type %q (supported: feishu, wecom, discord, telegram, email, stdout, web)", c.Type)
		}
	}
	return nil
}

// Location returns the resolved scheduler timezone.
func (c *Config) Location() *time.Location {
	if c.location != nil {
		return c.location
	}
	return time.UTC
}

// Load reads the config file, expands environment variables, applies defaults,
// and validates the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	return Parse(data)
}

// Parse builds a Config from raw YAML the same way Load does.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
