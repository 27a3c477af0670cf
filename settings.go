package keypool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file form of the orchestrator settings.
//
//	model: gemini-2.0-flash
//	cooldown: 60s
//	validation_retries: 2
//	audit_dir: logs/pv
type Config struct {
	Model           string   `yaml:"model"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
	Temperature     *float32 `yaml:"temperature,omitempty"`
	BaseURL         string   `yaml:"base_url,omitempty"`

	CredentialsFile string        `yaml:"credentials_file"`
	Cooldown        time.Duration `yaml:"cooldown"`

	ValidationRetries *int `yaml:"validation_retries,omitempty"`
	QuotaCeiling      int  `yaml:"quota_ceiling,omitempty"`
	QuotaPerKey       int  `yaml:"quota_per_key,omitempty"`
	SystemCeiling     int  `yaml:"system_ceiling,omitempty"`

	BatchSize   int `yaml:"batch_size"`
	Concurrency int `yaml:"concurrency,omitempty"`

	Indicator   string `yaml:"indicator"`
	AuditDir    string `yaml:"audit_dir,omitempty"`
	RedisURL    string `yaml:"redis_url,omitempty"`
	RedisKey    string `yaml:"redis_key,omitempty"`
	RedisMaxLen int64  `yaml:"redis_max_len,omitempty"`
}

// DefaultConfig returns the settings used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Model:           DefaultModel,
		MaxOutputTokens: DefaultMaxOutputTokens,
		CredentialsFile: "api_keys.env",
		Cooldown:        DefaultCooldown,
		BatchSize:       DefaultBatchSize,
		Indicator:       "run",
	}
}

// LoadConfig reads a YAML file over DefaultConfig. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfiguration, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch {
	case c.Model == "":
		return fmt.Errorf("%w: model is required", ErrConfiguration)
	case c.Cooldown < 0:
		return fmt.Errorf("%w: cooldown must not be negative", ErrConfiguration)
	case c.ValidationRetries != nil && *c.ValidationRetries < 0:
		return fmt.Errorf("%w: validation_retries must not be negative", ErrConfiguration)
	case c.QuotaCeiling < 0, c.QuotaPerKey < 0, c.SystemCeiling < 0:
		return fmt.Errorf("%w: ceilings must not be negative", ErrConfiguration)
	case c.BatchSize < 0:
		return fmt.Errorf("%w: batch_size must not be negative", ErrConfiguration)
	}
	return nil
}

// Policy returns DefaultPolicy with the configured overrides applied.
func (c *Config) Policy() Policy {
	p := DefaultPolicy()
	if c.ValidationRetries != nil {
		p.Validation.Ceiling = *c.ValidationRetries
	}
	if c.QuotaCeiling > 0 {
		p.Quota.Ceiling = c.QuotaCeiling
	}
	if c.QuotaPerKey > 0 {
		p.Quota.PerKey = c.QuotaPerKey
	}
	if c.SystemCeiling > 0 {
		p.System.Ceiling = c.SystemCeiling
	}
	if c.Cooldown > 0 {
		p.Quota.Penalty = c.Cooldown
		p.System.Penalty = c.Cooldown
	}
	return p
}

// PoolOptions maps the settings onto pool options.
func (c *Config) PoolOptions() []PoolOption {
	return []PoolOption{WithDefaultCooldown(c.Cooldown)}
}

// GenerateOptions maps the settings onto genai executor options.
func (c *Config) GenerateOptions() []GenerateOption {
	opts := []GenerateOption{
		WithModelName(c.Model),
		WithMaxOutputTokens(c.MaxOutputTokens),
	}
	if c.Temperature != nil {
		opts = append(opts, WithTemperature(*c.Temperature))
	}
	if c.BaseURL != "" {
		opts = append(opts, WithBaseURL(c.BaseURL))
	}
	return opts
}

// OrchestratorOptions maps the settings onto orchestrator options.
func (c *Config) OrchestratorOptions() []func(*Options) {
	return []func(*Options){
		WithPolicy(c.Policy()),
		WithIndicator(c.Indicator),
	}
}

// AuditSink builds the configured sink: Redis when redis_url is set, files
// when audit_dir is set, nil otherwise.
func (c *Config) AuditSink(ctx context.Context) (AuditSink, error) {
	switch {
	case c.RedisURL != "":
		sink, err := DialRedisSink(ctx, c.RedisURL, c.RedisKey, c.RedisMaxLen)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case c.AuditDir != "":
		return &FileSink{Dir: c.AuditDir}, nil
	}
	return nil, nil
}
