// Package config loads the application configuration from an optional
// config.yaml plus OPPSYNC-prefixed environment variables, and owns the
// global logger setup.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. Every stage receives the
// slice of this struct it needs at construction; nothing reads globals.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	SAM         SAMConfig         `yaml:"sam" mapstructure:"sam"`
	Import      ImportConfig      `yaml:"import" mapstructure:"import"`
	Attachments AttachmentsConfig `yaml:"attachments" mapstructure:"attachments"`
	Download    DownloadConfig    `yaml:"download" mapstructure:"download"`
	Extract     ExtractConfig     `yaml:"extract" mapstructure:"extract"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Remote      RemoteConfig      `yaml:"remote" mapstructure:"remote"`
	Pipeline    PipelineConfig    `yaml:"pipeline" mapstructure:"pipeline"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// SAMConfig holds SAM.gov API settings.
type SAMConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// ImportConfig configures the bulk feed import stage.
type ImportConfig struct {
	FeedURL string `yaml:"feed_url" mapstructure:"feed_url"`
}

// AttachmentsConfig configures the metadata fetch stage.
type AttachmentsConfig struct {
	BatchSize      int `yaml:"batch_size" mapstructure:"batch_size"`
	CallDelayMS    int `yaml:"call_delay_ms" mapstructure:"call_delay_ms"`
	BatchDelaySecs int `yaml:"batch_delay_secs" mapstructure:"batch_delay_secs"`
}

// DownloadConfig configures the attachment downloader.
type DownloadConfig struct {
	Dir         string   `yaml:"dir" mapstructure:"dir"`
	Proxies     []string `yaml:"proxies" mapstructure:"proxies"`
	MaxPerRun   int      `yaml:"max_per_run" mapstructure:"max_per_run"`
	DelayMS     int      `yaml:"delay_ms" mapstructure:"delay_ms"`
	TimeoutSecs int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ExtractConfig configures text extraction.
type ExtractConfig struct {
	Workers       int    `yaml:"workers" mapstructure:"workers"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// RemoteConfig holds the remote sync endpoint settings.
type RemoteConfig struct {
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// PipelineConfig bounds the full-run driver.
type PipelineConfig struct {
	StageTimeoutSecs map[string]int `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
}

// ServerConfig configures the status/trigger HTTP server.
type ServerConfig struct {
	Port   int    `yaml:"port" mapstructure:"port"`
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OPPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "oppsync.db")
	v.SetDefault("sam.base_url", "https://sam.gov/api/prod/opps/v3")
	v.SetDefault("attachments.batch_size", 20)
	v.SetDefault("attachments.call_delay_ms", 500)
	v.SetDefault("attachments.batch_delay_secs", 5)
	v.SetDefault("download.dir", "attachments")
	v.SetDefault("download.max_per_run", 500)
	v.SetDefault("download.delay_ms", 1000)
	v.SetDefault("download.timeout_secs", 120)
	v.SetDefault("extract.pdftotext_path", "pdftotext")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("remote.batch_size", 200)
	v.SetDefault("pipeline.stage_timeout_secs", map[string]int{
		"import":      600,
		"attachments": 1800,
		"download":    3600,
		"extract":     1800,
		"analyze":     3600,
		"sync":        600,
	})
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// StageTimeout returns the configured ceiling for a stage, zero when unset.
func (c PipelineConfig) StageTimeout(stage string) int {
	return c.StageTimeoutSecs[stage]
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
