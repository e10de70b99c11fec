package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/theimaginaryfoundation/chat-analyzer/analysis"
	"github.com/theimaginaryfoundation/chat-analyzer/analysis/ledger"
)

const envPrefix = "CHAT_ANALYZER"

type Config struct {
	Input  string `mapstructure:"input"`
	OutDir string `mapstructure:"out"`

	Model           string  `mapstructure:"model"`
	Temperature     float64 `mapstructure:"temperature"`
	MaxOutputTokens int64   `mapstructure:"max-output-tokens"`
	Flex            bool    `mapstructure:"flex"`
	APIKey          string  `mapstructure:"api-key"`
	BaseURL         string  `mapstructure:"base-url"`
	Retries         int     `mapstructure:"retries"`

	Workers      int           `mapstructure:"workers"`
	Timeout      time.Duration `mapstructure:"timeout"`
	TokenCeiling int           `mapstructure:"token-ceiling"`
	Estimator    string        `mapstructure:"estimator"`

	RulesPath  string `mapstructure:"rules"`
	LedgerPath string `mapstructure:"ledger"`
	NoLedger   bool   `mapstructure:"no-ledger"`

	LogFormat string `mapstructure:"log-format"`
	Verbose   bool   `mapstructure:"verbose"`
}

func (c Config) Validate() error {
	if c.OutDir == "" {
		return errors.New("missing --out")
	}
	if c.Model == "" {
		return errors.New("missing --model")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return errors.New("temperature must be within [0, 2]")
	}
	if c.Workers < 0 {
		return errors.New("workers must be >= 0")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	if c.TokenCeiling <= 0 {
		return errors.New("token-ceiling must be > 0")
	}
	if _, err := analysis.ParseEstimator(c.Estimator); err != nil {
		return err
	}
	if c.Retries < 0 {
		return errors.New("retries must be >= 0")
	}
	if c.MaxOutputTokens < 0 {
		return errors.New("max-output-tokens must be >= 0")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log-format must be console or json, got %q", c.LogFormat)
	}
	return nil
}

func (c Config) requireInput() error {
	if strings.TrimSpace(c.Input) == "" {
		return errors.New("missing --input (conversations.json, export .zip/.zst, or a directory)")
	}
	return nil
}

// ledgerPath resolves the ledger file; empty means disabled.
func (c Config) ledgerPath() string {
	if c.NoLedger {
		return ""
	}
	if c.LedgerPath != "" {
		return c.LedgerPath
	}
	return filepath.Join(c.OutDir, ledger.DefaultFileName)
}

func defaultConfig() Config {
	return Config{
		OutDir:          "analysis",
		Model:           "gpt-4o",
		Temperature:     0.2,
		MaxOutputTokens: 4000,
		Workers:         analysis.DefaultWorkers(),
		Timeout:         analysis.DefaultGatewayTimeout,
		TokenCeiling:    analysis.DefaultTokenCeiling,
		Estimator:       string(analysis.EstimateChars),
		LogFormat:       "console",
	}
}

// registerConfigFlags declares every Config field as a persistent flag defaulting to defaultConfig().
func registerConfigFlags(fs *pflag.FlagSet) {
	d := defaultConfig()
	fs.String("config", "", "optional YAML config file")
	fs.StringP("input", "i", d.Input, "conversations.json, shared_conversations.json, an export .zip/.json.zst, or a directory")
	fs.StringP("out", "o", d.OutDir, "output directory for reports")
	fs.String("model", d.Model, "model for analysis")
	fs.Float64("temperature", d.Temperature, "sampling temperature")
	fs.Int64("max-output-tokens", d.MaxOutputTokens, "max output tokens per analysis")
	fs.Bool("flex", d.Flex, "use the flex service tier")
	fs.String("api-key", "", "OpenAI API key (or OPENAI_API_KEY)")
	fs.String("base-url", "", "override the OpenAI API base URL")
	fs.Int("retries", d.Retries, "extra attempts after rate-limit or server errors")
	fs.IntP("workers", "w", d.Workers, "number of concurrent jobs")
	fs.Duration("timeout", d.Timeout, "per-call analysis timeout")
	fs.Int("token-ceiling", d.TokenCeiling, "skip transcripts estimated above this many tokens")
	fs.String("estimator", d.Estimator, "token estimator: chars or words")
	fs.String("rules", "", "YAML file overriding the built-in rules")
	fs.String("ledger", "", "run ledger path (default <out>/"+ledger.DefaultFileName+")")
	fs.Bool("no-ledger", false, "do not record runs")
	fs.String("log-format", d.LogFormat, "log format: console or json")
	fs.BoolP("verbose", "v", d.Verbose, "debug logging")
}

// loadConfig merges flag defaults, the optional config file, environment and explicit flags
// (in increasing precedence).
func loadConfig(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("loadConfig: bind flags: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("api-key", envPrefix+"_API_KEY", "OPENAI_API_KEY"); err != nil {
		return Config{}, fmt.Errorf("loadConfig: bind env: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("loadConfig: read %s: %w", path, err)
		}
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("loadConfig: %w", err)
	}
	cfg.Input = strings.TrimSpace(cfg.Input)
	cfg.OutDir = filepath.Clean(cfg.OutDir)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	return cfg, nil
}

func (c Config) pipelineOptions(rules analysis.Rules) (analysis.PipelineOptions, error) {
	est, err := analysis.ParseEstimator(c.Estimator)
	if err != nil {
		return analysis.PipelineOptions{}, err
	}
	temp := c.Temperature
	v := rules.Validator()
	return analysis.PipelineOptions{
		OutDir:         c.OutDir,
		Workers:        c.Workers,
		GatewayTimeout: c.Timeout,
		Instructions:   rules.Report.Instructions,
		Temperature:    &temp,
		Admission:      analysis.Admission{Ceiling: c.TokenCeiling, Estimator: est},
		Cache:          analysis.Cache{Check: func(b []byte) bool { return v.IsValid(string(b)) }},
		Validator:      v,
	}, nil
}
