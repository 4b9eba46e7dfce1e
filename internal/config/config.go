// Package config loads and validates the daemon configuration.
//
// Configuration comes from a YAML file plus ATLAS_* environment
// overrides. The tuning key set is closed: unknown keys are a startup
// error, never a silent default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Storage   StorageConfig    `yaml:"storage"`
	Redis     RedisConfig      `yaml:"redis"`
	Providers []ProviderConfig `yaml:"providers"`
	Routing   RoutingConfig    `yaml:"routing"`
	Budget    BudgetConfig     `yaml:"budget"`
	Notify    NotifyConfig     `yaml:"notify"`
	Vault     VaultConfig      `yaml:"vault"`
	Trust     TrustConfig      `yaml:"trust"`
	Log       LogConfig        `yaml:"log"`
	Tuning    Tuning           `yaml:"tuning"`
}

type ServerConfig struct {
	Addr             string   `yaml:"addr"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
	RateLimitPerMin  int      `yaml:"rate_limit_per_min"`
}

type StorageConfig struct {
	Driver   string         `yaml:"driver"` // memory | postgres | supabase
	DSN      string         `yaml:"dsn"`
	Supabase SupabaseConfig `yaml:"supabase"`
}

type SupabaseConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

type ProviderConfig struct {
	Name         string `yaml:"name"`
	Kind         string `yaml:"kind"` // openai | ollama
	BaseURL      string `yaml:"base_url"`
	Credential   string `yaml:"credential"` // vault credential name; empty for keyless local providers
	DefaultModel string `yaml:"default_model"`
}

type RoutingConfig struct {
	Rules                RoutingRules `yaml:"rules"`
	FallbackChain        []string     `yaml:"fallback_chain"`
	AutoDetectComplexity bool         `yaml:"auto_detect_complexity"`
	MaxLatencyMs         int          `yaml:"max_latency_ms"`
}

type RoutingRules struct {
	Simple   []string `yaml:"simple"`
	Moderate []string `yaml:"moderate"`
	Complex  []string `yaml:"complex"`
}

type BudgetConfig struct {
	DailyLimit      float64 `yaml:"daily_limit"`
	WeeklyLimit     float64 `yaml:"weekly_limit"`
	MonthlyLimit    float64 `yaml:"monthly_limit"`
	AlertThresholds []int   `yaml:"alert_thresholds"`
}

type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Workers    int    `yaml:"workers"`
}

type VaultConfig struct {
	SeedEnv string `yaml:"seed_env"`
}

type TrustConfig struct {
	SustainedStopWindow string `yaml:"sustained_stop_window"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Tuning is the closed runtime tuning set. Every key has a binding
// default; unknown keys fail decoding.
type Tuning struct {
	MaxContextTokens     int     `yaml:"maxContextTokens"`
	WindowSize           int     `yaml:"windowSize"`
	CharsPerToken        int     `yaml:"charsPerToken"`
	DedupDefaultTTLMs    int     `yaml:"dedupDefaultTTLms"`
	DedupMaxEntries      int     `yaml:"dedupMaxEntries"`
	BatcherMaxBatchSize  int     `yaml:"batcherMaxBatchSize"`
	BatcherMaxWaitMs     int     `yaml:"batcherMaxWaitMs"`
	BatcherMaxConcurrent int     `yaml:"batcherMaxConcurrent"`
	HealthTTLMs          int     `yaml:"healthTTLms"`
	ApprovalDefaultTTLMs int     `yaml:"approvalDefaultTTLms"`
	UndoWindowMs         int     `yaml:"undoWindowMs"`
	TrustRefreshMs       int     `yaml:"trustRefreshMs"`
	TrustWindowHours     int     `yaml:"trustWindowHours"`
	GCIntervalMs         int     `yaml:"gcIntervalMs"`
	GCMemoryThreshold    float64 `yaml:"gcMemoryThreshold"`
	AccessTokenSec       int     `yaml:"accessTokenSec"`
	RefreshTokenSec      int     `yaml:"refreshTokenSec"`
	MaxDevicesPerOwner   int     `yaml:"maxDevicesPerOwner"`
}

// Load reads the YAML file at path, applies defaults, environment
// overrides and validation. A missing file is not an error: defaults
// plus environment apply (memory storage, no providers).
func Load(path string) (*Config, error) {
	cfg := &Config{}

	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		decoder.SetStrict(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8090"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		// Streaming responses can run to the 120s adapter ceiling.
		c.Server.WriteTimeoutSec = 150
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	setIntDefault(&c.Server.RateLimitPerMin, 120)
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if len(c.Budget.AlertThresholds) == 0 {
		c.Budget.AlertThresholds = []int{50, 75, 90}
	}
	if c.Notify.Workers == 0 {
		c.Notify.Workers = 3
	}
	if c.Vault.SeedEnv == "" {
		c.Vault.SeedEnv = "ATLAS_VAULT_SEED"
	}
	if c.Trust.SustainedStopWindow == "" {
		c.Trust.SustainedStopWindow = "1h"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	t := &c.Tuning
	setIntDefault(&t.MaxContextTokens, 8000)
	setIntDefault(&t.WindowSize, 10)
	setIntDefault(&t.CharsPerToken, 4)
	setIntDefault(&t.DedupDefaultTTLMs, 30000)
	setIntDefault(&t.DedupMaxEntries, 1000)
	setIntDefault(&t.BatcherMaxBatchSize, 10)
	setIntDefault(&t.BatcherMaxWaitMs, 100)
	setIntDefault(&t.BatcherMaxConcurrent, 5)
	setIntDefault(&t.HealthTTLMs, 30000)
	setIntDefault(&t.ApprovalDefaultTTLMs, 300000)
	setIntDefault(&t.UndoWindowMs, 30000)
	setIntDefault(&t.TrustRefreshMs, 300000)
	setIntDefault(&t.TrustWindowHours, 24)
	setIntDefault(&t.GCIntervalMs, 300000)
	if t.GCMemoryThreshold == 0 {
		t.GCMemoryThreshold = 0.6
	}
	setIntDefault(&t.AccessTokenSec, 900)
	setIntDefault(&t.RefreshTokenSec, 604800)
	setIntDefault(&t.MaxDevicesPerOwner, 10)
}

func setIntDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// applyEnv layers ATLAS_* environment variables over the file values.
func (c *Config) applyEnv() {
	overrideString(&c.Server.Addr, "ATLAS_SERVER_ADDR")
	overrideString(&c.Storage.Driver, "ATLAS_STORAGE_DRIVER")
	overrideString(&c.Storage.DSN, "ATLAS_STORAGE_DSN")
	overrideString(&c.Storage.Supabase.URL, "ATLAS_SUPABASE_URL")
	overrideString(&c.Storage.Supabase.Key, "ATLAS_SUPABASE_KEY")
	overrideString(&c.Redis.Addr, "ATLAS_REDIS_ADDR")
	overrideString(&c.Notify.WebhookURL, "ATLAS_NOTIFY_WEBHOOK")
	overrideString(&c.Log.Level, "ATLAS_LOG_LEVEL")
	overrideString(&c.Log.Format, "ATLAS_LOG_FORMAT")
	if v := os.Getenv("ATLAS_REDIS_ENABLED"); v != "" {
		c.Redis.Enabled = v == "1" || v == "true"
	}

	overrideInt(&c.Tuning.MaxContextTokens, "ATLAS_MAX_CONTEXT_TOKENS")
	overrideInt(&c.Tuning.WindowSize, "ATLAS_WINDOW_SIZE")
	overrideInt(&c.Tuning.DedupDefaultTTLMs, "ATLAS_DEDUP_TTL_MS")
	overrideInt(&c.Tuning.HealthTTLMs, "ATLAS_HEALTH_TTL_MS")
	overrideInt(&c.Tuning.ApprovalDefaultTTLMs, "ATLAS_APPROVAL_TTL_MS")
	overrideInt(&c.Tuning.UndoWindowMs, "ATLAS_UNDO_WINDOW_MS")
	overrideInt(&c.Tuning.TrustRefreshMs, "ATLAS_TRUST_REFRESH_MS")
	overrideInt(&c.Tuning.GCIntervalMs, "ATLAS_GC_INTERVAL_MS")
	overrideInt(&c.Tuning.AccessTokenSec, "ATLAS_ACCESS_TOKEN_SEC")
	overrideInt(&c.Tuning.RefreshTokenSec, "ATLAS_REFRESH_TOKEN_SEC")
	overrideInt(&c.Tuning.MaxDevicesPerOwner, "ATLAS_MAX_DEVICES")
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate rejects configurations the daemon cannot safely run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	case "supabase":
		if c.Storage.Supabase.URL == "" || c.Storage.Supabase.Key == "" {
			return fmt.Errorf("storage.supabase.url and .key are required for the supabase driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.Kind != "openai" && p.Kind != "ollama" {
			return fmt.Errorf("providers[%d] %s: unknown kind %q", i, p.Name, p.Kind)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("providers[%d] %s: base_url is required", i, p.Name)
		}
	}

	for _, th := range c.Budget.AlertThresholds {
		if th <= 0 || th > 100 {
			return fmt.Errorf("budget.alert_thresholds: %d is outside (0,100]", th)
		}
	}

	if c.Tuning.GCMemoryThreshold <= 0 || c.Tuning.GCMemoryThreshold > 1 {
		return fmt.Errorf("tuning.gcMemoryThreshold must be in (0,1], got %v", c.Tuning.GCMemoryThreshold)
	}
	if c.Tuning.CharsPerToken < 1 {
		return fmt.Errorf("tuning.charsPerToken must be >= 1")
	}
	if c.Tuning.WindowSize < 1 {
		return fmt.Errorf("tuning.windowSize must be >= 1")
	}

	if _, err := time.ParseDuration(c.Trust.SustainedStopWindow); err != nil {
		return fmt.Errorf("trust.sustained_stop_window: %w", err)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}

	return nil
}

// Duration helpers for the millisecond/second tuning knobs.

func (t Tuning) DedupTTL() time.Duration       { return time.Duration(t.DedupDefaultTTLMs) * time.Millisecond }
func (t Tuning) BatcherMaxWait() time.Duration { return time.Duration(t.BatcherMaxWaitMs) * time.Millisecond }
func (t Tuning) HealthTTL() time.Duration      { return time.Duration(t.HealthTTLMs) * time.Millisecond }
func (t Tuning) ApprovalTTL() time.Duration {
	return time.Duration(t.ApprovalDefaultTTLMs) * time.Millisecond
}
func (t Tuning) UndoWindow() time.Duration   { return time.Duration(t.UndoWindowMs) * time.Millisecond }
func (t Tuning) TrustRefresh() time.Duration { return time.Duration(t.TrustRefreshMs) * time.Millisecond }
func (t Tuning) TrustWindow() time.Duration  { return time.Duration(t.TrustWindowHours) * time.Hour }
func (t Tuning) GCInterval() time.Duration   { return time.Duration(t.GCIntervalMs) * time.Millisecond }
func (t Tuning) AccessTokenTTL() time.Duration {
	return time.Duration(t.AccessTokenSec) * time.Second
}
func (t Tuning) RefreshTokenTTL() time.Duration {
	return time.Duration(t.RefreshTokenSec) * time.Second
}

// SustainedStopWindow returns the parsed S3 sustain window. Validate
// has already checked the format.
func (c *Config) SustainedStopWindowDuration() time.Duration {
	d, _ := time.ParseDuration(c.Trust.SustainedStopWindow)
	return d
}
