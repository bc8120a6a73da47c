package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"stablecore/observability/logging"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML files and
// environment overrides.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for stabled.
type Config struct {
	ListenAddress string           `yaml:"listen" toml:"listen"`
	DatabasePath  string           `yaml:"database" toml:"database"`
	StatePath     string           `yaml:"state" toml:"state"`
	Token         TokenConfig      `yaml:"token" toml:"token"`
	Oracle        OracleConfig     `yaml:"oracle" toml:"oracle"`
	Sources       []Source         `yaml:"sources" toml:"sources"`
	Payments      EndpointConfig   `yaml:"payments" toml:"payments"`
	AssetLedger   EndpointConfig   `yaml:"asset_ledger" toml:"asset_ledger"`
	Pool          PoolConfig       `yaml:"pool" toml:"pool"`
	Governance    GovernanceConfig `yaml:"governance" toml:"governance"`
	Auth          AuthConfig       `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit"`
	Settlement    SettlementConfig `yaml:"settlement" toml:"settlement"`
	Log           LogConfig        `yaml:"log" toml:"log"`
}

// TokenConfig identifies the stable token.
type TokenConfig struct {
	Symbol   string `yaml:"symbol" toml:"symbol"`
	Treasury string `yaml:"treasury" toml:"treasury"`
	// BaseDecimals is the precision of the base asset, used to render amounts.
	BaseDecimals uint8 `yaml:"base_decimals" toml:"base_decimals"`
}

// OracleConfig tunes the aggregation loop.
type OracleConfig struct {
	AssetID  string   `yaml:"asset_id" toml:"asset_id"`
	Interval Duration `yaml:"interval" toml:"interval"`
	MaxAge   Duration `yaml:"max_age" toml:"max_age"`
	ValidFor Duration `yaml:"valid_for" toml:"valid_for"`
	MinFeeds int      `yaml:"min_feeds" toml:"min_feeds"`
}

// Source describes an upstream price feed.
type Source struct {
	Name     string   `yaml:"name" toml:"name"`
	Type     string   `yaml:"type" toml:"type"`
	Endpoint string   `yaml:"endpoint" toml:"endpoint"`
	APIKey   string   `yaml:"api_key" toml:"api_key"`
	Timeout  Duration `yaml:"timeout" toml:"timeout"`
	// Multiplier and Decimals configure static sources. For price sources
	// Decimals is the precision of the base asset.
	Multiplier string `yaml:"multiplier" toml:"multiplier"`
	Decimals   uint8  `yaml:"decimals" toml:"decimals"`
}

// EndpointConfig points at an HTTP collaborator.
type EndpointConfig struct {
	Endpoint     string   `yaml:"endpoint" toml:"endpoint"`
	APIKey       string   `yaml:"api_key" toml:"api_key"`
	Timeout      Duration `yaml:"timeout" toml:"timeout"`
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
	// ConfirmTimeout bounds how long a transfer confirmation is polled.
	ConfirmTimeout Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
}

// PoolConfig describes the stable pool liquidity is provided to.
type PoolConfig struct {
	EndpointConfig `yaml:",inline"`
	Account        string `yaml:"account" toml:"account"`
	ID             uint64 `yaml:"id" toml:"id"`
	AssetToken     string `yaml:"asset_token" toml:"asset_token"`
	AssetDecimals  uint8  `yaml:"asset_decimals" toml:"asset_decimals"`
	MinDeposit     int64  `yaml:"min_deposit" toml:"min_deposit"`
}

// GovernanceConfig seeds the owner and guardians.
type GovernanceConfig struct {
	Owner           string   `yaml:"owner" toml:"owner"`
	Guardians       []string `yaml:"guardians" toml:"guardians"`
	RestrictTrading bool     `yaml:"restrict_trading" toml:"restrict_trading"`
}

// AuthConfig configures JWT verification of callers.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer     string   `yaml:"issuer" toml:"issuer"`
	Audience   string   `yaml:"audience" toml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig throttles each caller.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// SettlementConfig bounds how long a request waits for its settlement.
type SettlementConfig struct {
	Wait Duration `yaml:"wait" toml:"wait"`
}

// LogConfig controls log verbosity and rotation.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// Option customises Load.
type Option func(*loadOptions)

type loadOptions struct {
	envFiles []string
	lookup   func(string) (string, bool)
}

// WithEnvFile loads variables from a dotenv file before overrides are applied.
// Missing files are ignored.
func WithEnvFile(path string) Option {
	return func(o *loadOptions) {
		if path = strings.TrimSpace(path); path != "" {
			o.envFiles = append(o.envFiles, path)
		}
	}
}

// WithLookupEnv replaces os.LookupEnv. Used by tests.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(o *loadOptions) {
		if lookup != nil {
			o.lookup = lookup
		}
	}
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML. STABLED_* variables override the
// file.
func Load(path string, opts ...Option) (Config, error) {
	options := loadOptions{lookup: os.LookupEnv}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	cfg := Config{}
	if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	for _, file := range options.envFiles {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return cfg, fmt.Errorf("load env file %s: %w", file, err)
		}
	}
	if err := applyEnv(&cfg, options.lookup); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		value, ok := lookup(key)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}
	if v, ok := get("STABLED_LISTEN"); ok {
		cfg.ListenAddress = v
	}
	if v, ok := get("STABLED_DATABASE"); ok {
		cfg.DatabasePath = v
	}
	if v, ok := get("STABLED_STATE"); ok {
		cfg.StatePath = v
	}
	if v, ok := get("STABLED_AUTH_SECRET"); ok {
		cfg.Auth.HMACSecret = v
	}
	if v, ok := get("STABLED_OWNER"); ok {
		cfg.Governance.Owner = v
	}
	if v, ok := get("STABLED_GUARDIANS"); ok {
		cfg.Governance.Guardians = splitList(v)
	}
	if v, ok := get("STABLED_LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := get("STABLED_SETTLEMENT_WAIT"); ok {
		if err := cfg.Settlement.Wait.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("STABLED_SETTLEMENT_WAIT: %w", err)
		}
	}
	if v, ok := get("STABLED_RESTRICT_TRADING"); ok {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("STABLED_RESTRICT_TRADING: %w", err)
		}
		cfg.Governance.RestrictTrading = parsed
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7075"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/stabled.sqlite"
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "/var/data/stabled-state"
	}
	if cfg.Token.Symbol == "" {
		cfg.Token.Symbol = "USN"
	}
	if cfg.Token.BaseDecimals == 0 {
		cfg.Token.BaseDecimals = 24
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = 30 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 2 * time.Minute
	}
	if cfg.Oracle.ValidFor.Duration == 0 {
		cfg.Oracle.ValidFor.Duration = 90 * time.Second
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	if cfg.Pool.AssetDecimals == 0 {
		cfg.Pool.AssetDecimals = 6
	}
	if cfg.Pool.MinDeposit <= 0 {
		cfg.Pool.MinDeposit = 1_000_000
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Settlement.Wait.Duration == 0 {
		cfg.Settlement.Wait.Duration = 5 * time.Second
	}
	for _, endpoint := range []*EndpointConfig{&cfg.Payments, &cfg.AssetLedger, &cfg.Pool.EndpointConfig} {
		if endpoint.Timeout.Duration == 0 {
			endpoint.Timeout.Duration = 10 * time.Second
		}
		if endpoint.PollInterval.Duration == 0 {
			endpoint.PollInterval.Duration = 500 * time.Millisecond
		}
		if endpoint.ConfirmTimeout.Duration == 0 {
			endpoint.ConfirmTimeout.Duration = 2 * time.Minute
		}
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].Timeout.Duration == 0 {
			cfg.Sources[i].Timeout.Duration = 5 * time.Second
		}
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Token.Treasury) == "" {
		return fmt.Errorf("token.treasury must be configured")
	}
	if strings.TrimSpace(cfg.Oracle.AssetID) == "" {
		return fmt.Errorf("oracle.asset_id must be configured")
	}
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one oracle source must be configured")
	}
	if cfg.Oracle.MinFeeds > len(cfg.Sources) {
		return fmt.Errorf("oracle.min_feeds %d exceeds %d configured sources", cfg.Oracle.MinFeeds, len(cfg.Sources))
	}
	if strings.TrimSpace(cfg.Governance.Owner) == "" {
		return fmt.Errorf("governance.owner must be configured")
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret must be configured")
	}
	if strings.TrimSpace(cfg.Payments.Endpoint) == "" {
		return fmt.Errorf("payments.endpoint must be configured")
	}
	if cfg.Pool.AssetDecimals > 18 {
		return fmt.Errorf("pool.asset_decimals must not exceed 18")
	}
	return nil
}

// LogAttrs summarises the configuration for the startup log. Credentials are
// masked.
func (c Config) LogAttrs() []any {
	return []any{
		slog.String("listen", c.ListenAddress),
		slog.String("asset", c.Oracle.AssetID),
		slog.Int("sources", len(c.Sources)),
		slog.Bool("liquidity", c.LiquidityEnabled()),
		slog.String("payments", c.Payments.Endpoint),
		slog.Duration("confirm_timeout", c.Payments.ConfirmTimeout.Duration),
		logging.MaskField("payments_api_key", c.Payments.APIKey),
		logging.MaskField("hmac_secret", c.Auth.HMACSecret),
	}
}

// LiquidityEnabled reports whether both liquidity collaborators are configured.
func (c Config) LiquidityEnabled() bool {
	return strings.TrimSpace(c.AssetLedger.Endpoint) != "" && strings.TrimSpace(c.Pool.Endpoint) != ""
}
