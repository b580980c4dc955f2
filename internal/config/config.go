// Package config defines the top-level configuration for the fusion relayer
// and provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FUSIONRELAY_* environment variables.
type Config struct {
	Relayer   RelayerConfig   `toml:"relayer"`
	OrderBook OrderBookConfig `toml:"orderbook"`
	Auction   AuctionConfig   `toml:"auction"`
	Planner   PlannerConfig   `toml:"planner"`
	HTLC      HTLCConfig      `toml:"htlc"`
	Executor  ExecutorConfig  `toml:"executor"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Chains    ChainsConfig    `toml:"chains"`
	Vault     VaultConfig     `toml:"vault"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	NATS      NATSConfig      `toml:"nats"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// RelayerConfig holds coordinator-wide parameters.
type RelayerConfig struct {
	// DomainName, DomainVersion and ChainID form the EIP-712 domain makers sign under.
	DomainName     string   `toml:"domain_name"`
	DomainVersion  string   `toml:"domain_version"`
	ChainID        int64    `toml:"chain_id"`
	InboxSize      int      `toml:"inbox_size"`
	EventBufferTTL duration `toml:"event_buffer_ttl"`
	SweepInterval  duration `toml:"sweep_interval"`
	// AutoReveal submits the destination claim on the maker's behalf once
	// both legs are locked.
	AutoReveal bool     `toml:"auto_reveal"`
	LockTTL    duration `toml:"lock_ttl"`
	// UnobservedLockGrace is how long past the source timelock a never-confirmed
	// source lock is kept before the order is closed out.
	UnobservedLockGrace duration `toml:"unobserved_lock_grace"`
}

// OrderBookConfig holds order admission parameters.
type OrderBookConfig struct {
	// MinSourceAmount is a base-unit integer string.
	MinSourceAmount string `toml:"min_source_amount"`
}

// AuctionConfig holds Dutch auction parameters.
type AuctionConfig struct {
	Duration        duration `toml:"duration"`
	StartPremiumBps int      `toml:"start_premium_bps"`
	BidRateLimit    int      `toml:"bid_rate_limit"`
	BidRateWindow   duration `toml:"bid_rate_window"`
}

// PlannerConfig holds partial-fill planner parameters.
type PlannerConfig struct {
	MinFillRatio   float64 `toml:"min_fill_ratio"`
	RatioStep      float64 `toml:"ratio_step"`
	VariableFeeBps int     `toml:"variable_fee_bps"`
}

// HTLCConfig holds the timelock model. SafetyMargin is the Δ separating the
// destination timelock from the source timelock.
type HTLCConfig struct {
	SourceTimeout        duration `toml:"source_timeout"`
	SafetyMargin         duration `toml:"safety_margin"`
	TimelockGuard        duration `toml:"timelock_guard"`
	MinDestinationWindow duration `toml:"min_destination_window"`
	MinTimelock          duration `toml:"min_timelock"`
	MaxTimelock          duration `toml:"max_timelock"`
}

// ExecutorConfig holds settlement retry parameters.
type ExecutorConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	BaseDelay      duration `toml:"base_delay"`
	MaxDelay       duration `toml:"max_delay"`
	SubmitTimeout  duration `toml:"submit_timeout"`
	IdempotencyTTL duration `toml:"idempotency_ttl"`
}

// MonitorConfig holds dual-chain monitor parameters.
type MonitorConfig struct {
	DedupTTL        duration `toml:"dedup_ttl"`
	DedupMaxEntries int      `toml:"dedup_max_entries"`
	ResubscribeBase duration `toml:"resubscribe_base"`
	ResubscribeMax  duration `toml:"resubscribe_max"`
	ChannelSize     int      `toml:"channel_size"`
}

// ChainsConfig names the two ledgers of the pair.
type ChainsConfig struct {
	Source      ChainConfig `toml:"source"`
	Destination ChainConfig `toml:"destination"`
}

// ChainConfig describes how to reach one ledger's adapter service.
type ChainConfig struct {
	Name        string `toml:"name"`
	AdapterURL  string `toml:"adapter_url"`
	APIKey      string `toml:"api_key"`
	APISecret   string `toml:"api_secret"`
	NATSSubject string `toml:"nats_subject"`
	// Simulated ledgers only.
	SimulatedBalances map[string]string `toml:"simulated_balances"`
}

// VaultConfig holds the secret sealing parameters.
type VaultConfig struct {
	Passphrase string `toml:"passphrase"`
	SaltHex    string `toml:"salt_hex"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	StreamLen  int64  `toml:"stream_len"`
	// Namespace prefixes every key so relayers can share one Redis.
	Namespace string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NATSConfig holds the chain event feed connection.
type NATSConfig struct {
	URL           string   `toml:"url"`
	Name          string   `toml:"name"`
	JetStream     bool     `toml:"jetstream"`
	Durable       string   `toml:"durable"`
	ReconnectWait duration `toml:"reconnect_wait"`
	Timeout       duration `toml:"timeout"`
}

// ArchiveConfig holds the terminal-order archive sweep parameters.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"`
	BatchSize int      `toml:"batch_size"`
	Prefix    string   `toml:"prefix"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKeys     []string `toml:"api_keys"`
	CORSOrigins []string `toml:"cors_origins"`

	// Per-client request cap; enforced only when Redis is enabled.
	RequestLimit  int      `toml:"request_limit"`
	RequestWindow duration `toml:"request_window"`
}

// NotifyConfig holds operator alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// Cooldown suppresses repeats of an identical alert.
	Cooldown duration `toml:"cooldown"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Relayer: RelayerConfig{
			DomainName:          "FusionRelay",
			DomainVersion:       "1",
			ChainID:             1,
			InboxSize:           1024,
			EventBufferTTL:      duration{2 * time.Minute},
			SweepInterval:       duration{5 * time.Second},
			AutoReveal:          true,
			LockTTL:             duration{30 * time.Second},
			UnobservedLockGrace: duration{10 * time.Minute},
		},
		OrderBook: OrderBookConfig{
			MinSourceAmount: "1000",
		},
		Auction: AuctionConfig{
			Duration:        duration{2 * time.Minute},
			StartPremiumBps: 500,
			BidRateLimit:    30,
			BidRateWindow:   duration{time.Minute},
		},
		Planner: PlannerConfig{
			MinFillRatio:   0.10,
			RatioStep:      0.01,
			VariableFeeBps: 0,
		},
		HTLC: HTLCConfig{
			SourceTimeout:        duration{2 * time.Hour},
			SafetyMargin:         duration{time.Hour},
			TimelockGuard:        duration{time.Minute},
			MinDestinationWindow: duration{15 * time.Minute},
			MinTimelock:          duration{time.Hour},
			MaxTimelock:          duration{48 * time.Hour},
		},
		Executor: ExecutorConfig{
			MaxAttempts:    6,
			BaseDelay:      duration{500 * time.Millisecond},
			MaxDelay:       duration{30 * time.Second},
			SubmitTimeout:  duration{30 * time.Second},
			IdempotencyTTL: duration{72 * time.Hour},
		},
		Monitor: MonitorConfig{
			DedupTTL:        duration{time.Hour},
			DedupMaxEntries: 100_000,
			ResubscribeBase: duration{time.Second},
			ResubscribeMax:  duration{time.Minute},
			ChannelSize:     256,
		},
		Chains: ChainsConfig{
			Source: ChainConfig{
				Name:        "eos",
				AdapterURL:  "http://localhost:7001",
				NATSSubject: "htlc.eos.events",
			},
			Destination: ChainConfig{
				Name:        "algorand",
				AdapterURL:  "http://localhost:7002",
				NATSSubject: "htlc.algorand.events",
			},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "fusionrelay",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			StreamLen:  10_000,
			Namespace:  "fusionrelay",
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "fusionrelay-archive",
			ForcePathStyle: true,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "fusionrelay",
			JetStream:     false,
			Durable:       "fusionrelay-monitor",
			ReconnectWait: duration{2 * time.Second},
			Timeout:       duration{10 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Interval:  duration{time.Hour},
			Retention: duration{24 * time.Hour},
			BatchSize: 500,
			Prefix:    "archive",
		},
		Server: ServerConfig{
			Enabled:       true,
			Port:          8080,
			CORSOrigins:   []string{"http://localhost:3000"},
			RequestLimit:  120,
			RequestWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"leg_stuck", "invariant_violation", "order_refunded"},
			Cooldown: duration{10 * time.Minute},
		},
		Mode:     "relayer",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"relayer":  true,
	"simulate": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// MinSourceAmount parses OrderBook.MinSourceAmount.
func (c *Config) MinSourceAmount() (*big.Int, bool) {
	return new(big.Int).SetString(strings.TrimSpace(c.OrderBook.MinSourceAmount), 10)
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: relayer, simulate)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Relayer
	if c.Relayer.DomainName == "" || c.Relayer.DomainVersion == "" {
		errs = append(errs, "relayer: domain_name and domain_version must be set")
	}
	if c.Relayer.ChainID <= 0 {
		errs = append(errs, "relayer: chain_id must be positive")
	}
	if c.Relayer.InboxSize < 1 {
		errs = append(errs, "relayer: inbox_size must be >= 1")
	}
	if c.Relayer.EventBufferTTL.Duration <= 0 {
		errs = append(errs, "relayer: event_buffer_ttl must be > 0")
	}
	if c.Relayer.SweepInterval.Duration <= 0 {
		errs = append(errs, "relayer: sweep_interval must be > 0")
	}

	// Order book
	if n, ok := c.MinSourceAmount(); !ok || n.Sign() < 0 {
		errs = append(errs, fmt.Sprintf("orderbook: min_source_amount %q is not a non-negative integer", c.OrderBook.MinSourceAmount))
	}

	// Auction
	if c.Auction.Duration.Duration <= 0 {
		errs = append(errs, "auction: duration must be > 0")
	}
	if c.Auction.StartPremiumBps < 0 {
		errs = append(errs, "auction: start_premium_bps must be >= 0")
	}

	// Planner
	if c.Planner.MinFillRatio <= 0 || c.Planner.MinFillRatio > 1 {
		errs = append(errs, "planner: min_fill_ratio must be in (0, 1]")
	}
	if c.Planner.RatioStep <= 0 || c.Planner.RatioStep > 1 {
		errs = append(errs, "planner: ratio_step must be in (0, 1]")
	}
	if c.Planner.VariableFeeBps < 0 {
		errs = append(errs, "planner: variable_fee_bps must be >= 0")
	}

	// HTLC: the destination timelock (source - margin - guard) must leave a
	// usable window, and the guard keeps the ordering strict.
	h := c.HTLC
	if h.SafetyMargin.Duration <= 0 {
		errs = append(errs, "htlc: safety_margin must be > 0")
	}
	if h.TimelockGuard.Duration <= 0 {
		errs = append(errs, "htlc: timelock_guard must be > 0")
	}
	if h.MinTimelock.Duration <= 0 || h.MaxTimelock.Duration < h.MinTimelock.Duration {
		errs = append(errs, "htlc: need 0 < min_timelock <= max_timelock")
	}
	if h.SourceTimeout.Duration < h.MinTimelock.Duration || h.SourceTimeout.Duration > h.MaxTimelock.Duration {
		errs = append(errs, "htlc: source_timeout must lie within [min_timelock, max_timelock]")
	}
	if h.SourceTimeout.Duration-h.SafetyMargin.Duration-h.TimelockGuard.Duration < h.MinDestinationWindow.Duration {
		errs = append(errs, "htlc: source_timeout - safety_margin - timelock_guard must be >= min_destination_window")
	}

	// Executor
	if c.Executor.MaxAttempts < 1 {
		errs = append(errs, "executor: max_attempts must be >= 1")
	}
	if c.Executor.BaseDelay.Duration <= 0 || c.Executor.MaxDelay.Duration < c.Executor.BaseDelay.Duration {
		errs = append(errs, "executor: need 0 < base_delay <= max_delay")
	}
	if c.Executor.SubmitTimeout.Duration <= 0 {
		errs = append(errs, "executor: submit_timeout must be > 0")
	}

	// Monitor
	if c.Monitor.DedupTTL.Duration <= 0 || c.Monitor.DedupMaxEntries < 1 {
		errs = append(errs, "monitor: dedup_ttl and dedup_max_entries must be positive")
	}
	if c.Monitor.ResubscribeBase.Duration <= 0 || c.Monitor.ResubscribeMax.Duration < c.Monitor.ResubscribeBase.Duration {
		errs = append(errs, "monitor: need 0 < resubscribe_base <= resubscribe_max")
	}

	// Chains
	if c.Chains.Source.Name == "" || c.Chains.Destination.Name == "" {
		errs = append(errs, "chains: source.name and destination.name must be set")
	}
	if c.Chains.Source.Name == c.Chains.Destination.Name {
		errs = append(errs, "chains: source and destination must differ")
	}

	if mode == "relayer" {
		if c.Chains.Source.AdapterURL == "" || c.Chains.Destination.AdapterURL == "" {
			errs = append(errs, "chains: adapter_url is required for both chains in relayer mode")
		}
		if c.NATS.URL == "" {
			errs = append(errs, "nats: url is required in relayer mode")
		}
		if c.Vault.Passphrase == "" || c.Vault.SaltHex == "" {
			errs = append(errs, "vault: passphrase and salt_hex are required in relayer mode")
		}
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: need 0 <= pool_min_conns <= pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if strings.ContainsAny(c.Redis.Namespace, ": ") {
			errs = append(errs, "redis: namespace must not contain ':' or spaces")
		}
	}

	// S3 / archive
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}
	if c.Archive.Enabled {
		if !c.S3.Enabled {
			errs = append(errs, "archive: requires s3.enabled")
		}
		if c.Archive.Interval.Duration <= 0 || c.Archive.BatchSize < 1 {
			errs = append(errs, "archive: interval and batch_size must be positive")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
