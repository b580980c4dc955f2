package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path (skipped when path is empty),
// merges it on top of the built-in defaults, applies FUSIONRELAY_* environment
// variable overrides, and returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FUSIONRELAY_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Relayer ──
	setInt64(&cfg.Relayer.ChainID, "FUSIONRELAY_RELAYER_CHAIN_ID")
	setInt(&cfg.Relayer.InboxSize, "FUSIONRELAY_RELAYER_INBOX_SIZE")
	setDuration(&cfg.Relayer.EventBufferTTL, "FUSIONRELAY_RELAYER_EVENT_BUFFER_TTL")
	setDuration(&cfg.Relayer.SweepInterval, "FUSIONRELAY_RELAYER_SWEEP_INTERVAL")
	setBool(&cfg.Relayer.AutoReveal, "FUSIONRELAY_RELAYER_AUTO_REVEAL")

	// ── Order book / auction / planner ──
	setStr(&cfg.OrderBook.MinSourceAmount, "FUSIONRELAY_ORDERBOOK_MIN_SOURCE_AMOUNT")
	setDuration(&cfg.Auction.Duration, "FUSIONRELAY_AUCTION_DURATION")
	setInt(&cfg.Auction.StartPremiumBps, "FUSIONRELAY_AUCTION_START_PREMIUM_BPS")
	setInt(&cfg.Auction.BidRateLimit, "FUSIONRELAY_AUCTION_BID_RATE_LIMIT")
	setFloat64(&cfg.Planner.MinFillRatio, "FUSIONRELAY_PLANNER_MIN_FILL_RATIO")
	setFloat64(&cfg.Planner.RatioStep, "FUSIONRELAY_PLANNER_RATIO_STEP")
	setInt(&cfg.Planner.VariableFeeBps, "FUSIONRELAY_PLANNER_VARIABLE_FEE_BPS")

	// ── HTLC ──
	setDuration(&cfg.HTLC.SourceTimeout, "FUSIONRELAY_HTLC_SOURCE_TIMEOUT")
	setDuration(&cfg.HTLC.SafetyMargin, "FUSIONRELAY_HTLC_SAFETY_MARGIN")
	setDuration(&cfg.HTLC.TimelockGuard, "FUSIONRELAY_HTLC_TIMELOCK_GUARD")
	setDuration(&cfg.HTLC.MinDestinationWindow, "FUSIONRELAY_HTLC_MIN_DESTINATION_WINDOW")

	// ── Executor ──
	setInt(&cfg.Executor.MaxAttempts, "FUSIONRELAY_EXECUTOR_MAX_ATTEMPTS")
	setDuration(&cfg.Executor.BaseDelay, "FUSIONRELAY_EXECUTOR_BASE_DELAY")
	setDuration(&cfg.Executor.MaxDelay, "FUSIONRELAY_EXECUTOR_MAX_DELAY")

	// ── Chains ──
	setStr(&cfg.Chains.Source.Name, "FUSIONRELAY_CHAINS_SOURCE_NAME")
	setStr(&cfg.Chains.Source.AdapterURL, "FUSIONRELAY_CHAINS_SOURCE_ADAPTER_URL")
	setStr(&cfg.Chains.Source.APIKey, "FUSIONRELAY_CHAINS_SOURCE_API_KEY")
	setStr(&cfg.Chains.Source.APISecret, "FUSIONRELAY_CHAINS_SOURCE_API_SECRET")
	setStr(&cfg.Chains.Source.NATSSubject, "FUSIONRELAY_CHAINS_SOURCE_NATS_SUBJECT")
	setStr(&cfg.Chains.Destination.Name, "FUSIONRELAY_CHAINS_DESTINATION_NAME")
	setStr(&cfg.Chains.Destination.AdapterURL, "FUSIONRELAY_CHAINS_DESTINATION_ADAPTER_URL")
	setStr(&cfg.Chains.Destination.APIKey, "FUSIONRELAY_CHAINS_DESTINATION_API_KEY")
	setStr(&cfg.Chains.Destination.APISecret, "FUSIONRELAY_CHAINS_DESTINATION_API_SECRET")
	setStr(&cfg.Chains.Destination.NATSSubject, "FUSIONRELAY_CHAINS_DESTINATION_NATS_SUBJECT")

	// ── Vault ──
	setStr(&cfg.Vault.Passphrase, "FUSIONRELAY_VAULT_PASSPHRASE")
	setStr(&cfg.Vault.SaltHex, "FUSIONRELAY_VAULT_SALT_HEX")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FUSIONRELAY_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "FUSIONRELAY_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FUSIONRELAY_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FUSIONRELAY_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FUSIONRELAY_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FUSIONRELAY_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FUSIONRELAY_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FUSIONRELAY_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FUSIONRELAY_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FUSIONRELAY_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "FUSIONRELAY_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "FUSIONRELAY_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FUSIONRELAY_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FUSIONRELAY_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FUSIONRELAY_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FUSIONRELAY_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FUSIONRELAY_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "FUSIONRELAY_REDIS_NAMESPACE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "FUSIONRELAY_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "FUSIONRELAY_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FUSIONRELAY_S3_REGION")
	setStr(&cfg.S3.Bucket, "FUSIONRELAY_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FUSIONRELAY_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FUSIONRELAY_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FUSIONRELAY_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FUSIONRELAY_S3_FORCE_PATH_STYLE")

	// ── NATS ──
	setStr(&cfg.NATS.URL, "FUSIONRELAY_NATS_URL")
	setBool(&cfg.NATS.JetStream, "FUSIONRELAY_NATS_JETSTREAM")
	setStr(&cfg.NATS.Durable, "FUSIONRELAY_NATS_DURABLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "FUSIONRELAY_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "FUSIONRELAY_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "FUSIONRELAY_ARCHIVE_RETENTION")
	setInt(&cfg.Archive.BatchSize, "FUSIONRELAY_ARCHIVE_BATCH_SIZE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FUSIONRELAY_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FUSIONRELAY_SERVER_PORT")
	setStringSlice(&cfg.Server.APIKeys, "FUSIONRELAY_SERVER_API_KEYS")
	setStringSlice(&cfg.Server.CORSOrigins, "FUSIONRELAY_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RequestLimit, "FUSIONRELAY_SERVER_REQUEST_LIMIT")
	setDuration(&cfg.Server.RequestWindow, "FUSIONRELAY_SERVER_REQUEST_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FUSIONRELAY_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FUSIONRELAY_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FUSIONRELAY_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FUSIONRELAY_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "FUSIONRELAY_MODE")
	setStr(&cfg.LogLevel, "FUSIONRELAY_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
