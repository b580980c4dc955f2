package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	s3blob "github.com/alanyoungcy/fusionrelay/internal/blob/s3"
	"github.com/alanyoungcy/fusionrelay/internal/cache/redis"
	ledger "github.com/alanyoungcy/fusionrelay/internal/chain/memory"
	"github.com/alanyoungcy/fusionrelay/internal/chain/remote"
	"github.com/alanyoungcy/fusionrelay/internal/config"
	"github.com/alanyoungcy/fusionrelay/internal/crypto"
	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/executor"
	"github.com/alanyoungcy/fusionrelay/internal/notify"
	"github.com/alanyoungcy/fusionrelay/internal/service"
	"github.com/alanyoungcy/fusionrelay/internal/store/memory"
	"github.com/alanyoungcy/fusionrelay/internal/store/postgres"
)

// Dependencies bundles the concrete backends the modes run on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	States  domain.OrderStateStore
	Secrets domain.SecretStore
	Audit   domain.AuditStore

	// Coordination. Locks, Limiter and Bus stay nil without Redis.
	Idempotency domain.IdempotencyStore
	Locks       domain.LockManager
	Limiter     domain.RateLimiter
	Bus         domain.SignalBus

	// Blob storage, nil unless s3.enabled.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Chains keyed by chain name. Ledgers is only set in simulate mode.
	Chains  map[string]domain.ChainAdapter
	Ledgers []*ledger.Ledger

	Sealer   *crypto.Sealer
	Notifier *notify.Notifier

	// HealthChecks are reported by GET /api/health.
	HealthChecks map[string]service.HealthCheck
}

// needsPostgres returns true for modes that persist order state.
func needsPostgres(mode string) bool {
	return mode == "relayer"
}

// Wire constructs every backend the configured mode needs and returns them
// with a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{HealthChecks: make(map[string]service.HealthCheck)}

	// --- PostgreSQL (relayer mode) or in-process stores ---
	if needsPostgres(mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		}, logger)
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		deps.States = postgres.NewOrderStateStore(pool)
		deps.Secrets = postgres.NewSecretStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = pgClient.Ping
	} else {
		deps.States = memory.NewOrderStateStore()
		deps.Secrets = memory.NewSecretStore()
		deps.Audit = memory.NewAuditStore(10_000)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Idempotency = redis.NewIdempotencyStore(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient, cfg.Redis.StreamLen)
		deps.HealthChecks["redis"] = redisClient.Ping
	} else {
		logger.WarnContext(ctx, "redis disabled; idempotency is process-local and rate limits are off")
		deps.Idempotency = executor.NewDedup()
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Chains ---
	switch mode {
	case "simulate":
		chains, ledgers, err := simulatedChains(cfg)
		if err != nil {
			return fail("simulated chains", err)
		}
		deps.Chains = chains
		deps.Ledgers = ledgers
	default:
		conn, err := remote.ConnectNATS(natsOptions(cfg), logger)
		if err != nil {
			return fail("nats", err)
		}
		closers = append(closers, conn.Close)
		deps.Chains = remoteChains(cfg, conn, logger)
		deps.HealthChecks["nats"] = func(context.Context) error {
			if conn.Status() != nats.CONNECTED {
				return fmt.Errorf("nats %s", conn.Status())
			}
			return nil
		}
	}

	// --- Secret sealing ---
	sealer, err := wireSealer(ctx, cfg, mode, logger)
	if err != nil {
		return fail("vault sealer", err)
	}
	deps.Sealer = sealer

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	return deps, cleanup, nil
}

func natsOptions(cfg *config.Config) remote.NATSOptions {
	return remote.NATSOptions{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name,
		JetStream:     cfg.NATS.JetStream,
		Durable:       cfg.NATS.Durable,
		ReconnectWait: cfg.NATS.ReconnectWait.Duration,
		Timeout:       cfg.NATS.Timeout.Duration,
	}
}

// remoteChains builds one adapter per configured chain: HMAC-signed HTTP for
// submissions, a shared NATS connection for events.
func remoteChains(cfg *config.Config, conn *nats.Conn, logger *slog.Logger) map[string]domain.ChainAdapter {
	chains := make(map[string]domain.ChainAdapter, 2)
	for _, cc := range []config.ChainConfig{cfg.Chains.Source, cfg.Chains.Destination} {
		sub := remote.NewSubmitter(cc.Name, cc.AdapterURL, &crypto.HMACAuth{Key: cc.APIKey, Secret: cc.APISecret})
		events := remote.NewEventStream(cc.Name, cc.NATSSubject, conn, natsOptions(cfg), logger)
		chains[cc.Name] = remote.NewAdapter(cc.Name, sub, events)
	}
	return chains
}

// simulatedChains builds an in-process ledger per configured chain.
func simulatedChains(cfg *config.Config) (map[string]domain.ChainAdapter, []*ledger.Ledger, error) {
	chains := make(map[string]domain.ChainAdapter, 2)
	var ledgers []*ledger.Ledger
	for _, cc := range []config.ChainConfig{cfg.Chains.Source, cfg.Chains.Destination} {
		balances, err := parseBalances(cc.SimulatedBalances)
		if err != nil {
			return nil, nil, fmt.Errorf("chain %s: %w", cc.Name, err)
		}
		l := ledger.NewLedger(cc.Name, balances)
		chains[cc.Name] = l
		ledgers = append(ledgers, l)
	}
	return chains, ledgers, nil
}

// parseBalances converts base-unit strings; an empty map means unlimited.
func parseBalances(raw map[string]string) (map[string]*big.Int, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]*big.Int, len(raw))
	for account, s := range raw {
		n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
		if !ok || n.Sign() < 0 {
			return nil, fmt.Errorf("balance %q for %s is not a non-negative integer", s, account)
		}
		out[account] = n
	}
	return out, nil
}

// wireSealer builds the vault sealer. Simulate mode falls back to an
// ephemeral key; secrets sealed with it do not survive a restart.
func wireSealer(ctx context.Context, cfg *config.Config, mode string, logger *slog.Logger) (*crypto.Sealer, error) {
	passphrase, salt := cfg.Vault.Passphrase, cfg.Vault.SaltHex
	if passphrase == "" || salt == "" {
		if mode != "simulate" {
			return nil, errors.New("vault passphrase and salt_hex are required")
		}
		var err error
		if salt, err = crypto.RandomSaltHex(); err != nil {
			return nil, err
		}
		passphrase = uuid.NewString()
		logger.WarnContext(ctx, "using an ephemeral vault key")
	}
	return crypto.NewSealer(passphrase, salt)
}
