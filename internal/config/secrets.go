package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Chains
	redact(&out.Chains.Source.APIKey)
	redact(&out.Chains.Source.APISecret)
	redact(&out.Chains.Destination.APIKey)
	redact(&out.Chains.Destination.APISecret)

	// Vault
	redact(&out.Vault.Passphrase)
	redact(&out.Vault.SaltHex)

	// Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Server.APIKeys != nil {
		out.Server.APIKeys = make([]string, len(cfg.Server.APIKeys))
		for i := range cfg.Server.APIKeys {
			out.Server.APIKeys[i] = redacted
		}
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}

	// Copy maps so mutations to the redacted copy do not affect the original.
	out.Chains.Source.SimulatedBalances = copyMap(cfg.Chains.Source.SimulatedBalances)
	out.Chains.Destination.SimulatedBalances = copyMap(cfg.Chains.Destination.SimulatedBalances)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
