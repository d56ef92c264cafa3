package config

import "slices"

const redacted = "***"

// RedactedConfig returns a copy of cfg safe to log: secrets are replaced by
// "***" and slices are copied so the original cannot be mutated through it.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Account.PrivateKey)
	redact(&out.Account.KeyringPassword)
	redact(&out.Ledger.APISecret)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Arbitrage.Pairs = slices.Clone(cfg.Arbitrage.Pairs)
	out.Arbitrage.Origins = slices.Clone(cfg.Arbitrage.Origins)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
