package config

import "maps"

// RedactedConfig returns a copy of cfg with secrets replaced by "***", safe
// to log. Slices and maps are copied so the result shares no state with cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}
	if cfg.Server.TrustedProxies != nil {
		out.Server.TrustedProxies = append([]string(nil), cfg.Server.TrustedProxies...)
	}
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Bots != nil {
		out.Bots = make([]BotConfig, len(cfg.Bots))
		for i, b := range cfg.Bots {
			b.Params = maps.Clone(b.Params)
			out.Bots[i] = b
		}
	}
	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
