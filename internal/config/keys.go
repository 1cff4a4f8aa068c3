package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	// account names the secret in the secret store.
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "COMMANDER_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.default_owner", typ: kString, env: "COMMANDER_SERVER_DEFAULT_OWNER",
		apply:   func(cfg *Config, v any) { cfg.Server.DefaultOwner = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.DefaultOwner },
	},
	{
		key: "llm.base_url", typ: kString, env: "COMMANDER_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "COMMANDER_LLM_API_KEY",
		secret: true, account: "llm_api_key",
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.model", typ: kString, env: "COMMANDER_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.temperature", typ: kFloat, env: "COMMANDER_LLM_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "embedding.base_url", typ: kString, env: "COMMANDER_EMBEDDING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.model", typ: kString, env: "COMMANDER_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.max_tokens", typ: kInt, env: "COMMANDER_EMBEDDING_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.MaxTokens },
	},
	{
		key: "embedding.tokenizer_model", typ: kString, env: "COMMANDER_EMBEDDING_TOKENIZER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.TokenizerModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.TokenizerModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "COMMANDER_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "history.semantic_limit", typ: kInt, env: "COMMANDER_HISTORY_SEMANTIC_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.History.SemanticLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.History.SemanticLimit },
	},
	{
		key: "history.recent_limit", typ: kInt, env: "COMMANDER_HISTORY_RECENT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.History.RecentLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.History.RecentLimit },
	},
	{
		key: "history.score_threshold", typ: kFloat, env: "COMMANDER_HISTORY_SCORE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.History.ScoreThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.History.ScoreThreshold },
	},
	{
		key: "worker.poll_interval", typ: kString, env: "COMMANDER_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "log.level", typ: kString, env: "COMMANDER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "smtp.host", typ: kString, env: "COMMANDER_SMTP_HOST",
		apply:   func(cfg *Config, v any) { cfg.SMTP.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.SMTP.Host },
	},
	{
		key: "smtp.port", typ: kInt, env: "COMMANDER_SMTP_PORT",
		apply:   func(cfg *Config, v any) { cfg.SMTP.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.SMTP.Port },
	},
	{
		key: "smtp.username", typ: kString, env: "COMMANDER_SMTP_USERNAME",
		apply:   func(cfg *Config, v any) { cfg.SMTP.Username = v.(string) },
		extract: func(cfg Config) any { return cfg.SMTP.Username },
	},
	{
		key: "smtp.password", typ: kString, env: "COMMANDER_SMTP_PASSWORD",
		secret: true, account: "smtp_password",
		apply:   func(cfg *Config, v any) { cfg.SMTP.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.SMTP.Password },
	},
	{
		key: "smtp.starttls", typ: kBool, env: "COMMANDER_SMTP_STARTTLS",
		apply:   func(cfg *Config, v any) { cfg.SMTP.StartTLS = v.(bool) },
		extract: func(cfg Config) any { return cfg.SMTP.StartTLS },
	},
	{
		key: "smtp.from", typ: kString, env: "COMMANDER_SMTP_FROM",
		apply:   func(cfg *Config, v any) { cfg.SMTP.From = v.(string) },
		extract: func(cfg Config) any { return cfg.SMTP.From },
	},
	{
		key: "imap.host", typ: kString, env: "COMMANDER_IMAP_HOST",
		apply:   func(cfg *Config, v any) { cfg.IMAP.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.IMAP.Host },
	},
	{
		key: "imap.port", typ: kInt, env: "COMMANDER_IMAP_PORT",
		apply:   func(cfg *Config, v any) { cfg.IMAP.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.IMAP.Port },
	},
	{
		key: "imap.username", typ: kString, env: "COMMANDER_IMAP_USERNAME",
		apply:   func(cfg *Config, v any) { cfg.IMAP.Username = v.(string) },
		extract: func(cfg Config) any { return cfg.IMAP.Username },
	},
	{
		key: "imap.password", typ: kString, env: "COMMANDER_IMAP_PASSWORD",
		secret: true, account: "imap_password",
		apply:   func(cfg *Config, v any) { cfg.IMAP.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.IMAP.Password },
	},
	{
		key: "imap.tls", typ: kBool, env: "COMMANDER_IMAP_TLS",
		apply:   func(cfg *Config, v any) { cfg.IMAP.TLS = v.(bool) },
		extract: func(cfg Config) any { return cfg.IMAP.TLS },
	},
	{
		key: "imap.drafts_folder", typ: kString, env: "COMMANDER_IMAP_DRAFTS_FOLDER",
		apply:   func(cfg *Config, v any) { cfg.IMAP.DraftsFolder = v.(string) },
		extract: func(cfg Config) any { return cfg.IMAP.DraftsFolder },
	},
	{
		key: "caldav.endpoint", typ: kString, env: "COMMANDER_CALDAV_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.CalDAV.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.CalDAV.Endpoint },
	},
	{
		key: "caldav.username", typ: kString, env: "COMMANDER_CALDAV_USERNAME",
		apply:   func(cfg *Config, v any) { cfg.CalDAV.Username = v.(string) },
		extract: func(cfg Config) any { return cfg.CalDAV.Username },
	},
	{
		key: "caldav.password", typ: kString, env: "COMMANDER_CALDAV_PASSWORD",
		secret: true, account: "caldav_password",
		apply:   func(cfg *Config, v any) { cfg.CalDAV.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.CalDAV.Password },
	},
	{
		key: "caldav.calendar_path", typ: kString, env: "COMMANDER_CALDAV_CALENDAR_PATH",
		apply:   func(cfg *Config, v any) { cfg.CalDAV.CalendarPath = v.(string) },
		extract: func(cfg Config) any { return cfg.CalDAV.CalendarPath },
	},
	{
		key: "github.token", typ: kString, env: "COMMANDER_GITHUB_TOKEN",
		secret: true, account: "github_token",
		apply:   func(cfg *Config, v any) { cfg.GitHub.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.GitHub.Token },
	},
	{
		key: "github.base_url", typ: kString, env: "COMMANDER_GITHUB_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.GitHub.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.GitHub.BaseURL },
	},
	{
		key: "slack.token", typ: kString, env: "COMMANDER_SLACK_TOKEN",
		secret: true, account: "slack_token",
		apply:   func(cfg *Config, v any) { cfg.Slack.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Slack.Token },
	},
	{
		key: "slack.base_url", typ: kString, env: "COMMANDER_SLACK_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Slack.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Slack.BaseURL },
	},
}

func findSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// applySecrets fills secrets the environment left empty from the secret
// store. A missing entry is not an error.
func applySecrets(cfg *Config, kc SecretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := kc.Get(secretService, s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
