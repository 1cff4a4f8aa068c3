package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const secretService = "commander"

type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig
	Storage   StorageConfig
	History   HistoryConfig
	Worker    WorkerConfig
	Log       LogConfig
	SMTP      SMTPConfig
	IMAP      IMAPConfig
	CalDAV    CalDAVConfig
	GitHub    GitHubConfig
	Slack     SlackConfig
}

type ServerConfig struct {
	Port int
	// DefaultOwner is the owner the local API token is registered for.
	DefaultOwner string
}

// LLMConfig points at an OpenAI-compatible chat-completions endpoint.
type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
}

type EmbeddingConfig struct {
	BaseURL        string
	Model          string
	MaxTokens      int
	TokenizerModel string
}

type StorageConfig struct {
	DataDir string
}

type HistoryConfig struct {
	SemanticLimit  int
	RecentLimit    int
	ScoreThreshold float64
}

type WorkerConfig struct {
	PollInterval string
}

type LogConfig struct {
	Level string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	StartTLS bool
	From     string
}

type IMAPConfig struct {
	Host         string
	Port         int
	Username     string
	Password     string
	TLS          bool
	DraftsFolder string
}

type CalDAVConfig struct {
	Endpoint     string
	Username     string
	Password     string
	CalendarPath string
}

type GitHubConfig struct {
	Token   string
	BaseURL string
}

type SlackConfig struct {
	Token   string
	BaseURL string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         4100,
			DefaultOwner: "local",
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
		},
		Embedding: EmbeddingConfig{
			BaseURL:        "http://localhost:11434",
			Model:          "nomic-embed-text",
			MaxTokens:      8191,
			TokenizerModel: "text-embedding-3-small",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		History: HistoryConfig{
			SemanticLimit: 5,
			RecentLimit:   5,
		},
		Worker: WorkerConfig{PollInterval: "500ms"},
		Log:    LogConfig{Level: "info"},
		SMTP:   SMTPConfig{Port: 587, StartTLS: true},
		IMAP:   IMAPConfig{Port: 993, TLS: true, DraftsFolder: "Drafts"},
		Slack:  SlackConfig{BaseURL: "https://slack.com/api"},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.commander.app) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/commander/config.json
// and secrets fall back to $XDG_DATA_HOME/commander/secrets.json.
//
// Environment variables (COMMANDER_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// SecretStore abstracts Keychain access for testing.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, kc SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if cfg.LLM.APIKey == "" {
		msg := "missing required config: LLM API key. " +
			"Set it via environment variable COMMANDER_LLM_API_KEY" +
			apiKeyHint()
		return Config{}, errors.New(msg)
	}

	return cfg, nil
}

// GetAPIToken returns the local API bearer token, creating and storing a
// random one on first use.
func GetAPIToken(kc SecretStore) (string, error) {
	if tok, err := kc.Get(secretService, "api_token"); err == nil && tok != "" {
		return tok, nil
	}

	tok, err := NewToken()
	if err != nil {
		return "", err
	}
	if err := kc.Set(secretService, "api_token", tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// NewToken returns a random 32-byte hex bearer token.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewKeychain returns the platform secret store.
func NewKeychain() SecretStore { return keychainStore{} }

type keychainStore struct{}

func (keychainStore) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
