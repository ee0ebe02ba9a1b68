package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	appName            = "lore"
	keychainService    = appName
	keychainAPIKeyAcct = "openrouter_api_key"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Proxy     ProxyConfig
	Vector    VectorConfig
	Learnings LearningsConfig
	History   HistoryConfig
	Composer  ComposerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type ProxyConfig struct {
	OpenRouterAPIKey string
	DefaultModel     string
}

// VectorConfig selects the vector knowledge backend. An empty URL means
// the process runs with the local fallback store only.
type VectorConfig struct {
	URL        string
	Table      string
	SearchMode string
}

type LearningsConfig struct {
	FallbackDedup bool
	CaseSensitive bool
}

type HistoryConfig struct {
	MaxMessages int
	MaxAge      time.Duration
	AgentRuns   int
}

type ComposerConfig struct {
	MaxContextTokens int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Proxy: ProxyConfig{
			DefaultModel: "openai/gpt-4o-mini",
		},
		Vector: VectorConfig{
			Table:      "agent_learnings",
			SearchMode: "hybrid",
		},
		History: HistoryConfig{
			MaxMessages: 1000,
			AgentRuns:   5,
		},
		Composer: ComposerConfig{
			MaxContextTokens: 4000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a .env file in the working directory, the
// platform-native backend, environment variables, and the platform secret
// store, in increasing order of precedence for everything but secrets.
//
// On macOS the backend is UserDefaults (domain: com.lore.app) and the API
// key falls back to the macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/lore/config.json
// and the API key falls back to $XDG_DATA_HOME/lore/secrets.json.
//
// A missing API key is not an error: chat reports it to the user instead.
func Load() (Config, error) {
	// .env is optional; variables already set in the environment win.
	_ = godotenv.Load()
	return loadWith(newPlatformBackend(), keychainStore{})
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Proxy.OpenRouterAPIKey == "" {
		if key, err := kc.Get(keychainService, keychainAPIKeyAcct); err == nil && key != "" {
			cfg.Proxy.OpenRouterAPIKey = key
		}
	}

	return cfg, nil
}

// APIKeyHint tells the user where the provider key can be configured.
func APIKeyHint() string {
	return "set LORE_OPENROUTER_API_KEY" + apiKeyHint()
}

// SaveAPIKey stores the provider key in the platform secret store.
func SaveAPIKey(key string) error {
	return keychainStore{}.Set(keychainService, keychainAPIKeyAcct, strings.TrimSpace(key))
}

// keychainStore reads and writes the platform secret store.
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
