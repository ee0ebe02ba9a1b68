package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

type keySpec struct {
	key     string
	typ     keyType
	env     string
	aliases []string // extra env vars consulted when env is unset
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LORE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "LORE_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "ollama.base_url", typ: kString, env: "LORE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "LORE_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LORE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "LORE_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "proxy.default_model", typ: kString, env: "LORE_PROXY_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.DefaultModel },
	},
	{
		key: "vector.url", typ: kString, env: "LORE_VECTOR_URL", aliases: []string{"DATABASE_URL"},
		apply:   func(cfg *Config, v any) { cfg.Vector.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.URL },
	},
	{
		key: "vector.table", typ: kString, env: "LORE_VECTOR_TABLE",
		apply:   func(cfg *Config, v any) { cfg.Vector.Table = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.Table },
	},
	{
		key: "vector.search_mode", typ: kString, env: "LORE_VECTOR_SEARCH_MODE",
		apply:   func(cfg *Config, v any) { cfg.Vector.SearchMode = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.SearchMode },
	},
	{
		key: "learnings.fallback_dedup", typ: kBool, env: "LORE_LEARNINGS_FALLBACK_DEDUP",
		apply:   func(cfg *Config, v any) { cfg.Learnings.FallbackDedup = v.(bool) },
		extract: func(cfg Config) any { return cfg.Learnings.FallbackDedup },
	},
	{
		key: "learnings.case_sensitive", typ: kBool, env: "LORE_LEARNINGS_CASE_SENSITIVE",
		apply:   func(cfg *Config, v any) { cfg.Learnings.CaseSensitive = v.(bool) },
		extract: func(cfg Config) any { return cfg.Learnings.CaseSensitive },
	},
	{
		key: "history.max_messages", typ: kInt, env: "LORE_HISTORY_MAX_MESSAGES",
		apply:   func(cfg *Config, v any) { cfg.History.MaxMessages = v.(int) },
		extract: func(cfg Config) any { return cfg.History.MaxMessages },
	},
	{
		key: "history.max_age", typ: kDuration, env: "LORE_HISTORY_MAX_AGE",
		apply:   func(cfg *Config, v any) { cfg.History.MaxAge = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.History.MaxAge },
	},
	{
		key: "history.agent_runs", typ: kInt, env: "LORE_HISTORY_AGENT_RUNS",
		apply:   func(cfg *Config, v any) { cfg.History.AgentRuns = v.(int) },
		extract: func(cfg Config) any { return cfg.History.AgentRuns },
	},
	{
		key: "composer.max_context_tokens", typ: kInt, env: "LORE_COMPOSER_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Composer.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Composer.MaxContextTokens },
	},
	{
		key: "log.level", typ: kString, env: "LORE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw into the Go type expected by the key.
func (s keySpec) parseValue(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Get(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parseValue(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func lookupEnv(s keySpec) (string, string) {
	if raw := os.Getenv(s.env); raw != "" {
		return s.env, raw
	}
	for _, alias := range s.aliases {
		if raw := os.Getenv(alias); raw != "" {
			return alias, raw
		}
	}
	return "", ""
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		name, raw := lookupEnv(s)
		if raw == "" {
			continue
		}
		v, err := s.parseValue(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, name, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
