package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	LLM       LLMConfig       `toml:"llm"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Store     StoreConfig     `toml:"store"`
	Queue     QueueConfig     `toml:"queue"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Graph     GraphConfig     `toml:"graph"`
	Search    SearchConfig    `toml:"search"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ServerConfig struct {
	Addr           string `toml:"addr"`
	RequestTimeout int    `toml:"request_timeout_seconds"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
}

type EmbeddingConfig struct {
	BaseURL    string `toml:"base_url"`
	Model      string `toml:"model"`
	APIKey     string `toml:"api_key"`
	Dimensions int    `toml:"dimensions"`
}

// StoreConfig selects the vector/content/checkpoint backend. Backend is
// "sqlite" or "postgres"; Path feeds sqlite, DSN feeds postgres.
type StoreConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	DSN     string `toml:"dsn"`
}

type QueueConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Stream   string `toml:"stream"`
	Group    string `toml:"group"`
	Consumer string `toml:"consumer"`
}

type PipelineConfig struct {
	ReceiveMax     int `toml:"receive_max"`
	ReceiveWaitMS  int `toml:"receive_wait_ms"`
	MaxDLQAttempts int `toml:"max_dlq_attempts"`
}

type GraphConfig struct {
	TopK           int `toml:"top_k"`
	WidenThreshold int `toml:"widen_threshold"`
	MaxWidening    int `toml:"max_widening"`
	ToolTimeout    int `toml:"tool_timeout_seconds"`
	ToolRetries    int `toml:"tool_retries"`
}

type SearchConfig struct {
	BraveAPIKey string `toml:"brave_api_key"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:    ServerConfig{Addr: ":8080", RequestTimeout: 120},
		LLM:       LLMConfig{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
		Embedding: EmbeddingConfig{Model: "text-embedding-3-small", Dimensions: 1536},
		Store:     StoreConfig{Backend: "sqlite", Path: "cairn.db"},
		Queue:     QueueConfig{Addr: "localhost:6379"},
		Pipeline:  PipelineConfig{ReceiveMax: 16, ReceiveWaitMS: 1000, MaxDLQAttempts: 3},
		Graph:     GraphConfig{TopK: 10, WidenThreshold: 3, MaxWidening: 2, ToolTimeout: 10, ToolRetries: 2},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "cairn.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CAIRN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CAIRN_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CAIRN_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CAIRN_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("CAIRN_POSTGRES_DSN"); v != "" {
		cfg.Store.Backend = "postgres"
		cfg.Store.DSN = v
	}
	if v := os.Getenv("CAIRN_REDIS_ADDR"); v != "" {
		cfg.Queue.Addr = v
	}
	if v := os.Getenv("CAIRN_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Queue.DB = db
		}
	}
	if v := os.Getenv("CAIRN_BRAVE_API_KEY"); v != "" {
		cfg.Search.BraveAPIKey = v
	}
	if v := os.Getenv("CAIRN_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = cfg.LLM.BaseURL
	}

	return cfg
}
