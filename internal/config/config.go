package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"compactbot/internal/models"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	BackendChromem  = "chromem"
	BackendPgvector = "pgvector"

	VariantChain  = "chain"
	VariantDirect = "direct"

	defaultDocsDir        = "Docs/"
	defaultPersistDir     = "./chroma_db"
	defaultCollection     = "compact_docs"
	defaultChunkSize      = 1000
	defaultChunkOverlap   = 50
	defaultTopK           = 4
	defaultInferenceModel = "gpt-4-1106-preview"
	defaultEmbeddingModel = "text-embedding-ada-002"
	defaultOllamaURL      = "http://localhost:11434"
	defaultBatchSize      = 64
)

type Config struct {
	LogLevel string         `yaml:"log_level"`
	RAG      RAGConfig      `yaml:"rag"`
	EmbedLLM LLMConfig      `yaml:"embed_llm"`
	ChatLLM  LLMConfig      `yaml:"chat_llm"`
	Database DatabaseConfig `yaml:"database"`
	History  HistoryConfig  `yaml:"history"`

	Secrets Secrets `yaml:"-"`
}

type RAGConfig struct {
	DocsDir    string   `yaml:"docs_dir"`
	Extensions []string `yaml:"extensions"`
	PersistDir string   `yaml:"persist_dir"`
	Collection string   `yaml:"collection"`
	Backend    string   `yaml:"backend"`

	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	TopK         int `yaml:"top_k"`

	// 0 disables the check
	MaxPromptChars int    `yaml:"max_prompt_chars"`
	PromptFile     string `yaml:"prompt_file"`

	// SkipFingerprint falls back to a plain manifest existence check.
	SkipFingerprint bool   `yaml:"skip_fingerprint"`
	EncryptionKey   string `yaml:"encryption_key"`

	Variant string `yaml:"variant"`
	Stream  bool   `yaml:"stream"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Key         string  `yaml:"key"`
	Temperature float64 `yaml:"temperature"`
	BatchSize   int     `yaml:"batch_size"`
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	Debug    bool   `yaml:"debug"`
}

type HistoryConfig struct {
	// 0 keeps every turn
	MaxTurns int `yaml:"max_turns"`
}

// Secrets are read from the environment (and a .env file), never from YAML.
type Secrets struct {
	OpenAIAPIKey string `envconfig:"OPENAI_API_KEY"`
	SentryDSN    string `envconfig:"SENTRY_DSN"`
}

// LoadConfig reads the YAML config at path. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	if err := LoadSecrets(&cfg); err != nil {
		return nil, err
	}
	applyConfigDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadSecrets fills cfg.Secrets from the environment after loading an optional .env file.
func LoadSecrets(cfg *Config) error {
	_ = godotenv.Load()

	if err := envconfig.Process("", &cfg.Secrets); err != nil {
		return fmt.Errorf("failed to process environment: %w", err)
	}
	return nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	r := &cfg.RAG
	if r.DocsDir == "" {
		r.DocsDir = defaultDocsDir
	}
	if len(r.Extensions) == 0 {
		r.Extensions = []string{".pdf"}
	}
	if r.PersistDir == "" {
		r.PersistDir = defaultPersistDir
	}
	if r.Collection == "" {
		r.Collection = defaultCollection
	}
	if r.Backend == "" {
		r.Backend = BackendChromem
	}
	if r.ChunkSize == 0 {
		r.ChunkSize = defaultChunkSize
		if r.ChunkOverlap == 0 {
			r.ChunkOverlap = defaultChunkOverlap
		}
	}
	if r.TopK == 0 {
		r.TopK = defaultTopK
	}
	if r.Variant == "" {
		r.Variant = VariantDirect
	}

	applyLLMDefaults(&cfg.EmbedLLM, defaultEmbeddingModel, cfg.Secrets.OpenAIAPIKey)
	applyLLMDefaults(&cfg.ChatLLM, defaultInferenceModel, cfg.Secrets.OpenAIAPIKey)
	if cfg.EmbedLLM.BatchSize == 0 {
		cfg.EmbedLLM.BatchSize = defaultBatchSize
	}
}

func applyLLMDefaults(c *LLMConfig, model, apiKey string) {
	if c.Provider == "" {
		c.Provider = ProviderOpenAI
	}
	if c.Model == "" {
		c.Model = model
	}
	if c.Provider == ProviderOllama && c.BaseURL == "" {
		c.BaseURL = defaultOllamaURL
	}
	if c.Provider == ProviderOpenAI && c.Key == "" {
		c.Key = apiKey
	}
}

// Validate rejects settings the pipeline can't run with.
func (c *Config) Validate() error {
	r := c.RAG
	if r.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", models.ErrInvalidConfig, r.ChunkSize)
	}
	if r.ChunkOverlap < 0 || r.ChunkOverlap >= r.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size), got %d", models.ErrInvalidConfig, r.ChunkOverlap)
	}
	if r.TopK < 0 {
		return fmt.Errorf("%w: top_k must not be negative", models.ErrInvalidConfig)
	}
	if r.MaxPromptChars < 0 || c.History.MaxTurns < 0 {
		return fmt.Errorf("%w: limits must not be negative", models.ErrInvalidConfig)
	}
	switch r.Backend {
	case BackendChromem:
	case BackendPgvector:
		if c.Database.DSN == "" {
			return fmt.Errorf("%w: database.dsn is required for the pgvector backend", models.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", models.ErrInvalidConfig, r.Backend)
	}
	switch r.Variant {
	case VariantChain, VariantDirect:
	default:
		return fmt.Errorf("%w: unknown variant %q", models.ErrInvalidConfig, r.Variant)
	}
	for _, llm := range []LLMConfig{c.EmbedLLM, c.ChatLLM} {
		if llm.Provider != ProviderOpenAI && llm.Provider != ProviderOllama {
			return fmt.Errorf("%w: unknown provider %q", models.ErrInvalidConfig, llm.Provider)
		}
	}
	return nil
}

// HasSentry reports whether failure reporting is configured.
func (c *Config) HasSentry() bool {
	return c.Secrets.SentryDSN != ""
}
