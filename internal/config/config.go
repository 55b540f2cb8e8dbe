// Package config loads the service's YAML configuration file and overlays
// environment-variable overrides, following the teacher's load/save/validate
// shape (internal/config/config.go) with viper doing the env overlay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigDir  = ".filings-rag"
	DefaultConfigFile = "config.yaml"
	envPrefix         = "FILINGS_RAG"
)

// ArchiveConfig configures the Archive Fetcher (§4.1, §6).
type ArchiveConfig struct {
	TickerIndexURL       string        `yaml:"ticker_index_url"`
	SubmissionsBaseURL   string        `yaml:"submissions_base_url"`
	ArchiveBaseURL       string        `yaml:"archive_base_url"`
	UserAgent            string        `yaml:"user_agent"`
	MinRequestInterval   time.Duration `yaml:"min_request_interval"`
	MaxFilingsToDownload int           `yaml:"max_filings_to_download"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
}

// RetryConfig is one stage's retry policy (§4.4).
type RetryConfig struct {
	MaxAttempts int             `yaml:"max_attempts"`
	Backoff     []time.Duration `yaml:"backoff"`
}

// PipelineConfig configures per-stage retry policy and the stage-4 lock.
type PipelineConfig struct {
	Download       RetryConfig   `yaml:"download"`
	Extract        RetryConfig   `yaml:"extract"`
	Chunk          RetryConfig   `yaml:"chunk"`
	Embed          RetryConfig   `yaml:"embed"`
	Persist        RetryConfig   `yaml:"persist"`
	PersistLockTTL time.Duration `yaml:"persist_lock_ttl"`
}

// ChunkingConfig configures the Chunker (§4.2 component table, §4.4 stage 2).
type ChunkingConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// RetrievalParams is one intent's (maxK, minSimilarity) pair, §4.8.
// MaxK == 0 means unlimited (the spec's ∞).
type RetrievalParams struct {
	MaxK          int     `yaml:"max_k"`
	MinSimilarity float32 `yaml:"min_similarity"`
}

// RetrievalConfig configures the Retrieval Strategy, §4.8.
type RetrievalConfig struct {
	Regular    RetrievalParams `yaml:"regular"`
	Exhaustive RetrievalParams `yaml:"exhaustive"`
}

// Config is the full service configuration.
type Config struct {
	BlobStoreBasePath     string          `yaml:"blob_store_base_path"`
	VectorStorePath       string          `yaml:"vector_store_path"`
	JobQueuePath          string          `yaml:"job_queue_path"`
	ConversationStorePath string          `yaml:"conversation_store_path"`
	EmbeddingDimensions   int             `yaml:"embedding_dimensions"`
	EmbeddingModel        string          `yaml:"embedding_model"`
	ChatModel             string          `yaml:"chat_model"`
	FastChatModel         string          `yaml:"fast_chat_model"`
	Archive               ArchiveConfig   `yaml:"archive"`
	Pipeline              PipelineConfig  `yaml:"pipeline"`
	Chunking              ChunkingConfig  `yaml:"chunking"`
	Retrieval             RetrievalConfig `yaml:"retrieval"`
}

func durations(secs ...int) []time.Duration {
	out := make([]time.Duration, len(secs))
	for i, s := range secs {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// DefaultConfig returns the defaults named throughout spec §4.
func DefaultConfig() *Config {
	return &Config{
		BlobStoreBasePath:     filepath.Join(".", "data", "blobs"),
		VectorStorePath:       filepath.Join(".", "data", "vectors"),
		JobQueuePath:          filepath.Join(".", "data", "queue"),
		ConversationStorePath: filepath.Join(".", "data", "conversations"),
		EmbeddingDimensions:   1536,
		EmbeddingModel:        "text-embedding-3-large",
		ChatModel:             "default",
		FastChatModel:         "fast",
		Archive: ArchiveConfig{
			TickerIndexURL:       "https://www.sec.gov/files/company_tickers.json",
			SubmissionsBaseURL:   "https://data.sec.gov/submissions",
			ArchiveBaseURL:       "https://www.sec.gov/Archives/edgar/data",
			UserAgent:            "FilingsRAG/1.0 (contact@example.com)",
			MinRequestInterval:   100 * time.Millisecond,
			MaxFilingsToDownload: 0,
			RequestTimeout:       30 * time.Second,
		},
		Pipeline: PipelineConfig{
			Download: RetryConfig{MaxAttempts: 3, Backoff: durations(30, 60, 120)},
			Extract:  RetryConfig{MaxAttempts: 3, Backoff: durations(5, 15, 30)},
			Chunk:    RetryConfig{MaxAttempts: 3, Backoff: durations(5, 15, 30)},
			Embed:    RetryConfig{MaxAttempts: 5, Backoff: durations(10, 30, 60, 120, 120)},
			Persist:  RetryConfig{MaxAttempts: 3, Backoff: durations(5, 15, 30)},
			PersistLockTTL: 300 * time.Second,
		},
		Chunking: ChunkingConfig{
			ChunkSize:    1000,
			ChunkOverlap: 50,
		},
		Retrieval: RetrievalConfig{
			Regular:    RetrievalParams{MaxK: 15, MinSimilarity: 0.70},
			Exhaustive: RetrievalParams{MaxK: 0, MinSimilarity: 0.00},
		},
	}
}

// GetConfigPath returns the path to the config file.
func GetConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, DefaultConfigDir, DefaultConfigFile), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	configDir := filepath.Join(homeDir, DefaultConfigDir)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// Load loads the configuration from file (creating the default if absent),
// then overlays the FILINGS_RAG_* environment variables that
// applyEnvOverlay reads, via viper.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
		if saveErr := Save(cfg); saveErr != nil {
			// Config couldn't be persisted; still run with in-memory defaults.
			return applyEnvOverlay(cfg), nil
		}
	} else {
		data, readErr := os.ReadFile(configPath)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg = applyEnvOverlay(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverlay lets a small set of operationally hot settings be
// overridden without touching the YAML file, e.g. FILINGS_RAG_ARCHIVE_USER_AGENT.
func applyEnvOverlay(cfg *Config) *Config {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if val := v.GetString("archive.user_agent"); val != "" {
		cfg.Archive.UserAgent = val
	}
	if val := v.GetString("blob_store_base_path"); val != "" {
		cfg.BlobStoreBasePath = val
	}
	if val := v.GetString("vector_store_path"); val != "" {
		cfg.VectorStorePath = val
	}
	if val := v.GetString("embedding_model"); val != "" {
		cfg.EmbeddingModel = val
	}
	if val := v.GetString("chat_model"); val != "" {
		cfg.ChatModel = val
	}
	return cfg
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid config: %w", err)
	}
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration values.
func (c *Config) Validate() error {
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("embedding_dimensions must be positive, got %d", c.EmbeddingDimensions)
	}
	if c.Archive.MinRequestInterval < 0 {
		return fmt.Errorf("archive.min_request_interval must not be negative")
	}
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunking.chunk_size must be positive")
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunking.chunk_overlap must be in [0, chunk_size)")
	}
	if c.Retrieval.Regular.MinSimilarity < -1 || c.Retrieval.Regular.MinSimilarity > 1 {
		return fmt.Errorf("retrieval.regular.min_similarity must be in [-1, 1]")
	}
	return nil
}
