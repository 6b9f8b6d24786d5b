// Package config loads Recall configuration from ~/.recall/config.yaml with
// environment-variable overrides. Every numeric tunable of the memory engine
// is also reachable through a bare legacy environment name (DECAY_RATE,
// RETRIEVAL_K, ...) so deployments that predate the config file keep working.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for the Recall memory service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Memory    MemoryConfig    `mapstructure:"memory" yaml:"memory"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	// ListenAddr is the address the HTTP server binds to (e.g. ":8080").
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// DBPath is the path to the SQLite database file.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// LLMConfig contains configuration for the chat-completion providers.
type LLMConfig struct {
	// ResponseProvider names the provider used to generate replies ("ollama", "openai").
	ResponseProvider string `mapstructure:"response_provider" yaml:"response_provider"`
	// ExtractorProvider names the provider used for deep extraction. Empty
	// means: local when UseLocalExtractor is true, else the cloud ("openai")
	// provider.
	ExtractorProvider string `mapstructure:"extractor_provider" yaml:"extractor_provider"`
	// UseLocalExtractor prefers the local (Ollama) extractor when available.
	UseLocalExtractor bool `mapstructure:"use_local_extractor" yaml:"use_local_extractor"`
	// Providers maps provider names to their settings.
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model    string `mapstructure:"model" yaml:"model,omitempty"`
	// TimeoutSec bounds non-streaming calls. Streaming calls inherit the
	// client defaults.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec,omitempty"`
}

// EmbeddingConfig configures the embedding adapter.
type EmbeddingConfig struct {
	// Endpoint is the Ollama endpoint serving the embedding model.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// Model is the embedding model name.
	Model string `mapstructure:"model" yaml:"model"`
	// Dimension is the fixed embedding dimension D.
	Dimension int `mapstructure:"dimension" yaml:"dimension"`
	// CacheSize is the max number of cached embeddings (0 disables the cache).
	CacheSize int64 `mapstructure:"cache_size" yaml:"cache_size"`
}

// MemoryConfig contains the numeric tunables of the memory engine.
type MemoryConfig struct {
	// DecayRate is the exponential decay constant lambda, per day.
	DecayRate float64 `mapstructure:"decay_rate" yaml:"decay_rate"`
	// ReinforcementBonus is the per-access reinforcement coefficient beta.
	ReinforcementBonus float64 `mapstructure:"reinforcement_bonus" yaml:"reinforcement_bonus"`
	// ImportanceFloor is the minimum current_importance after decay.
	ImportanceFloor float64 `mapstructure:"importance_floor" yaml:"importance_floor"`
	// DecayIntervalHours is the period of the background decay sweep.
	DecayIntervalHours int `mapstructure:"decay_interval_hours" yaml:"decay_interval_hours"`
	// RetrievalK is the default number of memories returned per retrieval.
	RetrievalK int `mapstructure:"retrieval_k" yaml:"retrieval_k"`
	// SimilarityThreshold is the minimum cosine similarity for a vector
	// candidate to be considered at all.
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	// SpreadingDepth is the max recursion depth of spreading activation.
	SpreadingDepth int `mapstructure:"spreading_depth" yaml:"spreading_depth"`
	// SpreadingDecay is the initial attenuation factor per hop.
	SpreadingDecay float64 `mapstructure:"spreading_decay" yaml:"spreading_decay"`
	// ContradictionThreshold is the cosine similarity above which a stored
	// memory is examined for semantic conflict.
	ContradictionThreshold float64 `mapstructure:"contradiction_threshold" yaml:"contradiction_threshold"`
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level    string `mapstructure:"level" yaml:"level"`
	Pretty   bool   `mapstructure:"pretty" yaml:"pretty"`
	FilePath string `mapstructure:"file_path" yaml:"file_path,omitempty"`
}

// Default returns the configuration with all engine tunables at their
// documented defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".recall")
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			DBPath:     filepath.Join(base, "recall.db"),
		},
		LLM: LLMConfig{
			ResponseProvider:  "ollama",
			UseLocalExtractor: true,
			Providers: map[string]ProviderConfig{
				"ollama": {
					Endpoint: "http://localhost:11434",
					Model:    "llama3.1",
				},
				"openai": {
					Endpoint: "https://api.openai.com/v1",
					Model:    "gpt-4o-mini",
				},
			},
		},
		Embedding: EmbeddingConfig{
			Endpoint:  "http://localhost:11434",
			Model:     "all-minilm",
			Dimension: 384,
			CacheSize: 4096,
		},
		Memory: MemoryConfig{
			DecayRate:              0.05,
			ReinforcementBonus:     0.3,
			ImportanceFloor:        1.0,
			DecayIntervalHours:     6,
			RetrievalK:             5,
			SimilarityThreshold:    0.3,
			SpreadingDepth:         2,
			SpreadingDecay:         0.5,
			ContradictionThreshold: 0.75,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load reads configuration from the given path (or ~/.recall/config.yaml when
// empty), applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".recall"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("RECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; a malformed one is not.
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errorsAs(err, &notFound):
		case path == "" && os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyLegacyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// errorsAs is a tiny shim so the switch above reads cleanly.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

// applyLegacyEnv honors the bare environment names used by earlier
// deployments of the engine.
func applyLegacyEnv(cfg *Config) {
	envFloat("DECAY_RATE", &cfg.Memory.DecayRate)
	envFloat("REINFORCEMENT_BONUS", &cfg.Memory.ReinforcementBonus)
	envFloat("IMPORTANCE_FLOOR", &cfg.Memory.ImportanceFloor)
	envInt("DECAY_INTERVAL_HOURS", &cfg.Memory.DecayIntervalHours)
	envInt("RETRIEVAL_K", &cfg.Memory.RetrievalK)
	envFloat("SIMILARITY_THRESHOLD", &cfg.Memory.SimilarityThreshold)
	envInt("SPREADING_DEPTH", &cfg.Memory.SpreadingDepth)
	envFloat("SPREADING_DECAY", &cfg.Memory.SpreadingDecay)
	envFloat("CONTRADICTION_THRESHOLD", &cfg.Memory.ContradictionThreshold)
	envBool("USE_LOCAL_MEMORY_LLM", &cfg.LLM.UseLocalExtractor)
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	m := c.Memory
	switch {
	case m.DecayRate < 0:
		return fmt.Errorf("memory.decay_rate must be >= 0, got %v", m.DecayRate)
	case m.ReinforcementBonus < 0:
		return fmt.Errorf("memory.reinforcement_bonus must be >= 0, got %v", m.ReinforcementBonus)
	case m.ImportanceFloor < 0:
		return fmt.Errorf("memory.importance_floor must be >= 0, got %v", m.ImportanceFloor)
	case m.DecayIntervalHours <= 0:
		return fmt.Errorf("memory.decay_interval_hours must be > 0, got %d", m.DecayIntervalHours)
	case m.RetrievalK <= 0:
		return fmt.Errorf("memory.retrieval_k must be > 0, got %d", m.RetrievalK)
	case m.SimilarityThreshold < 0 || m.SimilarityThreshold > 1:
		return fmt.Errorf("memory.similarity_threshold must be in [0,1], got %v", m.SimilarityThreshold)
	case m.SpreadingDepth < 0:
		return fmt.Errorf("memory.spreading_depth must be >= 0, got %d", m.SpreadingDepth)
	case m.SpreadingDecay <= 0 || m.SpreadingDecay >= 1:
		return fmt.Errorf("memory.spreading_decay must be in (0,1), got %v", m.SpreadingDecay)
	case m.ContradictionThreshold < 0 || m.ContradictionThreshold > 1:
		return fmt.Errorf("memory.contradiction_threshold must be in [0,1], got %v", m.ContradictionThreshold)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be > 0, got %d", c.Embedding.Dimension)
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	return nil
}

// WriteDefault writes the default configuration as YAML to path (or
// ~/.recall/config.yaml when empty). Refuses to overwrite an existing file.
func WriteDefault(path string) (string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, ".recall", "config.yaml")
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config file %s already exists", path)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}

// DecayInterval returns the sweep period as a duration.
func (c *Config) DecayInterval() time.Duration {
	return time.Duration(c.Memory.DecayIntervalHours) * time.Hour
}

// ProviderFor returns the named provider's settings, falling back to an empty
// config when absent.
func (c *Config) ProviderFor(name string) ProviderConfig {
	if c.LLM.Providers == nil {
		return ProviderConfig{}
	}
	return c.LLM.Providers[name]
}
