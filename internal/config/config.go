// Package config holds all graphmem configuration. The config file lives at
// ~/.graphmem/config.yaml for user-wide settings; a project may carry its own
// .graphmem/config.yaml that overrides it. The Config object is created once
// at startup and passed explicitly to every component that needs it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DBFileName is the store file name under each scope's config directory.
const DBFileName = "memory.sqlite3"

// Config holds all graphmem configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Storage paths
	Storage StorageConfig `yaml:"storage"`

	// Resolver tuning
	Resolver ResolverConfig `yaml:"resolver"`

	// Sweeper retention policy
	Sweeper SweeperConfig `yaml:"sweeper"`

	// Recall ranking parameters
	Recall RecallConfig `yaml:"recall"`

	// Embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Predicate policy table
	Policy PolicyConfig `yaml:"policy"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig locates the two scope-keyed store files.
type StorageConfig struct {
	// GlobalDir is the user-wide config directory (default ~/.graphmem).
	GlobalDir string `yaml:"global_dir"`
	// ProjectDir is the project config directory (default <project>/.graphmem).
	ProjectDir string `yaml:"project_dir"`
	// ProjectPath is the project root recorded on project-scoped rows.
	ProjectPath string `yaml:"project_path"`
	// BusyTimeout is the SQLite busy-wait timeout (minimum 5s).
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// ResolverConfig tunes conflict detection.
type ResolverConfig struct {
	// ConfidenceEpsilon is the tolerance when comparing candidate vs stored
	// confidence during supersession.
	ConfidenceEpsilon float64 `yaml:"confidence_epsilon"`
	// ProposeBelow is the confidence threshold under which new facts start
	// as proposed instead of active.
	ProposeBelow float64 `yaml:"propose_below"`
}

// SweeperConfig holds retention horizons and the default budget.
type SweeperConfig struct {
	Budget      time.Duration `yaml:"budget"`
	ProposedTTL time.Duration `yaml:"proposed_ttl"`
	DisputedTTL time.Duration `yaml:"disputed_ttl"`
	ContentTTL  time.Duration `yaml:"content_ttl"`
}

// RecallConfig holds ranking parameters for the hybrid retrieval pipeline.
type RecallConfig struct {
	// RRFK is the k constant of reciprocal rank fusion.
	RRFK int `yaml:"rrf_k"`
	// DefaultLimit caps result counts when the caller passes none.
	DefaultLimit int `yaml:"default_limit"`
	// ExactQueryWeight boosts the list built from the user's exact query.
	ExactQueryWeight float64 `yaml:"exact_query_weight"`
	// SkipVectorScore / SkipVectorMargin gate the smart-expansion shortcut:
	// a dominant lexical hit skips the vector search.
	SkipVectorScore  float64 `yaml:"skip_vector_score"`
	SkipVectorMargin float64 `yaml:"skip_vector_margin"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	// Provider: "ollama", "genai", or "none".
	Provider string `yaml:"provider"`

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`
	TaskType    string `yaml:"task_type"`
}

// PolicyConfig locates the predicate policy table.
type PolicyConfig struct {
	// Path to the YAML policy file; empty means compiled-in defaults only.
	Path string `yaml:"path"`
	// Watch enables hot reload of the policy file.
	Watch bool `yaml:"watch"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the default configuration rooted at the given
// project directory. projectRoot may be empty for global-only use.
func DefaultConfig(projectRoot string) *Config {
	home, _ := os.UserHomeDir()
	cfg := &Config{
		Name:    "graphmem",
		Version: "0.4.0",

		Storage: StorageConfig{
			GlobalDir:   filepath.Join(home, ".graphmem"),
			BusyTimeout: 5 * time.Second,
		},

		Resolver: ResolverConfig{
			ConfidenceEpsilon: 0.05,
			ProposeBelow:      0.6,
		},

		Sweeper: SweeperConfig{
			Budget:      5 * time.Second,
			ProposedTTL: 14 * 24 * time.Hour,
			DisputedTTL: 30 * 24 * time.Hour,
			ContentTTL:  90 * 24 * time.Hour,
		},

		Recall: RecallConfig{
			RRFK:             60,
			DefaultLimit:     10,
			ExactQueryWeight: 2.0,
			SkipVectorScore:  0.85,
			SkipVectorMargin: 0.15,
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},

		Logging: LoggingConfig{Level: "info"},
	}
	if projectRoot != "" {
		cfg.Storage.ProjectDir = filepath.Join(projectRoot, ".graphmem")
		cfg.Storage.ProjectPath = projectRoot
		cfg.Policy.Path = filepath.Join(projectRoot, ".graphmem", "predicates.yaml")
	}
	return cfg
}

// Load reads configuration for the given project root, layering the global
// file, the project file, and environment overrides over the defaults.
// Missing files are not errors.
func Load(projectRoot string) (*Config, error) {
	cfg := DefaultConfig(projectRoot)

	globalFile := filepath.Join(cfg.Storage.GlobalDir, "config.yaml")
	if err := mergeFile(cfg, globalFile); err != nil {
		return nil, err
	}
	if projectRoot != "" {
		projectFile := filepath.Join(cfg.Storage.ProjectDir, "config.yaml")
		if err := mergeFile(cfg, projectFile); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Storage.BusyTimeout < 5*time.Second {
		cfg.Storage.BusyTimeout = 5 * time.Second
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides lets hook processes steer paths and secrets without a
// config file edit.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAPHMEM_GLOBAL_DIR"); v != "" {
		cfg.Storage.GlobalDir = v
	}
	if v := os.Getenv("GRAPHMEM_PROJECT_DIR"); v != "" {
		cfg.Storage.ProjectDir = v
	}
	if v := os.Getenv("GRAPHMEM_EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("GRAPHMEM_GENAI_API_KEY"); v != "" {
		cfg.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("GRAPHMEM_OLLAMA_ENDPOINT"); v != "" {
		cfg.Embedding.OllamaEndpoint = v
	}
}

// GlobalDBPath returns the path of the user-wide store file.
func (c *Config) GlobalDBPath() string {
	return filepath.Join(c.Storage.GlobalDir, DBFileName)
}

// ProjectDBPath returns the path of the project store file, or "" when no
// project is configured.
func (c *Config) ProjectDBPath() string {
	if c.Storage.ProjectDir == "" {
		return ""
	}
	return filepath.Join(c.Storage.ProjectDir, DBFileName)
}

// Save writes the config to the given path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
