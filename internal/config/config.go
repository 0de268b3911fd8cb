package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/cuc/internal/learning"
	"github.com/kalambet/cuc/internal/retrieval"
)

const keychainService = "cuc"

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Qdrant    QdrantConfig
	Retrieval RetrievalConfig
	Indexer   IndexerConfig
	Learning  LearningConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
	// Token enables bearer auth on the HTTP API when non-empty.
	Token string
}

type StorageConfig struct {
	DataDir string
	Backend string
}

type QdrantConfig struct {
	URL        string
	Collection string
	APIKey     string
}

type RetrievalConfig struct {
	MaxContextChunks    int
	SimilarityThreshold float64
	ContextWindow       int
	QueryExpansion      bool
	SearchMode          string
}

type IndexerConfig struct {
	FetchDelay    time.Duration
	UserAgent     string
	RespectRobots bool
}

type LearningConfig struct {
	SuggestionPolicy    string
	SimilarityThreshold float64
	CLIName             string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Backend: "file",
		},
		Qdrant: QdrantConfig{
			URL:        "http://localhost:6333",
			Collection: "cuc_docs",
		},
		Retrieval: RetrievalConfig{
			MaxContextChunks:    5,
			SimilarityThreshold: 0.1,
			ContextWindow:       2000,
			QueryExpansion:      true,
			SearchMode:          string(retrieval.ModeLexical),
		},
		Indexer: IndexerConfig{
			FetchDelay:    time.Second,
			UserAgent:     "cuc-indexer/1.0",
			RespectRobots: true,
		},
		Learning: LearningConfig{
			SuggestionPolicy:    "lexical",
			SimilarityThreshold: 0.3,
			CLIName:             "ibmcloud",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.cuc.app) and secrets
// fall back to macOS Keychain (service: cuc).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/cuc/config.json
// and secrets fall back to $XDG_DATA_HOME/cuc/secrets.json.
//
// Environment variables (CUC_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecrets fills secret keys still empty after the env pass from the
// platform keychain. A missing entry is not an error: every secret is optional.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if cur, _ := s.extract(*cfg).(string); cur != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account()); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

// Validate checks enumerations and numeric ranges.
func (c Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.Storage.Backend {
	case "file", "sqlite", "qdrant":
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q must be file, sqlite or qdrant", c.Storage.Backend))
	}
	if _, err := retrieval.ParseMode(c.Retrieval.SearchMode); err != nil {
		problems = append(problems, "retrieval.search_mode: "+err.Error())
	}
	if _, err := learning.ParsePolicy(c.Learning.SuggestionPolicy); err != nil {
		problems = append(problems, "learning.suggestion_policy: "+err.Error())
	}
	if t := c.Retrieval.SimilarityThreshold; t < 0 || t > 1 {
		problems = append(problems, fmt.Sprintf("retrieval.similarity_threshold %v must be within [0,1]", t))
	}
	if t := c.Learning.SimilarityThreshold; t < 0 || t > 1 {
		problems = append(problems, fmt.Sprintf("learning.similarity_threshold %v must be within [0,1]", t))
	}
	if c.Retrieval.MaxContextChunks <= 0 {
		problems = append(problems, "retrieval.max_context_chunks must be positive")
	}
	if c.Retrieval.ContextWindow <= 0 {
		problems = append(problems, "retrieval.context_window must be positive")
	}
	if c.Indexer.FetchDelay < 0 {
		problems = append(problems, "indexer.fetch_delay must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
