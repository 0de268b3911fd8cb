package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
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
		return "int"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	}
	return "string"
}

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// account is the keychain account name for a secret key.
func (s keySpec) account() string {
	return strings.ReplaceAll(s.key, ".", "_")
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CUC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "CUC_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CUC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.backend", typ: kString, env: "CUC_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "qdrant.url", typ: kString, env: "CUC_QDRANT_URL",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.URL },
	},
	{
		key: "qdrant.collection", typ: kString, env: "CUC_QDRANT_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.Collection = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.Collection },
	},
	{
		key: "qdrant.api_key", typ: kString, env: "CUC_QDRANT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Qdrant.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.APIKey },
	},
	{
		key: "retrieval.max_context_chunks", typ: kInt, env: "CUC_RETRIEVAL_MAX_CONTEXT_CHUNKS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxContextChunks = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxContextChunks },
	},
	{
		key: "retrieval.similarity_threshold", typ: kFloat, env: "CUC_RETRIEVAL_SIMILARITY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.SimilarityThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.SimilarityThreshold },
	},
	{
		key: "retrieval.context_window", typ: kInt, env: "CUC_RETRIEVAL_CONTEXT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ContextWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ContextWindow },
	},
	{
		key: "retrieval.query_expansion", typ: kBool, env: "CUC_RETRIEVAL_QUERY_EXPANSION",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.QueryExpansion = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.QueryExpansion },
	},
	{
		key: "retrieval.search_mode", typ: kString, env: "CUC_RETRIEVAL_SEARCH_MODE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.SearchMode = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Retrieval.SearchMode },
	},
	{
		key: "indexer.fetch_delay", typ: kDuration, env: "CUC_INDEXER_FETCH_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Indexer.FetchDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Indexer.FetchDelay },
	},
	{
		key: "indexer.user_agent", typ: kString, env: "CUC_INDEXER_USER_AGENT",
		apply:   func(cfg *Config, v any) { cfg.Indexer.UserAgent = v.(string) },
		extract: func(cfg Config) any { return cfg.Indexer.UserAgent },
	},
	{
		key: "indexer.respect_robots", typ: kBool, env: "CUC_INDEXER_RESPECT_ROBOTS",
		apply:   func(cfg *Config, v any) { cfg.Indexer.RespectRobots = v.(bool) },
		extract: func(cfg Config) any { return cfg.Indexer.RespectRobots },
	},
	{
		key: "learning.suggestion_policy", typ: kString, env: "CUC_LEARNING_SUGGESTION_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Learning.SuggestionPolicy = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Learning.SuggestionPolicy },
	},
	{
		key: "learning.similarity_threshold", typ: kFloat, env: "CUC_LEARNING_SIMILARITY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Learning.SimilarityThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Learning.SimilarityThreshold },
	},
	{
		key: "learning.cli_name", typ: kString, env: "CUC_LEARNING_CLI_NAME",
		apply:   func(cfg *Config, v any) { cfg.Learning.CLIName = v.(string) },
		extract: func(cfg Config) any { return cfg.Learning.CLIName },
	},
	{
		key: "log.level", typ: kString, env: "CUC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text into the Go type a key's apply func expects.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
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
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			if pv, err := parseValue(s.typ, v); err == nil {
				s.apply(cfg, pv)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, v, err)
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
		if v, err := parseValue(s.typ, raw); err == nil {
			s.apply(cfg, v)
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
		}
	}
}
