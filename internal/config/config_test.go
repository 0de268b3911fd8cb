package config

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	values map[string]string
}

func (m mockKeychain) Get(service, account string) (string, error) {
	if service != keychainService {
		return "", errors.New("wrong service")
	}
	v, ok := m.values[account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

// mockBackend is an in-memory ConfigBackend.
type mockBackend struct {
	data map[string]string
	err  error
}

func newMockBackend(kv map[string]string) *mockBackend {
	if kv == nil {
		kv = map[string]string{}
	}
	return &mockBackend{data: kv}
}

func (b *mockBackend) GetString(key string) (string, bool, error) {
	if b.err != nil {
		return "", false, b.err
	}
	v, ok := b.data[key]
	return v, ok, nil
}

func (b *mockBackend) GetInt(key string) (int, bool, error) {
	v, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(v)
	return i, true, err
}

func (b *mockBackend) SetString(key, val string) error {
	b.data[key] = val
	return nil
}

func (b *mockBackend) SetInt(key string, val int) error {
	b.data[key] = strconv.Itoa(val)
	return nil
}

func (b *mockBackend) Delete(key string) error {
	delete(b.data, key)
	return nil
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied with an empty backend.
func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMockBackend(nil), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Server.Token != "" {
		t.Errorf("Server.Token = %q, want empty", cfg.Server.Token)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("Storage.Backend = %q, want file", cfg.Storage.Backend)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir is empty")
	}
	if cfg.Qdrant.URL != "http://localhost:6333" || cfg.Qdrant.Collection != "cuc_docs" {
		t.Errorf("Qdrant = %+v", cfg.Qdrant)
	}
	if cfg.Retrieval.MaxContextChunks != 5 {
		t.Errorf("MaxContextChunks = %d, want 5", cfg.Retrieval.MaxContextChunks)
	}
	if cfg.Retrieval.SimilarityThreshold != 0.1 {
		t.Errorf("Retrieval.SimilarityThreshold = %v, want 0.1", cfg.Retrieval.SimilarityThreshold)
	}
	if cfg.Retrieval.ContextWindow != 2000 {
		t.Errorf("ContextWindow = %d, want 2000", cfg.Retrieval.ContextWindow)
	}
	if !cfg.Retrieval.QueryExpansion {
		t.Error("QueryExpansion = false, want true")
	}
	if cfg.Retrieval.SearchMode != "lexical" {
		t.Errorf("SearchMode = %q, want lexical", cfg.Retrieval.SearchMode)
	}
	if cfg.Indexer.FetchDelay != time.Second {
		t.Errorf("FetchDelay = %v, want 1s", cfg.Indexer.FetchDelay)
	}
	if cfg.Indexer.UserAgent != "cuc-indexer/1.0" || !cfg.Indexer.RespectRobots {
		t.Errorf("Indexer = %+v", cfg.Indexer)
	}
	if cfg.Learning.SuggestionPolicy != "lexical" || cfg.Learning.SimilarityThreshold != 0.3 || cfg.Learning.CLIName != "ibmcloud" {
		t.Errorf("Learning = %+v", cfg.Learning)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

// TestBackendValues verifies every key type is read from the backend.
func TestBackendValues(t *testing.T) {
	clearEnv(t)
	b := newMockBackend(map[string]string{
		"server.port":                    "5000",
		"storage.backend":                "SQLite",
		"retrieval.similarity_threshold": "0.25",
		"retrieval.query_expansion":      "false",
		"retrieval.search_mode":          "hybrid",
		"indexer.fetch_delay":            "250ms",
		"learning.suggestion_policy":     "confidence",
		"learning.cli_name":              "gcloud",
	})

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Backend = %q", cfg.Storage.Backend)
	}
	if cfg.Retrieval.SimilarityThreshold != 0.25 {
		t.Errorf("SimilarityThreshold = %v", cfg.Retrieval.SimilarityThreshold)
	}
	if cfg.Retrieval.QueryExpansion {
		t.Error("QueryExpansion should be false")
	}
	if cfg.Retrieval.SearchMode != "hybrid" {
		t.Errorf("SearchMode = %q", cfg.Retrieval.SearchMode)
	}
	if cfg.Indexer.FetchDelay != 250*time.Millisecond {
		t.Errorf("FetchDelay = %v", cfg.Indexer.FetchDelay)
	}
	if cfg.Learning.SuggestionPolicy != "confidence" || cfg.Learning.CLIName != "gcloud" {
		t.Errorf("Learning = %+v", cfg.Learning)
	}
}

func TestBackendUnparseableValueKeepsDefault(t *testing.T) {
	clearEnv(t)
	b := newMockBackend(map[string]string{"indexer.respect_robots": "maybe"})

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Indexer.RespectRobots {
		t.Error("RespectRobots should keep its default")
	}
}

func TestBackendError(t *testing.T) {
	clearEnv(t)
	b := newMockBackend(nil)
	b.err = errors.New("defaults exploded")

	if _, err := loadWith(b, mockKeychain{}); err == nil || !strings.Contains(err.Error(), "defaults exploded") {
		t.Errorf("err = %v, want backend error", err)
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := newMockBackend(map[string]string{"server.port": "5000", "log.level": "warn"})

	t.Setenv("CUC_SERVER_PORT", "6000")
	t.Setenv("CUC_RETRIEVAL_CONTEXT_WINDOW", "not-a-number")
	t.Setenv("CUC_INDEXER_FETCH_DELAY", "2s")

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn from backend", cfg.Log.Level)
	}
	if cfg.Retrieval.ContextWindow != 2000 {
		t.Errorf("ContextWindow = %d, want default on parse failure", cfg.Retrieval.ContextWindow)
	}
	if cfg.Indexer.FetchDelay != 2*time.Second {
		t.Errorf("FetchDelay = %v, want 2s", cfg.Indexer.FetchDelay)
	}
}

func TestSecrets(t *testing.T) {
	clearEnv(t)
	kc := mockKeychain{values: map[string]string{
		"server_token":   "kc-token",
		"qdrant_api_key": "kc-qdrant",
	}}

	// Secrets are never read from the plain backend.
	b := newMockBackend(map[string]string{"server.token": "backend-token"})
	t.Setenv("CUC_QDRANT_API_KEY", "env-qdrant")

	cfg, err := loadWith(b, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Token != "kc-token" {
		t.Errorf("Token = %q, want keychain value", cfg.Server.Token)
	}
	if cfg.Qdrant.APIKey != "env-qdrant" {
		t.Errorf("APIKey = %q, want env value over keychain", cfg.Qdrant.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"backend", func(c *Config) { c.Storage.Backend = "redis" }, "storage.backend"},
		{"search mode", func(c *Config) { c.Retrieval.SearchMode = "fuzzy" }, "retrieval.search_mode"},
		{"policy", func(c *Config) { c.Learning.SuggestionPolicy = "recency" }, "learning.suggestion_policy"},
		{"retrieval threshold", func(c *Config) { c.Retrieval.SimilarityThreshold = 1.5 }, "retrieval.similarity_threshold"},
		{"learning threshold", func(c *Config) { c.Learning.SimilarityThreshold = -0.1 }, "learning.similarity_threshold"},
		{"chunks", func(c *Config) { c.Retrieval.MaxContextChunks = 0 }, "max_context_chunks"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mod(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}

	if err := defaults().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestLoadRejectsInvalidEnum(t *testing.T) {
	clearEnv(t)
	t.Setenv("CUC_STORAGE_BACKEND", "mongo")

	if _, err := loadWith(newMockBackend(nil), mockKeychain{}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestShowAll(t *testing.T) {
	cfg := defaults()
	cfg.Server.Token = "hunter2"

	infos := ShowAll(cfg)
	if len(infos) != len(ValidKeys()) {
		t.Errorf("ShowAll returned %d keys, ValidKeys %d", len(infos), len(ValidKeys()))
	}
	for _, info := range infos {
		if info.Value == "hunter2" || info.Key == "server.token" {
			t.Errorf("secret leaked: %+v", info)
		}
		if info.Key == "indexer.fetch_delay" && info.Value != "1s" {
			t.Errorf("fetch_delay shown as %q, want 1s", info.Value)
		}
		if !strings.HasPrefix(info.EnvVar, "CUC_") {
			t.Errorf("env var %q lacks CUC_ prefix", info.EnvVar)
		}
	}
	if got := SecretKeys(); len(got) != 2 {
		t.Errorf("SecretKeys = %v", got)
	}
}

func TestSetKey(t *testing.T) {
	b := newMockBackend(nil)

	if err := setKeyWith(b, "server.port", "4200"); err != nil {
		t.Fatalf("set port: %v", err)
	}
	if b.data["server.port"] != "4200" {
		t.Errorf("stored port = %q", b.data["server.port"])
	}
	if err := setKeyWith(b, "indexer.fetch_delay", "500ms"); err != nil {
		t.Fatalf("set delay: %v", err)
	}

	tests := []struct {
		key, value string
	}{
		{"server.port", "abc"},
		{"retrieval.query_expansion", "sometimes"},
		{"indexer.fetch_delay", "soon"},
		{"retrieval.search_mode", "fuzzy"},
		{"learning.similarity_threshold", "2"},
		{"server.token", "x"},
		{"nope.key", "x"},
	}
	for _, tt := range tests {
		if err := setKeyWith(b, tt.key, tt.value); err == nil {
			t.Errorf("setKeyWith(%s=%s) succeeded, want error", tt.key, tt.value)
		}
	}
	if _, ok := b.data["retrieval.search_mode"]; ok {
		t.Error("invalid value was written")
	}
}
