package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/cuc/internal/composer"
	"github.com/kalambet/cuc/internal/config"
	"github.com/kalambet/cuc/internal/ingest"
	"github.com/kalambet/cuc/internal/learning"
	"github.com/kalambet/cuc/internal/metrics"
	"github.com/kalambet/cuc/internal/retrieval"
	"github.com/kalambet/cuc/internal/storage"
)

const (
	sourcesFileName = "sources.json"
	remoteTimeout   = 30 * time.Second
)

// app is the in-process stack every command works against.
type app struct {
	cfg      config.Config
	db       *storage.Store
	store    retrieval.Store
	searcher *retrieval.Searcher
	builder  *composer.Builder
	indexer  *ingest.Indexer
	sources  *ingest.SourceRegistry
	learning *learning.Engine
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	logger   *slog.Logger
}

// openApp builds the stack rooted at cfg.Storage.DataDir. The SQLite
// database is always opened: it holds the job queue even when documents
// live in another backend.
func openApp(cfg config.Config) (*app, error) {
	logger := slog.Default()
	dataDir := cfg.Storage.DataDir

	db, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	store, err := retrieval.OpenStore(retrieval.StoreConfig{
		Backend: cfg.Storage.Backend,
		DataDir: dataDir,
		DB:      db.DB(),
		Qdrant: retrieval.QdrantConfig{
			URL:        cfg.Qdrant.URL,
			APIKey:     cfg.Qdrant.APIKey,
			Collection: cfg.Qdrant.Collection,
			Timeout:    remoteTimeout,
		},
		Dimension: retrieval.DefaultDimension,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening document store: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, func() float64 {
		n, err := store.Count(context.Background())
		if err != nil {
			return 0
		}
		return float64(n)
	})

	emb := retrieval.NewHashEmbedder(retrieval.DefaultDimension)
	searcher := retrieval.NewSearcher(store, emb)
	mode, err := retrieval.ParseMode(cfg.Retrieval.SearchMode)
	if err != nil {
		store.Close()
		db.Close()
		return nil, err
	}
	retriever := retrieval.NewRetriever(searcher, retrieval.RetrieverConfig{
		MaxChunks:   cfg.Retrieval.MaxContextChunks,
		Threshold:   float32(cfg.Retrieval.SimilarityThreshold),
		Mode:        mode,
		ExpandQuery: cfg.Retrieval.QueryExpansion,
	})
	builder := composer.NewBuilder(retriever, cfg.Retrieval.ContextWindow)
	builder.SetMetrics(m)
	builder.SetLogger(logger)

	fetcher := ingest.NewFetcher(ingest.FetcherConfig{
		UserAgent:     cfg.Indexer.UserAgent,
		Delay:         cfg.Indexer.FetchDelay,
		RespectRobots: cfg.Indexer.RespectRobots,
		Timeout:       remoteTimeout,
	})
	fetcher.SetLogger(logger)

	sources, err := ingest.OpenSourceRegistry(filepath.Join(dataDir, sourcesFileName))
	if err != nil {
		store.Close()
		db.Close()
		return nil, fmt.Errorf("opening source registry: %w", err)
	}

	indexer := ingest.NewIndexer(store, emb, fetcher)
	indexer.SetSources(sources)
	indexer.SetMetrics(m)
	indexer.SetLogger(logger)

	policy, err := learning.ParsePolicy(cfg.Learning.SuggestionPolicy)
	if err != nil {
		store.Close()
		db.Close()
		return nil, err
	}
	engine, err := learning.Open(filepath.Join(dataDir, learning.FileName), learning.Options{
		CLIName:             cfg.Learning.CLIName,
		Policy:              policy,
		SimilarityThreshold: float32(cfg.Learning.SimilarityThreshold),
		Logger:              logger,
		Metrics:             m,
	})
	if err != nil {
		store.Close()
		db.Close()
		return nil, fmt.Errorf("opening learning database: %w", err)
	}

	return &app{
		cfg:      cfg,
		db:       db,
		store:    store,
		searcher: searcher,
		builder:  builder,
		indexer:  indexer,
		sources:  sources,
		learning: engine,
		metrics:  m,
		registry: reg,
		logger:   logger,
	}, nil
}

// withApp loads the configuration, opens the stack, runs fn and closes it.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

func (a *app) searchMode() retrieval.Mode {
	mode, err := retrieval.ParseMode(a.cfg.Retrieval.SearchMode)
	if err != nil {
		return retrieval.ModeLexical
	}
	return mode
}

// Close releases the document store and the database.
func (a *app) Close() error {
	storeErr := a.store.Close()
	dbErr := a.db.Close()
	if storeErr != nil {
		return storeErr
	}
	return dbErr
}
