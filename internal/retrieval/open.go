package retrieval

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
)

// Backend names accepted by OpenStore.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendQdrant = "qdrant"
)

// DocumentsFileName is the snapshot written by the file backend.
const DocumentsFileName = "documents.json"

// StoreConfig selects and configures a document store backend.
type StoreConfig struct {
	Backend   string
	DataDir   string  // file backend; empty means memory only
	DB        *sql.DB // sqlite backend; owned by the caller
	Qdrant    QdrantConfig
	Dimension int
}

// OpenStore returns the backend named by cfg.Backend. The empty name selects
// the file backend.
func OpenStore(cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", BackendFile:
		path := ""
		if cfg.DataDir != "" {
			path = filepath.Join(cfg.DataDir, DocumentsFileName)
		}
		return OpenFileStore(path, cfg.Dimension)
	case BackendSQLite:
		if cfg.DB == nil {
			return nil, errors.New("sqlite backend requires an open database")
		}
		return NewSQLiteStore(cfg.DB), nil
	case BackendQdrant:
		if cfg.Qdrant.URL == "" || cfg.Qdrant.Collection == "" {
			return nil, errors.New("qdrant backend requires a url and a collection")
		}
		q := cfg.Qdrant
		if q.Dimension == 0 {
			q.Dimension = cfg.Dimension
		}
		return NewQdrantStore(q), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q (want file, sqlite, or qdrant)", cfg.Backend)
}
