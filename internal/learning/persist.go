package learning

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/kalambet/cuc/internal/storage"
)

// FileName is the learning database file inside the data directory.
const FileName = "corrections.json"

const snapshotVersion = 1

// snapshot is the on-disk form of the learning database.
type snapshot struct {
	Version        int                 `json:"version" yaml:"version"`
	LastUpdated    time.Time           `json:"last_updated" yaml:"last_updated"`
	Corrections    []Correction        `json:"corrections" yaml:"corrections"`
	Patterns       map[string][]string `json:"patterns" yaml:"patterns"`
	SuccessMetrics map[string]float32  `json:"success_metrics" yaml:"success_metrics"`
}

// state is everything a mutation may change; it is copied before each write
// so a failed save can be undone.
type state struct {
	corrections []Correction
	patterns    map[string][]string
	metrics     map[string]float32
	lastUpdated time.Time
}

func (s state) clone() state {
	patterns := make(map[string][]string, len(s.patterns))
	for k, v := range s.patterns {
		patterns[k] = slices.Clone(v)
	}
	return state{
		corrections: slices.Clone(s.corrections),
		patterns:    patterns,
		metrics:     maps.Clone(s.metrics),
		lastUpdated: s.lastUpdated,
	}
}

func (s state) snapshot() snapshot {
	corrections := s.corrections
	if corrections == nil {
		corrections = []Correction{}
	}
	return snapshot{
		Version:        snapshotVersion,
		LastUpdated:    s.lastUpdated,
		Corrections:    corrections,
		Patterns:       s.patterns,
		SuccessMetrics: s.metrics,
	}
}

func loadSnapshot(path string) (snapshot, error) {
	var snap snapshot
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return snap, nil
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("parsing %s: %w", path, err)
	}
	return snap, nil
}

func writeSnapshot(path string, snap snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(path, data, 0o600)
}
