package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Format is an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates an export format name; "" means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown format %q (want json or yaml)", s)
}

// Export writes the whole database to w.
func (e *Engine) Export(w io.Writer, format Format) error {
	e.mu.RLock()
	snap := e.st.clone().snapshot()
	e.mu.RUnlock()

	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("encoding json: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown format %q", format)
}

// Import merges an exported database into this one. Corrections whose ID is
// already present are skipped, patterns are merged, and imported success
// rates replace existing ones. It returns the number of corrections added.
func (e *Engine) Import(ctx context.Context, r io.Reader, format Format) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var snap snapshot
	switch format {
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&snap); err != nil && err != io.EOF {
			return 0, fmt.Errorf("decoding yaml: %w", err)
		}
	case FormatJSON, "":
		if err := json.NewDecoder(r).Decode(&snap); err != nil && err != io.EOF {
			return 0, fmt.Errorf("decoding json: %w", err)
		}
	default:
		return 0, fmt.Errorf("unknown format %q", format)
	}

	added := 0
	err := e.mutate(func(st *state) {
		seen := make(map[string]bool, len(st.corrections))
		for _, c := range st.corrections {
			seen[c.ID] = true
		}
		for _, c := range snap.Corrections {
			if c.ID == "" {
				c.ID = uuid.New().String()
			} else if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			st.corrections = append(st.corrections, c)
			if c.CorrectCommand != "" {
				key := patternKey(c.Type, c.IncorrectCommand, e.cliName)
				if !slices.Contains(st.patterns[key], c.CorrectCommand) {
					st.patterns[key] = append(st.patterns[key], c.CorrectCommand)
				}
			}
			added++
		}
		for k, cmds := range snap.Patterns {
			for _, cmd := range cmds {
				if !slices.Contains(st.patterns[k], cmd) {
					st.patterns[k] = append(st.patterns[k], cmd)
				}
			}
		}
		for cmd, rate := range snap.SuccessMetrics {
			st.metrics[cmd] = clamp01(rate)
		}
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info("imported corrections", "added", added)
	return added, nil
}
