package learning

import (
	"fmt"
	"sort"
	"strings"
)

// Candidate is a suggested command with the strongest evidence behind it.
type Candidate struct {
	Command    string
	Confidence float32 // best confidence x success rate among its records
	Usage      int
}

// SuggestionPolicy orders deduplicated candidates, best first.
type SuggestionPolicy interface {
	Order(cands []Candidate)
	Name() string
}

// LexicalPolicy sorts suggestions alphabetically. This is the historical
// behavior and the default.
type LexicalPolicy struct{}

func (LexicalPolicy) Order(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Command < cands[j].Command })
}

func (LexicalPolicy) Name() string { return "lexical" }

// ConfidencePolicy ranks by confidence x success rate, then usage, then name.
type ConfidencePolicy struct{}

func (ConfidencePolicy) Order(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Usage != b.Usage {
			return a.Usage > b.Usage
		}
		return a.Command < b.Command
	})
}

func (ConfidencePolicy) Name() string { return "confidence" }

// ParsePolicy returns the policy with the given name; "" means lexical.
func ParsePolicy(name string) (SuggestionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "lexical":
		return LexicalPolicy{}, nil
	case "confidence":
		return ConfidencePolicy{}, nil
	}
	return nil, fmt.Errorf("unknown suggestion policy %q (want lexical or confidence)", name)
}
