// Package learning records user corrections to generated CLI commands and
// uses them to suggest fixes, classify failures and pick retry strategies.
package learning

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind names a class of command failure.
type Kind string

const (
	CommandNotFound     Kind = "CommandNotFound"
	InvalidSyntax       Kind = "InvalidSyntax"
	MissingPlugin       Kind = "MissingPlugin"
	WrongSubcommand     Kind = "WrongSubcommand"
	ParameterError      Kind = "ParameterError"
	AuthenticationError Kind = "AuthenticationError"
	NetworkError        Kind = "NetworkError"
	ResourceNotFound    Kind = "ResourceNotFound"
	PermissionDenied    Kind = "PermissionDenied"
	Other               Kind = "Other"
)

var knownKinds = []Kind{
	CommandNotFound, InvalidSyntax, MissingPlugin, WrongSubcommand, ParameterError,
	AuthenticationError, NetworkError, ResourceNotFound, PermissionDenied,
}

// CorrectionType is a failure class. Only Other carries a message, usually
// the unclassified error text.
type CorrectionType struct {
	Kind    Kind
	Message string
}

// TypeOf returns the message-less CorrectionType for k.
func TypeOf(k Kind) CorrectionType { return CorrectionType{Kind: k} }

// OtherType returns Other(msg).
func OtherType(msg string) CorrectionType { return CorrectionType{Kind: Other, Message: msg} }

func (t CorrectionType) String() string {
	if t.Kind == Other {
		return fmt.Sprintf("Other(%s)", t.Message)
	}
	return string(t.Kind)
}

// ParseCorrectionType maps a kind name (case-insensitive) to its type. Any
// other string becomes Other carrying that string.
func ParseCorrectionType(s string) CorrectionType {
	s = strings.TrimSpace(s)
	for _, k := range knownKinds {
		if strings.EqualFold(s, string(k)) {
			return TypeOf(k)
		}
	}
	if strings.EqualFold(s, string(Other)) {
		return OtherType("")
	}
	return OtherType(s)
}

// MarshalJSON encodes "CommandNotFound" style names, or {"Other":"msg"}.
func (t CorrectionType) MarshalJSON() ([]byte, error) {
	if t.Kind == Other || t.Kind == "" {
		return json.Marshal(map[string]string{string(Other): t.Message})
	}
	return json.Marshal(string(t.Kind))
}

// UnmarshalJSON accepts a kind name, a plain unknown string (read as Other),
// or a single-key object such as {"Other":"msg"}.
func (t *CorrectionType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = ParseCorrectionType(s)
		return nil
	}
	var m map[string]*string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("correction type: %w", err)
	}
	return t.fromMap(m)
}

// MarshalYAML mirrors MarshalJSON.
func (t CorrectionType) MarshalYAML() (any, error) {
	if t.Kind == Other || t.Kind == "" {
		return map[string]string{string(Other): t.Message}, nil
	}
	return string(t.Kind), nil
}

// UnmarshalYAML mirrors UnmarshalJSON.
func (t *CorrectionType) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*t = ParseCorrectionType(node.Value)
		return nil
	}
	var m map[string]*string
	if err := node.Decode(&m); err != nil {
		return fmt.Errorf("correction type: %w", err)
	}
	return t.fromMap(m)
}

func (t *CorrectionType) fromMap(m map[string]*string) error {
	if len(m) != 1 {
		return fmt.Errorf("correction type: want a single key, got %d", len(m))
	}
	for k, v := range m {
		parsed := ParseCorrectionType(k)
		if parsed.Kind == Other {
			parsed.Message = ""
			if k != string(Other) {
				parsed.Message = k
			}
			if v != nil {
				parsed.Message = *v
			}
		}
		*t = parsed
	}
	return nil
}

// Correction maps a failed command for a query to the command the user
// confirmed. ConfidenceScore and SuccessRate start at 1 and move with
// reinforcement.
type Correction struct {
	ID               string         `json:"id" yaml:"id"`
	OriginalQuery    string         `json:"original_query" yaml:"original_query"`
	IncorrectCommand string         `json:"incorrect_command" yaml:"incorrect_command"`
	CorrectCommand   string         `json:"correct_command" yaml:"correct_command"`
	ErrorMessage     string         `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	Type             CorrectionType `json:"correction_type" yaml:"correction_type"`
	Timestamp        time.Time      `json:"timestamp" yaml:"timestamp"`
	ConfidenceScore  float32        `json:"confidence_score" yaml:"confidence_score"`
	SuccessRate      float32        `json:"success_rate" yaml:"success_rate"`
	UsageCount       int            `json:"usage_count" yaml:"usage_count"`
}

// correctionFields has Correction's layout without its custom decoders.
type correctionFields Correction

func defaultCorrectionFields() correctionFields {
	return correctionFields{ConfidenceScore: 1, SuccessRate: 1}
}

// UnmarshalJSON fills scores missing from older records with their defaults.
func (c *Correction) UnmarshalJSON(data []byte) error {
	f := defaultCorrectionFields()
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*c = Correction(f)
	return nil
}

// UnmarshalYAML fills scores missing from older records with their defaults.
func (c *Correction) UnmarshalYAML(node *yaml.Node) error {
	f := defaultCorrectionFields()
	if err := node.Decode(&f); err != nil {
		return err
	}
	*c = Correction(f)
	return nil
}

// SimilarCorrection is a correction with its query-similarity score.
type SimilarCorrection struct {
	Correction
	Score float32 `json:"score"`
}

// UnmarshalJSON decodes the score alongside the embedded correction, whose
// own decoder would otherwise be promoted and drop it.
func (s *SimilarCorrection) UnmarshalJSON(data []byte) error {
	var score struct {
		Score float32 `json:"score"`
	}
	if err := json.Unmarshal(data, &score); err != nil {
		return err
	}
	if err := s.Correction.UnmarshalJSON(data); err != nil {
		return err
	}
	s.Score = score.Score
	return nil
}

// Stats summarizes the learning database.
type Stats struct {
	TotalCorrections int            `json:"total_corrections"`
	UniquePatterns   int            `json:"unique_patterns"`
	LearnedQueries   int            `json:"learned_queries"`
	TrackedCommands  int            `json:"tracked_commands"`
	ByType           map[string]int `json:"by_type"`
	LastUpdated      time.Time      `json:"last_updated"`
}

// ErrNoCorrection is returned when a query has no learned correction.
var ErrNoCorrection = errors.New("no learned correction for query")

// PersistenceError reports a failed write of the learning database. The
// change that triggered it has been rolled back.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("saving learning database %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
