package learning

import (
	"strings"
)

// AnalyzeError classifies a CLI error message. Rules are checked in order,
// case-insensitively, and the first match wins; anything unmatched is
// Other carrying the raw message. It never fails.
func AnalyzeError(msg string) CorrectionType {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "not a registered command", "command not found"):
		return TypeOf(CommandNotFound)
	case containsAny(lower, "invalid syntax", "usage:"):
		return TypeOf(InvalidSyntax)
	case strings.Contains(lower, "plugin") && strings.Contains(lower, "not installed"):
		return TypeOf(MissingPlugin)
	case strings.Contains(lower, "subcommand"):
		return TypeOf(WrongSubcommand)
	case containsAny(lower, "parameter", "argument"):
		return TypeOf(ParameterError)
	}
	return OtherType(msg)
}

// classifyFailure extends AnalyzeError with the runtime failure classes used
// only for retry decisions.
func classifyFailure(msg string) CorrectionType {
	t := AnalyzeError(msg)
	if t.Kind != Other {
		return t
	}
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "unauthorized", "authentication", "not logged in", "token is expired", "invalid api key"):
		return TypeOf(AuthenticationError)
	case containsAny(lower, "permission denied", "forbidden", "access denied", "not authorized"):
		return TypeOf(PermissionDenied)
	case containsAny(lower, "timeout", "timed out", "connection refused", "connection reset", "no such host", "network"):
		return TypeOf(NetworkError)
	case containsAny(lower, "not found", "does not exist", "no resource"):
		return TypeOf(ResourceNotFound)
	}
	return t
}

// ExtractFailedCommand returns the text between the first pair of matching
// single or double quotes in msg, e.g. "services" from
// "'services' is not a registered command". It returns "" when there is none.
func ExtractFailedCommand(msg string) string {
	start := strings.IndexAny(msg, `'"`)
	if start < 0 {
		return ""
	}
	quote := msg[start]
	end := strings.IndexByte(msg[start+1:], quote)
	if end < 0 {
		return ""
	}
	return msg[start+1 : start+1+end]
}

// IsCorrectableError reports whether msg falls into a class that a
// corrected command can fix.
func IsCorrectableError(msg string) bool {
	return AnalyzeError(msg).Kind != Other
}

// patternKey extracts the token a correction is indexed under: for unknown
// commands, the first word after the CLI name; "unknown" when the command
// does not start with it; "general" for every other type.
func patternKey(t CorrectionType, incorrect, cliName string) string {
	if t.Kind != CommandNotFound {
		return "general"
	}
	rest, ok := strings.CutPrefix(strings.TrimSpace(incorrect), cliName+" ")
	if !ok {
		return "unknown"
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "unknown"
	}
	return fields[0]
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// wordOverlap returns the fraction of query words present as whole words in
// candidate, case-insensitively.
func wordOverlap(query, candidate string) float32 {
	qWords := strings.Fields(strings.ToLower(query))
	if len(qWords) == 0 {
		return 0
	}
	cWords := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(candidate)) {
		cWords[w] = true
	}
	matches := 0
	for _, w := range qWords {
		if cWords[w] {
			matches++
		}
	}
	return float32(matches) / float32(len(qWords))
}
