package learning

import (
	"fmt"
	"maps"
	"time"
)

// StrategyKind selects how a failed command is retried.
type StrategyKind string

const (
	Immediate          StrategyKind = "Immediate"
	ExponentialBackoff StrategyKind = "ExponentialBackoff"
	LinearBackoff      StrategyKind = "LinearBackoff"
	Contextual         StrategyKind = "Contextual" // retry after changing the command
	NoRetry            StrategyKind = "NoRetry"
)

// RetryStrategy describes how, and how often, to retry a failure class.
type RetryStrategy struct {
	Kind        StrategyKind  `json:"kind"`
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
	SuccessRate float32       `json:"success_rate"`
}

// Allows reports whether retry number attempt (1-based) is permitted.
func (s RetryStrategy) Allows(attempt int) bool {
	return s.Kind != NoRetry && attempt >= 1 && attempt <= s.MaxAttempts
}

// DelayFor returns the wait before retry number attempt (1-based). It is 0
// once the strategy no longer allows the attempt.
func (s RetryStrategy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if !s.Allows(attempt) {
		return 0
	}
	switch s.Kind {
	case ExponentialBackoff:
		return s.Delay << (attempt - 1)
	case LinearBackoff:
		return s.Delay * time.Duration(attempt)
	}
	return 0
}

// StrategyTable maps failure kinds to retry strategies.
type StrategyTable map[Kind]RetryStrategy

// FallbackStrategy applies to kinds missing from the table.
var FallbackStrategy = RetryStrategy{Kind: LinearBackoff, MaxAttempts: 2, Delay: 2 * time.Second, SuccessRate: 0.3}

// DefaultStrategyTable returns the stock table.
func DefaultStrategyTable() StrategyTable {
	return StrategyTable{
		CommandNotFound:     {Kind: Contextual, MaxAttempts: 2, SuccessRate: 0.6},
		InvalidSyntax:       {Kind: Contextual, MaxAttempts: 2, SuccessRate: 0.5},
		MissingPlugin:       {Kind: Immediate, MaxAttempts: 1, SuccessRate: 0.8},
		WrongSubcommand:     {Kind: Contextual, MaxAttempts: 2, SuccessRate: 0.6},
		ParameterError:      {Kind: Contextual, MaxAttempts: 3, SuccessRate: 0.5},
		AuthenticationError: {Kind: NoRetry},
		NetworkError:        {Kind: ExponentialBackoff, MaxAttempts: 3, Delay: time.Second, SuccessRate: 0.7},
		ResourceNotFound:    {Kind: LinearBackoff, MaxAttempts: 2, Delay: 2 * time.Second, SuccessRate: 0.4},
		PermissionDenied:    {Kind: NoRetry},
	}
}

func (t StrategyTable) lookup(k Kind) RetryStrategy {
	if s, ok := t[k]; ok {
		return s
	}
	return FallbackStrategy
}

func (t StrategyTable) clone() StrategyTable { return maps.Clone(t) }

// retryHint is the human advice for a failure kind.
func retryHint(k Kind, cli string) string {
	switch k {
	case CommandNotFound:
		return fmt.Sprintf("check the command name; '%s help' lists the valid commands", cli)
	case InvalidSyntax:
		return fmt.Sprintf("check the syntax with '%s <command> --help'", cli)
	case MissingPlugin:
		return fmt.Sprintf("install the plugin with '%s plugin install <name>' and run the command again", cli)
	case WrongSubcommand:
		return fmt.Sprintf("list the subcommands with '%s <command> --help'", cli)
	case ParameterError:
		return "review the required parameters and flags"
	case NetworkError:
		return "the network call failed"
	case ResourceNotFound:
		return "verify the resource name and the targeted region or resource group"
	}
	return "the command failed"
}
