package learning

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/cuc/internal/metrics"
)

const (
	// DefaultCLIName is the program whose commands are being corrected.
	DefaultCLIName = "ibmcloud"
	// DefaultSimilarityThreshold is the minimum word overlap for LearningContext.
	DefaultSimilarityThreshold = 0.3

	maxSuggestions     = 3
	maxContextEntries  = 3
	defaultSuccessRate = 0.5
	successStep        = 0.1
	confidenceBoost    = 0.05
	confidencePenalty  = 0.2
	confidenceFloor    = 0.1
)

// executionErrorType marks corrections recorded from failed executions.
var executionErrorType = OtherType("ExecutionError")

// Options configures an Engine. Zero values take defaults.
type Options struct {
	CLIName             string
	Policy              SuggestionPolicy
	SimilarityThreshold float32
	Logger              *slog.Logger
	Metrics             *metrics.Metrics
	Now                 func() time.Time
}

// Engine owns the learning database: corrections, the pattern index and
// per-command success rates. All methods are safe for concurrent use; every
// mutation is written to disk before it returns.
type Engine struct {
	mu   sync.RWMutex
	path string
	st   state

	// learned maps a query to the index of its latest correction with a
	// non-empty correct command.
	learned map[string]int

	cliName    string
	policy     SuggestionPolicy
	threshold  float32
	strategies StrategyTable
	metrics    *metrics.Metrics
	now        func() time.Time
	logger     *slog.Logger
}

// Open loads the database at path, or starts empty when the file does not
// exist. An empty path keeps everything in memory.
func Open(path string, opts Options) (*Engine, error) {
	e := &Engine{
		path:       path,
		cliName:    opts.CLIName,
		policy:     opts.Policy,
		threshold:  opts.SimilarityThreshold,
		strategies: DefaultStrategyTable(),
		metrics:    opts.Metrics,
		now:        opts.Now,
		logger:     opts.Logger,
	}
	if e.cliName == "" {
		e.cliName = DefaultCLIName
	}
	if e.policy == nil {
		e.policy = LexicalPolicy{}
	}
	if e.threshold <= 0 {
		e.threshold = DefaultSimilarityThreshold
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	e.st = state{patterns: make(map[string][]string), metrics: make(map[string]float32)}
	if path != "" {
		snap, err := loadSnapshot(path)
		if err != nil {
			return nil, fmt.Errorf("loading learning database: %w", err)
		}
		e.st.corrections = snap.Corrections
		e.st.lastUpdated = snap.LastUpdated
		if snap.Patterns != nil {
			e.st.patterns = snap.Patterns
		}
		if snap.SuccessMetrics != nil {
			e.st.metrics = snap.SuccessMetrics
		}
	}
	e.reindex()
	return e, nil
}

// Path returns the database file, or "" for a memory-only engine.
func (e *Engine) Path() string { return e.path }

// SimilarityThreshold is the minimum overlap LearningContext uses.
func (e *Engine) SimilarityThreshold() float32 { return e.threshold }

// SetStrategy overrides the retry strategy for a failure kind.
func (e *Engine) SetStrategy(k Kind, s RetryStrategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies = e.strategies.clone()
	e.strategies[k] = s
}

// AddCorrection records that right is the correct command for query after
// wrong failed with errMsg. A later correction for the same query supersedes
// this one. An empty right only logs the failure: the record is kept but
// nothing is learned from it. If the database cannot be saved the correction
// is discarded and a *PersistenceError is returned.
func (e *Engine) AddCorrection(ctx context.Context, query, wrong, right, errMsg string, typ CorrectionType) (Correction, error) {
	if err := ctx.Err(); err != nil {
		return Correction{}, err
	}
	if strings.TrimSpace(query) == "" {
		return Correction{}, fmt.Errorf("query is required")
	}
	right = strings.TrimSpace(right)

	var c Correction
	err := e.mutate(func(st *state) {
		c = e.appendLocked(st, query, wrong, right, errMsg, typ)
	})
	if err != nil {
		return Correction{}, err
	}
	e.metrics.ObserveCorrection(string(typ.Kind))
	e.logger.Info("learned correction", "incorrect", wrong, "correct", right, "type", typ.String())
	return c, nil
}

func (e *Engine) appendLocked(st *state, query, wrong, right, errMsg string, typ CorrectionType) Correction {
	c := Correction{
		ID:               uuid.New().String(),
		OriginalQuery:    query,
		IncorrectCommand: wrong,
		CorrectCommand:   right,
		ErrorMessage:     errMsg,
		Type:             typ,
		Timestamp:        e.now(),
		ConfidenceScore:  1,
		SuccessRate:      1,
	}
	st.corrections = append(st.corrections, c)
	if right != "" {
		key := patternKey(typ, wrong, e.cliName)
		if !slices.Contains(st.patterns[key], right) {
			st.patterns[key] = append(st.patterns[key], right)
		}
	}
	return c
}

// GetLearnedCommand returns the latest correct command learned for query.
func (e *Engine) GetLearnedCommand(query string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	i, ok := e.learned[query]
	if !ok {
		return "", false
	}
	return e.st.corrections[i].CorrectCommand, true
}

// HasLearnedCorrection reports whether query has a learned command.
func (e *Engine) HasLearnedCorrection(query string) bool {
	_, ok := e.GetLearnedCommand(query)
	return ok
}

// Corrections returns a copy of every record, oldest first.
func (e *Engine) Corrections() []Correction {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.st.corrections)
}

// GetSuggestions returns up to three corrected commands relevant to a failed
// command: those learned for queries containing it (or contained in it), for
// the same incorrect command, or indexed under a pattern key found in it.
// When failed is empty, the quoted command in errMsg is used instead.
func (e *Engine) GetSuggestions(failed, errMsg string) []string {
	if strings.TrimSpace(failed) == "" {
		failed = ExtractFailedCommand(errMsg)
	}
	if strings.TrimSpace(failed) == "" {
		return []string{}
	}
	lowerFailed := strings.ToLower(failed)

	e.mu.RLock()
	defer e.mu.RUnlock()

	best := make(map[string]*Candidate)
	var order []string
	add := func(cmd string) {
		if cmd == "" {
			return
		}
		if _, ok := best[cmd]; !ok {
			best[cmd] = &Candidate{Command: cmd}
			order = append(order, cmd)
		}
	}

	for _, c := range e.st.corrections {
		q := strings.ToLower(c.OriginalQuery)
		if (q != "" && (strings.Contains(q, lowerFailed) || strings.Contains(lowerFailed, q))) || c.IncorrectCommand == failed {
			add(c.CorrectCommand)
		}
	}
	keys := make([]string, 0, len(e.st.patterns))
	for k := range e.st.patterns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(failed, k) {
			for _, cmd := range e.st.patterns[k] {
				add(cmd)
			}
		}
	}

	// Evidence for each candidate comes from every record that produced it.
	for _, c := range e.st.corrections {
		cand, ok := best[c.CorrectCommand]
		if !ok {
			continue
		}
		cand.Confidence = max(cand.Confidence, c.ConfidenceScore*c.SuccessRate)
		cand.Usage = max(cand.Usage, c.UsageCount)
	}

	cands := make([]Candidate, len(order))
	for i, cmd := range order {
		cands[i] = *best[cmd]
	}
	e.policy.Order(cands)

	out := make([]string, 0, min(len(cands), maxSuggestions))
	for _, c := range cands {
		if len(out) == maxSuggestions {
			break
		}
		out = append(out, c.Command)
	}
	return out
}

// FindSimilar returns the latest correction of every learned query whose
// word overlap with query is at least threshold, highest score first; equal
// scores keep insertion order.
func (e *Engine) FindSimilar(query string, threshold float32) []SimilarCorrection {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := []SimilarCorrection{}
	for i, c := range e.st.corrections {
		if e.learned[c.OriginalQuery] != i || c.CorrectCommand == "" {
			continue
		}
		score := wordOverlap(query, c.OriginalQuery)
		if score >= threshold {
			out = append(out, SimilarCorrection{Correction: c, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// UpdateSuccessMetrics moves the success rate of command by 0.1 towards
// success or failure, starting from 0.5, and saves it.
func (e *Engine) UpdateSuccessMetrics(ctx context.Context, command string, success bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.mutate(func(st *state) { nudgeSuccess(st, command, success) })
}

func nudgeSuccess(st *state, command string, success bool) {
	rate, ok := st.metrics[command]
	if !ok {
		rate = defaultSuccessRate
	}
	if success {
		rate += successStep
	} else {
		rate -= successStep
	}
	st.metrics[command] = clamp01(rate)
}

// SuccessRate returns the tracked success rate of command, 0.5 if unseen.
func (e *Engine) SuccessRate(command string) float32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if rate, ok := e.st.metrics[command]; ok {
		return rate
	}
	return defaultSuccessRate
}

// RecordOutcome reinforces the latest correction for query after its
// command was run: usage goes up and success rate and confidence move with
// the outcome.
func (e *Engine) RecordOutcome(ctx context.Context, query string, success bool) (Correction, error) {
	if err := ctx.Err(); err != nil {
		return Correction{}, err
	}
	var (
		updated Correction
		found   bool
	)
	err := e.mutate(func(st *state) {
		updated, found = e.reinforceLocked(st, query, success)
	})
	if err != nil {
		return Correction{}, err
	}
	if !found {
		return Correction{}, ErrNoCorrection
	}
	return updated, nil
}

func (e *Engine) reinforceLocked(st *state, query string, success bool) (Correction, bool) {
	i, ok := e.learned[query]
	if !ok {
		return Correction{}, false
	}
	c := &st.corrections[i]
	c.UsageCount++
	if success {
		c.SuccessRate = clamp01(c.SuccessRate + successStep)
		c.ConfidenceScore = min(c.ConfidenceScore+confidenceBoost, 1)
	} else {
		c.SuccessRate = clamp01(c.SuccessRate - successStep)
		c.ConfidenceScore = max(c.ConfidenceScore-confidencePenalty, confidenceFloor)
	}
	return *c, true
}

// AddExecutionFeedback learns from running command for query. Success
// reinforces the learned correction, if any; failure records the attempt as
// an ExecutionError with stderr (or stdout) as the message. The command's
// success rate is updated either way.
func (e *Engine) AddExecutionFeedback(ctx context.Context, query, command, stdout, stderr string, success bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	errMsg := stderr
	if errMsg == "" {
		errMsg = stdout
	}
	err := e.mutate(func(st *state) {
		nudgeSuccess(st, command, success)
		if success {
			e.reinforceLocked(st, query, true)
			return
		}
		e.appendLocked(st, query, command, "", errMsg, executionErrorType)
	})
	if err != nil {
		return err
	}
	if !success {
		e.metrics.ObserveCorrection(string(Other))
	}
	e.logger.Debug("execution feedback", "command", command, "success", success)
	return nil
}

// AnalyzeFailurePattern returns the retry strategy for the failure class of
// errMsg.
func (e *Engine) AnalyzeFailurePattern(errMsg, command string) RetryStrategy {
	t := classifyFailure(errMsg)
	e.mu.RLock()
	s := e.strategies.lookup(t.Kind)
	e.mu.RUnlock()
	e.logger.Debug("retry strategy", "command", command, "type", t.String(), "strategy", s.Kind)
	return s
}

// RetrySuggestion returns advice for retry number attempt (1-based) after
// errMsg, or false when the strategy forbids retrying or attempts are used
// up.
func (e *Engine) RetrySuggestion(errMsg string, attempt int) (string, bool) {
	t := classifyFailure(errMsg)
	e.mu.RLock()
	s := e.strategies.lookup(t.Kind)
	e.mu.RUnlock()
	if !s.Allows(attempt) {
		return "", false
	}

	hint := retryHint(t.Kind, e.cliName)
	switch s.Kind {
	case Contextual:
		return fmt.Sprintf("Attempt %d/%d: %s, then retry with a corrected command.", attempt, s.MaxAttempts, hint), true
	case Immediate:
		return fmt.Sprintf("Attempt %d/%d: %s.", attempt, s.MaxAttempts, hint), true
	}
	return fmt.Sprintf("Attempt %d/%d: %s; retry in %s.", attempt, s.MaxAttempts, hint, s.DelayFor(attempt)), true
}

// LearningContext formats up to three learned corrections similar to query
// for injection into a prompt, plus a standing note about a common mistake.
func (e *Engine) LearningContext(query string) string {
	var sb strings.Builder
	similar := e.FindSimilar(query, e.threshold)
	if len(similar) > maxContextEntries {
		similar = similar[:maxContextEntries]
	}
	if len(similar) > 0 {
		sb.WriteString("\nLearned corrections:\n")
		for _, s := range similar {
			fmt.Fprintf(&sb, "- Query: '%s' -> Correct command: '%s'\n", s.OriginalQuery, s.CorrectCommand)
		}
	}
	if strings.Contains(strings.ToLower(query), "services") {
		fmt.Fprintf(&sb, "\nNote: '%[1]s services' is not valid. Use '%[1]s resource service-instances' instead.\n", e.cliName)
	}
	return sb.String()
}

// Stats summarizes the database.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	byType := make(map[string]int)
	for _, c := range e.st.corrections {
		byType[string(c.Type.Kind)]++
	}
	return Stats{
		TotalCorrections: len(e.st.corrections),
		UniquePatterns:   len(e.st.patterns),
		LearnedQueries:   len(e.learned),
		TrackedCommands:  len(e.st.metrics),
		ByType:           byType,
		LastUpdated:      e.st.lastUpdated,
	}
}

// mutate applies fn to the state and saves it. On a failed save the state
// before fn is restored and a *PersistenceError is returned.
func (e *Engine) mutate(fn func(st *state)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.st.clone()
	fn(&e.st)
	e.st.lastUpdated = e.now()
	e.reindex()

	if e.path == "" {
		return nil
	}
	if err := writeSnapshot(e.path, e.st.snapshot()); err != nil {
		e.st = prev
		e.reindex()
		return &PersistenceError{Path: e.path, Err: err}
	}
	return nil
}

// reindex rebuilds the query index; later corrections win.
func (e *Engine) reindex() {
	e.learned = make(map[string]int, len(e.st.corrections))
	for i, c := range e.st.corrections {
		if c.CorrectCommand != "" {
			e.learned[c.OriginalQuery] = i
		}
	}
}

func clamp01(v float32) float32 { return min(max(v, 0), 1) }
