package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/cuc/internal/learning"
)

// --- learn ---

var learnCmd = &cobra.Command{
	Use:   "learn <query>",
	Short: "Record the correct command for a query",
	Long: `Record the correct command for a query after a failed attempt.
Without --correct the failure is only logged and nothing is learned.

Examples:
  cuc learn "list services" --correct "ibmcloud resource service-instances" \
      --incorrect "ibmcloud services" --error "'services' is not a registered command"
  cuc learn "show clusters" --correct "ibmcloud ks clusters" --type MissingPlugin`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		right, _ := cmd.Flags().GetString("correct")
		wrong, _ := cmd.Flags().GetString("incorrect")
		errMsg, _ := cmd.Flags().GetString("error")
		declared, _ := cmd.Flags().GetString("type")
		if right == "" && errMsg == "" {
			return errors.New("--correct or --error is required")
		}

		typ := learning.AnalyzeError(errMsg)
		if declared != "" {
			typ = learning.ParseCorrectionType(declared)
		}

		return withApp(func(ctx context.Context, a *app) error {
			c, err := a.learning.AddCorrection(ctx, query, wrong, right, errMsg, typ)
			if err != nil {
				return err
			}
			if c.CorrectCommand == "" {
				printSuccess("Logged %s failure %s", c.Type, c.ID)
				return nil
			}
			printSuccess("Learned %s correction %s", c.Type, c.ID)
			return nil
		})
	},
}

func init() {
	learnCmd.Flags().String("correct", "", "command that worked")
	learnCmd.Flags().String("incorrect", "", "command that failed")
	learnCmd.Flags().String("error", "", "error output of the failed command")
	learnCmd.Flags().String("type", "", "correction type (default: inferred from --error)")
}

// --- suggest ---

var suggestCmd = &cobra.Command{
	Use:   "suggest <failed-command>",
	Short: "Suggest commands learned from past corrections",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := strings.Join(args, " ")
		errMsg, _ := cmd.Flags().GetString("error")

		return withApp(func(ctx context.Context, a *app) error {
			suggestions := a.learning.GetSuggestions(failed, errMsg)
			if len(suggestions) == 0 {
				fmt.Fprintln(stdout, "No suggestions.")
				return nil
			}
			for i, s := range suggestions {
				fmt.Fprintf(stdout, "%d. %s\n", i+1, colorize(colorCyan, s))
			}
			return nil
		})
	},
}

func init() {
	suggestCmd.Flags().String("error", "", "error output of the failed command")
}

// --- classify ---

var classifyCmd = &cobra.Command{
	Use:   "classify <error-message>",
	Short: "Classify CLI error output",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg := strings.Join(args, " ")
		printStatus("Type", "%s", learning.AnalyzeError(msg))
		printStatus("Correctable", "%t", learning.IsCorrectableError(msg))
		if failed := learning.ExtractFailedCommand(msg); failed != "" {
			printStatus("Failed command", "%s", failed)
		}
		return nil
	},
}

// --- similar ---

var similarCmd = &cobra.Command{
	Use:   "similar <query>",
	Short: "Find learned corrections for similar queries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		threshold, _ := cmd.Flags().GetFloat32("threshold")

		return withApp(func(ctx context.Context, a *app) error {
			if !cmd.Flags().Changed("threshold") {
				threshold = a.learning.SimilarityThreshold()
			}
			results := a.learning.FindSimilar(query, threshold)
			if len(results) == 0 {
				fmt.Fprintln(stdout, "No similar corrections.")
				return nil
			}
			for _, r := range results {
				fmt.Fprintf(stdout, "[%.2f] %s -> %s\n", r.Score, r.OriginalQuery, colorize(colorCyan, r.CorrectCommand))
			}
			return nil
		})
	},
}

func init() {
	similarCmd.Flags().Float32("threshold", 0, "minimum word overlap (default learning.similarity_threshold)")
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback <query>",
	Short: "Report the outcome of running a translated command",
	Long: `Report the outcome of running a translated command.

With --command the run is recorded against that command; a failure is kept
as an execution error. Without it, the learned correction for the query is
reinforced or weakened.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		command, _ := cmd.Flags().GetString("command")
		success, _ := cmd.Flags().GetBool("success")
		failure, _ := cmd.Flags().GetBool("failure")
		stdoutText, _ := cmd.Flags().GetString("stdout")
		stderrText, _ := cmd.Flags().GetString("stderr")
		if success == failure {
			return errors.New("exactly one of --success or --failure is required")
		}

		return withApp(func(ctx context.Context, a *app) error {
			if command == "" {
				c, err := a.learning.RecordOutcome(ctx, query, success)
				if err != nil {
					return err
				}
				printSuccess("Updated %s: confidence %.2f, success rate %.2f", c.ID, c.ConfidenceScore, c.SuccessRate)
				return nil
			}
			if err := a.learning.AddExecutionFeedback(ctx, query, command, stdoutText, stderrText, success); err != nil {
				return err
			}
			printSuccess("Recorded feedback; %q success rate is now %.2f", command, a.learning.SuccessRate(command))
			return nil
		})
	},
}

func init() {
	feedbackCmd.Flags().String("command", "", "command that was run")
	feedbackCmd.Flags().Bool("success", false, "the command succeeded")
	feedbackCmd.Flags().Bool("failure", false, "the command failed")
	feedbackCmd.Flags().String("stdout", "", "captured standard output")
	feedbackCmd.Flags().String("stderr", "", "captured standard error")
}

// --- retry ---

var retryCmd = &cobra.Command{
	Use:   "retry <error-message>",
	Short: "Show the retry strategy for a failure",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg := strings.Join(args, " ")
		command, _ := cmd.Flags().GetString("command")
		attempt, _ := cmd.Flags().GetInt("attempt")
		if attempt <= 0 {
			attempt = 1
		}

		return withApp(func(ctx context.Context, a *app) error {
			s := a.learning.AnalyzeFailurePattern(msg, command)
			printStatus("Strategy", "%s", s.Kind)
			printStatus("Max attempts", "%d", s.MaxAttempts)
			printStatus("Expected success", "%.0f%%", s.SuccessRate*100)
			if hint, ok := a.learning.RetrySuggestion(msg, attempt); ok {
				printStatus("Suggestion", "%s", hint)
			} else {
				printStatus("Suggestion", "do not retry")
			}
			return nil
		})
	},
}

func init() {
	retryCmd.Flags().String("command", "", "command that failed")
	retryCmd.Flags().Int("attempt", 1, "retry number, starting at 1")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show knowledge base and learning statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		return withApp(func(ctx context.Context, a *app) error {
			docs, err := a.store.Count(ctx)
			if err != nil {
				return err
			}
			jobs, err := a.db.JobCounts(ctx)
			if err != nil {
				return err
			}
			stats := a.learning.Stats()

			if asJSON {
				return printJSON(map[string]any{"documents": docs, "learning": stats, "jobs": jobs})
			}
			printLearningStats(docs, stats)
			return nil
		})
	},
}

func printLearningStats(docs int, stats learning.Stats) {
	printStatus("Documents", "%d", docs)
	printStatus("Corrections", "%d", stats.TotalCorrections)
	printStatus("Patterns", "%d", stats.UniquePatterns)
	printStatus("Learned queries", "%d", stats.LearnedQueries)
	printStatus("Tracked commands", "%d", stats.TrackedCommands)

	kinds := make([]string, 0, len(stats.ByType))
	for k := range stats.ByType {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(stdout, "    %s: %d\n", k, stats.ByType[k])
	}
	if !stats.LastUpdated.IsZero() {
		printStatus("Last updated", "%s", stats.LastUpdated.Format("2006-01-02 15:04:05"))
	}
}

func init() {
	statsCmd.Flags().Bool("json", false, "print the result as JSON")
}

// --- corrections ---

var correctionsCmd = &cobra.Command{
	Use:   "corrections",
	Short: "List, export or import the learning database",
}

var correctionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded corrections",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		return withApp(func(ctx context.Context, a *app) error {
			all := a.learning.Corrections()
			if len(all) == 0 {
				fmt.Fprintln(stdout, "No corrections recorded.")
				return nil
			}
			// Newest first.
			for i := len(all) - 1; i >= 0 && len(all)-i <= limit; i-- {
				c := all[i]
				right := c.CorrectCommand
				if right == "" {
					right = "(failed: " + truncate(c.IncorrectCommand, 40) + ")"
				}
				fmt.Fprintf(stdout, "%s  %-18s %s -> %s\n",
					colorize(colorCyan, shortID(c.ID)), c.Type, truncate(c.OriginalQuery, 60), right)
			}
			return nil
		})
	},
}

var correctionsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the learning database as JSON or YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		formatName, _ := cmd.Flags().GetString("format")
		format, err := learning.ParseFormat(formatName)
		if err != nil {
			return err
		}

		return withApp(func(ctx context.Context, a *app) error {
			if output == "" {
				return a.learning.Export(stdout, format)
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			if err := a.learning.Export(f, format); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			printSuccess("Exported to %s", output)
			return nil
		})
	},
}

var correctionsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Merge an exported learning database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatName, _ := cmd.Flags().GetString("format")
		if formatName == "" && (strings.HasSuffix(args[0], ".yaml") || strings.HasSuffix(args[0], ".yml")) {
			formatName = "yaml"
		}
		format, err := learning.ParseFormat(formatName)
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		return withApp(func(ctx context.Context, a *app) error {
			n, err := a.learning.Import(ctx, f, format)
			if err != nil {
				return err
			}
			printSuccess("Imported %d corrections", n)
			return nil
		})
	},
}

func init() {
	correctionsListCmd.Flags().Int("limit", 20, "maximum number of corrections to list")
	correctionsExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	correctionsExportCmd.Flags().String("format", "json", "json or yaml")
	correctionsImportCmd.Flags().String("format", "", "json or yaml (default: from the file extension)")
	correctionsCmd.AddCommand(correctionsListCmd, correctionsExportCmd, correctionsImportCmd)
}
