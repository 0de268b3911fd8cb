package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/cuc/internal/config"
	"github.com/kalambet/cuc/internal/ingest"
	"github.com/kalambet/cuc/internal/retrieval"
)

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index [file...]",
	Short: "Index documentation into the knowledge base",
	Long: `Index documentation into the knowledge base.

Examples:
  cuc index --text "ibmcloud target -r us-south switches region" --source notes
  cuc index --text "..." --source notes --category regions
  cuc index ./docs/login.md ./reference.pdf
  cuc index --url https://cloud.ibm.com/docs/cli
  cuc index --seed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		source, _ := cmd.Flags().GetString("source")
		category, _ := cmd.Flags().GetString("category")
		urls, _ := cmd.Flags().GetStringSlice("url")
		seed, _ := cmd.Flags().GetBool("seed")

		if text == "" && len(urls) == 0 && len(args) == 0 && !seed {
			return errors.New("one of --text, --url, --seed or a file argument is required")
		}
		if text != "" && source == "" {
			return errors.New("--source is required with --text")
		}

		return withApp(func(ctx context.Context, a *app) error {
			if seed {
				n, err := a.indexer.Seed(ctx)
				if err != nil {
					return err
				}
				printSuccess("Seeded %d chunks", n)
			}
			if text != "" {
				var (
					n   int
					err error
				)
				if category != "" {
					n, err = a.indexer.AddKnowledge(ctx, text, source, category)
				} else {
					n, err = a.indexer.IndexText(ctx, text, source, nil)
				}
				if err != nil {
					return err
				}
				printSuccess("Indexed %d chunks from %s", n, source)
			}

			failed := 0
			for _, path := range args {
				n, err := a.indexer.IndexFile(ctx, path)
				if err != nil {
					printError("%v", err)
					failed++
					continue
				}
				printSuccess("Indexed %d chunks from %s", n, path)
			}
			for _, r := range a.indexer.IndexURLs(ctx, urls) {
				if r.Err != nil {
					printError("%v", r.Err)
					failed++
					continue
				}
				printSuccess("Indexed %d chunks from %s", r.Chunks, r.URL)
			}
			if failed > 0 {
				return fmt.Errorf("%d source(s) failed to index", failed)
			}
			return nil
		})
	},
}

func init() {
	indexCmd.Flags().String("text", "", "text content to index")
	indexCmd.Flags().String("source", "", "source name recorded on every chunk of --text")
	indexCmd.Flags().String("category", "", "category metadata for --text")
	indexCmd.Flags().StringSlice("url", nil, "web page to fetch and index (repeatable)")
	indexCmd.Flags().Bool("seed", false, "index the built-in CLI knowledge passages")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Similarity search over indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		threshold, _ := cmd.Flags().GetFloat32("threshold")
		modeName, _ := cmd.Flags().GetString("mode")

		return withApp(func(ctx context.Context, a *app) error {
			mode := a.searchMode()
			if modeName != "" {
				var err error
				if mode, err = retrieval.ParseMode(modeName); err != nil {
					return err
				}
			}
			if !cmd.Flags().Changed("threshold") {
				threshold = float32(a.cfg.Retrieval.SimilarityThreshold)
			}

			results, err := a.searcher.Search(ctx, retrieval.Query{Text: query, Mode: mode}, limit, threshold)
			if err != nil {
				return err
			}
			a.metrics.ObserveSearch(string(mode))
			printSearchResults(results)
			return nil
		})
	},
}

func printSearchResults(results []retrieval.ScoredDocument) {
	if len(results) == 0 {
		fmt.Fprintln(stdout, "No results found.")
		return
	}
	for i, r := range results {
		fmt.Fprintf(stdout, "\n%s [score: %.3f] %s\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score, colorize(colorCyan, r.Source))
		fmt.Fprintf(stdout, "  %s\n", truncate(r.Content, 500))
	}
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
	searchCmd.Flags().Float32("threshold", 0, "minimum score (default retrieval.similarity_threshold)")
	searchCmd.Flags().String("mode", "", "lexical, vector or hybrid (default retrieval.search_mode)")
}

// --- context ---

var contextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Show the documentation context and learned corrections for a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.builder.Retrieve(ctx, query)
			if err != nil {
				return err
			}
			learned := a.learning.LearningContext(query)

			if asJSON {
				return printJSON(map[string]any{
					"context":          res.Context,
					"confidence":       res.Confidence,
					"sources":          res.Sources,
					"chunks":           len(res.Chunks),
					"learning_context": learned,
				})
			}

			if res.Context == "" {
				printWarning("No relevant documentation found")
			} else {
				fmt.Fprint(stdout, res.Context)
				printStatus("Confidence", "%.2f", res.Confidence)
				printStatus("Sources", "%s", strings.Join(res.Sources, ", "))
			}
			if learned != "" {
				fmt.Fprint(stdout, learned)
			}
			return nil
		})
	},
}

func init() {
	contextCmd.Flags().Bool("json", false, "print the result as JSON")
}

// --- enhance ---

var enhanceCmd = &cobra.Command{
	Use:   "enhance <prompt>",
	Short: "Prefix a translation prompt with retrieved documentation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		query, _ := cmd.Flags().GetString("query")
		if query == "" {
			query = prompt
		}

		return withApp(func(ctx context.Context, a *app) error {
			enhanced, err := a.builder.EnhancePrompt(ctx, prompt, query)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, enhanced)
			return nil
		})
	},
}

func init() {
	enhanceCmd.Flags().String("query", "", "retrieval query (default: the prompt)")
}

// --- sources ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage reference documentation sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			printSources(a.sources.List())
			return nil
		})
	},
}

func printSources(srcs []ingest.ReferenceSource) {
	if len(srcs) == 0 {
		fmt.Fprintln(stdout, "No sources registered.")
		return
	}
	for _, s := range srcs {
		indexed := "never"
		if s.LastIndexed != nil {
			indexed = s.LastIndexed.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(stdout, "%s [%s]\n    %s  chunks: %d  indexed: %s\n",
			colorize(colorBold, s.Name), s.SourceType, colorize(colorCyan, s.URL), s.ChunkCount, indexed)
	}
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Register a source without indexing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		typeName, _ := cmd.Flags().GetString("type")
		st, err := ingest.ParseSourceType(typeName)
		if err != nil {
			return err
		}
		if name == "" {
			name = args[0]
		}

		return withApp(func(ctx context.Context, a *app) error {
			if err := a.sources.Add(ingest.ReferenceSource{Name: name, URL: args[0], SourceType: st}); err != nil {
				return err
			}
			printSuccess("Registered %s", args[0])
			return nil
		})
	},
}

var sourcesIndexCmd = &cobra.Command{
	Use:   "index",
	Short: "Fetch and index every registered source",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, _ := cmd.Flags().GetBool("defaults")

		return withApp(func(ctx context.Context, a *app) error {
			if defaults {
				for _, s := range ingest.DefaultSources() {
					if err := a.sources.Add(s); err != nil {
						return err
					}
				}
			}
			srcs := a.sources.List()
			if len(srcs) == 0 {
				printWarning("No sources registered. Use --defaults or `cuc sources add`.")
				return nil
			}

			printStep("Indexing %d sources...", len(srcs))
			failed := 0
			for i, r := range a.indexer.IndexSources(ctx, srcs) {
				if r.Err != nil {
					printError("%s: %v", srcs[i].Name, r.Err)
					failed++
					continue
				}
				printSuccess("%s: %d chunks", srcs[i].Name, r.Chunks)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d sources failed", failed, len(srcs))
			}
			return nil
		})
	},
}

func init() {
	sourcesAddCmd.Flags().String("name", "", "display name (default: the URL)")
	sourcesAddCmd.Flags().String("type", "", "documentation, tutorial, reference or example")
	sourcesIndexCmd.Flags().Bool("defaults", false, "register the IBM Cloud CLI documentation pages first")
	sourcesCmd.AddCommand(sourcesListCmd, sourcesAddCmd, sourcesIndexCmd)
}

// --- clear ---

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every indexed document",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL indexed documents. Use --confirm to proceed.")
			return nil
		}
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.store.Clear(ctx); err != nil {
				return err
			}
			printSuccess("Document store cleared")
			return nil
		})
	},
}

func init() {
	clearCmd.Flags().Bool("confirm", false, "confirm deletion")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", ") +
		".\nSecrets (" + strings.Join(config.SecretKeys(), ", ") + ") are stored with `cuc config set-secret`.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret in the keychain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configSetSecretCmd)
}
