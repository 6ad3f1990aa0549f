package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/finpilot/internal/approval"
	"github.com/TobiSchelling/finpilot/internal/config"
	"github.com/TobiSchelling/finpilot/internal/database"
	"github.com/TobiSchelling/finpilot/internal/logger"
	"github.com/TobiSchelling/finpilot/internal/pipeline"
	"github.com/TobiSchelling/finpilot/internal/review"
	"github.com/TobiSchelling/finpilot/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	operatorID string
	windowDays int
	cfg        *config.Config
	log        *logger.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "finpilot",
	Short:   "Personalized financial education recommendations",
	Long:    "finpilot classifies users into personas, generates guarded recommendations and tracks operator approval.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			log = logger.Nop()
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		log, err = logger.New(cfg.Logging.Mode, level)
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		log = log.WithHashSalt(cfg.Logging.HashSalt)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&operatorID, "operator", os.Getenv("FINPILOT_OPERATOR"), "Operator id recorded in the audit trail")
	rootCmd.PersistentFlags().IntVarP(&windowDays, "window", "w", 30, "Observation window in days")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(overrideCmd)
	rootCmd.AddCommand(bulkApproveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(reviewCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("finpilot", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/finpilot/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the LLM provider, lock backend and partner feeds.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Println("Users:")
		fmt.Printf("  Total: %d\n", stats.TotalUsers)
		fmt.Printf("  With consent: %d\n", stats.UsersWithConsent)
		fmt.Println("\nPersonas:")
		printCounts(stats.PersonaDistribution)
		fmt.Println("\nRecommendations:")
		printCounts(stats.Recommendations)
		fmt.Printf("\nOperator actions: %d\n", stats.OperatorActions)
		fmt.Printf("Average generation latency: %.0fms\n", stats.AvgLatencyMS)
		return nil
	},
}

// --- import command ---

var importCmd = &cobra.Command{
	Use:   "import [fixture.yaml]",
	Short: "Load users, consent, signals and offers from a YAML fixture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		fx, err := loadFixture(args[0])
		if err != nil {
			return err
		}
		n, err := fx.apply(cmd.Context(), db)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d users, %d signal snapshots, %d offers\n", n.users, n.signals, n.offers)
		return nil
	},
}

// --- catalog command ---

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the partner offer catalog",
}

var catalogSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch offers from the configured partner feeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(db *database.DB, engine *pipeline.Pipeline) error {
			res, err := engine.Catalog.Sync(cmd.Context(), cfg.Catalog.Feeds)
			if err != nil {
				return err
			}
			fmt.Printf("Synced %d feeds: %d offers stored, %d skipped\n", res.Feeds, res.Upserts, res.Skipped)
			if len(res.Sources) > 0 {
				fmt.Println("\nOffers by provider:")
				printCounts(res.Sources)
			}
			for url, msg := range res.Failed {
				fmt.Printf("  FAILED %s: %s\n", url, msg)
			}
			return nil
		})
	},
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		offers, err := db.ActiveOffers(cmd.Context())
		if err != nil {
			return err
		}
		if len(offers) == 0 {
			fmt.Println("No active offers. Import a fixture or run: finpilot catalog sync")
			return nil
		}
		for _, o := range offers {
			fmt.Printf("  [%s] %s (%s, %s)\n", o.OfferID, o.Name, o.Provider, o.Category)
		}
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogSyncCmd)
	catalogCmd.AddCommand(catalogListCmd)
}

// --- classify / generate commands ---

var classifyCmd = &cobra.Command{
	Use:   "classify [user_id]",
	Short: "Assign personas to one user, or to every user with signals",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(db *database.DB, engine *pipeline.Pipeline) error {
			if len(args) == 0 {
				counts, err := engine.Personas.AssignAll(cmd.Context(), windowDays)
				if err != nil {
					return err
				}
				printCounts(counts)
				return nil
			}
			pa, err := engine.Personas.Assign(cmd.Context(), args[0], windowDays)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s (confidence %.2f)\n", pa.UserID, pa.Persona, pa.Confidence)
			fmt.Printf("  %s\n", pa.Reasoning.Reason)
			for _, c := range pa.Reasoning.MatchedCriteria(pa.Persona) {
				fmt.Printf("  - %s = %s\n", c.Criterion, c.Value)
			}
			return nil
		})
	},
}

var forceRegenerate bool

var generateCmd = &cobra.Command{
	Use:   "generate [user_id]",
	Short: "Get or generate recommendations for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(db *database.DB, engine *pipeline.Pipeline) error {
			out, err := engine.Recommend.GetOrGenerate(cmd.Context(), args[0], windowDays, forceRegenerate)
			if err != nil {
				return err
			}
			source := "generated"
			if out.Cached {
				source = "cached"
			}
			fmt.Printf("%s: %d recommendations for %s (%s, %dms)\n",
				out.UserID, len(out.Recommendations), out.Persona, source, out.LatencyMS)
			for _, r := range out.Recommendations {
				fmt.Printf("  [%s] %s: %s\n", r.ID, r.ContentType, r.Title)
			}
			return nil
		})
	},
}

func init() {
	generateCmd.Flags().BoolVarP(&forceRegenerate, "force", "f", false, "Ignore cached pending recommendations")
}

// --- run command ---

var dryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the batch: catalog sync -> classify -> generate",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(db *database.DB, engine *pipeline.Pipeline) error {
			var result *pipeline.Result
			if dryRun {
				result = engine.DryRun(cmd.Context(), windowDays)
			} else {
				result = engine.Run(cmd.Context(), windowDays)
			}

			for i, step := range result.Steps {
				fmt.Printf("\nStep %d/%d: %s\n", i+1, len(result.Steps), step.Name)
				if step.Err != nil {
					fmt.Printf("  Error: %v\n", step.Err)
				} else {
					fmt.Printf("  %s\n", step.Summary)
				}
			}

			if !dryRun {
				fmt.Println("\nBatch complete! Run 'finpilot serve' to review recommendations.")
			}
			return nil
		})
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(db *database.DB, engine *pipeline.Pipeline) error {
			port := servePort
			if port == 0 {
				port = cfg.Server.Port
			}
			addr := fmt.Sprintf("localhost:%d", port)
			fmt.Printf("Starting server at http://%s\n", addr)
			fmt.Println("Press Ctrl+C to stop")
			return server.Serve(cmd.Context(), server.New(db, engine, log), addr)
		})
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default from config)")
}

// --- operator commands ---

var (
	reason   string
	newTitle string
	newBody  string
)

var approveCmd = &cobra.Command{
	Use:   "approve [recommendation_id]",
	Short: "Approve a pending recommendation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApproval(func(svc *approval.Service) error {
			rec, err := svc.Approve(cmd.Context(), args[0], operatorID)
			if err != nil {
				return err
			}
			printRecommendation(rec)
			return nil
		})
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject [recommendation_id]",
	Short: "Reject a recommendation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApproval(func(svc *approval.Service) error {
			rec, err := svc.Reject(cmd.Context(), args[0], operatorID, reason)
			if err != nil {
				return err
			}
			printRecommendation(rec)
			return nil
		})
	},
}

var overrideCmd = &cobra.Command{
	Use:   "override [recommendation_id]",
	Short: "Replace the title and/or body of a recommendation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := approval.OverrideRequest{Reason: reason}
		if cmd.Flags().Changed("title") {
			req.Title = &newTitle
		}
		if cmd.Flags().Changed("body") {
			req.Body = &newBody
		}
		return withApproval(func(svc *approval.Service) error {
			rec, err := svc.Override(cmd.Context(), args[0], operatorID, req)
			if err != nil {
				return err
			}
			printRecommendation(rec)
			return nil
		})
	},
}

var bulkApproveCmd = &cobra.Command{
	Use:   "bulk-approve [recommendation_id...]",
	Short: "Approve several pending recommendations",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApproval(func(svc *approval.Service) error {
			res, err := svc.BulkApprove(cmd.Context(), args, operatorID)
			if err != nil {
				return err
			}
			for _, item := range res.Items {
				if item.Success {
					fmt.Printf("  approved %s\n", item.RecommendationID)
				} else {
					fmt.Printf("  FAILED   %s: %s\n", item.RecommendationID, item.Message)
				}
			}
			fmt.Printf("\n%d approved, %d failed\n", res.Approved, res.Failed)
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [recommendation_id]",
	Short: "Show the operator audit trail of a recommendation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApproval(func(svc *approval.Service) error {
			actions, err := svc.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(actions) == 0 {
				fmt.Println("No operator actions recorded.")
				return nil
			}
			for _, a := range actions {
				line := fmt.Sprintf("  %s  %-8s by %s", a.Timestamp.Format("2006-01-02 15:04:05"), a.ActionType, a.OperatorID)
				if a.Reason != nil {
					line += ": " + *a.Reason
				}
				fmt.Println(line)
			}
			return nil
		})
	},
}

var allWindows bool

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Print the pending review queue as markdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		window := windowDays
		if allWindows {
			window = 0
		}
		d, err := review.Build(cmd.Context(), db, window)
		if err != nil {
			return err
		}
		fmt.Println(d.Markdown)
		return nil
	},
}

func init() {
	reviewCmd.Flags().BoolVar(&allWindows, "all", false, "Include every observation window")
	rejectCmd.Flags().StringVarP(&reason, "reason", "r", "", "Rejection reason (required)")
	overrideCmd.Flags().StringVarP(&reason, "reason", "r", "", "Override reason (required)")
	overrideCmd.Flags().StringVar(&newTitle, "title", "", "Replacement title")
	overrideCmd.Flags().StringVar(&newBody, "body", "", "Replacement body")
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "finpilot.db")
	return database.Open(dbPath, database.WithLogger(log))
}

func withEngine(ctx context.Context, fn func(*database.DB, *pipeline.Pipeline) error) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	engine, err := pipeline.New(ctx, cfg, db, log)
	if err != nil {
		return err
	}
	defer engine.Close()
	return fn(db, engine)
}

func withApproval(fn func(*approval.Service) error) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(approval.NewService(db, log))
}

func printRecommendation(r *database.Recommendation) {
	fmt.Printf("[%s] %s: %s\n", r.ID, r.Status, r.Title)
	if r.OverrideReason != nil {
		fmt.Printf("  override reason: %s\n", *r.OverrideReason)
	}
	if r.Metadata.RejectionReason != "" {
		fmt.Printf("  rejection reason: %s\n", r.Metadata.RejectionReason)
	}
}

func printCounts(counts map[string]int) {
	if len(counts) == 0 {
		fmt.Println("  (none)")
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		fmt.Printf("  %s: %d\n", k, counts[k])
	}
}
