// Command strata is the CLI and server entry point: it wires a Store, the
// auth and audit actors, the maintenance scheduler, and the HTTP admin
// surface together, the way cmd/warren's rootCmd wires manager/worker/API
// pieces for that project.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/internal/audit"
	"github.com/cuemby/strata/internal/auth"
	"github.com/cuemby/strata/internal/config"
	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/maintenance"
	"github.com/cuemby/strata/internal/metrics"
	"github.com/cuemby/strata/internal/schema"
	"github.com/cuemby/strata/internal/substrate"
	"github.com/cuemby/strata/internal/txstore"
	"github.com/cuemby/strata/pkg/api"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata - transactional lakehouse storage for auth, audit, and maintenance",
	Long: `Strata durably persists structured records to content-addressed
file-sets in an object store, serves ACID reads of current and historical
versions, and exposes SQL over those versions.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("strata version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("base-path", "./data", "Root of the table tree")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket to use as the object substrate (local filesystem if empty)")
	rootCmd.PersistentFlags().String("s3-prefix", "", "Key prefix within --s3-bucket")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(tableCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(auditCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// buildStore opens the configured substrate, creates the four domain
// tables if absent, and returns a ready Store plus actors.
func buildStore(ctx context.Context, cmd *cobra.Command) (*txstore.Store, *auth.Actor, *audit.Actor, *maintenance.Scheduler, error) {
	basePath, _ := cmd.Flags().GetString("base-path")
	bucket, _ := cmd.Flags().GetString("s3-bucket")
	prefix, _ := cmd.Flags().GetString("s3-prefix")

	var sub substrate.Substrate
	var err error
	if bucket != "" {
		sub, err = substrate.NewS3(ctx, bucket, prefix)
	} else {
		sub, err = substrate.NewLocal(basePath)
	}
	if err != nil {
		return nil, nil, nil, nil, err
	}

	cfg := config.New(basePath)
	store, err := txstore.New(sub, cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	for _, t := range schema.AllTables() {
		if _, err := store.Create(ctx, t.Name, t.Schema); err != nil {
			log.WithTable(t.Name).Debug().Err(err).Msg("table create skipped (likely already exists)")
		}
	}

	authActor := auth.NewActor(store, cfg)
	auditActor := audit.NewActor(store)
	scheduler := maintenance.New(store, cfg.VacuumRetentionHours)

	return store, authActor, auditActor, scheduler, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP admin surface and background maintenance scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, authActor, auditActor, scheduler, err := buildStore(ctx, cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer authActor.Stop()
		defer auditActor.Stop()

		scheduler.Start()
		defer scheduler.Stop()

		addr, _ := cmd.Flags().GetString("addr")
		server := api.NewServer(store, authActor, auditActor, scheduler)
		httpServer := &http.Server{Addr: addr, Handler: server}

		metrics.SetVersion(Version)
		metrics.RegisterComponent("store", true, "")

		go func() {
			log.Logger.Info().Str("addr", addr).Msg("strata admin server listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("http server exited")
			}
		}()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "HTTP listen address")
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run maintenance tasks",
}

var maintainRunOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run one pass of session cleanup, compaction, and vacuum across every table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, authActor, auditActor, scheduler, err := buildStore(ctx, cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer authActor.Stop()
		defer auditActor.Stop()
		if err := scheduler.RunOnce(ctx); err != nil {
			return err
		}
		fmt.Println("maintenance pass complete")
		return nil
	},
}

func init() {
	maintainCmd.AddCommand(maintainRunOnceCmd)
}

var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Inspect tables",
}

var tableScanCmd = &cobra.Command{
	Use:   "scan [name]",
	Short: "Scan a table's current live rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, authActor, auditActor, _, err := buildStore(ctx, cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer authActor.Stop()
		defer auditActor.Stop()
		rows, err := store.Scan(ctx, args[0])
		if err != nil {
			return err
		}
		for _, row := range rows {
			fmt.Println(row)
		}
		return nil
	},
}

var tableHistoryCmd = &cobra.Command{
	Use:   "history [name]",
	Short: "Show a table's most recent commits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, authActor, auditActor, _, err := buildStore(ctx, cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer authActor.Stop()
		defer auditActor.Stop()
		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := store.History(ctx, args[0], limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("v%d %s adds=%d removes=%d\n", e.Version, e.Operation, len(e.Adds), len(e.Removes))
		}
		return nil
	},
}

func init() {
	tableHistoryCmd.Flags().Int("limit", 20, "Maximum number of commits to show")
	tableCmd.AddCommand(tableScanCmd, tableHistoryCmd)
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage users",
}

var authApproveCmd = &cobra.Command{
	Use:   "approve [user-id] [tier]",
	Short: "Approve a pending user at the given subscription tier",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, authActor, auditActor, _, err := buildStore(ctx, cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer authActor.Stop()
		defer auditActor.Stop()
		rec, err := authActor.ApproveUser(ctx, args[0], auth.SubscriptionTier(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("approved %s as %s (%s tier)\n", rec.Username, rec.Role, rec.SubscriptionTier)
		return nil
	},
}

func init() {
	authCmd.AddCommand(authApproveCmd)
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect audit and billing data",
}

var auditBillingCmd = &cobra.Command{
	Use:   "billing [user-id]",
	Short: "Show a user's billing summary over a date_partition range",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, authActor, auditActor, _, err := buildStore(ctx, cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer authActor.Stop()
		defer auditActor.Stop()

		since, _ := cmd.Flags().GetString("since")
		until, _ := cmd.Flags().GetString("until")
		start, end, err := parseBillingRange(since, until)
		if err != nil {
			return err
		}

		summary, err := auditActor.BillingSummary(ctx, args[0], start, end)
		if err != nil {
			return err
		}
		fmt.Printf("billable actions: %d, rows: %d, compute ms: %.1f\n",
			summary.BillableActions, summary.TotalRows, summary.TotalComputeMS)
		return nil
	},
}

// parseBillingRange resolves the --since/--until flags to a concrete date
// range: end defaults to now and start defaults to one month before end.
func parseBillingRange(since, until string) (time.Time, time.Time, error) {
	end := time.Now()
	if until != "" {
		parsed, err := time.Parse("2006-01-02", until)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --until date: %w", err)
		}
		end = parsed
	}
	start := end.AddDate(0, -1, 0)
	if since != "" {
		parsed, err := time.Parse("2006-01-02", since)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --since date: %w", err)
		}
		start = parsed
	}
	return start, end, nil
}

func init() {
	auditBillingCmd.Flags().String("since", "", "start of the billing period (YYYY-MM-DD), default one month before --until")
	auditBillingCmd.Flags().String("until", "", "end of the billing period (YYYY-MM-DD), default now")
	auditCmd.AddCommand(auditBillingCmd)
}
