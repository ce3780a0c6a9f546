package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"schedsync/internal/app"
	"schedsync/internal/config"
	"schedsync/internal/export"
	appLog "schedsync/internal/log"
	"schedsync/internal/model"
	"schedsync/internal/rules"
	"schedsync/internal/store/gcal"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"

	configPath string
	logLevel   string
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "schedsync",
		Short: "Sync a scraped schedule page into a calendar",
		Long: `schedsync scrapes the official schedule page, classifies each entry
with an emoji rule table and replaces the configured window of the target
calendar (Google Calendar, an .ics feed or a SQLite file) with the result.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(
		versionCmd(),
		initCmd(),
		syncCmd(),
		runCmd(),
		scrapeCmd(),
		dedupeCmd(),
		rulesCmd(),
		historyCmd(),
		authCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{"version": version, "commit": commit, "date": buildDate})
				return
			}
			fmt.Printf("schedsync %s (%s, %s)\n", version, commit, buildDate)
		},
	}
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			}
			if err := config.DefaultConfig().Save(configPath); err != nil {
				return err
			}
			fmt.Printf("wrote %s; set store.calendar_id and store.credentials_file before syncing\n", configPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync and exit (non-zero if anything failed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := loadApp(true)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			report, err := a.Sync(ctx)
			printReport(report)
			if err != nil {
				return err
			}
			if !report.OK() {
				return report.Err()
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync on the configured schedule and serve the status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cfg, err := loadApp(true, func(c *config.Config) {
				if listen != "" {
					c.Listen = listen
				}
			})
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			appLog.Info("schedsync daemon starting", "version", version, "listen", cfg.Listen, "refresh", cfg.RefreshCron, "store", cfg.Store.Kind)
			err = a.Run(ctx)
			appLog.Info("schedsync exiting")
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func scrapeCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Fetch and classify the schedule without touching any calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cfg, err := loadApp(false)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			events, report, err := a.Scrape(ctx)
			if err != nil {
				return err
			}
			for _, inv := range report.Invalid {
				fmt.Fprintf(os.Stderr, "skipped %s %q: %s\n", inv.Date, inv.Title, inv.Reason)
			}

			var w io.Writer = os.Stdout
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if jsonOutput && format == export.FormatTable {
				format = export.FormatJSON
			}
			return export.Write(w, format, events, cfg.Location())
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", export.FormatTable, "Output format: table, json, csv or ics")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write to file instead of stdout")
	return cmd
}

func dedupeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dedupe",
		Short: "Delete duplicate events (same title and start) in the sync window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := loadApp(true)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			report, err := a.Dedupe(ctx)
			printReport(report)
			if err != nil {
				return err
			}
			if !report.OK() {
				return report.Err()
			}
			return nil
		},
	}
}

func rulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the classification rule table in priority order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := loadApp(false)
			if err != nil {
				return err
			}
			tbl := a.Rules()
			if jsonOutput {
				printJSON(tbl)
				return nil
			}
			tiers := []struct {
				name  string
				rules []rules.Rule
			}{
				{"special_keywords (title)", tbl.SpecialKeywords},
				{"channel_markers (channel tags)", tbl.ChannelMarkers},
				{"categories (category tags)", tbl.Categories},
			}
			for i, t := range tiers {
				fmt.Printf("%d. %s: %d rules\n", i+1, t.name, len(t.rules))
				for _, r := range t.rules {
					if r.URL != "" {
						fmt.Printf("   %s  %s  (%s)\n", r.Emoji, r.Pattern, r.URL)
					} else {
						fmt.Printf("   %s  %s\n", r.Emoji, r.Pattern)
					}
				}
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync runs recorded by the store (sqlite only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			a, cfg, err := loadApp(true)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			runs, err := a.History(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(runs)
				return nil
			}
			loc := cfg.Location()
			for _, r := range runs {
				status := "ok"
				switch {
				case r.Error != "":
					status = "error: " + r.Error
				case r.Cancelled:
					status = "cancelled"
				case r.Failed > 0:
					status = "failures"
				}
				fmt.Printf("%s  %s  %s..%s  attempted=%d succeeded=%d failed=%d skipped=%d  %s\n",
					r.FinishedAt.In(loc).Format("2006-01-02 15:04:05"), r.RunID,
					r.WindowStart.In(loc).Format("2006-01-02"), r.WindowEnd.In(loc).Format("2006-01-02"),
					r.Attempted, r.Succeeded, r.Failed, r.Skipped, status)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	return cmd
}

func authCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize Google Calendar access and store the OAuth token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return gcal.Authorize(cmd.Context(), cfg.Store.CredentialsFile, cfg.Store.TokenFile, os.Stdin, os.Stdout)
		},
	}
}

func loadConfig(overrides ...func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	for _, o := range overrides {
		o(cfg)
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(level))
	return cfg, nil
}

// loadApp loads the config and builds the App. Store settings are only
// validated for commands that touch a store.
func loadApp(needStore bool, overrides ...func(*config.Config)) (*app.App, *config.Config, error) {
	cfg, err := loadConfig(overrides...)
	if err != nil {
		return nil, nil, err
	}
	if needStore {
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid config %s:\n%w", configPath, err)
		}
	}
	a, err := app.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

// signalContext is cancelled on SIGINT/SIGTERM. Runs observe it at batch
// boundaries, so in-flight batches still finish.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printReport(report *model.SyncReport) {
	if report == nil {
		return
	}
	if jsonOutput {
		printJSON(report)
		return
	}
	fmt.Printf("run %s window %s: fetched=%d classified=%d existing=%d attempted=%d succeeded=%d failed=%d skipped=%d\n",
		report.RunID, report.Window, report.Fetched, report.Classified, report.Existing,
		report.Attempted(), report.Succeeded(), report.Failed(), len(report.Skipped))
	if report.SkippedReason != "" {
		fmt.Printf("no changes: %s\n", report.SkippedReason)
	}
	if report.Cancelled {
		fmt.Printf("cancelled: %d mutations were not dispatched\n", len(report.Skipped))
	}
	for _, f := range report.Failures() {
		fmt.Printf("  FAILED %-40s %s\n", f.Title, f.Err)
	}
	if report.Error != "" {
		fmt.Printf("error: %s\n", report.Error)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		appLog.Error("failed to encode JSON output", err)
	}
}
