package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matrix-tools/syn2mas/internal/config"
	"github.com/matrix-tools/syn2mas/internal/exitcodes"
	"github.com/matrix-tools/syn2mas/internal/logging"
	"github.com/matrix-tools/syn2mas/internal/orchestrator"
	"github.com/matrix-tools/syn2mas/internal/progress"
	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "syn2mas",
		Usage:   "Migrate Synapse auth data to the Matrix Authentication Service",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file on completion",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// Redirect logs to stderr when JSON output is enabled
			if c.Bool("output-json") || c.String("output-file") != "" {
				logging.SetOutput(os.Stderr)
			}

			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Run the migration (resumes automatically after an interruption)",
				Action: runMigrate,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Extract and transform everything but only probe the MAS database",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Rows per commit transaction",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Parallel entity pipelines per dependency stage",
					},
					&cli.BoolFlag{
						Name:  "no-progress",
						Usage: "Disable the terminal progress bar",
					},
					&cli.BoolFlag{
						Name:  "progress-json",
						Usage: "Emit line-delimited JSON progress updates to stderr",
					},
				},
			},
			{
				Name:   "check",
				Usage:  "Validate connectivity, schemas and source data without migrating",
				Action: runCheck,
			},
			{
				Name:   "verify",
				Usage:  "Re-read the source and probe every migrated row in MAS",
				Action: runVerify,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "cleanup",
						Usage: "Drop the engine's state tables from MAS if verification is clean",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show the last run and durable per-entity checkpoints",
				Action: showStatus,
			},
			{
				Name:   "history",
				Usage:  "List past migration runs",
				Action: showHistory,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcodes.FromError(err))
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) && !c.IsSet("config") {
		return nil, exitcodes.NewExitError(
			fmt.Errorf("configuration file not found: %s", configPath),
			exitcodes.ConfigError)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	return cfg, nil
}

// signalContext cancels on SIGINT/SIGTERM so in-flight batches finish and
// the checkpoint is saved before exit.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted. Saving checkpoint...")
		cancel()
	}()

	return ctx, cancel
}

func runMigrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	// Override from flags
	if c.IsSet("batch-size") {
		cfg.Migration.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("workers") {
		cfg.Migration.Workers = c.Int("workers")
	}
	dryRun := cfg.Migration.DryRun || c.Bool("dry-run")

	ctx, cancel := signalContext()
	defer cancel()

	orch, err := orchestrator.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	jsonOut := c.Bool("output-json") || c.String("output-file") != ""
	orch.ShowProgressBar = !jsonOut && !c.Bool("no-progress") && c.String("log-format") != "json"
	if c.Bool("progress-json") {
		orch.ShowProgressBar = false
		orch.ProgressReporter = progress.NewJSONReporter(os.Stderr, 5*time.Second)
	}

	var report *orchestrator.MigrationReport
	var runErr error
	if dryRun {
		report, runErr = orch.DryRun(ctx)
	} else {
		report, runErr = orch.Migrate(ctx)
	}

	if jsonOut && report != nil {
		if err := outputJSON(c, report); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	if !jsonOut {
		printReport(report)
	}
	if code := report.ExitCode(); code != exitcodes.Success {
		return exitcodes.NewExitError(
			fmt.Errorf("migration completed with %d skipped rows", report.SkippedRows),
			code)
	}
	return nil
}

func runCheck(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	orch, err := orchestrator.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	result, err := orch.Check(ctx)
	if err != nil {
		return err
	}

	if c.Bool("output-json") || c.String("output-file") != "" {
		if err := outputJSON(c, result); err != nil {
			return err
		}
	} else {
		printCheck(result)
	}

	if len(result.Errors) > 0 {
		return exitcodes.NewExitError(
			fmt.Errorf("check found %d blocking issue(s)", len(result.Errors)),
			exitcodes.CheckErrors)
	}
	if len(result.Warnings) > 0 {
		return exitcodes.NewExitError(
			fmt.Errorf("check found %d warning(s)", len(result.Warnings)),
			exitcodes.CheckWarnings)
	}
	fmt.Println("All checks passed")
	return nil
}

func runVerify(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	orch, err := orchestrator.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	result, err := orch.Verify(ctx, c.Bool("cleanup"))
	if err != nil {
		return err
	}

	if c.Bool("output-json") || c.String("output-file") != "" {
		if err := outputJSON(c, result); err != nil {
			return err
		}
	} else {
		printVerify(result)
	}

	if !result.Clean {
		return exitcodes.NewExitError(
			fmt.Errorf("verification found %d missing and %d mismatched row(s)",
				result.Missing, result.Mismatched),
			exitcodes.ConsistencyError)
	}
	return nil
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	orch, err := orchestrator.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	status, err := orch.Status(ctx)
	if err != nil {
		return err
	}

	if c.Bool("output-json") || c.String("output-file") != "" {
		return outputJSON(c, status)
	}

	if status.LastRun == nil {
		fmt.Println("No migration runs recorded")
		return nil
	}
	run := status.LastRun
	fmt.Printf("Run:        %s\n", run.ID)
	fmt.Printf("Homeserver: %s\n", run.Homeserver)
	fmt.Printf("Status:     %s\n", run.Status)
	fmt.Printf("Started:    %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if run.CompletedAt != nil {
		fmt.Printf("Completed:  %s\n", run.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if run.DryRun {
		fmt.Println("Mode:       dry-run")
	}
	if run.Error != "" {
		fmt.Printf("Error:      %s\n", run.Error)
	}
	if len(status.Checkpoints) > 0 {
		fmt.Println()
		fmt.Printf("%-18s %12s  %s\n", "Entity", "Rows done", "Updated")
		for _, cp := range status.Checkpoints {
			fmt.Printf("%-18s %12d  %s\n", cp.Entity, cp.RowsDone, cp.UpdatedAt)
		}
	}
	return nil
}

func showHistory(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	orch, err := orchestrator.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	runs, err := orch.History()
	if err != nil {
		return err
	}

	if c.Bool("output-json") || c.String("output-file") != "" {
		return outputJSON(c, runs)
	}

	if len(runs) == 0 {
		fmt.Println("No migration runs recorded")
		return nil
	}
	fmt.Printf("%-10s %-20s %-22s %-20s %s\n", "Run", "Status", "Homeserver", "Started", "Duration")
	for _, r := range runs {
		duration := ""
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		name := r.ID
		if r.DryRun {
			name += "*"
		}
		fmt.Printf("%-10s %-20s %-22s %-20s %s\n",
			name, r.Status, r.Homeserver,
			r.StartedAt.Format("2006-01-02 15:04:05"), duration)
	}
	return nil
}

func printReport(report *orchestrator.MigrationReport) {
	mode := "Migration"
	if report.DryRun {
		mode = "Dry run"
	}
	fmt.Printf("\n%s %s: %s in %s\n", mode, report.RunID, report.Status,
		report.Duration)
	fmt.Printf("%-18s %12s %12s %12s %8s\n", "Entity", "Source", "Written", "Applied", "Skipped")
	for _, e := range report.Entities {
		fmt.Printf("%-18s %12d %12d %12d %8d\n",
			e.Entity, e.SourceRows, e.Written, e.AlreadyApplied, len(e.Skipped))
	}
	if report.SkippedRows > 0 {
		fmt.Printf("\n%d row(s) skipped; run with --verbosity debug for details\n", report.SkippedRows)
	}
}

func printCheck(result *orchestrator.CheckResult) {
	for _, e := range result.Errors {
		fmt.Printf("ERROR:   %s\n", e)
	}
	for _, w := range result.Warnings {
		fmt.Printf("WARNING: %s\n", w)
	}
}

func printVerify(result *orchestrator.VerifyResult) {
	fmt.Printf("%-18s %12s %12s\n", "Entity", "Source", "MAS")
	for _, count := range result.Counts {
		marker := ""
		if !count.Match {
			marker = "  (mismatch)"
		}
		fmt.Printf("%-18s %12d %12d%s\n", count.Entity, count.Source, count.Dest, marker)
	}
	switch {
	case result.Clean && result.CleanedUp:
		fmt.Println("\nVerification clean; engine state tables removed")
	case result.Clean:
		fmt.Println("\nVerification clean")
	default:
		fmt.Printf("\nVerification found %d missing and %d mismatched row(s)\n",
			result.Missing, result.Mismatched)
	}
}

// outputJSON writes the result as JSON to stdout and/or a file.
func outputJSON(c *cli.Context, result any) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if c.Bool("output-json") {
		fmt.Println(string(data))
	}

	if path := c.String("output-file"); path != "" {
		if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
	}

	return nil
}
