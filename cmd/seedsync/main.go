package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/schaermu/seedsync/internal/changes"
	"github.com/schaermu/seedsync/internal/config"
	"github.com/schaermu/seedsync/internal/health"
	"github.com/schaermu/seedsync/internal/hooks"
	"github.com/schaermu/seedsync/internal/observability"
	"github.com/schaermu/seedsync/internal/pipeline"
	"github.com/schaermu/seedsync/internal/planner"
	"github.com/schaermu/seedsync/internal/provision"
	"github.com/schaermu/seedsync/internal/report"
	"github.com/schaermu/seedsync/internal/schedule"
	"github.com/schaermu/seedsync/internal/state"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags, layered with SEEDSYNC_* environment variables
	settings = viper.New()

	// Run command flags
	dryRun              bool
	force               bool
	frontendOnly        bool
	imagesOnly          bool
	scenario            string
	includeBusinessData bool

	historyLimit int
)

// Exit codes by error kind
const (
	exitError        = 1
	exitConflict     = 2
	exitCycle        = 3
	exitUnknownName  = 4
	exitStageFailure = 5
)

const defaultConfigName = "seedsync.yaml"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "seedsync",
	Short: "Incremental data provisioning for development and staging environments",
	Long: `seedsync fingerprints the inputs of an environment (images, seed data,
configuration and scripts), works out what changed since the last successful
run, and executes only the stages that are needed.

Stages are delegated to external commands configured per environment, and a
durable operation lock keeps concurrent runs apart.`,
	SilenceUsage: true,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Detect changes and recommend what to process",
	RunE:  runAnalyze,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the stages a run would execute",
	Long: `Plan analyzes changes and builds the stage schedule, including parallel
groups and estimates, without taking the operation lock.`,
	RunE: runPlan,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Provision the environment",
	Long: `Run analyzes changes, takes the operation lock and executes the scheduled
stages. The new baseline is committed only when every required stage
succeeded, so a failed run is retried in full next time.`,
	RunE: runRun,
}

var checklistCmd = &cobra.Command{
	Use:   "checklist",
	Short: "Report whether the environment is ready for a run",
	RunE:  runChecklist,
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Force-clear a stale operation lock",
	Long: `Unlock removes the operation lock left behind by a crashed run and marks its
in-progress operation as failed. Only use it when no run is active.`,
	RunE: runUnlock,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent operations, newest first",
	RunE:  runHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "seedsync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (default is ./seedsync.yaml, then $HOME/.config/seedsync/config.yaml)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text, json)")
	pf.StringP("output", "o", "table", "output format (table, json, yaml)")
	pf.Bool("no-color", false, "disable coloured output")

	settings.SetEnvPrefix("SEEDSYNC")
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(pf); err != nil {
		panic(err)
	}

	// Intent flags shared by analyze, plan and run
	for _, cmd := range []*cobra.Command{analyzeCmd, planCmd, runCmd} {
		f := cmd.Flags()
		f.BoolVar(&force, "force", false, "reprocess every category regardless of changes")
		f.BoolVar(&frontendOnly, "frontend-only", false, "only regenerate frontend data")
		f.BoolVar(&imagesOnly, "images-only", false, "only process images")
		f.StringVar(&scenario, "scenario", "", "seed a named scenario instead of the full data set")
		f.BoolVar(&includeBusinessData, "include-business-data", false, "include business data in frontend sync")
		cmd.MarkFlagsMutuallyExclusive("force", "frontend-only", "images-only")
	}

	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of entries to show (0 for all)")

	// Add commands
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checklistCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

// app bundles everything a command needs
type app struct {
	engine  *provision.Engine
	printer *report.Printer
	logger  *slog.Logger
}

func newApp(cmd *cobra.Command) (*app, error) {
	format, err := report.ParseFormat(settings.GetString("output"))
	if err != nil {
		return nil, err
	}
	report.SetColor(!settings.GetBool("no-color"))

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &app{
		engine:  provision.NewEngine(cfg, collaborators(cfg, logger), observability.NewMetrics(), logger),
		printer: report.New(cmd.OutOrStdout(), format),
		logger:  logger,
	}, nil
}

// collaborators binds the configured commands and health probes. Without
// services the service-check stage is skipped.
func collaborators(cfg *config.Config, logger *slog.Logger) pipeline.Collaborators {
	client := hooks.NewClient(cfg.HookCommands(), logger)
	collab := pipeline.Collaborators{
		Images:    client,
		Seeder:    client,
		Frontend:  client,
		Validator: client,
	}
	if services := cfg.HealthServices(); len(services) > 0 {
		collab.Health = health.NewHTTPMonitor(services, cfg.Health.Timeout, logger)
	}
	return collab
}

func currentIntent() planner.Intent {
	return planner.Intent{
		FrontendOnly:        frontendOnly,
		ImagesOnly:          imagesOnly,
		Force:               force,
		Scenario:            scenario,
		IncludeBusinessData: includeBusinessData,
	}
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	analysis, err := a.engine.Analyze(ctx, currentIntent())
	if err != nil {
		return err
	}
	return a.printer.Analysis(analysis)
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	plan, err := a.engine.Plan(ctx, currentIntent())
	if err != nil {
		return err
	}
	return a.printer.Plan(plan)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	res, runErr := a.engine.Run(ctx, currentIntent(), dryRun)
	if res != nil {
		if err := a.printer.Run(res); err != nil {
			return err
		}
	}
	if runErr != nil {
		a.logger.Error("run failed", "error", runErr)
		return runErr
	}
	return nil
}

func runChecklist(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	cl, err := a.engine.Checklist(ctx)
	if err != nil {
		return err
	}
	return a.printer.Checklist(cl)
}

func runUnlock(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	lock, err := a.engine.Unlock()
	if err != nil {
		return err
	}
	if lock == nil {
		a.logger.Info("no operation lock held")
		return nil
	}
	a.logger.Warn("operation lock cleared",
		"operation", lock.OperationType,
		"owner", lock.OwnerID,
		"started_at", lock.StartedAt)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	entries, err := a.engine.History(historyLimit)
	if err != nil {
		return err
	}
	return a.printer.History(entries)
}

// exitCode maps error kinds onto process exit codes
func exitCode(err error) int {
	switch {
	case errors.Is(err, state.ErrConcurrencyConflict):
		return exitConflict
	case errors.Is(err, schedule.ErrCircularDependency):
		return exitCycle
	case errors.Is(err, planner.ErrUnknownScenario), errors.Is(err, changes.ErrUnknownCategory):
		return exitUnknownName
	case errors.Is(err, pipeline.ErrStageFailure):
		return exitStageFailure
	default:
		return exitError
	}
}

func setupLogger() *slog.Logger {
	// Logs go to stderr so that --output json stays parseable
	return observability.NewLogger(os.Stderr, settings.GetString("log-level"), settings.GetString("log-format"))
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath, err := resolveConfigPath(settings.GetString("config"))
	if err != nil {
		return nil, err
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"environment", cfg.Environment.Name,
		"root_dir", cfg.Paths.RootDir,
		"state_dir", cfg.Paths.StateDir,
		"tracked_files", len(cfg.Tracking.Files),
		"tracked_directories", len(cfg.Tracking.Directories))

	return cfg, nil
}

// resolveConfigPath prefers an explicit path, then ./seedsync.yaml, then the
// per-user config file
func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "seedsync", "config.yaml"), nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
