package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/reposyncd/internal/backup"
	"github.com/schaermu/reposyncd/internal/config"
	"github.com/schaermu/reposyncd/internal/git"
	"github.com/schaermu/reposyncd/internal/github"
	reposync "github.com/schaermu/reposyncd/internal/sync"
	"github.com/schaermu/reposyncd/internal/versions"
	"github.com/schaermu/reposyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	jobs      int
	dryRun    bool
	noColor   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reposyncd",
	Short: "Mirror GitHub repositories and their release executables",
	Long: `reposyncd keeps local copies of GitHub repositories up to date.

For each configured target it clones or hard-resets the source tree to the
remote default branch and downloads the latest release executable when its
tag changed. Existing files are backed up before they are overwritten.

It can run as a oneshot sync (via systemd timer or cron) or as a long-running
webhook daemon that responds to GitHub push and release events.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			disableColor()
		}
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync [target...]",
	Short: "Synchronize all targets, or only the named ones",
	Long: `Sync runs every configured target (or only the named ones) once and prints
the progress of each run followed by a summary table.

With --dry-run the remote is still fetched and compared, but nothing is
cloned, reset, backed up or downloaded.

The command exits non-zero if any target failed.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve syncs every target once and then listens for GitHub webhook events.
Push events re-sync the source of matching targets, release events re-sync
their release executables. A systemd-activated socket is used when present.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "reposyncd %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/reposyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	// Sync command flags
	syncCmd.Flags().IntVar(&jobs, "jobs", 0, "number of targets to sync concurrently (default from config)")
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	targets, err := selectTargets(cfg, args)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No targets configured.")
		return nil
	}

	n := cfg.Sync.Jobs
	if jobs > 0 {
		n = jobs
	}
	runner, err := buildRunner(cfg, n, dryRun, logger)
	if err != nil {
		return err
	}

	logger.Info("starting sync operation", "targets", len(targets), "jobs", n, "dry_run", dryRun)

	out := cmd.OutOrStdout()
	results := runner.RunAll(ctx, targets, func(t config.TargetConfig, ev reposync.Event) {
		printEvent(out, t.Name, ev)
	})
	printSummary(out, targets, results)

	failed := 0
	for _, res := range results {
		if res.Outcome == reposync.OutcomeError {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d targets failed", failed, len(targets))
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve is not enabled in configuration (set serve.enabled: true)")
	}

	runner, err := buildRunner(cfg, cfg.Sync.Jobs, false, logger)
	if err != nil {
		return err
	}

	server, err := webhook.NewServer(cfg, runner, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	return server.Start(ctx)
}

// newGitClient returns the git client for the configured backend
func newGitClient(cfg *config.Config) git.Client {
	if cfg.Git.Backend == config.GitBackendGoGit {
		return git.NewGoGitClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile, nil)
	}
	return git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
}

// buildRunner wires the engine collaborators from cfg
func buildRunner(cfg *config.Config, n int, dryRun bool, logger *slog.Logger) (*reposync.Runner, error) {
	meta, err := github.NewClient(cfg.GitHub, cfg.Git.FallbackBranch, cfg.Release.AssetExtension, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}

	engine := reposync.NewEngine(
		newGitClient(cfg),
		meta,
		backup.NewManager(cfg.Paths.BackupDir, cfg.Backup.SkipDirs, logger),
		versions.NewFileStore(cfg.VersionStatePath(), logger),
		logger,
		dryRun,
	)
	return reposync.NewRunner(engine, n, logger), nil
}

// selectTargets returns the named targets in the order given, or all
// targets when names is empty
func selectTargets(cfg *config.Config, names []string) ([]config.TargetConfig, error) {
	if len(names) == 0 {
		return cfg.Targets, nil
	}

	selected := make([]config.TargetConfig, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		t, ok := cfg.Target(name)
		if !ok {
			return nil, fmt.Errorf("unknown target %q", name)
		}
		seen[name] = true
		selected = append(selected, t)
	}
	return selected, nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Logs go to stderr so progress output on stdout stays readable
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// configPath returns the --config value or the default location
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "reposyncd", "config.yaml"), nil
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	logger.Info("loading configuration", "path", path)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"targets", len(cfg.Targets),
		"state_dir", cfg.Paths.StateDir,
		"backup_dir", cfg.Paths.BackupDir,
		"git_backend", cfg.Git.Backend,
		"auth", cfg.AuthMethod())

	return cfg, nil
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
