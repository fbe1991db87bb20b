package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/schaermu/reposyncd/internal/config"
	"github.com/schaermu/reposyncd/internal/versions"
)

var targetMode string

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Manage synchronization targets",
}

var targetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured targets",
	Args:  cobra.NoArgs,
	RunE:  runTargetsList,
}

var targetsAddCmd = &cobra.Command{
	Use:   "add NAME REPO PATH",
	Short: "Add a target to the configuration file",
	Long: `Add appends a target to the configuration file. REPO must be a GitHub
repository URL and PATH an absolute directory. --mode selects what is synced:
source, release, or both.`,
	Args: cobra.ExactArgs(3),
	RunE: runTargetsAdd,
}

var targetsRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a target from the configuration file",
	Long: `Remove deletes a target from the configuration file. The local checkout,
release executable and backups are left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runTargetsRemove,
}

func init() {
	targetsAddCmd.Flags().StringVar(&targetMode, "mode", string(config.ModeBoth), "what to sync (source, release, both)")

	targetsCmd.AddCommand(targetsListCmd)
	targetsCmd.AddCommand(targetsAddCmd)
	targetsCmd.AddCommand(targetsRemoveCmd)
}

func runTargetsList(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(cfg.Targets) == 0 {
		_, _ = fmt.Fprintln(out, "No targets configured.")
		return nil
	}

	tags := versions.NewFileStore(cfg.VersionStatePath(), logger).Load()
	printTargets(out, cfg.Targets, tags)
	return nil
}

func runTargetsAdd(cmd *cobra.Command, args []string) error {
	return editTargets(cmd.OutOrStdout(), func(cfg *config.Config) (string, error) {
		t := config.TargetConfig{
			Name: args[0],
			Repo: args[1],
			Path: args[2],
			Mode: config.Mode(targetMode),
		}
		if err := cfg.AddTarget(t); err != nil {
			return "", err
		}
		return fmt.Sprintf("Added target %q.", t.Name), nil
	})
}

func runTargetsRemove(cmd *cobra.Command, args []string) error {
	return editTargets(cmd.OutOrStdout(), func(cfg *config.Config) (string, error) {
		if err := cfg.RemoveTarget(args[0]); err != nil {
			return "", err
		}
		return fmt.Sprintf("Removed target %q.", args[0]), nil
	})
}

// editTargets applies edit to the config file's target list. Only the
// targets key is rewritten.
func editTargets(out io.Writer, edit func(cfg *config.Config) (string, error)) error {
	logger := setupLogger()

	path, err := configPath()
	if err != nil {
		return err
	}

	var msg string
	cfg, err := config.EditTargets(path, func(cfg *config.Config) error {
		var err error
		msg, err = edit(cfg)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update config: %w", err)
	}

	logger.Info("configuration updated", "path", path, "targets", len(cfg.Targets))
	_, _ = fmt.Fprintln(out, msg)
	return nil
}
