package main

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/schaermu/reposyncd/internal/config"
	reposync "github.com/schaermu/reposyncd/internal/sync"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeConfig writes a minimal valid config and points --config at it
func writeConfig(t *testing.T, targets string) string {
	t.Helper()
	origCfgFile := cfgFile
	origLevel := logLevel
	t.Cleanup(func() {
		cfgFile = origCfgFile
		logLevel = origLevel
	})
	logLevel = "error"

	tmpDir := t.TempDir()
	content := "paths:\n  state_dir: \"" + filepath.Join(tmpDir, "state") + "\"\n" + targets
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	cfgFile = cfgPath
	return cfgPath
}

func testCmd() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	return cmd, &buf
}

func TestSetupLogger(t *testing.T) {
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	writeConfig(t, `targets:
  - name: widget
    repo: https://github.com/acme/widget
    path: /srv/widget
    mode: Source Code
`)

	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if len(cfg.Targets) != 1 || cfg.Targets[0].Mode != config.ModeSource {
		t.Errorf("unexpected targets: %+v", cfg.Targets)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	if _, err := loadConfig(testLogger()); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestConfigPath_Default(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	cfgFile = ""

	home := t.TempDir()
	t.Setenv("HOME", home)

	path, err := configPath()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".config", "reposyncd", "config.yaml"); path != want {
		t.Errorf("configPath() = %s, want %s", path, want)
	}

	// The default config file does not exist
	if _, err := loadConfig(testLogger()); err == nil {
		t.Error("expected error when default config file doesn't exist")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, []string{})

	if !strings.HasPrefix(buf.String(), "reposyncd dev") {
		t.Errorf("unexpected version output %q", buf.String())
	}
}

func TestSelectTargets(t *testing.T) {
	cfg := &config.Config{Targets: []config.TargetConfig{
		{Name: "a"}, {Name: "b"}, {Name: "c"},
	}}

	all, err := selectTargets(cfg, nil)
	if err != nil || len(all) != 3 {
		t.Fatalf("selectTargets(nil) = %v, %v", all, err)
	}

	some, err := selectTargets(cfg, []string{"c", "a", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(some) != 2 || some[0].Name != "c" || some[1].Name != "a" {
		t.Errorf("selectTargets() = %+v", some)
	}

	if _, err := selectTargets(cfg, []string{"missing"}); err == nil {
		t.Error("expected error for unknown target")
	}
}

func TestBuildRunner(t *testing.T) {
	for _, backend := range []config.GitBackend{config.GitBackendShell, config.GitBackendGoGit} {
		t.Run(string(backend), func(t *testing.T) {
			dir := t.TempDir()
			cfg := &config.Config{
				Paths: config.PathsConfig{StateDir: dir, BackupDir: filepath.Join(dir, "backups")},
				Git:   config.GitConfig{Backend: backend, FallbackBranch: "main"},
				GitHub: config.GitHubConfig{
					APIURL:            config.DefaultAPIURL,
					RequestTimeout:    config.DefaultRequestTimeout,
					RequestsPerMinute: config.DefaultRequestsPerMin,
					MaxRetries:        config.DefaultMaxRetries,
				},
				Release: config.ReleaseConfig{AssetExtension: ".exe"},
			}

			runner, err := buildRunner(cfg, 2, backend == config.GitBackendGoGit, testLogger())
			if err != nil {
				t.Fatalf("buildRunner() failed: %v", err)
			}
			if runner == nil {
				t.Fatal("buildRunner returned nil")
			}
		})
	}
}

func TestRunSync_NoTargets(t *testing.T) {
	writeConfig(t, "")
	cmd, out := testCmd()

	if err := runSync(cmd, nil); err != nil {
		t.Fatalf("runSync() failed: %v", err)
	}
	if !strings.Contains(out.String(), "No targets configured") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestRunSync_UnknownTarget(t *testing.T) {
	writeConfig(t, "")
	cmd, _ := testCmd()

	if err := runSync(cmd, []string{"nope"}); err == nil {
		t.Error("expected error for unknown target")
	}
}

func TestRunServe_Disabled(t *testing.T) {
	writeConfig(t, "")
	cmd, _ := testCmd()

	err := runServe(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "not enabled") {
		t.Errorf("runServe() error = %v, want not enabled", err)
	}
}

func TestTargetsAddListRemove(t *testing.T) {
	cfgPath := writeConfig(t, "")
	origMode := targetMode
	t.Cleanup(func() { targetMode = origMode })
	disableColor()

	targetMode = "Latest Release (.exe)"
	cmd, out := testCmd()
	if err := runTargetsAdd(cmd, []string{"widget", "https://github.com/acme/widget", "/srv/widget"}); err != nil {
		t.Fatalf("targets add failed: %v", err)
	}
	if !strings.Contains(out.String(), `Added target "widget"`) {
		t.Errorf("unexpected output %q", out.String())
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if tgt, ok := cfg.Target("widget"); !ok || tgt.Mode != config.ModeRelease {
		t.Fatalf("saved target = %+v, %v", tgt, ok)
	}

	// Duplicate names are rejected and the file is left alone
	cmd, _ = testCmd()
	if err := runTargetsAdd(cmd, []string{"widget", "https://github.com/acme/other", "/srv/other"}); err == nil {
		t.Error("expected error for duplicate target")
	}

	cmd, out = testCmd()
	if err := runTargetsList(cmd, nil); err != nil {
		t.Fatalf("targets list failed: %v", err)
	}
	for _, want := range []string{"widget", "https://github.com/acme/widget", "/srv/widget", "release"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("list output missing %q:\n%s", want, out.String())
		}
	}

	cmd, _ = testCmd()
	if err := runTargetsRemove(cmd, []string{"widget"}); err != nil {
		t.Fatalf("targets remove failed: %v", err)
	}
	cfg, err = config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Targets) != 0 {
		t.Errorf("expected no targets after remove, got %+v", cfg.Targets)
	}

	cmd, _ = testCmd()
	if err := runTargetsRemove(cmd, []string{"widget"}); err == nil {
		t.Error("expected error removing unknown target")
	}
}

func TestTargetsAdd_KeepsEnvReferences(t *testing.T) {
	t.Setenv("REPOSYNCD_TEST_STATE", t.TempDir())
	origCfgFile := cfgFile
	origLevel := logLevel
	origMode := targetMode
	t.Cleanup(func() {
		cfgFile = origCfgFile
		logLevel = origLevel
		targetMode = origMode
	})
	logLevel = "error"
	targetMode = "both"

	cfgFile = filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgFile, []byte("paths:\n  state_dir: $REPOSYNCD_TEST_STATE\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd, _ := testCmd()
	if err := runTargetsAdd(cmd, []string{"widget", "https://github.com/acme/widget", "/srv/widget"}); err != nil {
		t.Fatalf("targets add failed: %v", err)
	}

	data, err := os.ReadFile(cfgFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "state_dir: $REPOSYNCD_TEST_STATE") {
		t.Errorf("env reference lost after targets add:\n%s", data)
	}
	if strings.Contains(string(data), "skip_dirs") {
		t.Errorf("defaults written to config file:\n%s", data)
	}
}

func TestTargetsAdd_InvalidRepo(t *testing.T) {
	writeConfig(t, "")
	origMode := targetMode
	t.Cleanup(func() { targetMode = origMode })
	targetMode = "both"

	cmd, _ := testCmd()
	if err := runTargetsAdd(cmd, []string{"x", "https://gitlab.com/acme/x", "/srv/x"}); err == nil {
		t.Error("expected error for non-GitHub repository")
	}
}

func TestPrintEventAndSummary(t *testing.T) {
	disableColor()

	var buf bytes.Buffer
	printEvent(&buf, "widget", reposync.Event{Percent: 15, Message: "REPOSITORY VERIFIED"})
	if got := buf.String(); got != "[widget]  15% REPOSITORY VERIFIED\n" {
		t.Errorf("printEvent() = %q", got)
	}

	buf.Reset()
	targets := []config.TargetConfig{
		{Name: "widget", Mode: config.ModeBoth},
		{Name: "tool", Mode: config.ModeSource},
	}
	results := []reposync.Result{
		{Target: "widget", Outcome: reposync.OutcomeSuccess, Last: reposync.Event{Message: "EXE UPDATED"}},
		{
			Target:  "tool",
			Outcome: reposync.OutcomeError,
			Kind:    reposync.KindCloneFailure,
			Err:     errors.New("auth required"),
			Last:    reposync.Event{Percent: 100, Message: "ERROR: auth required", Outcome: reposync.OutcomeError},
		},
	}
	printSummary(&buf, targets, results)

	for _, want := range []string{"Sync summary", "widget", "OK", "EXE UPDATED", "tool", "FAILED", "auth required"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("summary missing %q:\n%s", want, buf.String())
		}
	}
}
