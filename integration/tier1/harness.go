//go:build integration

package tier1

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/schaermu/reposyncd/internal/backup"
	"github.com/schaermu/reposyncd/internal/config"
	"github.com/schaermu/reposyncd/internal/git"
	"github.com/schaermu/reposyncd/internal/github"
	reposync "github.com/schaermu/reposyncd/internal/sync"
	"github.com/schaermu/reposyncd/internal/versions"
)

const (
	testOwner = "acme"
	testName  = "widget"
	testRepo  = "https://github.com/" + testOwner + "/" + testName
	assetName = "widget.exe"
	assetID   = 99
)

// Harness runs the real sync stack against a local upstream repository and a
// fake GitHub API. Clone URLs under https://github.com/ are rewritten to the
// local upstream through git's url.insteadOf.
type Harness struct {
	t        *testing.T
	root     string
	upstream string
	api      *httptest.Server
	cfg      *config.Config
	runner   *reposync.Runner

	mu            sync.Mutex
	tag           string
	asset         string
	downloadFails bool
}

// NewHarness creates the upstream repository, API server and config
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	root := t.TempDir()
	h := &Harness{
		t:        t,
		root:     root,
		upstream: filepath.Join(root, "upstream", testOwner, testName),
	}

	t.Setenv("GIT_CONFIG_COUNT", "1")
	t.Setenv("GIT_CONFIG_KEY_0", "url."+filepath.Join(root, "upstream")+"/.insteadOf")
	t.Setenv("GIT_CONFIG_VALUE_0", "https://github.com/")
	t.Setenv("GIT_TERMINAL_PROMPT", "0")

	h.MustGit("init", "-b", "main", h.upstream)
	h.MustGit("-C", h.upstream, "config", "user.email", "test@example.com")
	h.MustGit("-C", h.upstream, "config", "user.name", "Test User")

	h.api = httptest.NewServer(http.HandlerFunc(h.serveAPI))
	t.Cleanup(h.api.Close)

	h.cfg = &config.Config{
		Targets: []config.TargetConfig{{
			Name: testName,
			Repo: testRepo,
			Path: filepath.Join(root, "mirror", testName),
			Mode: config.ModeBoth,
		}},
		Paths: config.PathsConfig{
			StateDir:  filepath.Join(root, "state"),
			BackupDir: filepath.Join(root, "state", "backups"),
		},
		Git: config.GitConfig{Backend: config.GitBackendShell, FallbackBranch: config.DefaultFallbackBranch},
		GitHub: config.GitHubConfig{
			APIURL:         h.api.URL + "/",
			RequestTimeout: config.DefaultRequestTimeout,
			MaxRetries:     1,
		},
		Release: config.ReleaseConfig{AssetExtension: config.DefaultAssetExtension},
		Backup:  config.BackupConfig{SkipDirs: config.DefaultSkipDirs},
		Sync:    config.SyncConfig{Jobs: 1},
	}
	if err := h.cfg.Validate(); err != nil {
		t.Fatalf("invalid harness config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(&testWriter{t: t, prefix: "[reposyncd] "}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	meta, err := github.NewClient(h.cfg.GitHub, h.cfg.Git.FallbackBranch, h.cfg.Release.AssetExtension, logger)
	if err != nil {
		t.Fatalf("create GitHub client: %v", err)
	}
	engine := reposync.NewEngine(
		git.NewShellClient("", ""),
		meta,
		backup.NewManager(h.cfg.Paths.BackupDir, h.cfg.Backup.SkipDirs, logger),
		versions.NewFileStore(h.cfg.VersionStatePath(), logger),
		logger,
		false,
	)
	h.runner = reposync.NewRunner(engine, h.cfg.Sync.Jobs, logger)

	return h
}

func (h *Harness) serveAPI(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	tag, asset, fail := h.tag, h.asset, h.downloadFails
	h.mu.Unlock()

	repoPath := fmt.Sprintf("/api/v3/repos/%s/%s", testOwner, testName)
	switch r.URL.Path {
	case repoPath:
		writeJSON(w, map[string]any{"full_name": testOwner + "/" + testName, "default_branch": "main"})
	case repoPath + "/releases/latest":
		if tag == "" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{
			"id":       1,
			"tag_name": tag,
			"assets": []map[string]any{
				{"id": 98, "name": "checksums.txt", "browser_download_url": h.api.URL + "/download/checksums.txt"},
				{"id": assetID, "name": assetName, "browser_download_url": h.api.URL + "/download/" + assetName},
			},
		})
	case fmt.Sprintf("%s/releases/assets/%d", repoPath, assetID):
		http.Redirect(w, r, h.api.URL+"/download/"+assetName, http.StatusFound)
	case "/download/" + assetName:
		if fail {
			http.Error(w, "storage unavailable", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(asset))
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Publish makes tag the latest release with the given asset content
func (h *Harness) Publish(tag, asset string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tag = tag
	h.asset = asset
}

// FailDownloads makes asset downloads return a server error
func (h *Harness) FailDownloads(fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.downloadFails = fail
}

// Commit writes name in the upstream repository and commits it
func (h *Harness) Commit(name, content string) {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(h.upstream, name), []byte(content), 0644); err != nil {
		h.t.Fatalf("write upstream file: %v", err)
	}
	h.MustGit("-C", h.upstream, "add", name)
	h.MustGit("-C", h.upstream, "commit", "-m", "update "+name)
}

// Sync runs every target once and returns the events of the single target
func (h *Harness) Sync(ctx context.Context) ([]reposync.Event, reposync.Result) {
	h.t.Helper()
	var events []reposync.Event
	results := h.runner.RunAll(ctx, h.cfg.Targets, func(t config.TargetConfig, ev reposync.Event) {
		h.t.Logf("[%s] %s", t.Name, ev)
		events = append(events, ev)
	})
	return events, results[0]
}

// MirrorPath returns a path inside the local mirror
func (h *Harness) MirrorPath(name string) string {
	return filepath.Join(h.cfg.Targets[0].Path, name)
}

// ReadFile reads a file, failing the test on error
func (h *Harness) ReadFile(path string) string {
	h.t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		h.t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

// FileExists checks if a regular file exists
func (h *Harness) FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Backups lists the backups of the mirror tree and of the release asset
func (h *Harness) Backups() (tree, exe []string) {
	h.t.Helper()
	m := backup.NewManager(h.cfg.Paths.BackupDir, nil, slog.Default())
	tree, err := backup.List(m.TreeBackupDir(h.cfg.Targets[0].Path))
	if err != nil {
		h.t.Fatalf("list tree backups: %v", err)
	}
	exe, err = backup.List(m.FileBackupDir(h.MirrorPath(assetName)))
	if err != nil {
		h.t.Fatalf("list exe backups: %v", err)
	}
	return tree, exe
}

// RecordedTag returns the tag stored in the version state file
func (h *Harness) RecordedTag() string {
	return versions.NewFileStore(h.cfg.VersionStatePath(), slog.Default()).Load()[testRepo]
}

// MustGit runs git and fails the test if it returns non-zero
func (h *Harness) MustGit(args ...string) string {
	h.t.Helper()
	out, err := exec.Command("git", args...).CombinedOutput()
	if err != nil {
		h.t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	w.t.Helper()
	lines := strings.Split(strings.TrimRight(string(p), "\n"), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Logf("%s%s", w.prefix, line)
		}
	}
	return len(p), nil
}
