package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects which artifacts of a target are synchronized
type Mode string

const (
	ModeSource  Mode = "source"
	ModeRelease Mode = "release"
	ModeBoth    Mode = "both"
)

// GitBackend selects the version-control implementation
type GitBackend string

const (
	GitBackendShell GitBackend = "shell"
	GitBackendGoGit GitBackend = "go-git"
)

const (
	DefaultFallbackBranch   = "main"
	DefaultAssetExtension   = ".exe"
	DefaultAPIURL           = "https://api.github.com"
	DefaultRequestTimeout   = 30 * time.Second
	DefaultRequestsPerMin   = 60
	DefaultMaxRetries       = 3
	DefaultListenAddr       = ":8080"
	versionStateFileName    = "exe_state.json"
	defaultBackupDirName    = "backups"
	defaultSyncJobs         = 1
	defaultConfigPermission = 0o600
)

// DefaultSkipDirs are never included in source tree backups
var DefaultSkipDirs = []string{".git", "backups", "__pycache__", "node_modules"}

// githubRepoPattern mirrors github.ParseRepoURL. The github package imports
// config, so the pattern is duplicated here.
var githubRepoPattern = regexp.MustCompile(`github\.com[/:][\w-]+/[\w.-]+`)

// Config represents the complete reposyncd configuration
type Config struct {
	Targets []TargetConfig `yaml:"targets"`
	Paths   PathsConfig    `yaml:"paths"`
	Git     GitConfig      `yaml:"git"`
	GitHub  GitHubConfig   `yaml:"github"`
	Release ReleaseConfig  `yaml:"release"`
	Backup  BackupConfig   `yaml:"backup"`
	Sync    SyncConfig     `yaml:"sync"`
	Auth    AuthConfig     `yaml:"auth"`
	Serve   ServeConfig    `yaml:"serve"`
}

// TargetConfig is a single synchronization job
type TargetConfig struct {
	Name string `yaml:"name"`
	Repo string `yaml:"repo"`
	Path string `yaml:"path"`
	Mode Mode   `yaml:"mode"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir  string `yaml:"state_dir"`
	BackupDir string `yaml:"backup_dir"`
}

// GitConfig configures the version-control collaborator
type GitConfig struct {
	Backend        GitBackend `yaml:"backend"`
	FallbackBranch string     `yaml:"fallback_branch"`
}

// GitHubConfig configures the GitHub metadata API. Zero values select the
// defaults; a negative RequestsPerMinute disables rate limiting and a
// negative MaxRetries disables retries.
type GitHubConfig struct {
	APIURL            string        `yaml:"api_url"`
	TokenFile         string        `yaml:"token_file"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	MaxRetries        int           `yaml:"max_retries"`
}

// ReleaseConfig configures release asset selection
type ReleaseConfig struct {
	AssetExtension string `yaml:"asset_extension"`
}

// BackupConfig configures source tree backups
type BackupConfig struct {
	SkipDirs []string `yaml:"skip_dirs"`
}

// SyncConfig configures multi-target runs
type SyncConfig struct {
	Jobs int `yaml:"jobs"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
}

// ParseMode converts a user-supplied mode into a Mode. The labels used by
// older target lists ("Source Code", "Latest Release (.exe)", "Both") are
// accepted as well.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "source", "source code":
		return ModeSource, nil
	case "release", "exe", "latest release", "latest release (.exe)":
		return ModeRelease, nil
	case "both", "":
		return ModeBoth, nil
	default:
		return "", fmt.Errorf("invalid mode %q (must be source, release, or both)", s)
	}
}

// SyncsSource reports whether the mode requests a source tree sync
func (m Mode) SyncsSource() bool {
	return m == ModeSource || m == ModeBoth
}

// SyncsRelease reports whether the mode requests a release asset sync
func (m Mode) SyncsRelease() bool {
	return m == ModeRelease || m == ModeBoth
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// EditTargets applies edit to the loaded configuration and writes only the
// resulting target list back to path. The rest of the file is left as
// written: environment references, comments and unset keys survive. Targets
// that already existed are written back in their original, unexpanded form.
func EditTargets(path string, edit func(c *Config) error) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	var raw Config
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := edit(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	original := make(map[string]TargetConfig, len(raw.Targets))
	for _, t := range raw.Targets {
		original[t.Name] = t
	}
	targets := make([]TargetConfig, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if o, ok := original[t.Name]; ok {
			t = o
		}
		targets = append(targets, t)
	}

	if err := setMappingKey(&doc, "targets", targets); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setMappingKey replaces (or appends) key in the top-level mapping of doc
func setMappingKey(doc *yaml.Node, key string, value any) error {
	if doc.Kind == 0 {
		*doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("config file is not a YAML mapping")
	}
	root := doc.Content[0]

	var node yaml.Node
	if err := node.Encode(value); err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == key {
			node.HeadComment = root.Content[i+1].HeadComment
			root.Content[i+1] = &node
			return nil
		}
	}
	root.Content = append(root.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&node,
	)
	return nil
}

// writeFileAtomic writes data to a temp file next to path and renames it
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".reposyncd-config-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmpFile.Chmod(defaultConfigPermission); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	for i := range c.Targets {
		c.Targets[i].Repo = os.ExpandEnv(c.Targets[i].Repo)
		c.Targets[i].Path = os.ExpandEnv(c.Targets[i].Path)
	}
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Paths.BackupDir = os.ExpandEnv(c.Paths.BackupDir)
	c.GitHub.APIURL = os.ExpandEnv(c.GitHub.APIURL)
	c.GitHub.TokenFile = os.ExpandEnv(c.GitHub.TokenFile)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Target modes are normalized so legacy labels compare equal to the
// canonical constants afterwards.
func (c *Config) applyDefaults() error {
	for i := range c.Targets {
		mode, err := ParseMode(string(c.Targets[i].Mode))
		if err != nil {
			return fmt.Errorf("target %q: %w", c.Targets[i].Name, err)
		}
		c.Targets[i].Mode = mode
	}
	if c.Paths.BackupDir == "" && c.Paths.StateDir != "" {
		c.Paths.BackupDir = filepath.Join(c.Paths.StateDir, defaultBackupDirName)
	}
	if c.Git.Backend == "" {
		c.Git.Backend = GitBackendShell
	}
	if c.Git.FallbackBranch == "" {
		c.Git.FallbackBranch = DefaultFallbackBranch
	}
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = DefaultAPIURL
	}
	if c.GitHub.RequestTimeout == 0 {
		c.GitHub.RequestTimeout = DefaultRequestTimeout
	}
	if c.GitHub.RequestsPerMinute == 0 {
		c.GitHub.RequestsPerMinute = DefaultRequestsPerMin
	}
	if c.GitHub.MaxRetries == 0 {
		c.GitHub.MaxRetries = DefaultMaxRetries
	}
	if c.Release.AssetExtension == "" {
		c.Release.AssetExtension = DefaultAssetExtension
	}
	if len(c.Backup.SkipDirs) == 0 {
		c.Backup.SkipDirs = append([]string(nil), DefaultSkipDirs...)
	}
	if c.Sync.Jobs == 0 {
		c.Sync.Jobs = defaultSyncJobs
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate targets. Tree backups are grouped by the base name of the
	// target path, so two targets must not share one.
	seen := make(map[string]bool, len(c.Targets))
	dirNames := make(map[string]string, len(c.Targets))
	for _, t := range c.Targets {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate target name: %s", t.Name)
		}
		seen[t.Name] = true

		base := filepath.Base(filepath.Clean(t.Path))
		if other, ok := dirNames[base]; ok {
			return fmt.Errorf("targets %q and %q: paths share the directory name %q and would share a backup directory", other, t.Name, base)
		}
		dirNames[base] = t.Name
	}

	// Validate paths
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}
	if c.Paths.BackupDir != "" && !filepath.IsAbs(c.Paths.BackupDir) {
		return fmt.Errorf("paths.backup_dir must be an absolute path: %s", c.Paths.BackupDir)
	}

	// Validate git backend
	switch c.Git.Backend {
	case GitBackendShell, GitBackendGoGit:
		// valid
	default:
		return fmt.Errorf("invalid git.backend: %s (must be shell or go-git)", c.Git.Backend)
	}

	if c.GitHub.RequestTimeout < 0 {
		return fmt.Errorf("github.request_timeout must not be negative")
	}
	if !strings.HasPrefix(c.Release.AssetExtension, ".") {
		return fmt.Errorf("release.asset_extension must start with a dot: %s", c.Release.AssetExtension)
	}
	if c.Sync.Jobs < 1 {
		return fmt.Errorf("sync.jobs must be at least 1")
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// Validate checks a single target for errors
func (t TargetConfig) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("target name is required")
	}
	if t.Repo == "" {
		return fmt.Errorf("target %q: repo is required", t.Name)
	}
	if !githubRepoPattern.MatchString(t.Repo) {
		return fmt.Errorf("target %q: repo is not a GitHub repository URL: %s", t.Name, t.Repo)
	}
	if t.Path == "" {
		return fmt.Errorf("target %q: path is required", t.Name)
	}
	if !filepath.IsAbs(t.Path) {
		return fmt.Errorf("target %q: path must be an absolute path: %s", t.Name, t.Path)
	}
	switch t.Mode {
	case ModeSource, ModeRelease, ModeBoth:
		// valid
	default:
		return fmt.Errorf("target %q: invalid mode: %s", t.Name, t.Mode)
	}
	return nil
}

// Target returns the target with the given name
func (c *Config) Target(name string) (TargetConfig, bool) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return TargetConfig{}, false
}

// AddTarget validates and appends a target, rejecting duplicate names
func (c *Config) AddTarget(t TargetConfig) error {
	mode, err := ParseMode(string(t.Mode))
	if err != nil {
		return err
	}
	t.Mode = mode
	if err := t.Validate(); err != nil {
		return err
	}
	if _, exists := c.Target(t.Name); exists {
		return fmt.Errorf("target %q already exists", t.Name)
	}
	c.Targets = append(c.Targets, t)
	return nil
}

// RemoveTarget deletes the named target
func (c *Config) RemoveTarget(name string) error {
	for i, t := range c.Targets {
		if t.Name == name {
			c.Targets = append(c.Targets[:i], c.Targets[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("target %q not found", name)
}

// VersionStatePath returns the path to the release tag tracking file
func (c *Config) VersionStatePath() string {
	return filepath.Join(c.Paths.StateDir, versionStateFileName)
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}
