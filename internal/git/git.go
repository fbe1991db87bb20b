package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultRemote is the remote every mirror tracks
const DefaultRemote = "origin"

// Client provides the version-control primitives the sync engine needs.
// Each method is atomic from the caller's point of view.
type Client interface {
	// IsRepo reports whether dir holds version-control metadata
	IsRepo(dir string) bool
	// Clone performs a full clone of url into dir
	Clone(ctx context.Context, url, dir string) error
	// Fetch updates the remote-tracking refs of the repository in dir
	Fetch(ctx context.Context, url, dir string) error
	// HeadCommit returns the commit hash HEAD points at
	HeadCommit(ctx context.Context, dir string) (string, error)
	// RemoteCommit returns the commit hash of origin/<branch>
	RemoteCommit(ctx context.Context, dir, branch string) (string, error)
	// ResetHard moves HEAD and the working tree to origin/<branch>,
	// discarding local modifications
	ResetHard(ctx context.Context, dir, branch string) error
}

// IsRepo reports whether dir contains a .git directory or gitfile
func IsRepo(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

func remoteRef(branch string) string {
	return DefaultRemote + "/" + branch
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// IsRepo reports whether dir holds a git repository
func (c *ShellClient) IsRepo(dir string) bool {
	return IsRepo(dir)
}

// Clone clones url into dir. dir may exist as long as it is empty.
func (c *ShellClient) Clone(ctx context.Context, url, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", url, dir)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}

	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// Fetch fetches all refs from origin
func (c *ShellClient) Fetch(ctx context.Context, url, dir string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "fetch", DefaultRemote)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}

	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git fetch failed: %w", err)
	}
	return nil
}

// HeadCommit returns the hash of the local HEAD commit
func (c *ShellClient) HeadCommit(ctx context.Context, dir string) (string, error) {
	return c.revParse(ctx, dir, "HEAD")
}

// RemoteCommit returns the hash of the remote-tracking branch tip
func (c *ShellClient) RemoteCommit(ctx context.Context, dir, branch string) (string, error) {
	return c.revParse(ctx, dir, "refs/remotes/"+remoteRef(branch))
}

// ResetHard resets the current branch and working tree to origin/<branch>
func (c *ShellClient) ResetHard(ctx context.Context, dir, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "reset", "--hard", remoteRef(branch))
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git reset failed: %w", err)
	}
	return nil
}

func (c *ShellClient) revParse(ctx context.Context, dir, rev string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--verify", rev)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse %s failed: %w", rev, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && isSSH(url) {
		// Use GIT_SSH_COMMAND to specify the SSH key.
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := readToken(c.httpsTokenFile)
		if err != nil {
			return err
		}

		// Pass the token via environment variable and configure a git
		// credential helper that reads it. This avoids embedding the
		// token directly in a shell expression.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "REPOSYNCD_GIT_TOKEN="+token)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$REPOSYNCD_GIT_TOKEN"; }; f`,
		)

		return nil
	}

	return nil
}

func isSSH(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}

func readToken(path string) (string, error) {
	token, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read HTTPS token file: %w", err)
	}
	return strings.TrimSpace(string(token)), nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
