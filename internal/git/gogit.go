package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// GoGitClient implements Client in-process with go-git. It needs no git
// binary for remote URLs; local-path remotes still use git-upload-pack.
type GoGitClient struct {
	sshKeyFile     string
	httpsTokenFile string
	progress       io.Writer
}

// NewGoGitClient creates a go-git backed client. If progress is non-nil,
// remote sideband output is written to it.
func NewGoGitClient(sshKeyFile, httpsTokenFile string, progress io.Writer) *GoGitClient {
	return &GoGitClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
		progress:       progress,
	}
}

// IsRepo reports whether dir holds a git repository
func (c *GoGitClient) IsRepo(dir string) bool {
	return IsRepo(dir)
}

// Clone clones url into dir
func (c *GoGitClient) Clone(ctx context.Context, url, dir string) error {
	auth, err := c.auth(url)
	if err != nil {
		return err
	}

	_, err = gogit.PlainCloneContext(ctx, dir, false, &gogit.CloneOptions{
		URL:      url,
		Auth:     auth,
		Progress: c.progress,
	})
	if err != nil {
		return fmt.Errorf("unable to clone %s: %w", url, err)
	}
	return nil
}

// Fetch fetches all branches from origin, forcing remote-tracking refs
func (c *GoGitClient) Fetch(ctx context.Context, url, dir string) error {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("unable to open repository located at %q: %w", dir, err)
	}

	auth, err := c.auth(url)
	if err != nil {
		return err
	}

	err = repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: DefaultRemote,
		Auth:       auth,
		Progress:   c.progress,
		Force:      true,
	})
	switch {
	case err == nil:
	case errors.Is(err, gogit.NoErrAlreadyUpToDate):
	default:
		return fmt.Errorf("unable to fetch: %w", err)
	}
	return nil
}

// HeadCommit returns the hash of the local HEAD commit
func (c *GoGitClient) HeadCommit(_ context.Context, dir string) (string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("unable to open repository located at %q: %w", dir, err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("unable to determine repository HEAD reference: %w", err)
	}
	return head.Hash().String(), nil
}

// RemoteCommit returns the hash of the remote-tracking branch tip
func (c *GoGitClient) RemoteCommit(_ context.Context, dir, branch string) (string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("unable to open repository located at %q: %w", dir, err)
	}

	hash, err := c.remoteHash(repo, branch)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// ResetHard resets the current branch and working tree to origin/<branch>
func (c *GoGitClient) ResetHard(_ context.Context, dir, branch string) error {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("unable to open repository located at %q: %w", dir, err)
	}

	hash, err := c.remoteHash(repo, branch)
	if err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("unable to open worktree: %w", err)
	}

	err = worktree.Reset(&gogit.ResetOptions{
		Commit: hash,
		Mode:   gogit.HardReset,
	})
	if err != nil {
		return fmt.Errorf("unable to reset to %s: %w", remoteRef(branch), err)
	}
	return nil
}

func (c *GoGitClient) remoteHash(repo *gogit.Repository, branch string) (plumbing.Hash, error) {
	ref, err := repo.Reference(plumbing.NewRemoteReferenceName(DefaultRemote, branch), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("unable to resolve %s: %w", remoteRef(branch), err)
	}
	return ref.Hash(), nil
}

func (c *GoGitClient) auth(url string) (transport.AuthMethod, error) {
	if c.sshKeyFile != "" && isSSH(url) {
		keys, err := gitssh.NewPublicKeysFromFile("git", c.sshKeyFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key: %w", err)
		}
		return keys, nil
	}

	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := readToken(c.httpsTokenFile)
		if err != nil {
			return nil, err
		}
		return &githttp.BasicAuth{Username: "x-access-token", Password: token}, nil
	}

	return nil, nil
}
