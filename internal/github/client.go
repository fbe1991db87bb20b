package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v59/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/schaermu/reposyncd/internal/config"
)

// ReleaseInfo describes the downloadable asset of the latest release.
// The zero value means there is no release or no matching asset.
type ReleaseInfo struct {
	ReleaseID int64
	Tag       string
	AssetID   int64
	AssetURL  string
	AssetName string
}

// HasAsset reports whether a downloadable asset was found
func (r ReleaseInfo) HasAsset() bool {
	return r.AssetURL != ""
}

// Client resolves repository metadata and release assets through the GitHub API
type Client struct {
	gh             *github.Client
	download       *http.Client
	limiter        *rate.Limiter
	logger         *slog.Logger
	fallbackBranch string
	assetExt       string
	maxRetries     int
	newBackOff     func() backoff.BackOff
}

// NewClient creates a GitHub API client from the github config section.
// A token is read from cfg.TokenFile when set; anonymous access is used
// otherwise.
func NewClient(cfg config.GitHubConfig, fallbackBranch, assetExt string, logger *slog.Logger) (*Client, error) {
	transport := http.DefaultTransport
	if cfg.TokenFile != "" {
		token, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read GitHub token file: %w", err)
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: strings.TrimSpace(string(token))})
		transport = &oauth2.Transport{Source: ts, Base: http.DefaultTransport}
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = config.DefaultRequestTimeout
	}
	apiHTTP := &http.Client{Transport: transport, Timeout: timeout}

	gh := github.NewClient(apiHTTP)
	if cfg.APIURL != "" && strings.TrimSuffix(cfg.APIURL, "/") != config.DefaultAPIURL {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.APIURL, cfg.APIURL)
		if err != nil {
			return nil, fmt.Errorf("invalid github.api_url: %w", err)
		}
	}

	return &Client{
		gh: gh,
		// Asset downloads end on a storage host; the API token must not
		// follow, and large downloads must not hit the API timeout.
		download:       &http.Client{},
		limiter:        newLimiter(cfg.RequestsPerMinute),
		logger:         logger,
		fallbackBranch: fallbackBranch,
		assetExt:       strings.ToLower(assetExt),
		maxRetries:     max(cfg.MaxRetries, 0),
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}, nil
}

// newLimiter creates a limiter from requests per minute; rpm <= 0 disables limiting
func newLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)
}

// FallbackBranch returns the branch used when the default branch is unknown
func (c *Client) FallbackBranch() string {
	return c.fallbackBranch
}

// DefaultBranch returns the upstream default branch. The returned branch is
// always usable: on failure it is the fallback branch and the error wraps
// ErrMetadataUnavailable so the caller can surface a warning.
func (c *Client) DefaultBranch(ctx context.Context, owner, name string) (string, error) {
	var repo *github.Repository
	err := c.call(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		repo, resp, err = c.gh.Repositories.Get(ctx, owner, name)
		return resp, err
	})
	if err != nil {
		c.logger.Warn("default branch lookup failed, using fallback",
			"repo", FullName(owner, name),
			"fallback", c.fallbackBranch,
			"error", err)
		return c.fallbackBranch, fmt.Errorf("%w: %w", ErrMetadataUnavailable, err)
	}

	branch := repo.GetDefaultBranch()
	if branch == "" {
		return c.fallbackBranch, nil
	}
	return branch, nil
}

// LatestRelease returns the first asset of the latest release whose name
// ends with the configured extension. A repository without releases yields
// a zero ReleaseInfo and no error.
func (c *Client) LatestRelease(ctx context.Context, owner, name string) (ReleaseInfo, error) {
	var release *github.RepositoryRelease
	var status int
	err := c.call(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		release, resp, err = c.gh.Repositories.GetLatestRelease(ctx, owner, name)
		if resp != nil {
			status = resp.StatusCode
		}
		return resp, err
	})
	if err != nil {
		if status == http.StatusNotFound {
			c.logger.Debug("no published release", "repo", FullName(owner, name))
			return ReleaseInfo{}, nil
		}
		return ReleaseInfo{}, fmt.Errorf("%w: %w", ErrMetadataUnavailable, err)
	}

	for _, asset := range release.Assets {
		if strings.HasSuffix(strings.ToLower(asset.GetName()), c.assetExt) {
			return ReleaseInfo{
				ReleaseID: release.GetID(),
				Tag:       release.GetTagName(),
				AssetID:   asset.GetID(),
				AssetURL:  asset.GetBrowserDownloadURL(),
				AssetName: asset.GetName(),
			}, nil
		}
	}

	c.logger.Debug("latest release has no matching asset",
		"repo", FullName(owner, name),
		"tag", release.GetTagName(),
		"extension", c.assetExt)
	return ReleaseInfo{}, nil
}

// DownloadAsset streams the release asset into w. Assets with an ID are
// fetched through the authenticated asset API, which also works for private
// repositories; the redirect to the storage host is followed without the
// token. Cancelling ctx closes the connection.
func (c *Client) DownloadAsset(ctx context.Context, owner, name string, info ReleaseInfo, w io.Writer) error {
	if info.AssetID == 0 {
		return c.downloadURL(ctx, info.AssetURL, w)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	rc, _, err := c.gh.Repositories.DownloadReleaseAsset(ctx, owner, name, info.AssetID, c.download)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer func() {
		_ = rc.Close()
	}()

	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("failed to write release asset: %w", err)
	}
	return nil
}

// downloadURL fetches a public browser download URL without credentials
func (c *Client) downloadURL(ctx context.Context, url string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.download.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", ErrDownloadFailed, resp.Status)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to write release asset: %w", err)
	}
	return nil
}

// call runs op under the rate limiter, retrying transient failures with
// exponential backoff. Client errors (4xx) and rate limit errors are not
// retried.
func (c *Client) call(ctx context.Context, op func() (*github.Response, error)) error {
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		resp, err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		var rateErr *github.RateLimitError
		var abuseErr *github.AbuseRateLimitError
		if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
			return backoff.Permanent(err)
		}
		if resp != nil && resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}

		c.logger.Debug("transient GitHub API error, retrying", "error", err)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx)
	return backoff.Retry(operation, policy)
}
