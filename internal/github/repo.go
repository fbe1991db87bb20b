package github

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidURL is returned when a URL does not name a GitHub repository
	ErrInvalidURL = errors.New("invalid GitHub URL")
	// ErrMetadataUnavailable is returned when the GitHub API could not be queried
	ErrMetadataUnavailable = errors.New("repository metadata unavailable")
	// ErrDownloadFailed is returned when an asset download gets a non-success response
	ErrDownloadFailed = errors.New("failed to download release")
)

var repoURLPattern = regexp.MustCompile(`github\.com[/:]([\w-]+)/([\w.-]+)`)

// ParseRepoURL extracts owner and repository name from a GitHub URL.
// Both https://github.com/owner/name(.git) and git@github.com:owner/name.git
// forms are accepted.
func ParseRepoURL(url string) (owner, name string, err error) {
	m := repoURLPattern.FindStringSubmatch(url)
	if m == nil {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidURL, url)
	}

	owner = m[1]
	name = strings.TrimSuffix(m[2], ".git")
	if name == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidURL, url)
	}
	return owner, name, nil
}

// FullName returns "owner/name"
func FullName(owner, name string) string {
	return owner + "/" + name
}
