package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/schaermu/reposyncd/internal/config"
	"github.com/schaermu/reposyncd/internal/git"
	"github.com/schaermu/reposyncd/internal/github"
	"github.com/schaermu/reposyncd/internal/versions"
)

// Metadata resolves repository facts from the upstream host
type Metadata interface {
	// DefaultBranch always returns a usable branch; a non-nil error means
	// the returned branch is a fallback
	DefaultBranch(ctx context.Context, owner, name string) (string, error)
	LatestRelease(ctx context.Context, owner, name string) (github.ReleaseInfo, error)
	DownloadAsset(ctx context.Context, owner, name string, info github.ReleaseInfo, w io.Writer) error
}

// Backups creates backups before destructive writes
type Backups interface {
	CreateTreeBackup(localPath string) (string, error)
	BackupFile(filePath string) (string, error)
}

// Engine orchestrates the sync process of a single target
type Engine struct {
	git      git.Client
	meta     Metadata
	backups  Backups
	versions versions.Store
	logger   *slog.Logger
	dryRun   bool
}

// NewEngine creates a new sync engine. In dry-run mode the engine still
// fetches and compares, but never clones, backs up, resets, downloads or
// records a tag.
func NewEngine(gitClient git.Client, meta Metadata, backups Backups, store versions.Store, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		git:      gitClient,
		meta:     meta,
		backups:  backups,
		versions: store,
		logger:   logger,
		dryRun:   dryRun,
	}
}

// Stream returns the events of a run of target as a lazy sequence. The run
// starts when the sequence is first ranged over; a second range yields
// nothing. Stopping the range early cancels the run.
func (e *Engine) Stream(ctx context.Context, target config.TargetConfig) iter.Seq[Event] {
	var used atomic.Bool
	return func(yield func(Event) bool) {
		if used.Swap(true) {
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		e.Run(ctx, target, func(ev Event) {
			if stopped {
				return
			}
			if !yield(ev) {
				stopped = true
				cancel()
			}
		})
	}
}

// Run executes one synchronization of target, calling emit for each event in
// order. On failure exactly one terminal error event is emitted and the run
// stops. Completed phases are not rolled back.
func (e *Engine) Run(ctx context.Context, target config.TargetConfig, emit func(Event)) Result {
	if emit == nil {
		emit = func(Event) {}
	}

	r := &run{
		Engine: e,
		target: target,
		emit:   emit,
		logger: e.logger.With("target", target.Name),
	}

	r.logger.Info("starting sync", "repo", target.Repo, "path", target.Path, "mode", target.Mode, "dry_run", e.dryRun)

	err := r.execute(ctx)
	if err != nil {
		var f *Failure
		if !errors.As(err, &f) {
			f = fail(KindGeneric, err)
		}

		ev := Event{
			Percent: 100,
			Message: errorPrefix + f.Error(),
			Outcome: OutcomeError,
			Kind:    f.Kind,
		}
		emit(ev)
		r.logger.Error("sync failed", "kind", f.Kind, "error", f.Err)

		return Result{
			Target:   target.Name,
			Outcome:  OutcomeError,
			Kind:     f.Kind,
			Err:      f,
			Last:     ev,
			Warnings: r.warnings,
		}
	}

	outcome := OutcomeSuccess
	if len(r.warnings) > 0 {
		outcome = OutcomeWarning
	}
	r.logger.Info("sync completed", "outcome", outcome, "warnings", len(r.warnings))

	return Result{
		Target:   target.Name,
		Outcome:  outcome,
		Last:     r.last,
		Warnings: r.warnings,
	}
}

// run holds the state of a single Engine.Run
type run struct {
	*Engine
	target   config.TargetConfig
	emit     func(Event)
	logger   *slog.Logger
	last     Event
	warnings []string
}

func (r *run) progress(percent int, message string) {
	r.send(Event{Percent: percent, Message: message, Outcome: OutcomeProgress})
}

func (r *run) warn(percent int, message string, kind Kind) {
	r.warnings = append(r.warnings, message)
	r.send(Event{Percent: percent, Message: message, Outcome: OutcomeWarning, Kind: kind})
}

func (r *run) send(ev Event) {
	r.last = ev
	r.logger.Debug("progress", "percent", ev.Percent, "message", ev.Message)
	r.emit(ev)
}

// checkpoint aborts the run at a phase boundary once ctx is done
func (r *run) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fail(KindCanceled, fmt.Errorf("sync canceled: %w", err))
	}
	return nil
}

// failure classifies err as kind unless it was caused by cancellation
func (r *run) failure(ctx context.Context, kind Kind, err error) error {
	if ctx.Err() != nil {
		return fail(KindCanceled, fmt.Errorf("sync canceled: %w", err))
	}
	return fail(kind, err)
}

func (r *run) execute(ctx context.Context) error {
	t := r.target

	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	if !r.dryRun {
		if err := os.MkdirAll(t.Path, 0755); err != nil {
			return fail(KindGeneric, fmt.Errorf("failed to create %s: %w", t.Path, err))
		}
	}
	r.progress(5, "VALIDATING REPOSITORY")

	owner, name, err := github.ParseRepoURL(t.Repo)
	if err != nil {
		return fail(KindInvalidURL, err)
	}

	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	branch, err := r.meta.DefaultBranch(ctx, owner, name)
	if err != nil {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		r.logger.Warn("using fallback branch", "branch", branch, "error", err)
		r.warn(15, fmt.Sprintf("BRANCH LOOKUP FAILED, USING %s", branch), KindMetadataUnavailable)
	}
	r.progress(15, "REPOSITORY VERIFIED")

	if t.Mode.SyncsSource() {
		if err := r.syncSource(ctx, branch); err != nil {
			return err
		}
	}

	// The release phase depends only on the mode, not on the source outcome.
	if t.Mode.SyncsRelease() {
		if err := r.syncRelease(ctx, owner, name); err != nil {
			return err
		}
	}

	return nil
}

// syncSource clones the repository, or fetches and hard-resets it to the
// remote tip after backing up the working tree
func (r *run) syncSource(ctx context.Context, branch string) error {
	t := r.target

	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	r.progress(30, "SYNCING SOURCE CODE")

	if !r.git.IsRepo(t.Path) {
		if r.dryRun {
			r.logger.Info("[dry-run] would clone", "repo", t.Repo)
			r.progress(45, "WOULD CLONE REPOSITORY")
			return nil
		}
		r.progress(45, "CLONING REPOSITORY")
		if err := r.git.Clone(ctx, t.Repo, t.Path); err != nil {
			return r.failure(ctx, KindCloneFailure, err)
		}
		if !r.git.IsRepo(t.Path) {
			return fail(KindCloneFailure, errors.New("clone failed: no repository metadata at target path"))
		}
		r.logger.Info("repository cloned")
		r.progress(60, "SOURCE CLONED")
		return nil
	}

	r.progress(50, "FETCHING REMOTE CHANGES")
	if err := r.git.Fetch(ctx, t.Repo, t.Path); err != nil {
		return r.failure(ctx, KindGeneric, err)
	}

	local, err := r.git.HeadCommit(ctx, t.Path)
	if err != nil {
		return r.failure(ctx, KindGeneric, err)
	}
	remote, err := r.git.RemoteCommit(ctx, t.Path, branch)
	if err != nil {
		return r.failure(ctx, KindGeneric, err)
	}

	if local == remote {
		r.logger.Info("source up to date", "commit", local)
		r.progress(60, "SOURCE UP TO DATE")
		return nil
	}

	if r.dryRun {
		r.logger.Info("[dry-run] would back up and reset", "from", local, "to", remote)
		r.progress(60, "WOULD UPDATE TO "+shortCommit(remote))
		return nil
	}

	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	r.progress(60, "UPDATING REPOSITORY")

	archive, err := r.backups.CreateTreeBackup(t.Path)
	if err != nil {
		return fail(KindGeneric, fmt.Errorf("failed to back up source tree: %w", err))
	}

	if err := r.git.ResetHard(ctx, t.Path, branch); err != nil {
		return r.failure(ctx, KindResetFailure, err)
	}

	r.logger.Info("source updated", "from", local, "to", remote, "backup", archive)
	r.progress(70, "SOURCE UPDATED")
	return nil
}

// syncRelease downloads the latest release asset when its tag differs from
// the recorded one. The tag is recorded only after the asset is in place.
func (r *run) syncRelease(ctx context.Context, owner, name string) error {
	t := r.target

	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	r.progress(70, "CHECKING LATEST RELEASE")

	info, err := r.meta.LatestRelease(ctx, owner, name)
	if err != nil {
		return r.failure(ctx, KindReleaseLookupFailure, fmt.Errorf("failed to fetch release info: %w", err))
	}

	if !info.HasAsset() {
		r.logger.Warn("no release asset found")
		r.warn(85, "NO EXE ASSET FOUND", KindNone)
		return nil
	}

	if r.versions.Load()[t.Repo] == info.Tag {
		r.logger.Info("release asset up to date", "tag", info.Tag)
		r.progress(85, "EXE UP TO DATE")
		return nil
	}

	assetName := filepath.Base(info.AssetName)
	if assetName == "." || assetName == ".." || assetName == string(filepath.Separator) {
		return fail(KindGeneric, fmt.Errorf("invalid asset name %q", info.AssetName))
	}
	localFile := filepath.Join(t.Path, assetName)

	if r.dryRun {
		r.logger.Info("[dry-run] would download", "tag", info.Tag, "file", localFile)
		r.progress(80, "WOULD DOWNLOAD "+info.Tag)
		return nil
	}

	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	r.progress(80, "DOWNLOADING "+info.Tag)

	if _, err := r.backups.BackupFile(localFile); err != nil {
		return fail(KindGeneric, fmt.Errorf("failed to back up release asset: %w", err))
	}

	if err := r.download(ctx, owner, name, info, localFile); err != nil {
		return err
	}

	if err := versions.Record(r.versions, t.Repo, info.Tag); err != nil {
		return fail(KindGeneric, fmt.Errorf("failed to record release tag: %w", err))
	}

	r.logger.Info("release asset updated", "tag", info.Tag, "file", localFile)
	r.progress(90, "EXE UPDATED")
	return nil
}

func shortCommit(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// download streams the release asset into a temp file next to dst and
// renames it over dst
func (r *run) download(ctx context.Context, owner, name string, info github.ReleaseInfo, dst string) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return fail(KindGeneric, fmt.Errorf("failed to create download file: %w", err))
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if err := r.meta.DownloadAsset(ctx, owner, name, info, tmpFile); err != nil {
		_ = tmpFile.Close()
		if errors.Is(err, github.ErrDownloadFailed) {
			return r.failure(ctx, KindDownloadFailure, err)
		}
		return r.failure(ctx, KindGeneric, err)
	}

	if err := tmpFile.Chmod(0755); err != nil {
		_ = tmpFile.Close()
		return fail(KindGeneric, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fail(KindGeneric, fmt.Errorf("failed to write release asset: %w", err))
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return fail(KindGeneric, fmt.Errorf("failed to install release asset: %w", err))
	}
	return nil
}
