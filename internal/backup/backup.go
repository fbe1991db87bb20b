// Package backup creates rotating backups of mirror working trees and
// release assets before they are overwritten.
//
// Layout under the backup root:
//
//	<root>/<dirName>_Source/backup_<timestamp>.zip
//	<root>/<fileName>_EXE/<timestamp>_<fileName>
//
// Each category directory keeps at most Retain entries.
package backup

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Retain is the number of backups kept per category directory
const Retain = 3

// timestampLayout sorts lexically in creation order when formatted in UTC
const timestampLayout = "20060102_150405.000000000"

const (
	sourceSuffix = "_Source"
	assetSuffix  = "_EXE"
	treePrefix   = "backup_"
	treeExt      = ".zip"
)

// Manager writes backups below a single root directory
type Manager struct {
	root     string
	skipDirs map[string]bool
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a backup manager rooted at root. Directories whose
// base name is in skipDirs are left out of tree backups.
func NewManager(root string, skipDirs []string, logger *slog.Logger) *Manager {
	skip := make(map[string]bool, len(skipDirs))
	for _, d := range skipDirs {
		skip[d] = true
	}
	return &Manager{
		root:     root,
		skipDirs: skip,
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// TreeBackupDir returns the category directory for tree backups of localPath
func (m *Manager) TreeBackupDir(localPath string) string {
	return filepath.Join(m.root, filepath.Base(filepath.Clean(localPath))+sourceSuffix)
}

// FileBackupDir returns the category directory for backups of filePath
func (m *Manager) FileBackupDir(filePath string) string {
	return filepath.Join(m.root, filepath.Base(filePath)+assetSuffix)
}

// CreateTreeBackup zips the directory tree at localPath and returns the
// archive path.
func (m *Manager) CreateTreeBackup(localPath string) (string, error) {
	dir := m.TreeBackupDir(localPath)
	unlock := m.lock(dir)
	defer unlock()

	if err := m.prepare(dir); err != nil {
		return "", err
	}

	archivePath := filepath.Join(dir, treePrefix+m.timestamp()+treeExt)
	if err := m.writeArchive(localPath, archivePath); err != nil {
		return "", fmt.Errorf("failed to create backup archive: %w", err)
	}

	m.logger.Info("created source backup", "path", localPath, "archive", archivePath)
	return archivePath, nil
}

// BackupFile copies filePath into its backup directory and returns the copy's
// path. A missing file is not an error; the returned path is empty.
func (m *Manager) BackupFile(filePath string) (string, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to stat %s: %w", filePath, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("cannot back up directory %s as a file", filePath)
	}

	dir := m.FileBackupDir(filePath)
	unlock := m.lock(dir)
	defer unlock()

	if err := m.prepare(dir); err != nil {
		return "", err
	}

	name := filepath.Base(filePath)
	dst := filepath.Join(dir, m.timestamp()+"_"+name)
	if err := copyFile(filePath, dst, info); err != nil {
		return "", fmt.Errorf("failed to back up %s: %w", filePath, err)
	}

	m.logger.Info("created file backup", "path", filePath, "backup", dst)
	return dst, nil
}

// List returns the entries of a category directory, oldest first
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		// In-flight temp files start with a dot
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	// Both naming schemes embed the sortable timestamp first (after a fixed
	// prefix for archives), so name order is creation order.
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// prepare creates dir and evicts old entries so that, once the new entry is
// written, at most Retain remain.
func (m *Manager) prepare(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	existing, err := List(dir)
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	if len(existing) < Retain {
		return nil
	}

	for _, old := range existing[:len(existing)-(Retain-1)] {
		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("failed to remove old backup %s: %w", old, err)
		}
		m.logger.Debug("removed old backup", "path", old)
	}
	return nil
}

// timestamp uses UTC so names keep creation order across DST changes
func (m *Manager) timestamp() string {
	return m.now().UTC().Format(timestampLayout)
}

// lock serializes operations on one category directory
func (m *Manager) lock(dir string) func() {
	m.mu.Lock()
	l, ok := m.locks[dir]
	if !ok {
		l = &sync.Mutex{}
		m.locks[dir] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// writeArchive zips src into a temp file next to dst and renames it into place
func (m *Manager) writeArchive(src, dst string) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".backup-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	zw := zip.NewWriter(tmpFile)
	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != src && (m.skipDirs[d.Name()] || path == m.root) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		return addToArchive(zw, path, filepath.ToSlash(rel), d)
	})
	if walkErr != nil {
		_ = zw.Close()
		_ = tmpFile.Close()
		return walkErr
	}

	if err := zw.Close(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, dst)
}

func addToArchive(zw *zip.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	_, err = io.Copy(w, f)
	return err
}

// copyFile copies src to dst through a temp file, keeping mode and mtime
func copyFile(src, dst string, info os.FileInfo) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".backup-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(info.Mode().Perm()); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Chtimes(tmpPath, info.ModTime(), info.ModTime()); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}
