package backup

import (
	"archive/zip"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestManager returns a manager whose clock advances one second per backup
func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "backups")
	m := NewManager(root, []string{".git", "backups", "__pycache__"}, testLogger())

	var mu sync.Mutex
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return m, root
}

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func archiveNames(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = r.Close()
	}()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestCreateTreeBackup(t *testing.T) {
	m, root := newTestManager(t)
	src := filepath.Join(t.TempDir(), "widget")
	writeTree(t, src, map[string]string{
		"README.md":              "hello",
		"cmd/main.go":            "package main",
		".git/HEAD":              "ref: refs/heads/main",
		"backups/old.zip":        "old",
		"pkg/__pycache__/x.pyc":  "bytecode",
		"pkg/__pycache__2/y.txt": "kept",
	})

	archive, err := m.CreateTreeBackup(src)
	if err != nil {
		t.Fatalf("CreateTreeBackup failed: %v", err)
	}

	wantDir := filepath.Join(root, "widget_Source")
	if filepath.Dir(archive) != wantDir {
		t.Errorf("archive dir = %s, want %s", filepath.Dir(archive), wantDir)
	}
	if got := filepath.Base(archive); got != "backup_20260102_030406.000000000.zip" {
		t.Errorf("archive name = %s", got)
	}

	got := archiveNames(t, archive)
	want := []string{"README.md", "cmd/main.go", "pkg/__pycache__2/y.txt"}
	if len(got) != len(want) {
		t.Fatalf("archive entries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("archive entry[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCreateTreeBackup_Retention(t *testing.T) {
	m, _ := newTestManager(t)
	src := filepath.Join(t.TempDir(), "widget")
	writeTree(t, src, map[string]string{"a.txt": "a"})

	var created []string
	for i := 0; i < 4; i++ {
		archive, err := m.CreateTreeBackup(src)
		if err != nil {
			t.Fatalf("backup %d failed: %v", i, err)
		}
		created = append(created, archive)
	}

	remaining, err := List(m.TreeBackupDir(src))
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != Retain {
		t.Fatalf("expected %d backups, got %d: %v", Retain, len(remaining), remaining)
	}
	for i, want := range created[1:] {
		if remaining[i] != want {
			t.Errorf("remaining[%d] = %s, want %s", i, remaining[i], want)
		}
	}
	if _, err := os.Stat(created[0]); !os.IsNotExist(err) {
		t.Error("expected oldest backup to be evicted")
	}
}

func TestBackupFile(t *testing.T) {
	m, root := newTestManager(t)
	dir := t.TempDir()
	asset := filepath.Join(dir, "widget.exe")
	if err := os.WriteFile(asset, []byte("MZ-v1"), 0755); err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(asset, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	dst, err := m.BackupFile(asset)
	if err != nil {
		t.Fatalf("BackupFile failed: %v", err)
	}

	if want := filepath.Join(root, "widget.exe_EXE", "20260102_030406.000000000_widget.exe"); dst != want {
		t.Errorf("backup path = %s, want %s", dst, want)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "MZ-v1" {
		t.Errorf("backup content = %q", data)
	}

	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("backup mode = %o, want 755", info.Mode().Perm())
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("backup mtime = %s, want %s", info.ModTime(), mtime)
	}
}

func TestBackupFile_Missing(t *testing.T) {
	m, root := newTestManager(t)

	dst, err := m.BackupFile(filepath.Join(t.TempDir(), "absent.exe"))
	if err != nil {
		t.Fatalf("BackupFile on missing file returned error: %v", err)
	}
	if dst != "" {
		t.Errorf("expected empty path, got %s", dst)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Error("expected no backup directory to be created")
	}
}

func TestBackupFile_Retention(t *testing.T) {
	m, _ := newTestManager(t)
	asset := filepath.Join(t.TempDir(), "widget.exe")

	var created []string
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(asset, []byte{byte(i)}, 0644); err != nil {
			t.Fatal(err)
		}
		dst, err := m.BackupFile(asset)
		if err != nil {
			t.Fatal(err)
		}
		created = append(created, dst)
	}

	remaining, err := List(m.FileBackupDir(asset))
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != Retain {
		t.Fatalf("expected %d backups, got %d", Retain, len(remaining))
	}
	for i, want := range created[2:] {
		if remaining[i] != want {
			t.Errorf("remaining[%d] = %s, want %s", i, remaining[i], want)
		}
	}
}

func TestConcurrentBackupsSameTarget(t *testing.T) {
	m, _ := newTestManager(t)
	src := filepath.Join(t.TempDir(), "widget")
	writeTree(t, src, map[string]string{"a.txt": "a"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.CreateTreeBackup(src); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	remaining, err := List(m.TreeBackupDir(src))
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != Retain {
		t.Errorf("expected %d backups after concurrent runs, got %d", Retain, len(remaining))
	}
}

func TestList_IgnoresTempFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"backup_2.zip", ".backup-tmp-123", "backup_1.zip"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || filepath.Base(got[0]) != "backup_1.zip" {
		t.Errorf("List() = %v", got)
	}

	missing, err := List(filepath.Join(dir, "nope"))
	if err != nil || missing != nil {
		t.Errorf("List() on missing dir = %v, %v", missing, err)
	}
}

func TestCreateTreeBackup_RetentionAcrossDSTFallBack(t *testing.T) {
	m, _ := newTestManager(t)
	src := filepath.Join(t.TempDir(), "widget")
	writeTree(t, src, map[string]string{"a.txt": "a"})

	// 2024-11-03 in New York: clocks fall back from 02:00 EDT to 01:00 EST
	// at 06:00 UTC, so local wall-clock time repeats the 01:xx hour.
	edt := time.FixedZone("EDT", -4*60*60)
	est := time.FixedZone("EST", -5*60*60)
	switchover := time.Date(2024, 11, 3, 6, 0, 0, 0, time.UTC)
	instant := time.Date(2024, 11, 3, 4, 50, 0, 0, time.UTC)
	m.now = func() time.Time {
		cur := instant
		instant = instant.Add(25 * time.Minute)
		if cur.Before(switchover) {
			return cur.In(edt)
		}
		return cur.In(est)
	}

	var created []string
	for i := 0; i < 5; i++ {
		archive, err := m.CreateTreeBackup(src)
		if err != nil {
			t.Fatalf("backup %d failed: %v", i, err)
		}
		created = append(created, archive)
	}

	seen := make(map[string]bool)
	for _, c := range created {
		if seen[c] {
			t.Fatalf("backup name reused: %s", c)
		}
		seen[c] = true
	}

	remaining, err := List(m.TreeBackupDir(src))
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != Retain {
		t.Fatalf("expected %d backups, got %d: %v", Retain, len(remaining), remaining)
	}
	for i, want := range created[2:] {
		if remaining[i] != want {
			t.Errorf("remaining[%d] = %s, want %s", i, remaining[i], want)
		}
	}
	if got := filepath.Base(remaining[Retain-1]); got != "backup_20241103_063000.000000000.zip" {
		t.Errorf("newest backup = %s, want UTC timestamp", got)
	}
}
