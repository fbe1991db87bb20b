package versions

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFileStore_LoadMissing(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "exe_state.json"), testLogger())
	assert.Empty(t, s.Load())
}

func TestFileStore_LoadCorrupt(t *testing.T) {
	for name, content := range map[string]string{
		"garbage":    "{not json",
		"wrong type": `["a", "b"]`,
		"null":       "null",
		"empty":      "",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "exe_state.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0644))

			tags := NewFileStore(path, testLogger()).Load()
			require.NotNil(t, tags)
			assert.Empty(t, tags)
		})
	}
}

func TestFileStore_SaveReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "exe_state.json")
	s := NewFileStore(path, testLogger())

	require.NoError(t, s.Save(map[string]string{"https://github.com/acme/a": "v1", "https://github.com/acme/b": "v2"}))
	require.NoError(t, s.Save(map[string]string{"https://github.com/acme/a": "v3"}))

	assert.Equal(t, map[string]string{"https://github.com/acme/a": "v3"}, s.Load())

	// No temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"https://github.com/acme/a": "v3"}`, string(data))
}

func TestFileStore_SaveFailureKeepsPreviousFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exe_state.json")
	s := NewFileStore(path, testLogger())
	require.NoError(t, s.Save(map[string]string{"repo": "v1"}))

	// Replace the target with a directory so the rename fails
	blocked := NewFileStore(filepath.Join(dir, "blocked"), testLogger())
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "blocked", "child"), 0755))
	assert.Error(t, blocked.Save(map[string]string{"repo": "v2"}))

	assert.Equal(t, map[string]string{"repo": "v1"}, s.Load())
}

func TestFileStore_ConcurrentUpdates(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "exe_state.json"), testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, Record(s, fmt.Sprintf("repo-%d", i), fmt.Sprintf("v%d", i)))
		}(i)
	}
	wg.Wait()

	tags := s.Load()
	assert.Len(t, tags, 20, "no update may be lost")
	assert.Equal(t, "v7", tags["repo-7"])
}

func TestMemoryStore(t *testing.T) {
	seed := map[string]string{"repo": "v1"}
	s := NewMemoryStore(seed)
	seed["repo"] = "mutated"

	assert.Equal(t, "v1", s.Load()["repo"], "store must not alias the seed map")

	require.NoError(t, Record(s, "repo", "v2"))
	assert.Equal(t, "v2", s.Load()["repo"])

	s.SaveErr = errors.New("disk full")
	assert.Error(t, Record(s, "repo", "v3"))
	assert.Equal(t, "v2", s.Load()["repo"])
}
