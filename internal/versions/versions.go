// Package versions records which release tag was last installed for each
// repository.
package versions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store persists a mapping of repository URL to installed release tag
type Store interface {
	// Load returns the full mapping. A missing or unreadable backing store
	// yields an empty mapping.
	Load() map[string]string
	// Save replaces the full mapping
	Save(tags map[string]string) error
	// Update performs a read-modify-write of the mapping under mutual
	// exclusion and saves the result
	Update(fn func(tags map[string]string)) error
}

// Record sets the tag for repoURL in s
func Record(s Store, repoURL, tag string) error {
	return s.Update(func(tags map[string]string) {
		tags[repoURL] = tag
	})
}

// FileStore is a Store backed by a JSON object file
type FileStore struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileStore creates a store backed by the JSON file at path
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	return &FileStore{path: path, logger: logger}
}

// Path returns the backing file path
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the mapping from disk
func (s *FileStore) Load() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save writes the mapping to disk, replacing the previous content
func (s *FileStore) Save(tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(tags)
}

// Update applies fn to the current mapping and saves it
func (s *FileStore) Update(fn func(tags map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags := s.load()
	fn(tags)
	return s.save(tags)
}

func (s *FileStore) load() map[string]string {
	tags := make(map[string]string)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read version state, treating as empty", "path", s.path, "error", err)
		}
		return tags
	}

	if err := json.Unmarshal(data, &tags); err != nil {
		s.logger.Warn("corrupt version state, treating as empty", "path", s.path, "error", err)
		return make(map[string]string)
	}
	if tags == nil {
		// "null" decodes to a nil map
		tags = make(map[string]string)
	}
	return tags
}

// save writes through a temp file and renames it over the target so a crash
// never leaves a truncated file behind
func (s *FileStore) save(tags map[string]string) error {
	if tags == nil {
		tags = map[string]string{}
	}
	data, err := json.MarshalIndent(tags, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode version state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".exe_state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write version state: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to sync version state: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace version state: %w", err)
	}
	return nil
}

// MemoryStore is an in-memory Store
type MemoryStore struct {
	mu   sync.Mutex
	tags map[string]string
	// SaveErr, when set, is returned by Save and Update without changing the mapping
	SaveErr error
}

// NewMemoryStore creates a MemoryStore seeded with a copy of tags
func NewMemoryStore(tags map[string]string) *MemoryStore {
	return &MemoryStore{tags: copyTags(tags)}
}

// Load returns a copy of the mapping
func (s *MemoryStore) Load() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTags(s.tags)
}

// Save replaces the mapping
func (s *MemoryStore) Save(tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.tags = copyTags(tags)
	return nil
}

// Update applies fn to a copy of the mapping and stores it
func (s *MemoryStore) Update(fn func(tags map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	tags := copyTags(s.tags)
	fn(tags)
	s.tags = tags
	return nil
}

func copyTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
