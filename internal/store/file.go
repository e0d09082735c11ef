package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bimmerbailey/strand/internal/chain"
)

// FileStore keeps each run as a JSON file in a directory.
type FileStore struct {
	BasePath string
}

// NewFile creates a FileStore. An empty basePath defaults to ".strand/runs".
func NewFile(basePath string) *FileStore {
	if basePath == "" {
		basePath = filepath.Join(".strand", "runs")
	}
	return &FileStore{BasePath: basePath}
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("run id cannot be empty")
	}
	if id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid run id %q", id)
	}
	return filepath.Join(s.BasePath, id+".json"), nil
}

// Save writes the run atomically: to a temporary file in the same
// directory, synced, then renamed into place.
func (s *FileStore) Save(ctx context.Context, run *chain.Run) error {
	destPath, err := s.path(run.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.BasePath, 0755); err != nil {
		return fmt.Errorf("failed to ensure run directory: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	return writeAtomic(s.BasePath, destPath, data)
}

// writeAtomic replaces destPath with data via a temporary file in dir.
func writeAtomic(dir, destPath string, data []byte) error {
	tmpFile, err := os.CreateTemp(dir, "tmp-"+filepath.Base(destPath)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Load reads one run.
func (s *FileStore) Load(ctx context.Context, id string) (*chain.Run, error) {
	filePath, err := s.path(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}

	var run chain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// List summarizes every stored run, newest first. Unreadable files are
// skipped.
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	matches, err := filepath.Glob(filepath.Join(s.BasePath, "*.json"))
	if err != nil {
		return nil, err
	}

	runs := make([]Summary, 0, len(matches))
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		run, err := s.Load(ctx, strings.TrimSuffix(filepath.Base(m), ".json"))
		if err != nil {
			continue
		}
		runs = append(runs, Summarize(run))
	}
	sortNewestFirst(runs)
	return runs, nil
}

// Delete removes one run.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	filePath, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }
