package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File writes each artifact to a file under a base directory. The artifact
// ID is the relative file name.
type File struct {
	BasePath string
}

// NewFile creates a File sink rooted at basePath ("." when empty).
func NewFile(basePath string) *File {
	if basePath == "" {
		basePath = "."
	}
	return &File{BasePath: basePath}
}

// Path returns where id is written.
func (f *File) Path(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("artifact id cannot be empty")
	}
	clean := filepath.Clean(id)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact id %q escapes the output directory", id)
	}
	return filepath.Join(f.BasePath, clean), nil
}

// Write implements chain.Sink. The file is replaced atomically: content
// goes to a synced temporary file in the same directory, which is then
// renamed into place.
func (f *File) Write(ctx context.Context, id, content string) error {
	destPath, err := f.Path(id)
	if err != nil {
		return err
	}
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to ensure output directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(destPath)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.WriteString(content); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set output permissions: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
