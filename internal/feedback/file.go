package feedback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// FileSource delivers each line appended to a file as one feedback
// message. Removing or renaming the file ends the source with io.EOF.
// Truncating it starts over from the new content.
type FileSource struct {
	path    string
	file    *os.File
	offset  int64
	pending []string
	watcher *fsnotify.Watcher
}

// OpenFile watches path for appended lines. Lines already in the file are
// delivered first when fromStart is set, and skipped otherwise.
func OpenFile(path string, fromStart bool) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open feedback file: %w", err)
	}

	s := &FileSource{path: path, file: f}
	if !fromStart {
		stat, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		s.offset = stat.Size()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to setup watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		f.Close()
		return nil, fmt.Errorf("failed to setup watcher: %w", err)
	}
	s.watcher = watcher
	return s, nil
}

// Next implements chain.FeedbackSource.
func (s *FileSource) Next(ctx context.Context) (string, error) {
	for {
		if len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			return msg, nil
		}

		if err := s.readNewContent(); err != nil {
			return "", err
		}
		if len(s.pending) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case event, ok := <-s.watcher.Events:
			if !ok {
				return "", io.EOF
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				return "", io.EOF
			}
			// unlinking a file we hold open shows up as a chmod
			if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
				return "", io.EOF
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return "", io.EOF
			}
			return "", fmt.Errorf("watcher error: %w", err)
		}
	}
}

// readNewContent queues the complete lines written since the last read. A
// trailing partial line is left for the next read. A file that shrank was
// truncated and is read again from the start.
func (s *FileSource) readNewContent() error {
	stat, err := s.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() < s.offset {
		s.offset = 0
	}
	if _, err := s.file.Seek(s.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(s.file)
	if err != nil {
		return err
	}

	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil
	}
	s.offset += int64(end + 1)

	for _, l := range strings.Split(string(data[:end]), "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		s.pending = append(s.pending, l)
	}
	return nil
}

// Close releases the file and watcher.
func (s *FileSource) Close() error {
	werr := s.watcher.Close()
	if err := s.file.Close(); err != nil {
		return err
	}
	return werr
}
