package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// AudioStore keeps uploaded audio on local disk until the transcription job
// reaches a terminal state.
type AudioStore struct {
	dir string
}

func NewAudioStore(dir string) *AudioStore {
	return &AudioStore{dir: dir}
}

// Save writes the upload under a fresh name and returns the storage
// reference (path relative to nothing in particular; Delete takes it back).
func (s *AudioStore) Save(r io.Reader, originalName string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}

	ext := strings.ToLower(filepath.Ext(originalName))
	if ext == "" {
		ext = ".webm"
	}
	path := filepath.Join(s.dir, uuid.NewString()+ext)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func (s *AudioStore) Delete(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove %s: %w", path, err)
	}
	return nil
}

func (s *AudioStore) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
