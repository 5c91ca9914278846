package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Local stores file content on the local filesystem and serves it under a
// public base URL.
type Local struct {
	baseDir string
	baseURL string
}

func NewLocal(baseDir, baseURL string) (*Local, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Local{baseDir: baseDir, baseURL: baseURL}, nil
}

func (s *Local) Put(ctx context.Context, objectName string, reader io.Reader) error {
	fullPath := filepath.Join(s.baseDir, objectName)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, reader); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func (s *Local) Get(ctx context.Context, objectName string) (io.ReadCloser, error) {
	file, err := os.Open(filepath.Join(s.baseDir, objectName))
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

func (s *Local) Delete(ctx context.Context, objectName string) error {
	if err := os.Remove(filepath.Join(s.baseDir, objectName)); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// URL resolves the public address of a stored object.
func (s *Local) URL(objectName string) string {
	return fmt.Sprintf("%s/files/%s", s.baseURL, objectName)
}
