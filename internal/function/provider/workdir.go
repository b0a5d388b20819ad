package provider

import (
	"os"
	"path/filepath"
)

// workDir is a private directory holding runtime wrappers and extracted
// bundles for the lifetime of a resolved handler.
type workDir struct {
	path string
}

func newWorkDir(prefix string) (*workDir, error) {
	path, err := os.MkdirTemp("", prefix)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o750); err != nil {
		os.RemoveAll(path)
		return nil, err
	}
	return &workDir{path: path}, nil
}

func (w *workDir) Path() string {
	return w.path
}

func (w *workDir) CreateFile(name string, content []byte, perm os.FileMode) (string, error) {
	path := filepath.Join(w.path, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return "", err
	}
	return path, nil
}

func (w *workDir) Cleanup() error {
	if w.path == "" {
		return nil
	}
	return os.RemoveAll(w.path)
}
