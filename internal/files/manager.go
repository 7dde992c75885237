package files

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideBase is returned for names that would escape the base directory.
var ErrOutsideBase = errors.New("path escapes state directory")

// Manager provides file operations relative to one base directory
type Manager struct {
	baseDir string
}

// NewManager creates a new file manager rooted at baseDir
func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: filepath.Clean(baseDir)}
}

// BaseDir returns the directory the manager is rooted at
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Path resolves name inside the base directory
func (m *Manager) Path(name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrOutsideBase, name)
	}
	full := filepath.Join(m.baseDir, name)
	if full != m.baseDir && !strings.HasPrefix(full, m.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideBase, name)
	}
	return full, nil
}

// FileExists checks if a file exists at the given name
func (m *Manager) FileExists(name string) bool {
	fullPath, err := m.Path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(fullPath)
	exists := err == nil

	slog.Debug("FileExists check",
		slog.String("name", name),
		slog.String("full_path", fullPath),
		slog.Bool("exists", exists))

	return exists
}

// EnsureDirectory creates the base directory if it doesn't exist
func (m *Manager) EnsureDirectory() error {
	if err := os.MkdirAll(m.baseDir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", m.baseDir, err)
	}
	return nil
}

// ReadFile reads the entire content of a file. A missing file is reported
// with an error satisfying errors.Is(err, os.ErrNotExist).
func (m *Manager) ReadFile(name string) ([]byte, error) {
	fullPath, err := m.Path(name)
	if err != nil {
		return nil, err
	}

	slog.Debug("Reading file",
		slog.String("name", name),
		slog.String("full_path", fullPath))

	return os.ReadFile(fullPath)
}

// WriteFileAtomic replaces name with data: temp file, fsync, rename
func (m *Manager) WriteFileAtomic(name string, data []byte, perm os.FileMode) error {
	fullPath, err := m.Path(name)
	if err != nil {
		return err
	}
	if err := m.EnsureDirectory(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(m.baseDir, "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		// no-op once the rename has succeeded
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set mode on %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}

	// Persist the rename itself. Not supported everywhere, so best effort.
	if dir, err := os.Open(m.baseDir); err == nil {
		_ = dir.Sync()
		dir.Close()
	}

	slog.Debug("Wrote file atomically",
		slog.String("name", name),
		slog.String("full_path", fullPath),
		slog.Int("size_bytes", len(data)))

	return nil
}

// DeleteFile deletes a file. Deleting a missing file is not an error.
func (m *Manager) DeleteFile(name string) error {
	fullPath, err := m.Path(name)
	if err != nil {
		return err
	}

	slog.Info("Deleting file",
		slog.String("name", name),
		slog.String("full_path", fullPath))

	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// ListFiles returns all regular files in the base directory, skipping
// leftover temp files
func (m *Manager) ListFiles() ([]string, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		files = append(files, entry.Name())
	}
	return files, nil
}
