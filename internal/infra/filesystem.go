package infra

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/focusd/buddy/internal/domain"
)

// FileSystemManagerImpl implements domain.FileSystemManager.
type FileSystemManagerImpl struct {
	homeDir string
}

// NewFileSystemManager creates a new filesystem manager.
func NewFileSystemManager() domain.FileSystemManager {
	home, _ := os.UserHomeDir()
	return &FileSystemManagerImpl{homeDir: home}
}

// NewFileSystemManagerWithHome creates a filesystem manager with custom home (for testing).
func NewFileSystemManagerWithHome(home string) domain.FileSystemManager {
	return &FileSystemManagerImpl{homeDir: home}
}

// DirExists reports whether path is an existing directory.
func (fm *FileSystemManagerImpl) DirExists(path string) bool {
	info, err := os.Stat(fm.ExpandHome(path))
	return err == nil && info.IsDir()
}

// Remove deletes a single file. A missing path is not an error.
func (fm *FileSystemManagerImpl) Remove(path string) error {
	err := os.Remove(fm.ExpandHome(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ExpandHome expands ~ to the user's home directory.
func (fm *FileSystemManagerImpl) ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(fm.homeDir, path[2:])
	}
	if path == "~" {
		return fm.homeDir
	}
	return path
}

// Ensure FileSystemManagerImpl implements domain.FileSystemManager.
var _ domain.FileSystemManager = (*FileSystemManagerImpl)(nil)
