// Package fsutil holds the file helpers shared by the state and config layers.
package fsutil

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideWorkspace is returned when a configured path resolves outside the workspace root
var ErrOutsideWorkspace = errors.New("path escapes workspace")

// AtomicWrite replaces path with data so readers never observe a partial file.
// The data goes to a hidden temp file in the same directory, which is fsynced,
// renamed over the target, and the directory is fsynced after the rename.
// Files are created 0600 and missing parent directories 0700.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath, err := tempPath(path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	committed = true

	if err := syncDir(dir); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}

// AtomicWriteJSON writes v as indented JSON with a trailing newline
func AtomicWriteJSON(path string, v any) error {
	if v == nil {
		return fmt.Errorf("cannot write nil value")
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return AtomicWrite(path, append(data, '\n'))
}

// ResolveWorkspacePath joins a relative path onto the workspace root and rejects
// results that leave the root, including through an existing symlink.
func ResolveWorkspacePath(workspace, relative string) (string, error) {
	root, err := filepath.EvalSymlinks(filepath.Clean(workspace))
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}
	if filepath.IsAbs(relative) {
		return "", fmt.Errorf("absolute paths not allowed: %s", relative)
	}

	candidate := filepath.Join(root, relative)
	if !within(root, candidate) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, relative)
	}

	if _, err := os.Lstat(candidate); err == nil {
		resolved, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			return "", fmt.Errorf("failed to resolve symlinks: %w", err)
		}
		if !within(root, resolved) {
			return "", fmt.Errorf("%w: %s (symlink)", ErrOutsideWorkspace, relative)
		}
		return resolved, nil
	}

	return candidate, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// tempPath returns .<base>.tmp.<pid>.<8 hex> next to path
func tempPath(path string) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate temp suffix: %w", err)
	}
	name := fmt.Sprintf(".%s.tmp.%d.%s", filepath.Base(path), os.Getpid(), hex.EncodeToString(suffix))
	return filepath.Join(filepath.Dir(path), name), nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
