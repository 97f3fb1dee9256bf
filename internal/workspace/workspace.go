// Package workspace manages the per-upload staging directory.
//
// Every upload owns exactly one directory named <dataset_version_id>-<random>
// under a shared root. The random suffix carries 96 bits from crypto/rand, so
// concurrent uploads never collide and no lock is needed.
package workspace

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/secureailabs/sail-dataset-upload/internal/constants"
)

// ErrInvalidName is returned when a staged file name would escape the workspace.
var ErrInvalidName = errors.New("invalid file name")

const stagedDir = "staged"

// Workspace is an exclusively owned staging directory.
type Workspace struct {
	path string

	once       sync.Once
	releaseErr error
}

// Acquire creates a fresh workspace for the given dataset version under root.
// The root is created if missing.
func Acquire(root, versionID string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	suffix := make([]byte, constants.WorkspaceRandomBytes)
	if _, err := rand.Read(suffix); err != nil {
		return nil, fmt.Errorf("failed to generate workspace suffix: %w", err)
	}

	name := sanitize(versionID) + "-" + base64.RawURLEncoding.EncodeToString(suffix)
	path := filepath.Join(root, name)

	// Mkdir (not MkdirAll) so an existing directory is an error, never shared.
	if err := os.Mkdir(path, 0700); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	return &Workspace{path: path}, nil
}

// Path returns the workspace directory.
func (w *Workspace) Path() string {
	return w.path
}

// File returns the path of name inside the workspace.
func (w *Workspace) File(name string) string {
	return filepath.Join(w.path, name)
}

// Stage copies r into the workspace's staging area under name and returns the
// local path. Staged files live apart from the archives built next to them.
func (w *Workspace) Stage(name string, r io.Reader) (string, int64, error) {
	if err := ValidateName(name); err != nil {
		return "", 0, err
	}

	dir := w.File(stagedDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", 0, fmt.Errorf("failed to create staging area: %w", err)
	}

	dst := filepath.Join(dir, name)
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create staged file %s: %w", name, err)
	}

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return "", 0, fmt.Errorf("failed to stage %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close staged file %s: %w", name, err)
	}
	return dst, n, nil
}

// Release recursively deletes the workspace. Safe to call more than once;
// only the first call touches the filesystem.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		if err := os.RemoveAll(w.path); err != nil {
			w.releaseErr = fmt.Errorf("failed to remove workspace %s: %w", w.path, err)
		}
	})
	return w.releaseErr
}

// ValidateName rejects names that are empty, contain path separators, or are dot entries.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

// sanitize keeps version ids usable as a directory prefix.
func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "upload"
	}
	return b.String()
}
