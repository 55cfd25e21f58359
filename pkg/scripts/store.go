// Package scripts is the store of loader scripts jobs execute. Job
// definitions reference scripts by bare filename; this package owns the
// mapping to real paths and refuses anything outside its directory.
package scripts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/marketlens/core/pkg/models"
	"github.com/marketlens/core/pkg/models/api"
)

// Store resolves and lists loader scripts under a single directory.
type Store struct {
	dir string
}

// New creates a script store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve scripts dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Store{dir: abs}, nil
}

// Dir returns the absolute scripts directory.
func (s *Store) Dir() string {
	return s.dir
}

// Resolve validates a script reference and returns its absolute path.
// The file must exist: a job whose script was removed fails at trigger
// time with a clear error, not at exec time with a confusing one.
func (s *Store) Resolve(name string) (string, error) {
	if err := models.ValidateScriptName(name); err != nil {
		return "", err
	}

	full := filepath.Join(s.dir, name)
	// Belt and braces: the validated name cannot escape, but verify the
	// joined path is still under the store before touching the filesystem.
	if !strings.HasPrefix(full, s.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: script path escapes scripts directory", models.ErrValidation)
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: script %q", models.ErrNotFound, name)
		}
		return "", fmt.Errorf("stat script %q: %w", name, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %q is a directory", models.ErrValidation, name)
	}

	return full, nil
}

// List returns the available scripts sorted by filename.
func (s *Store) List() ([]api.ScriptInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	var out []api.ScriptInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".py") || strings.HasPrefix(name, "__") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, api.ScriptInfo{
			Filename: name,
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

// Write stores script source under the given filename, creating or
// replacing it. The name passes the same validation as job script
// references, so uploads cannot escape the store either.
func (s *Store) Write(name, content string) error {
	if err := models.ValidateScriptName(name); err != nil {
		return err
	}
	full := filepath.Join(s.dir, name)
	if !strings.HasPrefix(full, s.dir+string(filepath.Separator)) {
		return fmt.Errorf("%w: script path escapes scripts directory", models.ErrValidation)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write script %q: %w", name, err)
	}
	return nil
}

// Read returns a script's source.
func (s *Store) Read(name string) (string, error) {
	full, err := s.Resolve(name)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read script %q: %w", name, err)
	}
	return string(content), nil
}
