// Package workdir scopes the per-batch template directory shared with workers.
package workdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"credmint/internal/issuance/models"
	"credmint/internal/issuance/storage"
	"credmint/pkg/platform/strings"
)

var (
	ErrInvalidName    = errors.New("workdir: invalid template file name")
	ErrDuplicateName  = errors.New("workdir: duplicate template name")
	ErrTemplateAbsent = errors.New("workdir: template not found")
)

// Dir is an acquired batch directory. Release removes it exactly once.
type Dir struct {
	path    string
	once    sync.Once
	release error
}

// Acquire creates <root>/<batchID>/ and writes every template into it. On
// failure nothing is left on disk.
func Acquire(root string, batchID uuid.UUID, templates []models.Template) (*Dir, error) {
	names := make([]string, 0, len(templates))
	for _, t := range templates {
		if err := validateFileName(t.FileName); err != nil {
			return nil, err
		}
		names = append(names, t.DeclaredName())
	}
	if dups := strings.Duplicates(names); len(dups) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateName, dups)
	}

	path := filepath.Join(root, batchID.String())
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("create batch workdir: %w", err)
	}
	d := &Dir{path: path}
	for _, t := range templates {
		if err := storage.WriteFileAtomic(filepath.Join(path, t.FileName), t.Content, 0o640); err != nil {
			_ = d.Release()
			return nil, fmt.Errorf("write template %s: %w", t.FileName, err)
		}
	}
	return d, nil
}

// Path is the directory handed to workers in the batch context.
func (d *Dir) Path() string {
	return d.path
}

// Release removes the directory. Safe to call from every exit path.
func (d *Dir) Release() error {
	d.once.Do(func() {
		d.release = os.RemoveAll(d.path)
	})
	return d.release
}

// Index maps declared template names to file paths inside dir.
func Index(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		out[models.DeclaredName(e.Name())] = filepath.Join(dir, e.Name())
	}
	return out, nil
}

func validateFileName(name string) error {
	if filepath.Base(name) != name || name == "." || name == ".." || name == "" || name[0] == '.' {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if models.DeclaredName(name) == "" {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
