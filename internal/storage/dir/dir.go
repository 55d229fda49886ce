// Package dir stores sources as files in one directory: <name>.json,
// <name>.json.gz or <name>.cbor.
package dir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nameshigawa/bboxviewer/internal/config"
	"github.com/nameshigawa/bboxviewer/internal/source"
	"github.com/nameshigawa/bboxviewer/pkg/core"
)

// Extensions in lookup order. Put always writes the first one.
var extensions = []string{".json", ".json.gz", ".cbor"}

// Backend reads and writes source files under cfg.Path.
type Backend struct {
	cfg config.DirConfig
}

// New creates a new directory backend
func New(cfg config.DirConfig) *Backend {
	return &Backend{cfg: cfg}
}

// Init creates the directory when missing.
func (b *Backend) Init() error {
	if err := os.MkdirAll(b.cfg.Path, 0o755); err != nil {
		return fmt.Errorf("failed to create source directory: %w", err)
	}
	return nil
}

// Close cleans up resources
func (b *Backend) Close() error {
	return nil
}

// Location returns the path Put writes for name.
func (b *Backend) Location(name string) string {
	return filepath.Join(b.cfg.Path, name+extensions[0])
}

func (b *Backend) find(name string) (string, error) {
	if err := source.ValidateName(name); err != nil {
		return "", err
	}
	for _, ext := range extensions {
		path := filepath.Join(b.cfg.Path, name+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", source.ErrNotFound, name)
}

func (b *Backend) Get(ctx context.Context, name string) (*core.Sequence, error) {
	path, err := b.find(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	seq, err := source.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return seq, nil
}

// Put writes name.json atomically and removes any other encodings of the
// same name so the new content wins on lookup.
func (b *Backend) Put(ctx context.Context, name string, seq *core.Sequence) error {
	if err := source.ValidateName(name); err != nil {
		return err
	}
	data, err := source.Encode(seq)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.cfg.Path, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.Location(name)); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	for _, ext := range extensions[1:] {
		if err := os.Remove(filepath.Join(b.cfg.Path, name+ext)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale %s: %w", ext, err)
		}
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, name string) error {
	if err := source.ValidateName(name); err != nil {
		return err
	}
	removed := false
	for _, ext := range extensions {
		err := os.Remove(filepath.Join(b.cfg.Path, name+ext))
		switch {
		case err == nil:
			removed = true
		case !errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("remove %s: %w", name+ext, err)
		}
	}
	if !removed {
		return fmt.Errorf("%w: %s", source.ErrNotFound, name)
	}
	return nil
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("read source directory: %w", err)
	}

	seen := make(map[string]struct{})
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if name, ok := trimExtension(e.Name()); ok {
			seen[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func trimExtension(file string) (string, bool) {
	// longest suffix first so "a.json.gz" is not read as "a.json" + ".gz"
	for _, ext := range []string{".json.gz", ".json", ".cbor"} {
		if name, ok := strings.CutSuffix(file, ext); ok && name != "" {
			return name, true
		}
	}
	return "", false
}
