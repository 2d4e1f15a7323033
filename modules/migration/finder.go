package migration

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/deesoft/console/errors"
	"gopkg.in/yaml.v3"
)

var filePattern = regexp.MustCompile(`^(m(\d{6}_\d{6})_.*?)\.sql$`)

// File is a migration script on disk.
type File struct {
	Name string
	Path string
}

// Finder collects migration files from several directories. ExtraFile is a
// YAML list of directories remembered across runs; the current Path is
// appended to it the first time it is seen.
type Finder struct {
	Path      string
	Lookup    []string
	ExtraFile string

	dirs  []string
	files []File
}

// Directories returns extra file entries, then Lookup, then Path, without
// duplicates.
func (f *Finder) Directories() ([]string, error) {
	if f.dirs != nil {
		return f.dirs, nil
	}

	extra, err := f.readExtra()
	if err != nil {
		return nil, err
	}

	var dirs []string
	seen := make(map[string]bool)
	add := func(p string) bool {
		if p == "" {
			return false
		}
		p = filepath.Clean(p)
		if seen[p] {
			return false
		}
		seen[p] = true
		dirs = append(dirs, p)
		return true
	}
	for _, p := range extra {
		add(p)
	}
	for _, p := range f.Lookup {
		add(p)
	}
	if add(f.Path) && f.ExtraFile != "" {
		if err := f.writeExtra(append(extra, f.Path)); err != nil {
			return nil, err
		}
	}
	f.dirs = dirs
	return dirs, nil
}

func (f *Finder) readExtra() ([]string, error) {
	if f.ExtraFile == "" {
		return nil, nil
	}
	b, err := os.ReadFile(f.ExtraFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.InfraError(fmt.Errorf("migration: read %s: %w", f.ExtraFile, err))
	}
	var paths []string
	if err := yaml.Unmarshal(b, &paths); err != nil {
		return nil, errors.ConfigError(fmt.Errorf("migration: parse %s: %w", f.ExtraFile, err))
	}
	return paths, nil
}

func (f *Finder) writeExtra(paths []string) error {
	b, err := yaml.Marshal(paths)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.ExtraFile), 0o755); err != nil {
		return errors.InfraError(err)
	}
	if err := os.WriteFile(f.ExtraFile, b, 0o644); err != nil {
		return errors.InfraError(fmt.Errorf("migration: write %s: %w", f.ExtraFile, err))
	}
	return nil
}

// Files returns every migration found in Directories, sorted by name. A name
// found in several directories resolves to the last one.
func (f *Finder) Files() ([]File, error) {
	if f.files != nil {
		return f.files, nil
	}
	dirs, err := f.Directories()
	if err != nil {
		return nil, err
	}

	byName := make(map[string]string)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			m := filePattern.FindStringSubmatch(e.Name())
			if m == nil || !e.Type().IsRegular() {
				continue
			}
			byName[m[1]] = filepath.Join(dir, e.Name())
		}
	}

	files := make([]File, 0, len(byName))
	for name, path := range byName {
		files = append(files, File{Name: name, Path: path})
	}
	slices.SortFunc(files, func(a, b File) int { return strings.Compare(a.Name, b.Name) })
	f.files = files
	return files, nil
}

// Find returns the file for a full migration name.
func (f *Finder) Find(name string) (File, bool) {
	files, err := f.Files()
	if err != nil {
		return File{}, false
	}
	i, ok := slices.BinarySearchFunc(files, name, func(file File, n string) int {
		return strings.Compare(file.Name, n)
	})
	if !ok {
		return File{}, false
	}
	return files[i], true
}

// Reset drops cached directory and file lists.
func (f *Finder) Reset() {
	f.dirs = nil
	f.files = nil
}
