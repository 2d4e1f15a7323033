// Package migration applies and reverts SQL migrations collected from
// several directories, keeping history in a core.MigrationStore.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/deesoft/console/core"
	"github.com/deesoft/console/errors"
)

var namePattern = regexp.MustCompile(`^\w+$`)

type Migrator struct {
	store   core.MigrationStore
	finder  *Finder
	excepts map[string]struct{}
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Migrator)

// WithExcepts excludes a comma separated list of versions from every
// operation.
func WithExcepts(list string) Option {
	return func(m *Migrator) {
		m.excepts = ParseExcepts(list)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Migrator) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func New(store core.MigrationStore, finder *Finder, opts ...Option) *Migrator {
	m := &Migrator{
		store:   store,
		finder:  finder,
		excepts: map[string]struct{}{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Migrator) excluded(name string) bool {
	_, ok := m.excepts[timestamp(name)]
	return ok
}

// History returns applied migrations, most recent first, without excepted
// versions. limit <= 0 means all.
func (m *Migrator) History(ctx context.Context, limit int) ([]core.MigrationRecord, error) {
	records, err := m.store.History(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]core.MigrationRecord, 0, len(records))
	for _, r := range records {
		if r.Version == BaseVersion || m.excluded(r.Version) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Pending returns migration files not applied yet, oldest first. A file
// counts as applied when any history entry shares its timestamp.
func (m *Migrator) Pending(ctx context.Context) ([]File, error) {
	history, err := m.History(ctx, 0)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(history))
	for _, r := range history {
		applied[timestamp(r.Version)] = true
	}

	files, err := m.finder.Files()
	if err != nil {
		return nil, err
	}
	var pending []File
	for _, f := range files {
		if applied[timestamp(f.Name)] || m.excluded(f.Name) {
			continue
		}
		pending = append(pending, f)
	}
	return pending, nil
}

// Up applies the first limit pending migrations, all when limit <= 0. It
// stops at the first failure and returns what was applied before it.
func (m *Migrator) Up(ctx context.Context, limit int) ([]string, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(pending) {
		pending = pending[:limit]
	}
	var applied []string
	for _, f := range pending {
		if err := m.migrateUp(ctx, f); err != nil {
			return applied, err
		}
		applied = append(applied, f.Name)
	}
	return applied, nil
}

// Down reverts the last limit applied migrations, all when limit <= 0.
func (m *Migrator) Down(ctx context.Context, limit int) ([]string, error) {
	history, err := m.History(ctx, limit)
	if err != nil {
		return nil, err
	}
	var reverted []string
	for _, r := range history {
		if err := m.migrateDown(ctx, r.Version); err != nil {
			return reverted, err
		}
		reverted = append(reverted, r.Version)
	}
	return reverted, nil
}

// Redo reverts the last limit migrations and applies them again in their
// original order.
func (m *Migrator) Redo(ctx context.Context, limit int) ([]string, error) {
	history, err := m.History(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, r := range history {
		if err := m.migrateDown(ctx, r.Version); err != nil {
			return nil, err
		}
	}
	var redone []string
	for i := len(history) - 1; i >= 0; i-- {
		f, ok := m.finder.Find(history[i].Version)
		if !ok {
			return redone, missingFile(history[i].Version)
		}
		if err := m.migrateUp(ctx, f); err != nil {
			return redone, err
		}
		redone = append(redone, f.Name)
	}
	return redone, nil
}

// PartialUp applies the single pending migration matching version.
func (m *Migrator) PartialUp(ctx context.Context, version string) (string, error) {
	prefix, err := NormalizeVersion(version)
	if err != nil {
		return "", err
	}
	pending, err := m.Pending(ctx)
	if err != nil {
		return "", err
	}
	for _, f := range pending {
		if hasVersion(f.Name, prefix) {
			return f.Name, m.migrateUp(ctx, f)
		}
	}
	return "", notFound(version)
}

// PartialDown reverts the single applied migration matching version.
func (m *Migrator) PartialDown(ctx context.Context, version string) (string, error) {
	name, err := m.findApplied(ctx, version)
	if err != nil {
		return "", err
	}
	return name, m.migrateDown(ctx, name)
}

// PartialRedo reverts and re-applies the applied migration matching version.
func (m *Migrator) PartialRedo(ctx context.Context, version string) (string, error) {
	name, err := m.findApplied(ctx, version)
	if err != nil {
		return "", err
	}
	if err := m.migrateDown(ctx, name); err != nil {
		return name, err
	}
	f, ok := m.finder.Find(name)
	if !ok {
		return name, missingFile(name)
	}
	return name, m.migrateUp(ctx, f)
}

func (m *Migrator) findApplied(ctx context.Context, version string) (string, error) {
	prefix, err := NormalizeVersion(version)
	if err != nil {
		return "", err
	}
	history, err := m.History(ctx, 0)
	if err != nil {
		return "", err
	}
	for _, r := range history {
		if hasVersion(r.Version, prefix) {
			return r.Version, nil
		}
	}
	return "", notFound(version)
}

func hasVersion(name, prefix string) bool {
	return len(name) > len(prefix) && name[:len(prefix)+1] == prefix+"_"
}

// Create writes an empty migration named after the current UTC time into
// the finder's Path and returns the file path.
func (m *Migrator) Create(name string) (string, error) {
	if !namePattern.MatchString(name) {
		return "", errors.ValidationError(fmt.Errorf("The migration name should contain letters, digits and/or underscore characters only."))
	}
	dir := m.finder.Path
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.InfraError(err)
	}
	file := filepath.Join(dir, "m"+m.now().UTC().Format("060102_150405")+"_"+name+".sql")
	f, err := os.OpenFile(file, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", errors.InfraError(fmt.Errorf("migration: create %s: %w", file, err))
	}
	defer f.Close()
	if _, err := f.WriteString(template); err != nil {
		return "", errors.InfraError(err)
	}
	m.finder.Reset()
	return file, nil
}

func (m *Migrator) migrateUp(ctx context.Context, f File) error {
	script, err := LoadScript(f.Path)
	if err != nil {
		return err
	}
	start := time.Now()
	m.logger.Info("migration: applying", "version", f.Name)
	if err := m.store.Apply(ctx, f.Name, script.Up); err != nil {
		m.logger.Error("migration: apply failed", "version", f.Name, "error", err)
		return errors.InfraError(fmt.Errorf("migration %s: %w", f.Name, err)).WithCode("MIGRATION_UP")
	}
	m.logger.Info("migration: applied", "version", f.Name, "duration", time.Since(start))
	return nil
}

func (m *Migrator) migrateDown(ctx context.Context, name string) error {
	f, ok := m.finder.Find(name)
	if !ok {
		return missingFile(name)
	}
	script, err := LoadScript(f.Path)
	if err != nil {
		return err
	}
	if !script.Reversible {
		return errors.ValidationError(fmt.Errorf("migration %s cannot be reverted", name))
	}
	start := time.Now()
	m.logger.Info("migration: reverting", "version", name)
	if err := m.store.Revert(ctx, name, script.Down); err != nil {
		m.logger.Error("migration: revert failed", "version", name, "error", err)
		return errors.InfraError(fmt.Errorf("migration %s: %w", name, err)).WithCode("MIGRATION_DOWN")
	}
	m.logger.Info("migration: reverted", "version", name, "duration", time.Since(start))
	return nil
}

func missingFile(name string) error {
	return errors.NotFoundError(fmt.Errorf("migration file for %s not found", name))
}
