// Package sampledata fills tables from SQL files, loading required samples
// first and leaving populated tables alone unless forced.
package sampledata

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/deesoft/console/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// All selects every configured sample.
const All = "all"

// Querier is the part of a pgx pool the loader needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Sample is named after the table it fills.
type Sample struct {
	Name     string   `mapstructure:"name"`
	Requires []string `mapstructure:"requires"`
}

type Config struct {
	SourcePath  string   `mapstructure:"source_path"`
	TablePrefix string   `mapstructure:"table_prefix"`
	Samples     []Sample `mapstructure:"samples"`
}

type Loader struct {
	cfg    Config
	db     Querier
	logger *slog.Logger
	byName map[string]Sample
}

func NewLoader(cfg Config, db Querier, logger *slog.Logger) (*Loader, error) {
	if len(cfg.Samples) == 0 {
		return nil, errors.ConfigError(fmt.Errorf("The 'samples' cannot be blank."))
	}
	if db == nil {
		return nil, errors.ConfigError(fmt.Errorf("sample data: database is required"))
	}
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]Sample, len(cfg.Samples))
	for _, s := range cfg.Samples {
		byName[s.Name] = s
	}
	return &Loader{cfg: cfg, db: db, logger: logger, byName: byName}, nil
}

// Create loads sample, or every sample for All, and returns the names
// actually loaded in order. Requirements are loaded only into empty tables.
func (l *Loader) Create(ctx context.Context, sample string, force bool) ([]string, error) {
	run := &run{loader: l, done: make(map[string]bool)}
	if sample == All {
		for _, s := range l.cfg.Samples {
			if err := run.load(ctx, s.Name, force); err != nil {
				return run.loaded, err
			}
		}
		return run.loaded, nil
	}
	if _, ok := l.byName[sample]; !ok {
		return nil, errors.NotFoundError(fmt.Errorf("Unable to find the sample '%s'.", sample))
	}
	err := run.load(ctx, sample, force)
	return run.loaded, err
}

type run struct {
	loader *Loader
	done   map[string]bool
	loaded []string
}

func (r *run) load(ctx context.Context, name string, force bool) error {
	if r.done[name] {
		return nil
	}
	r.done[name] = true
	l := r.loader

	exists, err := l.hasRows(ctx, name)
	if err != nil {
		return err
	}
	if exists && !force {
		l.logger.Info("sample data: skipped, table has rows", "sample", name)
		return nil
	}

	for _, req := range l.byName[name].Requires {
		if err := r.load(ctx, req, false); err != nil {
			return err
		}
	}

	path := filepath.Join(l.cfg.SourcePath, name+".sql")
	body, err := os.ReadFile(path)
	if err != nil {
		return errors.InfraError(fmt.Errorf("sample data: read %s: %w", path, err))
	}
	if _, err := l.db.Exec(ctx, string(body)); err != nil {
		return errors.InfraError(fmt.Errorf("sample data: load %s: %w", name, err)).WithCode("SAMPLE_LOAD")
	}
	l.logger.Info("sample data: loaded", "sample", name)
	r.loaded = append(r.loaded, name)
	return nil
}

func (l *Loader) hasRows(ctx context.Context, name string) (bool, error) {
	table := pgx.Identifier{l.cfg.TablePrefix + name}.Sanitize()
	var n int64
	if err := l.db.QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
		return false, errors.InfraError(fmt.Errorf("sample data: count %s: %w", name, err))
	}
	return n > 0, nil
}
