package database

import (
	"context"
	"fmt"
	"time"

	"github.com/deesoft/console/core"
	"github.com/deesoft/console/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const DefaultMigrationTable = "migration"

// MigrationStore keeps migration history in a table of
// (version varchar(180) primary key, apply_time bigint).
type MigrationStore struct {
	pool  *pgxpool.Pool
	table string
}

var _ core.MigrationStore = (*MigrationStore)(nil)

func NewMigrationStore(pool *pgxpool.Pool, table string) *MigrationStore {
	if table == "" {
		table = DefaultMigrationTable
	}
	return &MigrationStore{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
	}
}

// EnsureTable creates the history table when missing.
func (s *MigrationStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (version varchar(180) PRIMARY KEY, apply_time bigint)`, s.table))
	if err != nil {
		return errors.InfraError(fmt.Errorf("create migration table: %w", err))
	}
	return nil
}

func (s *MigrationStore) History(ctx context.Context, limit int) ([]core.MigrationRecord, error) {
	if err := s.EnsureTable(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT version, apply_time FROM %s ORDER BY apply_time DESC, version DESC`, s.table)
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.InfraError(fmt.Errorf("read migration history: %w", err))
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.MigrationRecord, error) {
		var (
			version string
			applied *int64
		)
		if err := row.Scan(&version, &applied); err != nil {
			return core.MigrationRecord{}, err
		}
		r := core.MigrationRecord{Version: version}
		if applied != nil {
			r.AppliedAt = time.Unix(*applied, 0)
		}
		return r, nil
	})
	if err != nil {
		return nil, errors.InfraError(fmt.Errorf("read migration history: %w", err))
	}
	return records, nil
}

func (s *MigrationStore) Apply(ctx context.Context, version string, sql string) error {
	return s.inTx(ctx, sql, fmt.Sprintf(`INSERT INTO %s (version, apply_time) VALUES ($1, $2)`, s.table),
		version, time.Now().Unix())
}

func (s *MigrationStore) Revert(ctx context.Context, version string, sql string) error {
	return s.inTx(ctx, sql, fmt.Sprintf(`DELETE FROM %s WHERE version = $1`, s.table), version)
}

// inTx runs body and the bookkeeping statement in one transaction.
func (s *MigrationStore) inTx(ctx context.Context, body, bookkeeping string, args ...any) error {
	if err := s.EnsureTable(ctx); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if body != "" {
			if _, err := tx.Exec(ctx, body); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, bookkeeping, args...)
		return err
	})
}
