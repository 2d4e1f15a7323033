package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_DSN(t *testing.T) {
	cfg := Config{Host: "db", User: "app", Password: "secret", DBName: "console"}
	assert.True(t, cfg.Enabled())
	assert.Equal(t, "host=db port=5432 user=app password=secret dbname=console sslmode=disable", cfg.DSN())

	cfg.Port = "6432"
	cfg.SSLMode = "require"
	assert.Equal(t, "host=db port=6432 user=app password=secret dbname=console sslmode=require", cfg.DSN())
	assert.False(t, Config{}.Enabled())
}

func TestNewMigrationStore_Table(t *testing.T) {
	assert.Equal(t, `"migration"`, NewMigrationStore(nil, "").table)
	assert.Equal(t, `"tbl_migration"`, NewMigrationStore(nil, "tbl_migration").table)
	assert.Equal(t, `"odd""name"`, NewMigrationStore(nil, `odd"name`).table)
}
