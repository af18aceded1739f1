package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	ingestmigrations "github.com/goliatone/go-ingest/migrations"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

// ClientConfig satisfies the go-persistence-bun config contract.
type ClientConfig struct {
	Driver      string
	DSN         string
	Debug       bool
	PingTimeout time.Duration
}

func (c ClientConfig) GetDebug() bool {
	return c.Debug
}

func (c ClientConfig) GetDriver() string {
	return c.Driver
}

func (c ClientConfig) GetServer() string {
	return c.DSN
}

func (c ClientConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c ClientConfig) GetOtelIdentifier() string {
	return "go-ingest"
}

// Dialect resolves the bun dialect and migration dialect for a database/sql
// driver name. The driver itself must be registered by the caller.
func Dialect(driver string) (schema.Dialect, string, error) {
	target, err := ingestmigrations.ForDriver(driver)
	if err != nil {
		return nil, "", fmt.Errorf("sqlstore: %w", err)
	}
	if target == ingestmigrations.DialectSQLite {
		return sqlitedialect.New(), target, nil
	}
	return pgdialect.New(), target, nil
}

// OpenClient opens the database and wraps it in a persistence client.
func OpenClient(cfg ClientConfig) (*persistence.Client, error) {
	dialect, target, err := Dialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}
	sqlDB, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", cfg.Driver, err)
	}
	if target == ingestmigrations.DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(cfg, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return client, nil
}

// Migrate registers the embedded migrations for driver and applies them.
func Migrate(ctx context.Context, client *persistence.Client, driver string) error {
	if client == nil {
		return fmt.Errorf("sqlstore: persistence client is required")
	}
	_, target, err := Dialect(driver)
	if err != nil {
		return err
	}
	_, err = ingestmigrations.Register(ctx, func(_ context.Context, source ingestmigrations.Source) error {
		client.RegisterSQLMigrations(source.FS)
		return nil
	}, ingestmigrations.WithDialects(target))
	if err != nil {
		return err
	}
	return client.Migrate(ctx)
}
