package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"testing/fstest"

	ingest "github.com/goliatone/go-ingest"
	_ "github.com/mattn/go-sqlite3"
)

func TestSources_PairsVersionsForBothDialects(t *testing.T) {
	sources, err := Sources(nil)
	if err != nil {
		t.Fatalf("sources: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(sources))
	}
	want := []string{
		"00001_ingest_delivery_records",
		"00002_ingest_dead_letters",
		"00003_ingest_backfill_jobs",
		"00004_ingest_backfill_job_errors",
	}
	for _, source := range sources {
		if !slices.Equal(source.Versions, want) {
			t.Fatalf("%s: expected versions %v, got %v", source.Dialect, want, source.Versions)
		}
	}
	if sources[0].Dialect != DialectPostgres || sources[1].Dialect != DialectSQLite {
		t.Fatalf("unexpected dialect order: %s, %s", sources[0].Dialect, sources[1].Dialect)
	}
}

func TestSources_RejectsMissingDownMigration(t *testing.T) {
	root := fstest.MapFS{
		"data/sql/migrations/00001_a.up.sql":          {Data: []byte("SELECT 1;")},
		"data/sql/migrations/sqlite/00001_a.up.sql":   {Data: []byte("SELECT 1;")},
		"data/sql/migrations/sqlite/00001_a.down.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := Sources(root)
	if err == nil || !strings.Contains(err.Error(), "no down migration") {
		t.Fatalf("expected missing down migration error, got %v", err)
	}
}

func TestSources_RejectsDivergentDialects(t *testing.T) {
	root := fstest.MapFS{
		"data/sql/migrations/00001_a.up.sql":          {Data: []byte("SELECT 1;")},
		"data/sql/migrations/00001_a.down.sql":        {Data: []byte("SELECT 1;")},
		"data/sql/migrations/00002_b.up.sql":          {Data: []byte("SELECT 1;")},
		"data/sql/migrations/00002_b.down.sql":        {Data: []byte("SELECT 1;")},
		"data/sql/migrations/sqlite/00001_a.up.sql":   {Data: []byte("SELECT 1;")},
		"data/sql/migrations/sqlite/00001_a.down.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := Sources(root)
	if err == nil || !strings.Contains(err.Error(), "diverge") {
		t.Fatalf("expected divergence error, got %v", err)
	}
}

func TestRegister_OnlySelectedDialects(t *testing.T) {
	var calls []string
	reg, err := Register(context.Background(), func(_ context.Context, source Source) error {
		calls = append(calls, source.Dialect)
		return nil
	}, WithDialects(" SQLite "))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 1 || calls[0] != DialectSQLite {
		t.Fatalf("expected a single sqlite registration, got %v", calls)
	}
	if reg.SourceLabel != SourceLabel || len(reg.Sources) != 1 {
		t.Fatalf("unexpected registration: %#v", reg)
	}

	if _, err := Register(context.Background(), func(context.Context, Source) error { return nil },
		WithDialects("mysql")); err == nil {
		t.Fatalf("expected unknown dialect to fail")
	}
	if _, err := Register(context.Background(), nil); err == nil {
		t.Fatalf("expected nil register function to fail")
	}
}

func TestForDriver(t *testing.T) {
	cases := map[string]string{
		"postgres": DialectPostgres,
		"pgx":      DialectPostgres,
		"sqlite3":  DialectSQLite,
		"SQLite":   DialectSQLite,
	}
	for driver, want := range cases {
		got, err := ForDriver(driver)
		if err != nil || got != want {
			t.Fatalf("driver %q: expected %q, got %q (%v)", driver, want, got, err)
		}
	}
	if _, err := ForDriver("mysql"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestIngestMigrationPairs_ExistForBothDialects(t *testing.T) {
	root := ingest.GetMigrationsFS()
	names := []string{
		"00001_ingest_delivery_records",
		"00002_ingest_dead_letters",
		"00003_ingest_backfill_jobs",
		"00004_ingest_backfill_job_errors",
	}
	for _, name := range names {
		for _, dir := range []string{"data/sql/migrations", "data/sql/migrations/sqlite"} {
			for _, suffix := range []string{".up.sql", ".down.sql"} {
				migrationPath := dir + "/" + name + suffix
				content, err := fs.ReadFile(root, migrationPath)
				if err != nil {
					t.Fatalf("read migration %s: %v", migrationPath, err)
				}
				if strings.TrimSpace(string(content)) == "" {
					t.Fatalf("expected migration %s to have SQL content", migrationPath)
				}
			}
		}
	}
}

func TestSQLiteDeliveryRecordsMigration_EnforcesUniqueDeliveryID(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:migrations-delivery-records?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	sqliteMigrations, err := fs.Sub(ingest.GetMigrationsFS(), "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}
	if err := execSQLMigration(context.Background(), db, sqliteMigrations, "00001_ingest_delivery_records.up.sql"); err != nil {
		t.Fatalf("apply delivery records migration up: %v", err)
	}

	insertStatement := `
		INSERT INTO ingest_delivery_records (id, delivery_id, event_type, status, retry_count)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := db.ExecContext(context.Background(), insertStatement, "rec_1", "abc", "order.created", "pending", 0); err != nil {
		t.Fatalf("insert first delivery: %v", err)
	}
	if _, err := db.ExecContext(context.Background(), insertStatement, "rec_2", "abc", "order.created", "pending", 0); err == nil {
		t.Fatalf("expected unique delivery id violation")
	}
	if _, err := db.ExecContext(context.Background(), insertStatement, "rec_3", "def", "order.created", "archived", 0); err == nil {
		t.Fatalf("expected status check violation")
	}

	if err := execSQLMigration(context.Background(), db, sqliteMigrations, "00001_ingest_delivery_records.down.sql"); err != nil {
		t.Fatalf("apply delivery records migration down: %v", err)
	}
	var count int
	if err := db.QueryRowContext(
		context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`,
		"ingest_delivery_records",
	).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master after down migration: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected ingest_delivery_records to be dropped after down migration")
	}
}

func TestSQLiteBackfillJobsMigration_ApplyAndRollback(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:migrations-backfill-jobs?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	sqliteMigrations, err := fs.Sub(ingest.GetMigrationsFS(), "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}
	ups := []string{
		"00001_ingest_delivery_records.up.sql",
		"00002_ingest_dead_letters.up.sql",
		"00003_ingest_backfill_jobs.up.sql",
	}
	for _, migration := range ups {
		if err := execSQLMigration(context.Background(), db, sqliteMigrations, migration); err != nil {
			t.Fatalf("apply migration %s: %v", migration, err)
		}
	}

	for _, tableName := range []string{"ingest_delivery_records", "ingest_dead_letters", "ingest_backfill_jobs"} {
		var count int
		if err := db.QueryRowContext(
			context.Background(),
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`,
			tableName,
		).Scan(&count); err != nil {
			t.Fatalf("query sqlite_master for %s: %v", tableName, err)
		}
		if count != 1 {
			t.Fatalf("expected table %s to exist after up migrations", tableName)
		}
	}

	if _, err := db.ExecContext(
		context.Background(),
		`INSERT INTO ingest_backfill_jobs (id, file_name, status) VALUES (?, ?, ?)`,
		"job_1",
		"orders.csv",
		"running",
	); err != nil {
		t.Fatalf("insert backfill job: %v", err)
	}

	if err := execSQLMigration(context.Background(), db, sqliteMigrations, "00003_ingest_backfill_jobs.down.sql"); err != nil {
		t.Fatalf("apply backfill jobs migration down: %v", err)
	}
}

func TestSQLiteBackfillJobErrorsMigration_KeysErrorsByJobRow(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:migrations-backfill-job-errors?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	sqliteMigrations, err := fs.Sub(ingest.GetMigrationsFS(), "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}
	for _, migration := range []string{
		"00003_ingest_backfill_jobs.up.sql",
		"00004_ingest_backfill_job_errors.up.sql",
	} {
		if err := execSQLMigration(context.Background(), db, sqliteMigrations, migration); err != nil {
			t.Fatalf("apply migration %s: %v", migration, err)
		}
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx,
		`INSERT INTO ingest_backfill_jobs (id, file_name, status) VALUES (?, ?, ?)`,
		"job_1", "orders.csv", "running",
	); err != nil {
		t.Fatalf("insert backfill job: %v", err)
	}
	insertError := `INSERT INTO ingest_backfill_job_errors (job_id, source_row, data, error) VALUES (?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, insertError, "job_1", 100, `{"order_id":"ord_100"}`, "invalid amount"); err != nil {
		t.Fatalf("insert row error: %v", err)
	}
	if _, err := db.ExecContext(ctx, insertError, "job_1", 100, `{}`, "again"); err == nil {
		t.Fatalf("expected duplicate job row to be rejected")
	}
	if _, err := db.ExecContext(ctx, insertError, "job_missing", 1, `{}`, "orphan"); err == nil {
		t.Fatalf("expected row error for unknown job to be rejected")
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM ingest_backfill_jobs WHERE id = ?`, "job_1"); err != nil {
		t.Fatalf("delete backfill job: %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingest_backfill_job_errors`).Scan(&count); err != nil {
		t.Fatalf("count row errors: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected row errors to cascade with their job, got %d", count)
	}

	if err := execSQLMigration(ctx, db, sqliteMigrations, "00004_ingest_backfill_job_errors.down.sql"); err != nil {
		t.Fatalf("apply backfill job errors migration down: %v", err)
	}
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filepath.Clean(filename))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(content))
	return err
}
