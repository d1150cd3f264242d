package persistence

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
)

//go:embed migrations
var migrationFiles embed.FS

// Supported drivers. "postgres" uses pgx; "postgres-pq" uses lib/pq.
const (
	DriverSQLite     = "sqlite"
	DriverPostgres   = "postgres"
	DriverPostgresPQ = "postgres-pq"
	DriverMySQL      = "mysql"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type dialect struct {
	driverName    string
	migrationsDir string
}

var dialects = map[string]dialect{
	DriverSQLite:     {driverName: "sqlite", migrationsDir: "sqlite"},
	DriverPostgres:   {driverName: "pgx", migrationsDir: "postgres"},
	DriverPostgresPQ: {driverName: "postgres", migrationsDir: "postgres"},
	DriverMySQL:      {driverName: "mysql", migrationsDir: "mysql"},
}

// SQLStore is a Store backed by database/sql through sqlx.
type SQLStore struct {
	db      *sqlx.DB
	dialect dialect
	now     func() time.Time
}

// Open connects to driver/dsn, applies pending migrations and returns the
// store.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	var err error
	switch driver {
	case DriverMySQL:
		dsn, err = mysqlDSN(dsn)
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	}
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLStore{db: db, dialect: d, now: time.Now}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies pending migrations. Open already does this; the method
// exists for the migrate command.
func (s *SQLStore) Migrate(ctx context.Context) ([]string, error) {
	before, err := s.AppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	after, err := s.AppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, v := range after {
		if !contains(before, v) {
			applied = append(applied, v)
		}
	}
	return applied, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(255) PRIMARY KEY,
        applied_at TIMESTAMP NOT NULL
    )`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	dir := "migrations/" + s.dialect.migrationsDir
	entries, err := migrationFiles.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	applied, err := s.AppliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		if contains(applied, name) {
			continue
		}

		contents, err := migrationFiles.ReadFile(dir + "/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration transaction: %w", err)
		}
		for _, stmt := range splitStatements(string(contents)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %s failed: %w", name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), name, stamp(s.now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", name, err)
		}
	}
	return nil
}

// AppliedMigrations lists the schema versions recorded in the database.
func (s *SQLStore) AppliedMigrations(ctx context.Context) ([]string, error) {
	var versions []string
	if err := s.db.SelectContext(ctx, &versions, `SELECT version FROM schema_migrations ORDER BY version`); err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	return versions, nil
}

// splitStatements splits a migration file on statement terminators. The
// migrations contain no procedural bodies, so a trailing ';' always ends a
// statement.
func splitStatements(sqlText string) []string {
	var stmts []string
	for _, part := range strings.Split(sqlText, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// isUniqueViolation recognizes duplicate-key errors from every supported
// driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return strings.Contains(liteErr.Error(), "UNIQUE constraint failed")
	}
	return false
}

// mysqlDSN forces parseTime so DATETIME columns scan into time.Time.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// sqliteDSN enables foreign keys and a busy timeout unless the caller set
// pragmas explicitly, and stores timestamps in SQLite's own text format.
func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "qapilot.db"
	}
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
