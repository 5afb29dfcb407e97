// Package database opens the SQL backends used for the journal, tracking and
// queue tables and applies their schema migrations.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	migrate "github.com/rubenv/sql-migrate"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Dialect captures the small syntax differences between the supported backends.
type Dialect struct {
	// Driver is the database/sql driver name.
	Driver string
	// migrateDialect is the sql-migrate dialect name.
	migrateDialect string
}

// SQLite is the dialect for modernc.org/sqlite databases.
var SQLite = Dialect{Driver: DriverSQLite, migrateDialect: "sqlite3"}

// Postgres is the dialect for lib/pq databases.
var Postgres = Dialect{Driver: DriverPostgres, migrateDialect: "postgres"}

// DialectFor returns the dialect for a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverSQLite, "":
		return SQLite, nil
	case DriverPostgres:
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Rebind rewrites '?' placeholders into the dialect's bind syntax.
func (d Dialect) Rebind(query string) string {
	if d.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ForUpdate returns the row-locking suffix for SELECT statements.
// SQLite serializes writers with immediate transactions instead.
func (d Dialect) ForUpdate() string {
	if d.Driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// SkipLocked returns the suffix used when claiming rows concurrently.
func (d Dialect) SkipLocked() string {
	if d.Driver == DriverPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// SQLitePath builds a modernc DSN for a database file. Transactions take the
// write lock up front so read-modify-write sequences are serialized.
func SQLitePath(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
}

// Open opens a database and verifies connectivity.
func Open(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	if dialect.Driver == DriverSQLite {
		if path := sqliteFile(dsn); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	}

	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dialect.Driver == DriverSQLite {
		// A single writer connection avoids SQLITE_BUSY storms between
		// immediate transactions in the same process.
		db.SetMaxOpenConns(1)
	}

	return db, nil
}

func sqliteFile(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

// Migrate applies all pending migrations of a set. Each package keeps its own
// migration table so sets can be applied independently to one database.
func Migrate(db *sql.DB, dialect Dialect, table string, migrations []*migrate.Migration) (int, error) {
	set := migrate.MigrationSet{TableName: table}
	src := &migrate.MemoryMigrationSource{Migrations: migrations}
	n, err := set.Exec(db, dialect.migrateDialect, src, migrate.Up)
	if err != nil {
		return n, fmt.Errorf("apply %s migrations: %w", table, err)
	}
	return n, nil
}

// InTx runs fn in a transaction, committing on success.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SearchPath appends a search_path runtime parameter to a lib/pq DSN in
// either URL or key/value form.
func SearchPath(dsn, schema string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "search_path=" + schema
	}
	return strings.TrimSpace(dsn) + " search_path=" + schema
}

// OpenSchema opens a Postgres database whose tables live in schema, creating
// the schema first. Regions sharing one server are isolated this way.
func OpenSchema(ctx context.Context, dsn, schema string) (*sql.DB, error) {
	admin, err := Open(ctx, Postgres, dsn)
	if err != nil {
		return nil, err
	}
	_, err = admin.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(schema))
	_ = admin.Close()
	if err != nil {
		return nil, fmt.Errorf("create schema %s: %w", schema, err)
	}
	return Open(ctx, Postgres, SearchPath(dsn, schema))
}
