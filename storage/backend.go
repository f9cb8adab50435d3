package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Kind names the relational backend a Backend talks to. The core's
// query builder and DataStore adapt their placeholder syntax and
// concurrency policy to it, per spec.md §4.3.
type Kind int

const (
	SQLite Kind = iota
	MySQL
	PostgreSQL
)

func (k Kind) String() string {
	switch k {
	case SQLite:
		return "sqlite"
	case MySQL:
		return "mysql"
	case PostgreSQL:
		return "postgres"
	default:
		return "unknown"
	}
}

// sqliteWriteMu is the process-wide mutex serializing outermost
// SQLite transactions, because that backend cannot concurrently write
// (spec.md §4.3, §5).
var sqliteWriteMu sync.Mutex

// Backend bundles an open *sql.DB with the knowledge the DataStore
// needs to treat it uniformly: placeholder syntax, deadlock
// detection, and whether it supports concurrent writers.
type Backend struct {
	Kind Kind
	DB   *sql.DB
}

// OpenSQLite opens (creating if necessary) a SQLite-backed Backend.
func OpenSQLite(path string) (*Backend, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("storage.OpenSQLite: %v", err)
	}
	db.SetMaxOpenConns(1) // one writer at a time regardless; see sqliteWriteMu
	b := &Backend{Kind: SQLite, DB: db}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// OpenMySQL opens a MySQL-backed Backend using dsn (driver-native
// data source name, e.g. "user:pass@tcp(host:3306)/dbname").
func OpenMySQL(dsn string) (*Backend, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.OpenMySQL: %v", err)
	}
	b := &Backend{Kind: MySQL, DB: db}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// OpenPostgreSQL opens a PostgreSQL-backed Backend using dsn (e.g.
// "user=... password=... dbname=... host=... sslmode=disable").
func OpenPostgreSQL(dsn string) (*Backend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.OpenPostgreSQL: %v", err)
	}
	b := &Backend{Kind: PostgreSQL, DB: db}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) initSchema() error {
	var ddl string
	switch b.Kind {
	case SQLite:
		ddl = sqliteSchema
	case MySQL:
		ddl = mysqlSchema
	case PostgreSQL:
		ddl = postgresSchema
	}
	for _, stmt := range splitStatements(ddl) {
		if _, err := b.DB.Exec(stmt); err != nil {
			return fmt.Errorf("storage: init schema: %v\n%s", err, stmt)
		}
	}
	return nil
}

func splitStatements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Placeholder returns the backend's bound-parameter syntax for the
// i'th (1-indexed) argument of a statement.
func (b *Backend) Placeholder(i int) string {
	if b.Kind == PostgreSQL {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// SupportsConcurrentWriters reports whether multiple outermost
// transactions may write concurrently on this backend. SQLite cannot;
// deadlock replay and the keep-alive ticker are only meaningful when
// this is true (spec.md §4.3).
func (b *Backend) SupportsConcurrentWriters() bool {
	return b.Kind != SQLite
}

// IsDeadlock reports whether err is a deadlock/serialization failure
// that the DataStore should recover from by replaying the current
// transaction's recorded statements (spec.md §4.3, §7).
func (b *Backend) IsDeadlock(err error) bool {
	if err == nil {
		return false
	}
	switch b.Kind {
	case MySQL:
		// MySQL error 1213: ER_LOCK_DEADLOCK. The driver surfaces it as
		// *mysql.MySQLError with Number == 1213; matching on the error
		// text keeps this package free of a hard driver-type dependency.
		return strings.Contains(err.Error(), "Error 1213") || strings.Contains(err.Error(), "Deadlock found")
	case PostgreSQL:
		if pqErr, ok := err.(*pq.Error); ok {
			return pqErr.Code == "40P01" // deadlock_detected
		}
		return strings.Contains(err.Error(), "deadlock detected")
	default:
		return false
	}
}

// Close closes the underlying database handle.
func (b *Backend) Close() error { return b.DB.Close() }
