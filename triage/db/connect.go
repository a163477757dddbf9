// Package db opens the durable turn log database and keeps its schema current.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/triage-engine/triage/config"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

// Dialect names the SQL flavour behind a DB.
type Dialect string

const (
	DialectLibSQL   Dialect = "libsql"
	DialectPostgres Dialect = "postgres"
)

// DB is a connection pool tagged with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to the database described by cfg. The "memory" type has no
// SQL backing and is rejected here.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	var (
		conn    *sql.DB
		dialect Dialect
		err     error
	)
	switch cfg.Type {
	case string(DialectLibSQL):
		dialect = DialectLibSQL
		conn, err = openLibSQL(cfg, logger)
	case string(DialectPostgres):
		dialect = DialectPostgres
		conn, err = sql.Open("postgres", cfg.DSN)
	default:
		return nil, fmt.Errorf("database type %q has no SQL backing", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", dialect, err)
	}

	configureConnectionPooling(conn, cfg, dialect, logger)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", dialect, err)
	}

	db := &DB{DB: conn, Dialect: dialect}
	if dialect == DialectLibSQL {
		if err := db.configurePragmas(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return db, nil
}

func openLibSQL(cfg config.DatabaseConfig, logger zerolog.Logger) (*sql.DB, error) {
	dsn := cfg.DSN
	if strings.HasPrefix(dsn, "file:") {
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("could not create database directory %s: %w", dir, err)
			}
		}
		logger.Info().Str("path", path).Msg("Connecting to embedded libsql")
		return sql.Open("libsql", dsn)
	}

	// Remote libsql (Turso) carries its token in the query string.
	if cfg.AuthToken != "" {
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid libsql url: %w", err)
		}
		q := u.Query()
		q.Set("authToken", cfg.AuthToken)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}
	logger.Info().Str("host", hostOf(dsn)).Msg("Connecting to remote libsql")
	return sql.Open("libsql", dsn)
}

func hostOf(dsn string) string {
	if u, err := url.Parse(dsn); err == nil {
		return u.Host
	}
	return ""
}

// configureConnectionPooling applies pool limits. Embedded libsql files keep a
// single connection so concurrent appends never meet SQLITE_BUSY.
func configureConnectionPooling(conn *sql.DB, cfg config.DatabaseConfig, dialect Dialect, logger zerolog.Logger) {
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = maxOpen
	}
	if dialect == DialectLibSQL && strings.HasPrefix(cfg.DSN, "file:") {
		maxOpen, maxIdle = 1, 1
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxIdle)

	idleTime := time.Duration(cfg.ConnMaxIdleSec) * time.Second
	if idleTime <= 0 {
		idleTime = 5 * time.Minute
	}
	conn.SetConnMaxIdleTime(idleTime)

	lifeTime := time.Duration(cfg.ConnMaxLifeSec) * time.Second
	if lifeTime <= 0 {
		lifeTime = time.Hour
	}
	conn.SetConnMaxLifetime(lifeTime)

	logger.Debug().
		Str("dialect", string(dialect)).
		Int("max_open", maxOpen).
		Int("max_idle", maxIdle).
		Dur("max_idle_time", idleTime).
		Dur("max_lifetime", lifeTime).
		Msg("Connection pool configured")
}

func (db *DB) configurePragmas(ctx context.Context) error {
	pragmas := []struct {
		name  string
		value string
	}{
		{"busy_timeout", "5000"},
		{"journal_mode", "WAL"},
	}
	for _, p := range pragmas {
		query := fmt.Sprintf("PRAGMA %s = %s", p.name, p.value)
		// Some PRAGMAs answer with a row, which Exec refuses.
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to set %s: %w", p.name, err)
		}
		rows.Close()
	}
	return nil
}

// Rebind rewrites '?' placeholders for the connection's dialect.
func (db *DB) Rebind(query string) string {
	return Rebind(db.Dialect, query)
}

// Rebind rewrites '?' placeholders to '$n' for postgres. Placeholders inside
// single-quoted literals are left alone.
func Rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var (
		b       strings.Builder
		n       int
		inQuote bool
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
