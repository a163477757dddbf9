package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/libsql/*.sql migrations/postgres/*.sql
var migrations embed.FS

// Migrate applies every pending migration for the connection's dialect.
func Migrate(ctx context.Context, db *DB, logger zerolog.Logger) error {
	provider, err := newProvider(db)
	if err != nil {
		return err
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}
	for _, r := range results {
		logger.Info().
			Int64("version", r.Source.Version).
			Dur("duration", r.Duration).
			Msg("Applied migration")
	}
	return nil
}

// Version reports the schema version currently applied.
func Version(ctx context.Context, db *DB) (int64, error) {
	provider, err := newProvider(db)
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}

func newProvider(db *DB) (*goose.Provider, error) {
	var dialect goose.Dialect
	switch db.Dialect {
	case DialectLibSQL:
		dialect = goose.DialectTurso
	case DialectPostgres:
		dialect = goose.DialectPostgres
	default:
		return nil, fmt.Errorf("no migrations for dialect %q", db.Dialect)
	}

	dir, err := fs.Sub(migrations, "migrations/"+string(db.Dialect))
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations for %s: %w", db.Dialect, err)
	}
	provider, err := goose.NewProvider(dialect, db.DB, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create goose provider: %w", err)
	}
	return provider, nil
}
