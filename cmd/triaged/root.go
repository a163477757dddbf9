package main

import (
	"context"
	"fmt"
	"os"
	"time"

	internal "github.com/ZanzyTHEbar/triage-engine/triage"
	"github.com/ZanzyTHEbar/triage-engine/triage/config"
	"github.com/ZanzyTHEbar/triage-engine/triage/db"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           internal.DefaultAppName,
		Short:         "Appointment-scoped symptom triage conversations",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: search ./, ../, etc/"+internal.DefaultAppName+")")

	root.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newResumeCmd(&configPath),
		newRegisterCmd(&configPath),
		newWatchCmd(&configPath),
	)
	return root
}

// runtime is what every subcommand starts from.
type runtime struct {
	cfg    *config.Config
	logger zerolog.Logger
	conn   *db.DB // nil for the memory store
}

func (rt *runtime) Close() {
	if rt.conn != nil {
		rt.conn.Close()
	}
}

func bootstrap(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger}
	if cfg.Database.Type == "memory" {
		logger.Warn().Msg("Using in-memory turn log; conversations are lost on exit")
		return rt, nil
	}

	conn, err := db.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	rt.conn = conn
	if cfg.Database.Migrate {
		if err := db.Migrate(ctx, conn, logger); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return rt, nil
}

func newLogger(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", internal.DefaultAppName).Logger(), nil
}
