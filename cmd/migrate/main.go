package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/logger"
)

// migrate applies the attempt schema.
//
//	migrate [-path dir] up|down|version|force <version>|steps <n>
func main() {
	cfg := config.Load()

	var migrationDir string
	flag.StringVar(&migrationDir, "path", cfg.MigrationsPath, "Path to migration files (MIGRATIONS_PATH)")
	flag.Usage = printUsage
	flag.Parse()

	log := logger.Setup(cfg.LogLevel, "pretty", "").With().Str("component", "migrate").Logger()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is not set")
	}

	m, err := migrate.New("file://"+migrationDir, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Str("path", migrationDir).Msg("Migration failed to initialize")
	}
	m.Log = migrateLogger{log: log, verbose: cfg.LogLevel == "debug"}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.Warn().AnErr("source", srcErr).AnErr("database", dbErr).Msg("Failed to close migrator")
		}
	}()

	if err := run(m, args); err != nil {
		log.Error().Err(err).Str("command", args[0]).Msg("Migration failed")
		m.Close()
		os.Exit(1)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Info().Msg("Schema is empty")
	case err != nil:
		log.Error().Err(err).Msg("Failed to read schema version")
	default:
		log.Info().Uint("version", version).Bool("dirty", dirty).Str("command", args[0]).Msg("Schema ready")
	}
}

func run(m *migrate.Migrate, args []string) error {
	switch args[0] {
	case "up":
		return ignoreNoChange(m.Up())
	case "down":
		return ignoreNoChange(m.Down())
	case "version":
		return nil
	case "force", "steps":
		if len(args) < 2 {
			return fmt.Errorf("%s requires a number", args[0])
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", args[1], err)
		}
		if args[0] == "force" {
			return m.Force(n)
		}
		return ignoreNoChange(m.Steps(n))
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

// migrateLogger routes golang-migrate progress lines through zerolog.
type migrateLogger struct {
	log     zerolog.Logger
	verbose bool
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.log.Info().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool { return l.verbose }

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [flags] <command>")
	fmt.Fprintln(os.Stderr, "Commands: up, down, version, force <version>, steps <n>")
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}
