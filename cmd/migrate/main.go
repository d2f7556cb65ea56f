package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/logger"
)

func main() {
	dir := flag.String("path", "migrations", "Path to migration files")
	yes := flag.Bool("yes", false, "Confirm destructive commands (down, negative steps)")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is not set")
	}

	m, err := migrate.New("file://"+*dir, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Str("path", *dir).Msg("Migration failed to initialize")
	}
	defer m.Close()

	switch cmd := args[0]; cmd {
	case "up":
		check(log, m.Up(), "up")
	case "down":
		// Rolling back drops the submissions and answers tables.
		if !*yes {
			log.Fatal().Msg("down drops live exam data; rerun with -yes")
		}
		check(log, m.Down(), "down")
	case "steps":
		if len(args) < 2 {
			log.Fatal().Msg("steps requires a count")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid step count")
		}
		if n < 0 && !*yes {
			log.Fatal().Msg("negative steps roll back live exam data; rerun with -yes")
		}
		check(log, m.Steps(n), "steps")
	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Info().Msg("No migration applied yet")
			return
		}
		if err != nil {
			log.Fatal().Err(err).Msg("Version failed")
		}
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Schema version")
		return
	case "force":
		if len(args) < 2 {
			log.Fatal().Msg("force requires a version")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid version")
		}
		if err := m.Force(v); err != nil {
			log.Fatal().Err(err).Msg("Force failed")
		}
	default:
		printUsage()
		os.Exit(2)
	}

	version, dirty, _ := m.Version()
	log.Info().Str("command", args[0]).Uint("version", version).Bool("dirty", dirty).Msg("Migration complete")
}

func check(log zerolog.Logger, err error, cmd string) {
	if err == nil || errors.Is(err, migrate.ErrNoChange) {
		return
	}
	log.Fatal().Err(err).Str("command", cmd).Msg("Migration failed")
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [flags] <command>")
	fmt.Fprintln(os.Stderr, "Commands: up, down, steps <n>, version, force <version>")
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}
