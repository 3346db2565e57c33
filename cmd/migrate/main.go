package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"codecanvas.io/internal/config"
	"codecanvas.io/internal/migrate"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	var (
		dsn     = flag.String("dsn", cfg.PostgresDSN, "PostgreSQL DSN (default CODECANVAS_PG_DSN)")
		verbose = flag.Bool("v", false, "verbose goose output")
		timeout = flag.Duration("timeout", 2*time.Minute, "overall timeout")
	)
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: migrate [flags] up|down|status|seed")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *dsn == "" {
		logger.Fatal().Msg("missing DSN: provide via -dsn or CODECANVAS_PG_DSN")
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrate.WithVerbose(*verbose))

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			logger.Info().Str("migration", name).Msg("applied")
		}
		if err == nil && len(applied) == 0 {
			logger.Info().Msg("schema is up to date")
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			logger.Info().Str("migration", name).Msg("rolled back")
		}
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		for _, name := range applied {
			logger.Info().Str("seed", name).Msg("applied")
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("command", cmd).Msg("migrate failed")
	}
}
