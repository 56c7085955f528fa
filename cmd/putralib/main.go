// Command putralib runs the library backend.
//
//	putralib serve              HTTP API plus the overdue notifier
//	putralib migrate            create the tables
//	putralib seed -file x.yaml  load books
//	putralib overdue [-date d]  run one overdue scan
//	putralib status             print store status
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/borrow"
	"github.com/medatechnology/putralib/catalog"
	"github.com/medatechnology/putralib/config"
	"github.com/medatechnology/putralib/httpapi"
	"github.com/medatechnology/putralib/metrics"
	"github.com/medatechnology/putralib/notifier"
	"github.com/medatechnology/putralib/profile"
	"github.com/medatechnology/putralib/schema"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "putralib:", orm.FormatError(err))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: putralib [-env file] <serve|migrate|seed|overdue|status> [flags]")
}

func run(args []string) error {
	global := flag.NewFlagSet("putralib", flag.ContinueOnError)
	envFile := global.String("env", ".env", "dotenv file, ignored when missing")
	global.Usage = usage
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		usage()
		return fmt.Errorf("missing command")
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)
	orm.SetDefaultLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "serve":
		return serve(ctx, cfg, logger)
	case "migrate":
		return withStore(ctx, cfg, logger, func(db orm.Database) error {
			if err := schema.Apply(ctx, db, cfg.Dialect()); err != nil {
				return err
			}
			logger.Info("schema applied", orm.String("dialect", string(cfg.Dialect())))
			return nil
		})
	case "seed":
		fs := flag.NewFlagSet("seed", flag.ContinueOnError)
		file := fs.String("file", cfg.SeedFile, "YAML file with books")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *file == "" {
			return fmt.Errorf("seed: -file or PUTRALIB_SEED_FILE is required")
		}
		return withStore(ctx, cfg, logger, func(db orm.Database) error {
			n, err := catalog.NewService(db, logger).SeedFile(ctx, *file)
			if err != nil {
				return err
			}
			fmt.Printf("seeded %d books\n", n)
			return nil
		})
	case "overdue":
		fs := flag.NewFlagSet("overdue", flag.ContinueOnError)
		date := fs.String("date", "", "day to scan as YYYY-MM-DD, default today")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return withStore(ctx, cfg, logger, func(db orm.Database) error {
			m := borrow.NewManager(db, borrow.WithLocation(cfg.Location()), borrow.WithLogger(logger))
			res, err := notifier.New(m, nil, notifier.WithLogger(logger)).ScanOnce(ctx, *date)
			if err != nil {
				return err
			}
			fmt.Printf("overdue: %d, reminders sent: %d, failed: %d\n", res.Overdue, res.Sent, res.Failed)
			return nil
		})
	case "status":
		return withStore(ctx, cfg, logger, func(db orm.Database) error {
			st, err := db.Status(ctx)
			if err != nil {
				return err
			}
			st.PrintPretty(os.Stdout)
			return nil
		})
	}
	usage()
	return fmt.Errorf("unknown command %q", cmd)
}

func withStore(ctx context.Context, cfg *config.Config, logger orm.Logger, fn func(orm.Database) error) error {
	db, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func serve(ctx context.Context, cfg *config.Config, logger orm.Logger) error {
	db, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	// the in-memory store starts empty on every run
	if cfg.Backend == config.BackendMemory && cfg.SeedFile != "" {
		if _, err := catalog.NewService(db, logger).SeedFile(ctx, cfg.SeedFile); err != nil {
			return err
		}
	}

	auth, err := cfg.Authenticator(db, logger)
	if err != nil {
		return err
	}
	m := metrics.New()
	manager := borrow.NewManager(db,
		borrow.WithLocation(cfg.Location()),
		borrow.WithLogger(logger),
		borrow.WithObserver(m))

	n := notifier.New(manager, nil,
		notifier.WithSchedule(cfg.OverdueSchedule),
		notifier.WithLocation(cfg.Location()),
		notifier.WithRecorder(m),
		notifier.WithLogger(logger))
	notifierDone := make(chan error, 1)
	go func() { notifierDone <- n.Run(ctx) }()

	srv := httpapi.New(httpapi.Services{
		DB:       db,
		Auth:     auth,
		Borrow:   manager,
		Catalog:  catalog.NewService(db, logger),
		Profiles: profile.NewService(db, logger),
		Metrics:  m,
	}, httpapi.Options{
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Logger:    logger,
	})
	if err := srv.ListenAndServe(ctx, cfg.HTTPAddr, cfg.ShutdownTimeout); err != nil {
		logger.Error("http server failed", orm.Error(err))
		return err
	}
	if err := <-notifierDone; err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
