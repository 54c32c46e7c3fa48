package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"github.com/stefna/stefna-backend/pkg/config"
	"github.com/stefna/stefna-backend/pkg/db"
	"github.com/stefna/stefna-backend/pkg/logger"
	"github.com/stefna/stefna-backend/pkg/migrate"
)

const serviceKind = "migrate"

type options struct {
	dir      string
	embedded bool
	name     string
	version  string
}

type command struct {
	usage   string
	offline bool
	run     func(ctx context.Context, m *migrate.Migrator, opts options) error
}

var commands = map[string]command{
	"up": {usage: "apply every pending migration", run: func(ctx context.Context, m *migrate.Migrator, _ options) error {
		results, err := m.Up(ctx)
		printResults(results)
		return err
	}},
	"down": {usage: "roll back the newest migration", run: func(ctx context.Context, m *migrate.Migrator, _ options) error {
		result, err := m.Down(ctx)
		if result != nil {
			printResults([]*goose.MigrationResult{result})
		}
		return err
	}},
	"status": {usage: "list applied and pending migrations", run: func(ctx context.Context, m *migrate.Migrator, _ options) error {
		statuses, err := m.Status(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tSTATE\tAPPLIED AT\tFILE")
		for _, st := range statuses {
			applied := "-"
			if !st.AppliedAt.IsZero() {
				applied = st.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", st.Source.Version, st.State, applied, filepath.Base(st.Source.Path))
		}
		return w.Flush()
	}},
	"version": {usage: "migrate up or down to -version", run: func(ctx context.Context, m *migrate.Migrator, opts options) error {
		target, err := migrate.ParseVersion(opts.version)
		if err != nil {
			return err
		}
		return m.To(ctx, target)
	}},
	"create": {usage: "write an empty migration named -name into -dir", offline: true, run: func(_ context.Context, _ *migrate.Migrator, opts options) error {
		if strings.TrimSpace(opts.name) == "" {
			return fmt.Errorf("missing -name for create")
		}
		path, err := migrate.CreateSQLMigration(opts.dir, opts.name)
		if err != nil {
			return err
		}
		fmt.Println("created migration:", path)
		return nil
	}},
	"validate": {usage: "check filenames and goose annotations in -dir", offline: true, run: func(_ context.Context, _ *migrate.Migrator, opts options) error {
		if err := migrate.ValidateDir(opts.dir); err != nil {
			return err
		}
		fmt.Println("migration validation passed")
		return nil
	}},
}

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: serviceKind})

	if err := godotenv.Load(); err != nil {
		logg.Warn(ctx, ".env file not found, relying on environment")
	}

	var opts options
	cmdName := flag.String("cmd", "up", "migration command: "+commandNames())
	flag.StringVar(&opts.dir, "dir", migrate.DefaultDir, "migrations directory for create, validate and -embedded=false runs")
	flag.BoolVar(&opts.embedded, "embedded", true, "apply the migrations compiled into this binary instead of -dir")
	flag.StringVar(&opts.name, "name", "", "migration name for -cmd=create")
	flag.StringVar(&opts.version, "version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: migrate -cmd <command> [flags]\n\ncommands:\n")
		for _, name := range strings.Split(commandNames(), "|") {
			fmt.Fprintf(flag.CommandLine.Output(), "  %-9s %s\n", name, commands[name].usage)
		}
		fmt.Fprintln(flag.CommandLine.Output(), "\nflags:")
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd, ok := commands[*cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown -cmd %q (want %s)\n", *cmdName, commandNames())
		os.Exit(2)
	}

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)
	logg = logger.New(logger.Options{
		ServiceName: serviceKind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "cmd": *cmdName})

	var migrator *migrate.Migrator
	if !cmd.offline {
		dbClient, err := db.New(ctx, cfg.DB, logg)
		requireResource(ctx, logg, "database", err)
		defer dbClient.Close()

		sqlDB, err := dbClient.DB().DB()
		requireResource(ctx, logg, "sql database", err)

		var fsys fs.FS
		if !opts.embedded {
			fsys = os.DirFS(opts.dir)
		}
		migrator, err = migrate.NewMigrator(sqlDB, fsys)
		requireResource(ctx, logg, "migrator", err)
	}

	if err := cmd.run(ctx, migrator, opts); err != nil {
		logg.Error(ctx, "migration command failed", err)
		os.Exit(1)
	}
	logg.Info(ctx, "migration command finished")
}

func printResults(results []*goose.MigrationResult) {
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		state := "ok"
		if r.Error != nil {
			state = r.Error.Error()
		}
		fmt.Printf("%-5s %d %s (%s) %s\n", r.Direction, r.Source.Version, filepath.Base(r.Source.Path), r.Duration.Round(1e6), state)
	}
}

func commandNames() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
