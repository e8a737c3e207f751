// Command gatekeeper administers a gatekeeper permission store: it runs
// migrations, loads YAML seed files, evaluates requests and exports the
// role and user permission matrices.
//
// Configuration comes from GATEKEEPER_* environment variables and may be
// overridden with global flags:
//
//	gatekeeper --driver sqlite --dsn ./gk.db migrate
//	gatekeeper seed ./seed.yaml
//	gatekeeper check --user u1 --resource invoice --action approve --scope team
//	gatekeeper matrix --users u1,u2 --out matrix.csv
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/xraph/gatekeeper"
	"github.com/xraph/gatekeeper/store"
)

// errDenied is returned by check when the decision is a denial.
var errDenied = errors.New("access denied")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, errDenied):
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "gatekeeper:", err)
		os.Exit(1)
	}
}

// app carries what every command needs.
type app struct {
	cfg    *config
	eng    *gatekeeper.Engine
	store  store.Store
	logger *slog.Logger
	out    io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	global := pflag.NewFlagSet("gatekeeper", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(stderr)
	global.StringVar(&cfg.Driver, "driver", cfg.Driver, "storage driver: memory, sqlite or postgres")
	global.StringVar(&cfg.DSN, "dsn", cfg.DSN, "database path or connection string")
	global.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	global.StringVar(&cfg.Actor, "actor", cfg.Actor, "actor recorded on audit entries")
	global.Usage = func() { usage(stderr, global) }
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		usage(stderr, global)
		return errors.New("command required")
	}

	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", rest[0])
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.logLevel()}))
	engCfg, err := cfg.engineConfig()
	if err != nil {
		return err
	}
	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			logger.Warn("close store", slog.String("error", cerr.Error()))
		}
	}()

	eng, err := gatekeeper.NewEngine(
		gatekeeper.WithStore(s),
		gatekeeper.WithLogger(logger),
		gatekeeper.WithConfig(engCfg),
	)
	if err != nil {
		return err
	}

	ctx = gatekeeper.WithActor(ctx, cfg.Actor, "")
	a := &app{cfg: cfg, eng: eng, store: s, logger: logger, out: stdout}
	return cmd.run(ctx, a, rest[1:])
}

func usage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintln(w, "Usage: gatekeeper [global flags] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, name := range commandNames() {
		fmt.Fprintf(w, "  %-12s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global flags:")
	fmt.Fprint(w, fs.FlagUsages())
}
