// Package main provides the devhost CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/everydev1618/devhost"
	"github.com/everydev1618/devhost/errdefs"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "serve":
		err = serveCmd(args)
	case "init":
		err = initCmd(args)
	case "register":
		err = registerCmd(args)
	case "start":
		err = startCmd(args)
	case "stop":
		err = stopCmd(args)
	case "restart":
		err = restartCmd(args)
	case "status":
		err = statusCmd(args)
	case "ps":
		err = psCmd(args)
	case "projects":
		err = projectsCmd(args)
	case "rm":
		err = rmCmd(args)
	case "logs":
		err = logsCmd(args)
	case "port":
		err = portCmd(args)
	case "reset":
		err = resetCmd(args)
	case "version":
		fmt.Printf("devhost %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		printError(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func printUsage() {
	fmt.Println(`devhost - containerized development servers without port collisions

Usage:
  devhost <command> [options]

Commands:
  serve     Run the daemon with the admin server (metrics, health)
  init      Write the default configuration to the home directory
  register  Register a project workspace and reserve its port
  start     Start a project's container
  stop      Stop a project's container
  restart   Replace a project's container with a new one
  status    Show engine-verified project status
  ps        List managed containers
  projects  List registered projects
  rm        Remove a project, its containers and its ports
  logs      Print a project's container output
  port      Allocate, release, check and list ports
  reset     Delete all devhost state
  version   Print version information
  help      Show this help message

Examples:
  devhost register web ~/src/web --type node
  devhost start web
  devhost port check 3000

Run 'devhost <command> --help' for more information on a command.`)
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	home     string
	logLevel string
	logJSON  bool
	json     bool
}

func addGlobalFlags(fs *pflag.FlagSet) *globalFlags {
	g := &globalFlags{}
	fs.StringVar(&g.home, "home", devhost.Home(), "state directory (env DEVHOST_HOME)")
	fs.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)")
	fs.BoolVar(&g.logJSON, "log-json", false, "write logs as JSON")
	fs.BoolVar(&g.json, "json", false, "print results as JSON")
	return g
}

// load reads the configuration and builds the logger.
func (g *globalFlags) load() (devhost.Config, *slog.Logger, error) {
	cfg, err := devhost.LoadConfig(g.home)
	if err != nil {
		return cfg, nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	level, err := devhost.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, newLogger(os.Stderr, level, g.logJSON), nil
}

func newLogger(w io.Writer, level slog.Level, asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// open creates the daemon. With engine set it also connects to the engine,
// which lifecycle commands need. Orphan cleanup and reconciliation are left
// to serve so a command never disturbs another process's operation.
func (g *globalFlags) open(ctx context.Context, engine bool) (*devhost.Daemon, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, err
	}
	d, err := devhost.New(cfg, devhost.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if engine {
		if err := d.Connect(ctx); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

// print writes v as JSON when --json is set and calls text otherwise.
func (g *globalFlags) print(v any, text func()) error {
	if !g.json {
		text()
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseFlags(fs *pflag.FlagSet, args []string, usage string) error {
	fs.Usage = func() {
		fmt.Println(usage)
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	return fs.Parse(args)
}

func requireArgs(fs *pflag.FlagSet, n int) error {
	if fs.NArg() < n {
		fs.Usage()
		return errdefs.New(errdefs.InvalidConfig, "expected %d argument(s), got %d", n, fs.NArg())
	}
	return nil
}

// printError writes err with its code, owner and suggestions.
func printError(w io.Writer, err error) {
	code := errdefs.CodeOf(err)
	fmt.Fprintf(w, "Error [%s]: %v\n", code, err)
	owner, suggestions := errdefs.Details(err)
	if owner != nil {
		name := owner.ProjectName
		if name == "" {
			name = owner.ProjectID
		}
		fmt.Fprintf(w, "  held by: %s (%s)\n", name, owner.ProjectID)
	}
	if len(suggestions) > 0 {
		fmt.Fprintf(w, "  try instead: %v\n", suggestions)
	}
}

// exitCode maps error classes to process exit codes.
func exitCode(err error) int {
	switch errdefs.CodeOf(err).Class() {
	case errdefs.ClassValidation:
		return 2
	case errdefs.ClassConflict:
		return 3
	case errdefs.ClassNotFound:
		return 4
	case errdefs.ClassEnvironment:
		return 5
	}
	return 1
}
