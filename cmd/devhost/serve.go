package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/everydev1618/devhost"
	"github.com/everydev1618/devhost/serve"
)

// serveCmd runs the daemon with the admin server until interrupted.
func serveCmd(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	g := addGlobalFlags(fs)
	addr := fs.String("addr", "", "admin listen address (default from config)")
	stopOnExit := fs.Bool("stop-on-exit", false, "stop running projects on shutdown")
	workers := fs.Int("stop-workers", serve.DefaultStopWorkers, "concurrent stops on shutdown")

	if err := parseFlags(fs, args, `Usage: devhost serve [options]

Connect to the container engine, reconcile project state and serve
/metrics, /live, /ready and /api/stats until interrupted.

Examples:
  devhost serve
  devhost serve --addr 127.0.0.1:2610 --stop-on-exit`); err != nil {
		return err
	}

	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Serve.Addr = *addr
	}
	if fs.Changed("stop-on-exit") {
		cfg.Serve.StopOnExit = *stopOnExit
	}

	d, err := devhost.New(cfg, devhost.WithLogger(logger))
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := signalContext()
	defer cancel()

	// Port operations work without the engine; keep serving and let /ready
	// report the outage.
	if err := d.Initialize(ctx); err != nil {
		logger.Warn("engine initialization failed", "error", err)
	}

	fmt.Printf("Metrics: http://%s/metrics\n", cfg.Serve.Addr)
	fmt.Printf("Health:  http://%s/ready\n", cfg.Serve.Addr)

	srv := serve.New(d, serve.Config{
		Addr:        cfg.Serve.Addr,
		StopOnExit:  cfg.Serve.StopOnExit,
		StopWorkers: *workers,
	}, logger)
	return srv.Start(ctx)
}
