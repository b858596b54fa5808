package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/everydev1618/devhost"
	"github.com/everydev1618/devhost/container"
	"github.com/everydev1618/devhost/stack"
)

// initCmd writes the default configuration and checks the engine.
func initCmd(args []string) error {
	fs := pflag.NewFlagSet("init", pflag.ContinueOnError)
	g := addGlobalFlags(fs)
	force := fs.Bool("force", false, "overwrite an existing config without asking")
	host := fs.String("engine-host", "", "container engine endpoint (default DOCKER_HOST or the local socket)")
	pathStyle := fs.String("path-style", string(container.PathStyleDesktop), "Windows path translation: desktop or wsl")
	if err := parseFlags(fs, args, `Usage: devhost init [options]

Write the default configuration to <home>/config.yaml and check that the
container engine is reachable.`); err != nil {
		return err
	}

	fmt.Println(`
  devhost setup
  ─────────────────────────────`)

	path := devhost.ConfigPath(g.home)
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Println("\n  Found existing configuration at", path)
		if !confirm("  Overwrite with defaults?") {
			fmt.Println("\n  Keeping existing configuration.")
			printNextSteps()
			return nil
		}
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := devhost.EnsureHome(g.home); err != nil {
		return fmt.Errorf("create %s: %w", g.home, err)
	}

	cfg := devhost.DefaultConfig(g.home)
	cfg.Engine.Host = *host
	cfg.Engine.PathStyle = *pathStyle
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := devhost.WriteConfig(cfg); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("\n  Configuration saved to %s\n\n", path)
	for _, t := range stack.Types() {
		fmt.Printf("    %-7s ports %-10s image %s\n", t, cfg.Ports[t], cfg.Images[t])
	}

	fmt.Print("\n  Checking container engine... ")
	eng, err := container.New(container.WithHost(cfg.Engine.Host))
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = eng.Ping(ctx)
		cancel()
		eng.Close()
	}
	if err != nil {
		fmt.Println("unreachable")
		fmt.Fprintf(os.Stderr, "  %v\n", err)
		fmt.Fprintln(os.Stderr, "  Start Docker and run 'devhost serve'; port commands work without it.")
	} else {
		fmt.Println("ok")
	}

	printNextSteps()
	return nil
}

func printNextSteps() {
	fmt.Print(`
  Next steps:
    devhost register <name> <dir> --type node   Register a project
    devhost start <name>                        Start its dev server
    devhost serve                               Run the daemon with metrics and health
`)
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		ans := strings.ToLower(strings.TrimSpace(scanner.Text()))
		return ans == "y" || ans == "yes"
	}
	return false
}
