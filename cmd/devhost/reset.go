package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/everydev1618/devhost"
)

// resetCmd stops every project and deletes all devhost state.
func resetCmd(args []string) error {
	fs := pflag.NewFlagSet("reset", pflag.ContinueOnError)
	g := addGlobalFlags(fs)
	yes := fs.BoolP("yes", "y", false, "skip the confirmation prompt")
	keepConfig := fs.Bool("keep-config", false, "keep config.yaml")
	if err := parseFlags(fs, args, `Usage: devhost reset [options]

Reset devhost to a fresh state. This removes every project's container and
deletes:
  - all registered projects (devhost.db)
  - all port allocations and their history (ports.json)
  - the configuration (config.yaml) unless --keep-config is given

Examples:
  devhost reset
  devhost reset --yes --keep-config`); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	d, err := g.open(ctx, false)
	if err != nil {
		return err
	}

	projects, err := d.Projects(ctx)
	if err != nil {
		d.Close()
		return err
	}
	allocs := d.Ports()

	fmt.Println("The following data will be deleted:")
	fmt.Println()
	fmt.Printf("  %-18s %d\n", "Projects", len(projects))
	fmt.Printf("  %-18s %d\n", "Port allocations", len(allocs))
	fmt.Printf("  %-18s %d\n", "History entries", len(d.PortHistory()))
	fmt.Println()
	fmt.Printf("  Home: %s\n", g.home)
	fmt.Println()

	if !*yes && !confirm("Are you sure you want to delete all of the above?") {
		d.Close()
		fmt.Println("Aborted.")
		return nil
	}

	// Containers go first so nothing keeps running with a dangling port.
	if len(projects) > 0 {
		if err := d.Connect(ctx); err != nil {
			d.Close()
			return fmt.Errorf("containers were not removed: %w", err)
		}
		for _, p := range projects {
			if err := d.RemoveProject(ctx, p.ID); err != nil {
				fmt.Fprintf(os.Stderr, "  Error removing %s: %v\n", p.Name, err)
				continue
			}
			fmt.Printf("  Removed %s\n", p.Name)
		}
	}
	d.Close()

	files := []string{
		devhost.DBPath(g.home),
		devhost.DBPath(g.home) + "-wal",
		devhost.DBPath(g.home) + "-shm",
		devhost.PortsPath(g.home),
		devhost.PortsPath(g.home) + ".lock",
	}
	if !*keepConfig {
		files = append(files, devhost.ConfigPath(g.home))
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "  Error removing %s: %v\n", f, err)
			continue
		}
	}
	if err := os.RemoveAll(devhost.LocksPath(g.home)); err != nil {
		fmt.Fprintf(os.Stderr, "  Error removing %s: %v\n", devhost.LocksPath(g.home), err)
	}
	fmt.Printf("  Cleared %s\n", filepath.Clean(g.home))

	fmt.Println()
	fmt.Println("Reset complete. devhost is fresh.")
	return nil
}
