package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/pflag"

	"github.com/everydev1618/devhost"
	"github.com/everydev1618/devhost/lifecycle"
	"github.com/everydev1618/devhost/project"
)

func registerCmd(args []string) error {
	fs := pflag.NewFlagSet("register", pflag.ContinueOnError)
	g := addGlobalFlags(fs)
	typ := fs.StringP("type", "t", "", "project type: node, python, php, static (required)")
	port := fs.StringP("port", "p", "auto", "host port or \"auto\"")
	command := fs.String("command", "", "override the type's dev-server command")
	env := fs.StringToString("env", nil, "extra environment variables (KEY=VALUE,...)")
	autoRestart := fs.Bool("auto-restart", false, "restart the container when it exits")

	if err := parseFlags(fs, args, `Usage: devhost register <name> <workspace> --type <type> [options]

Register a project workspace and reserve its port.`); err != nil {
		return err
	}
	if err := requireArgs(fs, 2); err != nil {
		return err
	}

	workspace, err := filepath.Abs(fs.Arg(1))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	d, err := g.open(ctx, false)
	if err != nil {
		return err
	}
	defer d.Close()

	p, err := d.RegisterProject(ctx, devhost.RegisterRequest{
		Name:      fs.Arg(0),
		Workspace: workspace,
		Type:      *typ,
		Port:      *port,
		Config: project.Config{
			Command:     *command,
			Env:         *env,
			AutoRestart: *autoRestart,
		},
	})
	if err != nil {
		return err
	}
	return g.print(p, func() {
		fmt.Printf("Registered %s (%s) on port %d\n", p.Name, p.ID, p.Port)
	})
}

// lifecycleCmd runs a lifecycle operation on the project named by the
// first argument.
func lifecycleCmd(name string, args []string, usage string, extra func(*pflag.FlagSet), run func(ctx context.Context, d *devhost.Daemon, id string) (lifecycle.Result, error)) error {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	g := addGlobalFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := parseFlags(fs, args, usage); err != nil {
		return err
	}
	if err := requireArgs(fs, 1); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	d, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer d.Close()

	id, err := d.Resolve(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	res, err := run(ctx, d, id)
	if err != nil {
		return err
	}
	return g.print(res, func() {
		fmt.Printf("%s %s\n", fs.Arg(0), res.Status)
		if res.AccessURL != "" {
			fmt.Printf("  %s\n", res.AccessURL)
		}
	})
}

func startCmd(args []string) error {
	return lifecycleCmd("start", args, `Usage: devhost start <project>

Start the project's container and wait until it is running.`, nil,
		func(ctx context.Context, d *devhost.Daemon, id string) (lifecycle.Result, error) {
			return d.Start(ctx, id)
		})
}

func stopCmd(args []string) error {
	var force bool
	return lifecycleCmd("stop", args, `Usage: devhost stop <project> [--force]

Stop and remove the project's container.`,
		func(fs *pflag.FlagSet) {
			fs.BoolVarP(&force, "force", "f", false, "remove without a graceful stop")
		},
		func(ctx context.Context, d *devhost.Daemon, id string) (lifecycle.Result, error) {
			return d.Stop(ctx, id, force)
		})
}

func restartCmd(args []string) error {
	return lifecycleCmd("restart", args, `Usage: devhost restart <project>

Replace the project's container with a new one.`, nil,
		func(ctx context.Context, d *devhost.Daemon, id string) (lifecycle.Result, error) {
			return d.Restart(ctx, id)
		})
}

func statusCmd(args []string) error {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	g := addGlobalFlags(fs)
	if err := parseFlags(fs, args, `Usage: devhost status <project>

Show the engine-verified status of a project.`); err != nil {
		return err
	}
	if err := requireArgs(fs, 1); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	d, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer d.Close()

	id, err := d.Resolve(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	st, err := d.Status(ctx, id)
	if err != nil {
		return err
	}
	return g.print(st, func() {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Project:\t%s (%s)\n", st.Name, st.ProjectID)
		fmt.Fprintf(w, "Type:\t%s\n", st.Type)
		fmt.Fprintf(w, "Status:\t%s\n", st.Status)
		fmt.Fprintf(w, "Port:\t%d\n", st.Port)
		if st.ContainerID != "" {
			fmt.Fprintf(w, "Container:\t%s (%s)\n", short(st.ContainerID), st.State)
		}
		if st.Running {
			fmt.Fprintf(w, "URL:\t%s\n", st.AccessURL)
			fmt.Fprintf(w, "Uptime:\t%s\n", units.HumanDuration(st.Uptime))
		}
		if st.Stats != nil {
			fmt.Fprintf(w, "CPU:\t%.1f%%\n", st.Stats.CPUPercent)
			fmt.Fprintf(w, "Memory:\t%s / %s (%.1f%%)\n",
				units.BytesSize(float64(st.Stats.MemoryUsage)),
				units.BytesSize(float64(st.Stats.MemoryLimit)),
				st.Stats.MemoryPercent)
		}
		if st.LastError != "" {
			fmt.Fprintf(w, "Last error:\t%s\n", st.LastError)
		}
		if st.Busy {
			fmt.Fprintf(w, "Busy:\tan operation is in progress\n")
		}
		m := st.Metrics
		fmt.Fprintf(w, "Starts:\t%d (avg %s)\n", m.StartCount, m.AvgStartTime.Round(time.Millisecond))
		fmt.Fprintf(w, "Stops:\t%d (avg %s)\n", m.StopCount, m.AvgStopTime.Round(time.Millisecond))
		fmt.Fprintf(w, "Restarts:\t%d\n", m.RestartCount)
		w.Flush()
	})
}

func psCmd(args []string) error {
	fs := pflag.NewFlagSet("ps", pflag.ContinueOnError)
	g := addGlobalFlags(fs)
	if err := parseFlags(fs, args, `Usage: devhost ps

List the containers devhost manages.`); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	d, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer d.Close()

	containers, err := d.ListContainers(ctx)
	if err != nil {
		return err
	}
	return g.print(containers, func() {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CONTAINER\tPROJECT\tTYPE\tPORT\tSTATE\tCREATED")
		for _, c := range containers {
			name := c.ProjectName
			if name == "" {
				name = c.ProjectID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s ago\n",
				short(c.ID), name, c.Type, c.Port, c.State, units.HumanDuration(time.Since(c.Created)))
		}
		w.Flush()
	})
}

func projectsCmd(args []string) error {
	fs := pflag.NewFlagSet("projects", pflag.ContinueOnError)
	g := addGlobalFlags(fs)
	if err := parseFlags(fs, args, `Usage: devhost projects

List registered projects.`); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	d, err := g.open(ctx, false)
	if err != nil {
		return err
	}
	defer d.Close()

	projects, err := d.Projects(ctx)
	if err != nil {
		return err
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return g.print(projects, func() {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tID\tTYPE\tPORT\tSTATUS\tWORKSPACE")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", p.Name, p.ID, p.Type, p.Port, p.Status, p.Workspace)
		}
		w.Flush()
	})
}

func rmCmd(args []string) error {
	fs := pflag.NewFlagSet("rm", pflag.ContinueOnError)
	g := addGlobalFlags(fs)
	if err := parseFlags(fs, args, `Usage: devhost rm <project>

Remove a project, its containers and its ports.`); err != nil {
		return err
	}
	if err := requireArgs(fs, 1); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	d, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer d.Close()

	id, err := d.Resolve(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if err := d.RemoveProject(ctx, id); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", fs.Arg(0))
	return nil
}

func logsCmd(args []string) error {
	fs := pflag.NewFlagSet("logs", pflag.ContinueOnError)
	g := addGlobalFlags(fs)
	tail := fs.IntP("tail", "n", 100, "number of lines from the end")
	if err := parseFlags(fs, args, `Usage: devhost logs <project> [--tail N]

Print the project's container output.`); err != nil {
		return err
	}
	if err := requireArgs(fs, 1); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	d, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer d.Close()

	id, err := d.Resolve(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	out, err := d.Logs(ctx, id, *tail)
	if err != nil {
		return err
	}
	fmt.Print(out)
	if out != "" && !strings.HasSuffix(out, "\n") {
		fmt.Println()
	}
	return nil
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
