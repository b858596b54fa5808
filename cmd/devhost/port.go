package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/everydev1618/devhost/errdefs"
)

const portUsage = `Usage: devhost port <command> [options]

Commands:
  allocate <port|auto> --type <type> [--name N] [--project ID]
  release <port> [--project ID]
  check <port>
  list
  history`

func portCmd(args []string) error {
	if len(args) < 1 {
		fmt.Println(portUsage)
		return errdefs.New(errdefs.InvalidConfig, "missing port command")
	}
	sub, args := args[0], args[1:]

	fs := pflag.NewFlagSet("port "+sub, pflag.ContinueOnError)
	g := addGlobalFlags(fs)
	typ := fs.StringP("type", "t", "", "project type (allocate)")
	name := fs.String("name", "", "project name (allocate)")
	projectID := fs.String("project", "", "owning project id")
	if err := parseFlags(fs, args, portUsage); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	d, err := g.open(ctx, false)
	if err != nil {
		return err
	}
	defer d.Close()

	switch sub {
	case "allocate":
		if err := requireArgs(fs, 1); err != nil {
			return err
		}
		a, err := d.AllocatePort(fs.Arg(0), *typ, *name, *projectID)
		if err != nil {
			return err
		}
		return g.print(a, func() {
			fmt.Printf("Allocated port %d to %s\n", a.Port, a.ProjectID)
		})

	case "release":
		if err := requireArgs(fs, 1); err != nil {
			return err
		}
		port, err := strconv.Atoi(fs.Arg(0))
		if err != nil {
			return errdefs.New(errdefs.InvalidPort, "invalid port %q", fs.Arg(0))
		}
		if err := d.ReleasePort(port, *projectID); err != nil {
			return err
		}
		fmt.Printf("Released port %d\n", port)
		return nil

	case "check":
		if err := requireArgs(fs, 1); err != nil {
			return err
		}
		port, err := strconv.Atoi(fs.Arg(0))
		if err != nil {
			return errdefs.New(errdefs.InvalidPort, "invalid port %q", fs.Arg(0))
		}
		st, err := d.CheckPort(ctx, port)
		if err != nil {
			return err
		}
		return g.print(st, func() {
			switch {
			case st.Available:
				fmt.Printf("Port %d is available", port)
				if st.Type != "" {
					fmt.Printf(" (%s range)", st.Type)
				}
				fmt.Println()
			case st.Reserved:
				fmt.Printf("Port %d is in the system reserved band\n", port)
			case st.Owner != nil:
				fmt.Printf("Port %d is allocated to %s (%s)\n", port, st.Owner.ProjectName, st.Owner.ProjectID)
			case st.External != nil:
				fmt.Printf("Port %d is in use by %s\n", port, st.External)
			default:
				fmt.Printf("Port %d is in use outside devhost\n", port)
			}
		})

	case "list":
		allocs := d.Ports()
		return g.print(allocs, func() {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tTYPE\tPROJECT\tID\tALLOCATED")
			for _, a := range allocs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", a.Port, a.Type, a.ProjectName, a.ProjectID, a.AllocatedAt.Format(time.RFC3339))
			}
			w.Flush()
		})

	case "history":
		history := d.PortHistory()
		return g.print(history, func() {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACTION\tPORT\tPROJECT")
			for _, h := range history {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", h.Timestamp.Format(time.RFC3339), h.Action, h.Port, h.ProjectID)
			}
			w.Flush()
		})
	}

	fmt.Println(portUsage)
	return errdefs.New(errdefs.InvalidConfig, "unknown port command %q", sub)
}
