// Package devhost runs local development projects in isolated containers.
//
// A Daemon ties together three parts:
//
//   - a persistent port registry that hands out conflict-free host ports per
//     project type (package portreg)
//   - a Docker engine client that creates labeled containers on a private
//     bridge network (package container)
//   - a lifecycle manager that drives each project through
//     register, start, stop, restart and remove (package lifecycle)
//
// # Quick Start
//
//	cfg, err := devhost.LoadConfig(devhost.Home())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	d, err := devhost.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Close()
//
//	if err := d.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	p, err := d.RegisterProject(ctx, devhost.RegisterRequest{
//	    Name:      "web",
//	    Workspace: "/home/me/src/web",
//	    Type:      "node",
//	    Port:      "auto",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := d.Start(ctx, p.ID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.AccessURL)
//
// # Errors
//
// Every failure carries an errdefs.Code. Port conflicts also name the owning
// project and suggest free alternatives:
//
//	var e *errdefs.Error
//	if errors.As(err, &e) && e.Code == errdefs.PortInUse {
//	    fmt.Println(e.Owner.ProjectName, e.Suggestions)
//	}
//
// # State
//
// All state lives under the home directory (DEVHOST_HOME, default
// ~/.devhost): config.yaml, ports.json and devhost.db.
package devhost
