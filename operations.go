package devhost

import (
	"context"
	"strings"

	"github.com/everydev1618/devhost/container"
	"github.com/everydev1618/devhost/errdefs"
	"github.com/everydev1618/devhost/lifecycle"
	"github.com/everydev1618/devhost/portreg"
	"github.com/everydev1618/devhost/project"
	"github.com/everydev1618/devhost/stack"
)

// AllocatePort reserves a port. portSpec is a number or "auto"; an empty
// projectID gets a generated one, returned in the allocation.
func (d *Daemon) AllocatePort(portSpec string, typ string, name, projectID string) (portreg.Allocation, error) {
	t, err := stack.Parse(typ)
	if err != nil {
		return portreg.Allocation{}, err
	}
	port, auto, err := portreg.ParsePortSpec(portSpec)
	if err != nil {
		return portreg.Allocation{}, err
	}
	if auto {
		return d.ports.AutoAllocate(t, name, projectID)
	}
	return d.ports.Allocate(port, t, name, projectID)
}

// ReleasePort frees a port. A non-empty projectID must match the owner.
func (d *Daemon) ReleasePort(port int, projectID string) error {
	return d.ports.Release(port, projectID)
}

// CheckPort reports whether port is free and who holds it otherwise.
func (d *Daemon) CheckPort(ctx context.Context, port int) (portreg.PortStatus, error) {
	return d.ports.Check(ctx, port)
}

// Ports returns all current allocations ordered by port.
func (d *Daemon) Ports() []portreg.Allocation {
	return d.ports.List()
}

// PortHistory returns the allocation audit trail, oldest first.
func (d *Daemon) PortHistory() []portreg.HistoryEntry {
	return d.ports.History()
}

// RegisterRequest describes a project to register. Port is a number, "auto"
// or empty.
type RegisterRequest struct {
	Name      string
	Workspace string
	Type      string
	Port      string
	Config    project.Config
}

// RegisterProject registers a project and reserves its port.
func (d *Daemon) RegisterProject(ctx context.Context, req RegisterRequest) (*project.Project, error) {
	port, _, err := portreg.ParsePortSpec(req.Port)
	if err != nil {
		return nil, err
	}
	return d.lifecycle.Register(ctx, lifecycle.RegisterRequest{
		Name:      req.Name,
		Workspace: req.Workspace,
		Type:      req.Type,
		Port:      port,
		Config:    req.Config,
	})
}

// Start starts the project's container and waits until it is running.
func (d *Daemon) Start(ctx context.Context, id string) (lifecycle.Result, error) {
	return d.lifecycle.Start(ctx, id)
}

// Stop stops and removes the project's container.
func (d *Daemon) Stop(ctx context.Context, id string, force bool) (lifecycle.Result, error) {
	return d.lifecycle.Stop(ctx, id, force)
}

// Restart replaces the project's container with a new one.
func (d *Daemon) Restart(ctx context.Context, id string) (lifecycle.Result, error) {
	return d.lifecycle.Restart(ctx, id)
}

// Status reports the engine-verified state of the project.
func (d *Daemon) Status(ctx context.Context, id string) (lifecycle.StatusReport, error) {
	return d.lifecycle.Status(ctx, id)
}

// RemoveProject deletes the project, its containers and its ports.
func (d *Daemon) RemoveProject(ctx context.Context, id string) error {
	return d.lifecycle.Remove(ctx, id)
}

// Projects returns all registered projects.
func (d *Daemon) Projects(ctx context.Context) ([]*project.Project, error) {
	return d.lifecycle.List(ctx)
}

// ListContainers returns the containers devhost manages.
func (d *Daemon) ListContainers(ctx context.Context) ([]container.Summary, error) {
	return d.engine.ListContainers(ctx)
}

// Logs returns the last tail lines of the project's container output.
func (d *Daemon) Logs(ctx context.Context, id string, tail int) (string, error) {
	return d.lifecycle.Logs(ctx, id, tail)
}

// Resolve maps a project id or name to the project id.
func (d *Daemon) Resolve(ctx context.Context, idOrName string) (string, error) {
	idOrName = strings.TrimSpace(idOrName)
	if p, err := d.lifecycle.Get(ctx, idOrName); err == nil {
		return p.ID, nil
	} else if !errdefs.Is(err, errdefs.NotFound) {
		return "", err
	}

	projects, err := d.lifecycle.List(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range projects {
		if p.Name == idOrName {
			return p.ID, nil
		}
	}
	return "", errdefs.New(errdefs.NotFound, "no project with id or name %q", idOrName)
}
