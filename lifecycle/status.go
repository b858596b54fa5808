package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/everydev1618/devhost/container"
	"github.com/everydev1618/devhost/errdefs"
	"github.com/everydev1618/devhost/project"
	"github.com/everydev1618/devhost/stack"
)

// StatusReport is the engine-verified state of a project.
type StatusReport struct {
	ProjectID   string           `json:"projectId"`
	Name        string           `json:"name"`
	Type        stack.Type       `json:"type"`
	Status      project.Status   `json:"status"`
	Running     bool             `json:"isRunning"`
	ContainerID string           `json:"containerId,omitempty"`
	State       string           `json:"state,omitempty"`
	Port        int              `json:"port"`
	AccessURL   string           `json:"accessUrl,omitempty"`
	Uptime      time.Duration    `json:"uptime"`
	Stats       *container.Stats `json:"stats,omitempty"`
	LastError   string           `json:"lastError,omitempty"`
	Metrics     project.Metrics  `json:"metrics"`
	Busy        bool             `json:"busy,omitempty"`
}

// Status re-queries the engine rather than trusting the stored status. A
// RUNNING record the engine contradicts is moved to ERROR unless an
// operation is in flight.
func (m *Manager) Status(ctx context.Context, id string) (StatusReport, error) {
	p, err := m.store.Get(ctx, id)
	if err != nil {
		return StatusReport{}, err
	}

	report := StatusReport{
		ProjectID:   p.ID,
		Name:        p.Name,
		Type:        p.Type,
		Status:      p.Status,
		ContainerID: p.ContainerID,
		Port:        p.Port,
		LastError:   p.LastError,
		Metrics:     p.Metrics,
		Busy:        m.Busy(id),
	}
	if p.ContainerID == "" {
		return report, nil
	}

	info, err := m.engine.ContainerInfo(ctx, p.ContainerID)
	if err != nil && !errdefs.Is(err, errdefs.NotFound) {
		return StatusReport{}, errdefs.Wrap(err, errdefs.EngineError, "status", id)
	}
	if err == nil {
		report.State = info.State
		report.Running = info.Running
		report.Stats = info.Stats
	}

	now := m.now()
	if report.Running {
		report.AccessURL = m.AccessURL(p.Port)
		if !info.StartedAt.IsZero() && now.After(info.StartedAt) {
			report.Uptime = now.Sub(info.StartedAt)
		} else {
			report.Uptime = uptime(p, now)
		}
		return report, nil
	}

	if p.Status == project.StatusRunning && !report.Busy {
		reason := "container no longer exists"
		if err == nil {
			reason = fmt.Sprintf("container %s (exit code %d)", info.State, info.ExitCode)
		}
		if rerr := m.markLost(ctx, id, reason); rerr != nil {
			m.logger.Warn("reconcile status", "project", id, "error", rerr)
		} else {
			report.Status = project.StatusError
			report.ContainerID = ""
			report.LastError = reason
		}
	}
	return report, nil
}

// markLost moves a RUNNING project whose container stopped behind the
// manager's back to ERROR and removes what is left of the container.
func (m *Manager) markLost(ctx context.Context, id, reason string) error {
	release, err := m.acquire(id, "reconcile")
	if err != nil {
		return err
	}
	defer release()

	p, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != project.StatusRunning || p.ContainerID == "" {
		return nil
	}

	if err := m.engine.RemoveContainer(ctx, p.ContainerID, true); err != nil {
		m.logger.Warn("remove lost container", "project", id, "container", shortID(p.ContainerID), "error", err)
	}
	p.Metrics.TotalUptime += uptime(p, m.now())
	p.Status = project.StatusError
	p.ContainerID = ""
	p.LastError = reason
	if err := m.save(ctx, p); err != nil {
		return err
	}

	m.logger.Warn("project container lost", "project", id, "reason", reason)
	ev := eventFor(EventReconciled, p)
	ev.Err = errdefs.New(errdefs.ContainerExited, "%s", reason)
	m.emit(ev)
	return nil
}

// Reconcile re-derives the status of every project from the engine. It is
// meant to run once at startup, before any operation, so that projects left
// in a transitional state by a crash become consistent again. It returns
// the number of projects whose record changed.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	projects, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, p := range projects {
		if p.Status != project.StatusRunning && !p.Status.Transitional() {
			continue
		}
		ok, err := m.reconcileOne(ctx, p.ID)
		if err != nil {
			if errdefs.Is(err, errdefs.EngineUnavailable) {
				return changed, err
			}
			if errdefs.Is(err, errdefs.OperationInFlight) {
				m.logger.Debug("project busy, not reconciled", "project", p.ID)
				continue
			}
			m.logger.Warn("reconcile project", "project", p.ID, "error", err)
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

func (m *Manager) reconcileOne(ctx context.Context, id string) (bool, error) {
	release, err := m.acquire(id, "reconcile")
	if err != nil {
		return false, err
	}
	defer release()

	p, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	before := p.Status

	running := false
	if p.ContainerID != "" {
		info, err := m.engine.Inspect(ctx, p.ContainerID)
		switch {
		case err == nil:
			running = info.Running
		case errdefs.Is(err, errdefs.NotFound):
		default:
			return false, err
		}
	}

	switch {
	case running && p.Status != project.StatusStopping:
		if p.Status == project.StatusRunning {
			return false, nil
		}
		p.Status = project.StatusRunning
		if p.LastStarted.IsZero() {
			p.LastStarted = m.now()
		}
	default:
		if p.ContainerID != "" {
			if err := m.engine.RemoveContainer(ctx, p.ContainerID, true); err != nil {
				return false, err
			}
		}
		p.ContainerID = ""
		if before == project.StatusStopping {
			p.Status = project.StatusStopped
			p.LastStopped = m.now()
		} else {
			p.Status = project.StatusError
			p.LastError = fmt.Sprintf("container not running after interrupted %s", transitionName(before))
		}
	}

	if err := m.save(ctx, p); err != nil {
		return false, err
	}
	m.logger.Info("project reconciled", "project", id, "from", before, "to", p.Status)
	m.emit(eventFor(EventReconciled, p))
	return true, nil
}

func transitionName(s project.Status) string {
	switch s {
	case project.StatusStarting:
		return "start"
	case project.StatusRestarting:
		return "restart"
	case project.StatusRunning:
		return "run"
	}
	return "operation"
}
