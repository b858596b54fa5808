package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/everydev1618/devhost/container"
	"github.com/everydev1618/devhost/errdefs"
	"github.com/everydev1618/devhost/project"
)

var errNotReady = errors.New("container not running yet")

// Start creates and starts the project's container and waits until the
// engine reports it running. Starting a running project is a no-op.
func (m *Manager) Start(ctx context.Context, id string) (Result, error) {
	began := m.now()
	res, err := m.start(ctx, id)
	m.metrics.observe("start", err, m.now().Sub(began))
	return res, err
}

func (m *Manager) start(ctx context.Context, id string) (Result, error) {
	p, err := m.store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	release, err := m.acquire(id, "start")
	if err != nil {
		return Result{}, err
	}
	defer release()

	// Re-read under the lock; the record may have changed since.
	if p, err = m.store.Get(ctx, id); err != nil {
		return Result{}, err
	}

	if p.Status == project.StatusRunning && p.ContainerID != "" {
		info, err := m.engine.Inspect(ctx, p.ContainerID)
		if err == nil && info.Running {
			return m.result(p), nil
		}
		if err != nil && !errdefs.Is(err, errdefs.NotFound) {
			return Result{}, errdefs.Wrap(err, errdefs.EngineError, "start", id)
		}
		m.logger.Warn("recorded container is gone, recreating", "project", id, "container", p.ContainerID)
		p.ContainerID = ""
	}

	began := m.now()
	if err := m.startLocked(ctx, p, "start"); err != nil {
		return Result{}, err
	}

	ev := eventFor(EventStarted, p)
	ev.Duration = m.now().Sub(began)
	m.emit(ev)
	return m.result(p), nil
}

// Restart stops the project's container, if any, and starts a new one
// under a single held lock. The new container always has a new id.
func (m *Manager) Restart(ctx context.Context, id string) (Result, error) {
	began := m.now()
	res, err := m.restart(ctx, id)
	m.metrics.observe("restart", err, m.now().Sub(began))
	return res, err
}

func (m *Manager) restart(ctx context.Context, id string) (Result, error) {
	if _, err := m.store.Get(ctx, id); err != nil {
		return Result{}, err
	}
	release, err := m.acquire(id, "restart")
	if err != nil {
		return Result{}, err
	}
	defer release()

	p, err := m.store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}

	began := m.now()
	previous := p.ContainerID
	if err := m.stopLocked(ctx, p, false, project.StatusRestarting, "restart"); err != nil {
		return Result{}, err
	}
	p.Metrics.RestartCount++
	if err := m.startLocked(ctx, p, "restart"); err != nil {
		return Result{}, err
	}

	m.logger.Info("project restarted", "project", id, "old_container", shortID(previous), "container", shortID(p.ContainerID))
	ev := eventFor(EventRestarted, p)
	ev.Duration = m.now().Sub(began)
	m.emit(ev)
	return m.result(p), nil
}

// startLocked runs the start transition for p. The caller holds the lock.
// On failure the project is left in ERROR with no container.
func (m *Manager) startLocked(ctx context.Context, p *project.Project, op string) error {
	began := m.now()

	port, err := m.resolvePort(p)
	if err != nil {
		return m.fail(ctx, p, op, err)
	}
	p.Port = port
	p.Status = project.StatusStarting
	p.LastError = ""
	if err := m.save(ctx, p); err != nil {
		return errdefs.Wrap(err, errdefs.Internal, op, p.ID)
	}

	if err := m.removeStale(ctx, p.ID); err != nil {
		return m.fail(ctx, p, op, err)
	}

	h, err := m.engine.CreateContainer(ctx, container.Spec{
		ProjectID:   p.ID,
		ProjectName: p.Name,
		Type:        p.Type,
		Workspace:   p.Workspace,
		Port:        p.Port,
		Command:     p.Config.Command,
		Env:         p.Config.Env,
		AutoRestart: p.Config.AutoRestart,
	})
	if err != nil {
		return m.fail(ctx, p, op, err)
	}
	p.ContainerID = h.ID
	if err := m.save(ctx, p); err != nil {
		m.rollback(ctx, p.ID, h.ID)
		p.ContainerID = ""
		return m.fail(ctx, p, op, err)
	}

	if err := m.engine.StartContainer(ctx, h.ID); err != nil {
		m.rollback(ctx, p.ID, h.ID)
		p.ContainerID = ""
		return m.fail(ctx, p, op, err)
	}

	if err := m.waitReady(ctx, p.ID, h.ID); err != nil {
		m.rollback(ctx, p.ID, h.ID)
		p.ContainerID = ""
		return m.fail(ctx, p, op, err)
	}

	now := m.now()
	p.Status = project.StatusRunning
	p.LastStarted = now
	p.Metrics.StartCount++
	p.Metrics.AvgStartTime = project.RollingAverage(p.Metrics.AvgStartTime, now.Sub(began), p.Metrics.StartCount)
	if err := m.save(ctx, p); err != nil {
		return errdefs.Wrap(err, errdefs.Internal, op, p.ID)
	}

	m.logger.Info("project running", "project", p.ID, "container", shortID(h.ID), "port", p.Port, "duration", now.Sub(began))
	return nil
}

// resolvePort returns the port the project should bind: the allocation it
// still owns, else its previous port re-allocated, else a fresh one.
func (m *Manager) resolvePort(p *project.Project) (int, error) {
	owned := m.ports.ByProject(p.ID)
	for _, a := range owned {
		if a.Port == p.Port {
			return a.Port, nil
		}
	}
	if len(owned) > 0 {
		return owned[0].Port, nil
	}

	if p.Port > 0 {
		a, err := m.ports.Allocate(p.Port, p.Type, p.Name, p.ID)
		if err == nil {
			return a.Port, nil
		}
		if errdefs.CodeOf(err).Class() != errdefs.ClassConflict && errdefs.CodeOf(err).Class() != errdefs.ClassValidation {
			return 0, err
		}
		m.logger.Warn("previous port unavailable, allocating a new one", "project", p.ID, "port", p.Port, "error", err)
	}
	a, err := m.ports.AutoAllocate(p.Type, p.Name, p.ID)
	if err != nil {
		return 0, err
	}
	return a.Port, nil
}

// removeStale removes labeled containers of the project that no record
// points at, e.g. left by a crash between create and save.
func (m *Manager) removeStale(ctx context.Context, projectID string) error {
	stale, err := m.engine.FindByProject(ctx, projectID)
	if err != nil {
		return err
	}
	for _, c := range stale {
		m.logger.Info("removing stale container", "project", projectID, "container", shortID(c.ID), "state", c.State)
		if err := m.engine.RemoveContainer(ctx, c.ID, true); err != nil {
			return err
		}
	}
	return nil
}

// waitReady polls the engine until the container runs, exits, or the
// startup timeout elapses.
func (m *Manager) waitReady(ctx context.Context, projectID, containerID string) error {
	pollCtx, cancel := context.WithTimeout(ctx, m.startupTimeout)
	defer cancel()

	policy := backoff.WithContext(backoff.NewConstantBackOff(m.pollInterval), pollCtx)
	err := backoff.Retry(func() error {
		info, err := m.engine.Inspect(pollCtx, containerID)
		if err != nil {
			if errdefs.Is(err, errdefs.NotFound) {
				return backoff.Permanent(&errdefs.Error{
					Code:    errdefs.ContainerExited,
					Message: "container disappeared during startup",
					Err:     err,
				})
			}
			m.logger.Debug("readiness poll failed", "project", projectID, "error", err)
			return err
		}
		if info.Running {
			return nil
		}
		switch info.State {
		case "exited", "dead":
			msg := fmt.Sprintf("container exited with code %d during startup", info.ExitCode)
			if info.Error != "" {
				msg += ": " + info.Error
			}
			return backoff.Permanent(&errdefs.Error{Code: errdefs.ContainerExited, Message: msg})
		}
		return errNotReady
	}, policy)

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || pollCtx.Err() != nil:
		return &errdefs.Error{
			Code:    errdefs.ReadinessTimeout,
			Message: fmt.Sprintf("container not running after %s", m.startupTimeout),
		}
	}
	return err
}

// rollback stops and removes a half-started container. Failures are logged;
// the original error is what the caller reports.
func (m *Manager) rollback(ctx context.Context, projectID, containerID string) {
	cctx, cancel := detached(ctx)
	defer cancel()

	if err := m.engine.StopContainer(cctx, containerID, 0); err != nil {
		m.logger.Warn("rollback stop failed", "project", projectID, "container", shortID(containerID), "error", err)
	}
	if err := m.engine.RemoveContainer(cctx, containerID, true); err != nil {
		m.logger.Warn("rollback remove failed", "project", projectID, "container", shortID(containerID), "error", err)
		return
	}
	m.logger.Info("rolled back container", "project", projectID, "container", shortID(containerID))
}

// fail moves p to ERROR, records the cause and returns it wrapped with the
// operation context.
func (m *Manager) fail(ctx context.Context, p *project.Project, op string, cause error) error {
	p.Status = project.StatusError
	p.ContainerID = ""
	p.LastError = cause.Error()

	cctx, cancel := detached(ctx)
	defer cancel()
	if err := m.save(cctx, p); err != nil {
		m.logger.Error("persist failed project", "project", p.ID, "error", err)
	}

	err := errdefs.Wrap(cause, errdefs.Internal, op, p.ID)
	m.logger.Error("lifecycle operation failed", "project", p.ID, "op", op, "code", errdefs.CodeOf(err), "error", cause)

	ev := eventFor(EventFailed, p)
	ev.Err = err
	m.emit(ev)
	return err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// uptime returns how long p has been running as of now.
func uptime(p *project.Project, now time.Time) time.Duration {
	if p.LastStarted.IsZero() {
		return 0
	}
	if d := now.Sub(p.LastStarted); d > 0 {
		return d
	}
	return 0
}
