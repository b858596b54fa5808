package lifecycle

import (
	"context"

	"github.com/everydev1618/devhost/errdefs"
	"github.com/everydev1618/devhost/project"
)

// Stop stops and removes the project's container. With force the container
// is removed without the graceful stop. Stopping a project without a
// container succeeds and leaves it STOPPED.
func (m *Manager) Stop(ctx context.Context, id string, force bool) (Result, error) {
	began := m.now()
	res, err := m.stop(ctx, id, force)
	m.metrics.observe("stop", err, m.now().Sub(began))
	return res, err
}

func (m *Manager) stop(ctx context.Context, id string, force bool) (Result, error) {
	if _, err := m.store.Get(ctx, id); err != nil {
		return Result{}, err
	}
	release, err := m.acquire(id, "stop")
	if err != nil {
		return Result{}, err
	}
	defer release()

	p, err := m.store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}

	began := m.now()
	hadContainer := p.ContainerID != ""
	if err := m.stopLocked(ctx, p, force, project.StatusStopped, "stop"); err != nil {
		return Result{}, err
	}

	if hadContainer {
		ev := eventFor(EventStopped, p)
		ev.Duration = m.now().Sub(began)
		m.emit(ev)
	}
	return m.result(p), nil
}

// stopLocked runs the stop transition for p and leaves it in final. The
// caller holds the lock.
func (m *Manager) stopLocked(ctx context.Context, p *project.Project, force bool, final project.Status, op string) error {
	if p.ContainerID == "" {
		// Nothing recorded; still sweep containers a crash may have left.
		if err := m.removeStale(ctx, p.ID); err != nil {
			m.logger.Warn("sweep stale containers", "project", p.ID, "error", err)
		}
		if p.Status != final {
			p.Status = final
			if err := m.save(ctx, p); err != nil {
				return errdefs.Wrap(err, errdefs.Internal, op, p.ID)
			}
		}
		return nil
	}

	began := m.now()
	wasRunning := p.Status == project.StatusRunning
	containerID := p.ContainerID

	p.Status = project.StatusStopping
	if err := m.save(ctx, p); err != nil {
		return errdefs.Wrap(err, errdefs.Internal, op, p.ID)
	}

	if !force {
		if err := m.engine.StopContainer(ctx, containerID, int(m.stopTimeout.Seconds())); err != nil {
			return m.fail(ctx, p, op, err)
		}
	}
	if err := m.engine.RemoveContainer(ctx, containerID, true); err != nil {
		return m.fail(ctx, p, op, err)
	}

	now := m.now()
	if wasRunning {
		p.Metrics.TotalUptime += uptime(p, now)
	}
	p.Metrics.StopCount++
	p.Metrics.AvgStopTime = project.RollingAverage(p.Metrics.AvgStopTime, now.Sub(began), p.Metrics.StopCount)
	p.ContainerID = ""
	p.Status = final
	p.LastStopped = now
	if err := m.save(ctx, p); err != nil {
		return errdefs.Wrap(err, errdefs.Internal, op, p.ID)
	}

	m.logger.Info("project stopped", "project", p.ID, "container", shortID(containerID), "force", force, "duration", now.Sub(began))
	return nil
}

// Remove force-removes the project's containers, releases its ports and
// deletes the project.
func (m *Manager) Remove(ctx context.Context, id string) error {
	began := m.now()
	err := m.remove(ctx, id)
	m.metrics.observe("remove", err, m.now().Sub(began))
	return err
}

func (m *Manager) remove(ctx context.Context, id string) error {
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	release, err := m.acquire(id, "remove")
	if err != nil {
		return err
	}
	defer release()

	p, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if p.ContainerID != "" {
		if err := m.engine.RemoveContainer(ctx, p.ContainerID, true); err != nil {
			return errdefs.Wrap(err, errdefs.EngineError, "remove", id)
		}
	}
	if err := m.removeStale(ctx, id); err != nil {
		return errdefs.Wrap(err, errdefs.EngineError, "remove", id)
	}

	released, err := m.ports.ReleaseProject(id)
	if err != nil {
		return errdefs.Wrap(err, errdefs.Internal, "remove", id)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return errdefs.Wrap(err, errdefs.Internal, "remove", id)
	}

	m.logger.Info("project removed", "project", id, "name", p.Name, "released_ports", released)
	p.ContainerID = ""
	m.emit(eventFor(EventRemoved, p))
	return nil
}
