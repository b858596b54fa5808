package devhost

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/devhost/container"
	"github.com/everydev1618/devhost/errdefs"
	"github.com/everydev1618/devhost/project"
)

// memEngine is an in-memory Engine whose containers run as soon as they
// are started.
type memEngine struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*memContainer
	pingErr    error
	initCalls  int
	closed     bool

	// createEntered, when set, receives once a container has been created;
	// CreateContainer then blocks until createRelease is closed.
	createEntered chan struct{}
	createRelease chan struct{}
}

type memContainer struct {
	spec    container.Spec
	running bool
	started time.Time
}

func newMemEngine() *memEngine {
	return &memEngine{containers: make(map[string]*memContainer)}
}

func notFound(id string) error {
	return &errdefs.Error{Code: errdefs.NotFound, Message: "no such container " + id}
}

func (e *memEngine) Initialize(ctx context.Context, tracked func(containerID, projectID string) bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initCalls++
	if tracked == nil {
		return e.pingErr
	}
	for id, c := range e.containers {
		if !c.running && !tracked(id, c.spec.ProjectID) {
			delete(e.containers, id)
		}
	}
	return e.pingErr
}

func (e *memEngine) Ping(ctx context.Context) error { return e.pingErr }

func (e *memEngine) Close() error {
	e.closed = true
	return nil
}

func (e *memEngine) CreateContainer(ctx context.Context, spec container.Spec) (container.Handle, error) {
	e.mu.Lock()
	e.seq++
	id := fmt.Sprintf("mem%d", e.seq)
	e.containers[id] = &memContainer{spec: spec}
	entered, release := e.createEntered, e.createRelease
	e.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	return container.Handle{ID: id, ProjectID: spec.ProjectID, Port: spec.Port}, nil
}

func (e *memEngine) StartContainer(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return notFound(id)
	}
	c.running = true
	c.started = time.Now()
	return nil
}

func (e *memEngine) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[id]; ok {
		c.running = false
	}
	return nil
}

func (e *memEngine) RemoveContainer(ctx context.Context, id string, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.containers, id)
	return nil
}

func (e *memEngine) Inspect(ctx context.Context, id string) (container.Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return container.Info{}, notFound(id)
	}
	state := "exited"
	if c.running {
		state = "running"
	}
	return container.Info{ID: id, ProjectID: c.spec.ProjectID, State: state, Running: c.running, StartedAt: c.started, Port: c.spec.Port}, nil
}

func (e *memEngine) ContainerInfo(ctx context.Context, id string) (container.Info, error) {
	return e.Inspect(ctx, id)
}

func (e *memEngine) ListContainers(ctx context.Context) ([]container.Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []container.Summary
	for id, c := range e.containers {
		out = append(out, container.Summary{ID: id, ProjectID: c.spec.ProjectID, Port: c.spec.Port})
	}
	return out, nil
}

func (e *memEngine) FindByProject(ctx context.Context, projectID string) ([]container.Summary, error) {
	all, _ := e.ListContainers(ctx)
	var out []container.Summary
	for _, s := range all {
		if s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (e *memEngine) Logs(ctx context.Context, id string, tail int) (string, error) {
	return "ready\n", nil
}

func (e *memEngine) live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.containers {
		if c.running {
			n++
		}
	}
	return n
}

func (e *memEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.containers)
}

type freePorts struct{}

func (freePorts) Available(int) bool { return true }

func newTestDaemon(t *testing.T) (*Daemon, *memEngine) {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.Lifecycle.StartupTimeout = 2 * time.Second
	cfg.Lifecycle.PollInterval = 5 * time.Millisecond
	cfg.Lifecycle.StopTimeout = 0

	eng := newMemEngine()
	d, err := New(cfg,
		WithEngine(eng),
		WithProber(freePorts{}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Initialize(context.Background()))
	return d, eng
}

func gaugeValue(t *testing.T, d *Daemon, name, typ string) float64 {
	t.Helper()
	families, err := d.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "type" && l.GetValue() == typ {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{type=%q} not found", name, typ)
	return 0
}

func TestDaemonProjectLifecycle(t *testing.T) {
	d, eng := newTestDaemon(t)
	ctx := context.Background()

	p, err := d.RegisterProject(ctx, RegisterRequest{
		Name:      "web",
		Workspace: "/home/dev/web",
		Type:      "node",
		Port:      "auto",
	})
	require.NoError(t, err)
	assert.Equal(t, 3000, p.Port)
	assert.Equal(t, project.StatusRegistered, p.Status)

	id, err := d.Resolve(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, p.ID, id)

	res, err := d.Start(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, project.StatusRunning, res.Status)
	assert.Equal(t, "http://localhost:3000", res.AccessURL)
	assert.Equal(t, 1, eng.live())

	st, err := d.Status(ctx, id)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, res.ContainerID, st.ContainerID)

	containers, err := d.ListContainers(ctx)
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, id, containers[0].ProjectID)

	logs, err := d.Logs(ctx, id, 10)
	require.NoError(t, err)
	assert.Equal(t, "ready\n", logs)

	res, err = d.Stop(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, project.StatusStopped, res.Status)
	assert.Equal(t, 0, eng.live())

	require.NoError(t, d.RemoveProject(ctx, id))
	_, err = d.Resolve(ctx, "web")
	assert.True(t, errdefs.Is(err, errdefs.NotFound))
	assert.Empty(t, d.Ports())
}

func TestDaemonPortOperations(t *testing.T) {
	d, _ := newTestDaemon(t)
	ctx := context.Background()

	a, err := d.AllocatePort("auto", "python", "api", "")
	require.NoError(t, err)
	assert.Equal(t, 5000, a.Port)
	assert.NotEmpty(t, a.ProjectID, "a project id is generated when none is given")

	_, err = d.AllocatePort("5000", "python", "other", "p2")
	assert.True(t, errdefs.Is(err, errdefs.PortInUse))

	_, err = d.AllocatePort("2650", "python", "other", "p2")
	assert.True(t, errdefs.Is(err, errdefs.SystemReserved))

	_, err = d.AllocatePort("80a", "python", "other", "p2")
	assert.True(t, errdefs.Is(err, errdefs.InvalidPort))

	_, err = d.AllocatePort("auto", "ruby", "other", "p2")
	assert.True(t, errdefs.Is(err, errdefs.InvalidType))

	st, err := d.CheckPort(ctx, 5000)
	require.NoError(t, err)
	assert.False(t, st.Available)
	require.NotNil(t, st.Owner)
	assert.Equal(t, a.ProjectID, st.Owner.ProjectID)

	assert.Equal(t, 1.0, gaugeValue(t, d, "devhost_ports_allocated", "python"))
	assert.Equal(t, 0.0, gaugeValue(t, d, "devhost_ports_allocated", "node"))
	assert.Equal(t, 1000.0, gaugeValue(t, d, "devhost_ports_capacity", "python"))

	err = d.ReleasePort(5000, "someone-else")
	assert.True(t, errdefs.Is(err, errdefs.ProjectMismatch))
	require.NoError(t, d.ReleasePort(5000, a.ProjectID))

	history := d.PortHistory()
	require.Len(t, history, 2)
	assert.Equal(t, 0.0, gaugeValue(t, d, "devhost_ports_allocated", "python"))
}

func TestDaemonRegisterRejectsBadPortSpec(t *testing.T) {
	d, _ := newTestDaemon(t)

	_, err := d.RegisterProject(context.Background(), RegisterRequest{
		Name: "web", Workspace: "/src/web", Type: "node", Port: "seventy",
	})
	assert.True(t, errdefs.Is(err, errdefs.InvalidPort))
	assert.Empty(t, d.Ports())
}

func TestDaemonStopAll(t *testing.T) {
	d, eng := newTestDaemon(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		p, err := d.RegisterProject(ctx, RegisterRequest{Name: name, Workspace: "/src/" + name, Type: "static"})
		require.NoError(t, err)
		_, err = d.Start(ctx, p.ID)
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	idle, err := d.RegisterProject(ctx, RegisterRequest{Name: "idle", Workspace: "/src/idle", Type: "static"})
	require.NoError(t, err)
	require.Equal(t, 3, eng.live())

	stopped, err := d.StopAll(ctx, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, stopped)
	assert.NotContains(t, stopped, idle.ID)
	assert.Equal(t, 0, eng.live())
}

func TestDaemonInitializeEngineUnavailable(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	eng := newMemEngine()
	eng.pingErr = errdefs.New(errdefs.EngineUnavailable, "engine not reachable")

	d, err := New(cfg, WithEngine(eng), WithProber(freePorts{}), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	defer d.Close()

	err = d.Initialize(context.Background())
	assert.True(t, errdefs.Is(err, errdefs.EngineUnavailable))

	// Port operations do not need the engine.
	_, err = d.AllocatePort("auto", "php", "site", "")
	require.NoError(t, err)
}

func TestDaemonClose(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	eng := newMemEngine()
	d, err := New(cfg, WithEngine(eng), WithProber(freePorts{}))
	require.NoError(t, err)

	require.NoError(t, d.Close())
	assert.True(t, eng.closed)
}

func TestDaemonsSharingHomeDoNotInterfere(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Lifecycle.StartupTimeout = 2 * time.Second
	cfg.Lifecycle.PollInterval = 5 * time.Millisecond
	cfg.Lifecycle.StopTimeout = 0

	// Two daemons on one home and one engine stand in for two devhost
	// processes, such as a long start and a status check from another shell.
	eng := newMemEngine()
	open := func() *Daemon {
		d, err := New(cfg,
			WithEngine(eng),
			WithProber(freePorts{}),
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		)
		require.NoError(t, err)
		t.Cleanup(func() { d.Close() })
		return d
	}
	a, b := open(), open()
	ctx := context.Background()

	p, err := a.RegisterProject(ctx, RegisterRequest{Name: "web", Workspace: "/home/dev/web", Type: "node", Port: "auto"})
	require.NoError(t, err)

	eng.mu.Lock()
	eng.createEntered = make(chan struct{})
	eng.createRelease = make(chan struct{})
	eng.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := a.Start(ctx, p.ID)
		done <- err
	}()
	<-eng.createEntered

	// The container exists but is not yet recorded on the project.
	_, err = b.Start(ctx, p.ID)
	assert.True(t, errdefs.Is(err, errdefs.OperationInFlight), "err = %v", err)
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.Initialize(ctx))
	assert.Equal(t, 1, eng.count(), "in-flight container was removed")
	st, err := b.Status(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, st.Busy)

	eng.mu.Lock()
	eng.createEntered = nil
	eng.mu.Unlock()
	close(eng.createRelease)
	require.NoError(t, <-done)

	st, err = b.Status(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusRunning, st.Status)
	assert.True(t, st.Running)
	assert.False(t, st.Busy)
	assert.Equal(t, 1, eng.count())
	assert.Equal(t, 1, eng.live())
}
