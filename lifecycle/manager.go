// Package lifecycle drives each project through its container lifecycle.
//
// A project moves REGISTERED → STARTING → RUNNING → STOPPING → STOPPED, with
// ERROR reachable from every failure path and RESTARTING between the stop
// and start halves of a restart. At most one operation runs per project; a
// second concurrent call fails immediately with OPERATION_IN_PROGRESS
// instead of queueing.
//
// The Manager is the only component that combines the project store, the
// port registry and the container engine. The registry and the engine never
// call each other.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/everydev1618/devhost/container"
	"github.com/everydev1618/devhost/errdefs"
	"github.com/everydev1618/devhost/portreg"
	"github.com/everydev1618/devhost/project"
	"github.com/everydev1618/devhost/stack"
)

const (
	DefaultStartupTimeout = 60 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultStopTimeout    = 10 * time.Second
	DefaultAccessHost     = "localhost"

	// cleanupTimeout bounds rollback and bookkeeping that must run even
	// when the caller's context is already done.
	cleanupTimeout = 30 * time.Second
)

// Engine is the subset of the container engine client the manager uses.
type Engine interface {
	CreateContainer(ctx context.Context, spec container.Spec) (container.Handle, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (container.Info, error)
	ContainerInfo(ctx context.Context, id string) (container.Info, error)
	FindByProject(ctx context.Context, projectID string) ([]container.Summary, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
}

// Ports is the subset of the port registry the manager uses.
type Ports interface {
	Allocate(port int, typ stack.Type, name, projectID string) (portreg.Allocation, error)
	AutoAllocate(typ stack.Type, name, projectID string) (portreg.Allocation, error)
	ByProject(projectID string) []portreg.Allocation
	ReleaseProject(projectID string) ([]int, error)
}

// Manager runs lifecycle operations. It is safe for concurrent use.
type Manager struct {
	store  project.Store
	ports  Ports
	engine Engine

	// ops maps a project id to the name of the operation holding it.
	ops     cmap.ConcurrentMap[string, string]
	lockDir string

	metrics        *Metrics
	startupTimeout time.Duration
	pollInterval   time.Duration
	stopTimeout    time.Duration
	accessHost     string
	now            func() time.Time
	newID          func() string
	logger         *slog.Logger

	onEvent    []func(Event)
	callbackMu sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithStartupTimeout bounds how long Start waits for the container to run.
func WithStartupTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.startupTimeout = d
		}
	}
}

// WithPollInterval sets how often readiness is polled.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithStopTimeout sets the grace period before the engine kills a stopping
// container.
func WithStopTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.stopTimeout = d
		}
	}
}

// WithAccessHost sets the host name used in access URLs.
func WithAccessHost(host string) Option {
	return func(m *Manager) {
		if host != "" {
			m.accessHost = host
		}
	}
}

// WithMetrics sets the collectors. Without it, unregistered collectors are
// used.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithClock sets the time source for timestamps and metrics.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator sets the project id generator.
func WithIDGenerator(f func() string) Option {
	return func(m *Manager) {
		m.newID = f
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// New creates a Manager.
func New(store project.Store, ports Ports, engine Engine, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		ports:          ports,
		engine:         engine,
		ops:            cmap.New[string](),
		startupTimeout: DefaultStartupTimeout,
		pollInterval:   DefaultPollInterval,
		stopTimeout:    DefaultStopTimeout,
		accessHost:     DefaultAccessHost,
		now:            time.Now,
		newID:          uuid.NewString,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	return m
}

// Result is returned by operations that change a project's container.
type Result struct {
	ProjectID   string         `json:"projectId"`
	Status      project.Status `json:"status"`
	ContainerID string         `json:"containerId,omitempty"`
	Port        int            `json:"port"`
	AccessURL   string         `json:"accessUrl,omitempty"`
}

func (m *Manager) result(p *project.Project) Result {
	r := Result{
		ProjectID:   p.ID,
		Status:      p.Status,
		ContainerID: p.ContainerID,
		Port:        p.Port,
	}
	if p.Status == project.StatusRunning {
		r.AccessURL = m.AccessURL(p.Port)
	}
	return r
}

// AccessURL returns the URL a project bound to port is reachable at.
func (m *Manager) AccessURL(port int) string {
	return fmt.Sprintf("http://%s:%d", m.accessHost, port)
}

// acquire takes the operation lock for id or fails fast. The in-process map
// is taken first so goroutines of one process never contend on the file.
func (m *Manager) acquire(id, op string) (release func(), err error) {
	if !m.ops.SetIfAbsent(id, op) {
		holder, _ := m.ops.Get(id)
		m.metrics.Rejected.Inc()
		return nil, &errdefs.Error{
			Code:      errdefs.OperationInFlight,
			Op:        op,
			ProjectID: id,
			Message:   fmt.Sprintf("%s already in progress", holder),
		}
	}
	unlock, err := m.lockFile(id, op)
	if err != nil {
		m.ops.Remove(id)
		if errdefs.Is(err, errdefs.OperationInFlight) {
			m.metrics.Rejected.Inc()
		}
		return nil, err
	}
	m.metrics.InFlight.Inc()
	return func() {
		unlock()
		m.ops.Remove(id)
		m.metrics.InFlight.Dec()
	}, nil
}

// Busy reports whether an operation currently holds id, in this process or
// in another one sharing the lock directory.
func (m *Manager) Busy(id string) bool {
	return m.ops.Has(id) || m.lockedElsewhere(id)
}

// RegisterRequest describes a new project. Port 0 means auto-allocate.
type RegisterRequest struct {
	Name      string
	Workspace string
	Type      string
	Port      int
	Config    project.Config
}

// Register validates req, allocates the project's port and persists it in
// REGISTERED state. Port errors are returned unchanged and nothing is
// persisted.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (*project.Project, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errdefs.New(errdefs.InvalidConfig, "project name is required")
	}
	t, err := stack.Parse(req.Type)
	if err != nil {
		return nil, err
	}
	if _, err := container.TranslatePath(req.Workspace, container.PathStyleDesktop); err != nil {
		return nil, err
	}

	existing, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range existing {
		if p.Name == name {
			return nil, &errdefs.Error{
				Code:      errdefs.ProjectExists,
				ProjectID: p.ID,
				Message:   fmt.Sprintf("a project named %q is already registered", name),
				Owner:     &errdefs.Owner{ProjectID: p.ID, ProjectName: p.Name},
			}
		}
	}

	id := m.newID()
	var alloc portreg.Allocation
	if req.Port > 0 {
		alloc, err = m.ports.Allocate(req.Port, t, name, id)
	} else {
		alloc, err = m.ports.AutoAllocate(t, name, id)
	}
	if err != nil {
		return nil, err
	}

	now := m.now()
	p := &project.Project{
		ID:        id,
		Name:      name,
		Workspace: req.Workspace,
		Type:      t,
		Status:    project.StatusRegistered,
		Port:      alloc.Port,
		Config:    req.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Put(ctx, p); err != nil {
		if _, rerr := m.ports.ReleaseProject(id); rerr != nil {
			m.logger.Warn("release port after failed register", "project", id, "error", rerr)
		}
		return nil, err
	}

	m.logger.Info("project registered", "project", id, "name", name, "type", t, "port", p.Port)
	m.emit(eventFor(EventRegistered, p))
	return p.Clone(), nil
}

// Get returns a project by id.
func (m *Manager) Get(ctx context.Context, id string) (*project.Project, error) {
	return m.store.Get(ctx, id)
}

// List returns all projects.
func (m *Manager) List(ctx context.Context) ([]*project.Project, error) {
	return m.store.List(ctx)
}

// Tracks reports whether containerID is referenced by a project or belongs
// to projectID while an operation holds it; the lock covers the window
// between creating a container and recording it. It errs on the side of true
// when the store cannot be read.
func (m *Manager) Tracks(containerID, projectID string) bool {
	if projectID != "" && m.Busy(projectID) {
		return true
	}
	projects, err := m.store.List(context.Background())
	if err != nil {
		m.logger.Warn("list projects for orphan check", "error", err)
		return true
	}
	for _, p := range projects {
		if p.ContainerID == containerID {
			return true
		}
	}
	return false
}

// Logs returns the last tail lines of the project's container output.
func (m *Manager) Logs(ctx context.Context, id string, tail int) (string, error) {
	p, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	containerID := p.ContainerID
	if containerID == "" {
		found, err := m.engine.FindByProject(ctx, id)
		if err != nil {
			return "", errdefs.Wrap(err, errdefs.EngineError, "logs", id)
		}
		if len(found) == 0 {
			return "", &errdefs.Error{Code: errdefs.NotFound, Op: "logs", ProjectID: id, Message: "project has no container"}
		}
		containerID = found[0].ID
	}
	out, err := m.engine.Logs(ctx, containerID, tail)
	if err != nil {
		return "", errdefs.Wrap(err, errdefs.EngineError, "logs", id)
	}
	return out, nil
}

// save stamps and persists p.
func (m *Manager) save(ctx context.Context, p *project.Project) error {
	p.UpdatedAt = m.now()
	return m.store.Put(ctx, p)
}

// detached returns a context for cleanup that outlives a cancelled caller.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}
