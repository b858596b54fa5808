package devhost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/everydev1618/devhost/container"
	"github.com/everydev1618/devhost/internal/netprobe"
	"github.com/everydev1618/devhost/lifecycle"
	"github.com/everydev1618/devhost/portreg"
	"github.com/everydev1618/devhost/project"
	"github.com/everydev1618/devhost/stack"
)

// Engine is the container engine as the daemon uses it.
type Engine interface {
	lifecycle.Engine
	Initialize(ctx context.Context, tracked func(containerID, projectID string) bool) error
	ListContainers(ctx context.Context) ([]container.Summary, error)
	Ping(ctx context.Context) error
	Close() error
}

// Daemon owns the port registry, the project store, the engine client and
// the lifecycle manager, and exposes the operations callers use.
type Daemon struct {
	cfg       Config
	ports     *portreg.Registry
	store     *project.SQLiteStore
	engine    Engine
	lifecycle *lifecycle.Manager
	registry  *prometheus.Registry
	logger    *slog.Logger
}

type daemonOptions struct {
	logger *slog.Logger
	engine Engine
	prober netprobe.Prober
}

// Option configures a Daemon.
type Option func(*daemonOptions)

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *daemonOptions) {
		o.logger = l
	}
}

// WithEngine uses e instead of connecting to the configured engine.
func WithEngine(e Engine) Option {
	return func(o *daemonOptions) {
		o.engine = e
	}
}

// WithProber overrides the external port availability probe.
func WithProber(p netprobe.Prober) Option {
	return func(o *daemonOptions) {
		o.prober = p
	}
}

// New opens the daemon's state under cfg.Home. It does not contact the
// engine; call Initialize for that.
func New(cfg Config, opts ...Option) (*Daemon, error) {
	o := daemonOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := EnsureHome(cfg.Home); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		logger:   o.logger,
	}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	portOpts := []portreg.Option{
		portreg.WithRanges(cfg.Ports),
		portreg.WithLogger(o.logger.With("component", "ports")),
	}
	if o.prober != nil {
		portOpts = append(portOpts, portreg.WithProber(o.prober))
	}
	ports, err := portreg.Open(PortsPath(cfg.Home), portOpts...)
	if err != nil {
		return nil, err
	}
	d.ports = ports

	store, err := project.NewSQLiteStore(DBPath(cfg.Home))
	if err != nil {
		return nil, fmt.Errorf("open project store: %w", err)
	}
	d.store = store

	d.engine = o.engine
	if d.engine == nil {
		style, _ := container.ParsePathStyle(cfg.Engine.PathStyle)
		eng, err := container.New(
			container.WithHost(cfg.Engine.Host),
			container.WithNetwork(cfg.Engine.Network, cfg.Engine.Subnet),
			container.WithImages(cfg.Images),
			container.WithPathStyle(style),
			container.WithPingRetries(cfg.Engine.PingRetries, 0),
			container.WithLogger(o.logger.With("component", "engine")),
		)
		if err != nil {
			store.Close()
			return nil, err
		}
		d.engine = eng
	}

	d.lifecycle = lifecycle.New(store, ports, d.engine,
		lifecycle.WithStartupTimeout(cfg.Lifecycle.StartupTimeout),
		lifecycle.WithPollInterval(cfg.Lifecycle.PollInterval),
		lifecycle.WithStopTimeout(cfg.Lifecycle.StopTimeout),
		lifecycle.WithAccessHost(cfg.Lifecycle.AccessHost),
		lifecycle.WithLockDir(LocksPath(cfg.Home)),
		lifecycle.WithMetrics(lifecycle.NewMetrics(d.registry)),
		lifecycle.WithLogger(o.logger.With("component", "lifecycle")),
	)
	d.lifecycle.OnEvent(d.logEvent)
	d.registerPortMetrics()

	return d, nil
}

func (d *Daemon) logEvent(ev lifecycle.Event) {
	attrs := []any{"project", ev.ProjectID, "name", ev.ProjectName, "status", ev.Status}
	if ev.Port > 0 {
		attrs = append(attrs, "port", ev.Port)
	}
	if ev.Err != nil {
		d.logger.Warn("lifecycle "+string(ev.Type), append(attrs, "error", ev.Err)...)
		return
	}
	d.logger.Debug("lifecycle "+string(ev.Type), attrs...)
}

// registerPortMetrics exposes allocation counts and range capacity per type.
func (d *Daemon) registerPortMetrics() {
	f := promauto.With(d.registry)
	for _, t := range stack.Types() {
		rg := d.cfg.Ports[t]
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "devhost",
			Subsystem:   "ports",
			Name:        "allocated",
			Help:        "Ports currently allocated, by project type.",
			ConstLabels: prometheus.Labels{"type": string(t)},
		}, func() float64 {
			n := 0
			for _, a := range d.ports.List() {
				if a.Type == t {
					n++
				}
			}
			return float64(n)
		})
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "devhost",
			Subsystem:   "ports",
			Name:        "capacity",
			Help:        "Size of the port range, by project type.",
			ConstLabels: prometheus.Labels{"type": string(t)},
		}, func() float64 { return float64(rg.Size()) })
	}
}

// Connect connects to the engine and ensures the shared network, nothing
// more. Short-lived callers use it so they never disturb containers or
// projects another devhost process is working on.
func (d *Daemon) Connect(ctx context.Context) error {
	return d.engine.Initialize(ctx, nil)
}

// Initialize connects to the engine, removes orphaned containers and
// reconciles projects left mid-operation by a previous run. Projects that
// another process holds the operation lock for are left alone. Failure
// leaves the daemon usable for port operations.
func (d *Daemon) Initialize(ctx context.Context) error {
	if err := d.engine.Initialize(ctx, d.lifecycle.Tracks); err != nil {
		return err
	}
	n, err := d.lifecycle.Reconcile(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		d.logger.Info("reconciled projects", "count", n)
	}
	return nil
}

// Config returns the daemon configuration.
func (d *Daemon) Config() Config {
	return d.cfg
}

// Registry returns the Prometheus registry holding the daemon's collectors.
func (d *Daemon) Registry() *prometheus.Registry {
	return d.registry
}

// Ping checks the engine connection.
func (d *Daemon) Ping(ctx context.Context) error {
	return d.engine.Ping(ctx)
}

// StopAll stops every running project concurrently on a bounded pool and
// returns the ids that were stopped.
func (d *Daemon) StopAll(ctx context.Context, workers int) ([]string, error) {
	projects, err := d.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		stopped []string
	)
	for _, p := range projects {
		if p.ContainerID == "" {
			continue
		}
		wg.Add(1)
		id := p.ID
		if err := pool.Submit(func() {
			defer wg.Done()
			if _, err := d.lifecycle.Stop(ctx, id, false); err != nil {
				d.logger.Warn("stop on exit failed", "project", id, "error", err)
				return
			}
			mu.Lock()
			stopped = append(stopped, id)
			mu.Unlock()
		}); err != nil {
			wg.Done()
			d.logger.Warn("schedule stop failed", "project", id, "error", err)
		}
	}
	wg.Wait()
	return stopped, nil
}

// Close releases the engine client and the store.
func (d *Daemon) Close() error {
	var firstErr error
	if err := d.engine.Close(); err != nil {
		firstErr = err
	}
	if err := d.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
