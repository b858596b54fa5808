package container

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	engineerr "github.com/docker/docker/errdefs"

	"github.com/everydev1618/devhost/errdefs"
	"github.com/everydev1618/devhost/stack"
)

const (
	DefaultNetworkName = "devhost-net"
	DefaultSubnet      = "172.28.0.0/16"
	DefaultPingRetries = 3

	// WorkspaceTarget is where the project workspace is mounted.
	WorkspaceTarget = "/app"

	LabelManaged     = "devhost.managed"
	LabelProjectID   = "devhost.project-id"
	LabelProjectName = "devhost.project-name"
	LabelType        = "devhost.container-type"
	LabelPort        = "devhost.port"

	containerPrefix = "devhost-"
)

// Engine is the only component that talks to the container engine. Callers
// address containers by project id and port; engine-native ids only flow
// back to them as opaque handles.
type Engine struct {
	api          client.APIClient
	host         string
	networkName  string
	subnet       string
	images       map[stack.Type]string
	pathStyle    PathStyle
	pingRetries  int
	pingInterval time.Duration
	logger       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithHost sets the engine endpoint, e.g. "unix:///var/run/docker.sock".
// Without it the endpoint comes from the DOCKER_* environment.
func WithHost(host string) Option {
	return func(e *Engine) {
		e.host = host
	}
}

// WithNetwork sets the shared bridge network name and subnet.
func WithNetwork(name, subnet string) Option {
	return func(e *Engine) {
		if name != "" {
			e.networkName = name
		}
		if subnet != "" {
			e.subnet = subnet
		}
	}
}

// WithImages overrides the pre-built image per project type.
func WithImages(images map[stack.Type]string) Option {
	return func(e *Engine) {
		for t, img := range images {
			if img != "" {
				e.images[t] = img
			}
		}
	}
}

// WithPathStyle sets how Windows host paths are rewritten for bind mounts.
func WithPathStyle(style PathStyle) Option {
	return func(e *Engine) {
		e.pathStyle = style
	}
}

// WithPingRetries sets how many times Initialize pings before giving up, and
// the initial wait between attempts.
func WithPingRetries(n int, interval time.Duration) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pingRetries = n
		}
		if interval > 0 {
			e.pingInterval = interval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithAPIClient uses api instead of dialing the engine.
func WithAPIClient(api client.APIClient) Option {
	return func(e *Engine) {
		e.api = api
	}
}

// New creates an engine client. No connection is made until Initialize.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		networkName:  DefaultNetworkName,
		subnet:       DefaultSubnet,
		images:       stack.DefaultImages(),
		pathStyle:    PathStyleDesktop,
		pingRetries:  DefaultPingRetries,
		pingInterval: 500 * time.Millisecond,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.api != nil {
		return e, nil
	}

	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if e.host != "" {
		clientOpts = append(clientOpts, client.WithHost(e.host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, &errdefs.Error{Code: errdefs.EngineUnavailable, Message: "create engine client", Err: err}
	}
	e.api = cli
	return e, nil
}

// Image returns the image used for projects of type t.
func (e *Engine) Image(t stack.Type) string {
	return e.images[t]
}

// NetworkName returns the shared network name.
func (e *Engine) NetworkName() string {
	return e.networkName
}

// Initialize connects to the engine, ensures the shared network and removes
// orphaned containers left by a previous run. tracked reports whether a
// container belongs to a known project; when nil no cleanup runs.
func (e *Engine) Initialize(ctx context.Context, tracked func(containerID, projectID string) bool) error {
	if err := e.connect(ctx); err != nil {
		return err
	}
	if err := e.ensureNetwork(ctx); err != nil {
		return err
	}
	if tracked == nil {
		return nil
	}
	removed, err := e.CleanupOrphans(ctx, tracked)
	if err != nil {
		// Orphans are harmless to new operations.
		e.logger.Warn("orphan cleanup failed", "error", err)
		return nil
	}
	if len(removed) > 0 {
		e.logger.Info("removed orphaned containers", "count", len(removed), "ids", removed)
	}
	return nil
}

// connect pings with bounded exponential backoff. When no host was
// configured and the environment endpoint is unreachable, the usual
// Docker Desktop and Colima sockets are tried once each.
func (e *Engine) connect(ctx context.Context) error {
	err := e.pingWithRetry(ctx, e.api)
	if err == nil {
		return nil
	}
	if e.host == "" && os.Getenv("DOCKER_HOST") == "" {
		for _, host := range fallbackHosts() {
			cli, cerr := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
			if cerr != nil {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			_, perr := cli.Ping(pctx)
			cancel()
			if perr == nil {
				e.logger.Info("connected to container engine", "host", host)
				e.api.Close()
				e.api = cli
				return nil
			}
			cli.Close()
		}
	}
	return &errdefs.Error{
		Code:    errdefs.EngineUnavailable,
		Op:      "initialize",
		Message: fmt.Sprintf("container engine unreachable after %d attempts", e.pingRetries),
		Err:     err,
	}
}

func fallbackHosts() []string {
	home := os.Getenv("HOME")
	return []string{
		"unix://" + home + "/.docker/run/docker.sock", // Docker Desktop macOS
		"unix:///var/run/docker.sock",
		"unix://" + home + "/.colima/docker.sock",
	}
}

func (e *Engine) pingWithRetry(ctx context.Context, api client.APIClient) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.pingInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.pingRetries-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err := api.Ping(pctx)
		if err != nil {
			e.logger.Debug("engine ping failed", "attempt", attempt, "error", err)
		}
		return err
	}, policy)
}

// Ping checks that the engine answers.
func (e *Engine) Ping(ctx context.Context) error {
	if _, err := e.api.Ping(ctx); err != nil {
		return &errdefs.Error{Code: errdefs.EngineUnavailable, Op: "ping", Message: "container engine unreachable", Err: err}
	}
	return nil
}

// ensureNetwork creates the shared bridge network if it does not exist and
// validates it if it does.
func (e *Engine) ensureNetwork(ctx context.Context) error {
	networks, err := e.api.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", e.networkName)),
	})
	if err != nil {
		return engineError(err, "list networks", "")
	}

	// The name filter matches substrings.
	for _, n := range networks {
		if n.Name == e.networkName {
			return e.validateNetwork(n)
		}
	}

	_, err = e.api.NetworkCreate(ctx, e.networkName, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: e.subnet}},
		},
		Labels: map[string]string{
			LabelManaged: "true",
		},
	})
	if err != nil {
		if engineerr.IsConflict(err) {
			// Created concurrently by another process.
			e.logger.Debug("network already exists", "network", e.networkName)
			return nil
		}
		return engineError(err, "create network", "")
	}
	e.logger.Info("created network", "network", e.networkName, "subnet", e.subnet)
	return nil
}

func (e *Engine) validateNetwork(n network.Inspect) error {
	if n.Driver != "bridge" {
		return &errdefs.Error{
			Code:    errdefs.NetworkMismatch,
			Op:      "ensure network",
			Message: fmt.Sprintf("network %s uses driver %q, want bridge", n.Name, n.Driver),
		}
	}
	var subnets []string
	for _, c := range n.IPAM.Config {
		subnets = append(subnets, c.Subnet)
	}
	if e.subnet != "" && !slices.ContainsFunc(subnets, func(s string) bool { return sameSubnet(s, e.subnet) }) {
		return &errdefs.Error{
			Code:    errdefs.NetworkMismatch,
			Op:      "ensure network",
			Message: fmt.Sprintf("network %s has subnets %v, want %s", n.Name, subnets, e.subnet),
		}
	}
	return nil
}

func sameSubnet(a, b string) bool {
	_, na, errA := net.ParseCIDR(a)
	_, nb, errB := net.ParseCIDR(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return na.String() == nb.String()
}

// Close closes the engine client.
func (e *Engine) Close() error {
	if e.api != nil {
		return e.api.Close()
	}
	return nil
}

// engineError wraps an engine failure with operation context.
func engineError(err error, op, projectID string) error {
	code := errdefs.EngineError
	switch {
	case engineerr.IsNotFound(err):
		code = errdefs.NotFound
	case client.IsErrConnectionFailed(err):
		code = errdefs.EngineUnavailable
	}
	return &errdefs.Error{Code: code, Op: op, ProjectID: projectID, Message: "engine request failed", Err: err}
}
