package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	engineerr "github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeAPI answers the subset of the engine API the client uses. Responses
// are built from wire-format JSON the way the real engine returns them.
type fakeAPI struct {
	client.APIClient

	mu sync.Mutex

	pingErr  error
	pings    int
	networks []network.Inspect

	createNetworkErr error
	createdNetworks  map[string]network.CreateOptions

	createErr  error
	containers map[string]*fakeContainer
	seq        int

	stopped   []string
	removed   []string
	statsBody string
	logs      []byte
}

type fakeContainer struct {
	id      string
	name    string
	config  *container.Config
	host    *container.HostConfig
	netCfg  *network.NetworkingConfig
	state   string
	started time.Time
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		createdNetworks: make(map[string]network.CreateOptions),
		containers:      make(map[string]*fakeContainer),
	}
}

// add registers a container as if created by another run.
func (f *fakeAPI) add(id, state string, labels map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = &fakeContainer{
		id:     id,
		name:   "devhost-" + id,
		config: &container.Config{Image: "img", Labels: labels},
		state:  state,
	}
}

func (f *fakeAPI) Ping(ctx context.Context) (types.Ping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if f.pingErr != nil {
		return types.Ping{}, f.pingErr
	}
	return types.Ping{APIVersion: "1.47"}, nil
}

func (f *fakeAPI) Close() error { return nil }

func (f *fakeAPI) NetworkList(ctx context.Context, options network.ListOptions) ([]network.Inspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]network.Inspect(nil), f.networks...), nil
}

func (f *fakeAPI) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createNetworkErr != nil {
		return network.CreateResponse{}, f.createNetworkErr
	}
	f.createdNetworks[name] = options
	return network.CreateResponse{ID: "net-" + name}, nil
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	for _, c := range f.containers {
		if c.name == containerName {
			return container.CreateResponse{}, engineerr.Conflict(fmt.Errorf("container name %q is already in use", containerName))
		}
	}
	f.seq++
	id := fmt.Sprintf("%064d", f.seq)
	f.containers[id] = &fakeContainer{
		id:     id,
		name:   containerName,
		config: config,
		host:   hostConfig,
		netCfg: networkingConfig,
		state:  "created",
	}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return engineerr.NotFound(fmt.Errorf("no such container: %s", id))
	}
	if c.state == "running" {
		return engineerr.NotModified(errors.New("container already started"))
	}
	c.state = "running"
	c.started = time.Now()
	return nil
}

func (f *fakeAPI) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return engineerr.NotFound(fmt.Errorf("no such container: %s", id))
	}
	if c.state != "running" {
		return engineerr.NotModified(errors.New("container already stopped"))
	}
	c.state = "exited"
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return engineerr.NotFound(fmt.Errorf("no such container: %s", id))
	}
	if c.state == "running" && !options.Force {
		return engineerr.Conflict(errors.New("cannot remove a running container"))
	}
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAPI) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return container.InspectResponse{}, engineerr.NotFound(fmt.Errorf("no such container: %s", id))
	}
	started := "0001-01-01T00:00:00Z"
	if !c.started.IsZero() {
		started = c.started.UTC().Format(time.RFC3339Nano)
	}
	var resp container.InspectResponse
	mustDecode(map[string]any{
		"Id":   c.id,
		"Name": "/" + c.name,
		"State": map[string]any{
			"Status":    c.state,
			"Running":   c.state == "running",
			"StartedAt": started,
		},
		"Config": c.config,
	}, &resp)
	return resp, nil
}

func (f *fakeAPI) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wantProject := ""
	for _, l := range options.Filters.Get("label") {
		if v, ok := strings.CutPrefix(l, LabelProjectID+"="); ok {
			wantProject = v
		}
	}
	var out []container.Summary
	for _, c := range f.containers {
		if wantProject != "" && c.config.Labels[LabelProjectID] != wantProject {
			continue
		}
		// Unmanaged containers are returned too; the client must filter.
		var s container.Summary
		mustDecode(map[string]any{
			"Id":      c.id,
			"Names":   []string{"/" + c.name},
			"Image":   c.config.Image,
			"Labels":  c.config.Labels,
			"State":   c.state,
			"Status":  c.state,
			"Created": time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
		}, &s)
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeAPI) ContainerStats(ctx context.Context, id string, stream bool) (container.StatsResponseReader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return container.StatsResponseReader{}, engineerr.NotFound(fmt.Errorf("no such container: %s", id))
	}
	return container.StatsResponseReader{Body: io.NopCloser(strings.NewReader(f.statsBody))}, nil
}

func (f *fakeAPI) ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return nil, engineerr.NotFound(fmt.Errorf("no such container: %s", id))
	}
	return io.NopCloser(strings.NewReader(string(f.logs))), nil
}

func mustDecode(v any, out any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
}

func newTestEngine(api *fakeAPI, opts ...Option) *Engine {
	opts = append([]Option{
		WithAPIClient(api),
		WithHost("unix:///nonexistent/docker.sock"),
		WithPingRetries(3, time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	e, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return e
}
