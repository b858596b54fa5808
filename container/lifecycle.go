package container

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	engineerr "github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/everydev1618/devhost/errdefs"
	"github.com/everydev1618/devhost/stack"
)

// Spec describes the container to create for a project.
type Spec struct {
	ProjectID   string
	ProjectName string
	Type        stack.Type
	Workspace   string
	Port        int
	// Command overrides the type's dev-server command; run through "sh -c".
	Command     string
	Env         map[string]string
	AutoRestart bool
}

// Handle identifies a created container. It is a capability token, not a
// source of truth for project status.
type Handle struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ProjectID string `json:"projectId"`
	Image     string `json:"image"`
	Port      int    `json:"port"`
	HostPath  string `json:"hostPath"`
	Network   string `json:"network"`
	State     string `json:"state"`
}

func (s Spec) validate() error {
	if s.ProjectID == "" {
		return errdefs.New(errdefs.InvalidConfig, "project id is required")
	}
	if !s.Type.Valid() {
		return errdefs.New(errdefs.InvalidType, "unsupported project type %q", s.Type)
	}
	if s.Port < 1 || s.Port > 65535 {
		return errdefs.New(errdefs.InvalidPort, "port %d is outside 1-65535", s.Port)
	}
	return nil
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// ContainerName returns the engine name used for a project's container.
func ContainerName(projectID string) string {
	return containerPrefix + unsafeName.ReplaceAllString(projectID, "-")
}

// CreateContainer validates spec and creates, but does not start, the
// project's container. Validation failures never reach the engine.
func (e *Engine) CreateContainer(ctx context.Context, spec Spec) (Handle, error) {
	if err := spec.validate(); err != nil {
		return Handle{}, withProject(err, spec.ProjectID)
	}
	hostPath, err := TranslatePath(spec.Workspace, e.pathStyle)
	if err != nil {
		return Handle{}, withProject(err, spec.ProjectID)
	}

	profile, _ := stack.Lookup(spec.Type)
	image := e.images[spec.Type]
	name := ContainerName(spec.ProjectID)
	port := nat.Port(strconv.Itoa(spec.Port) + "/tcp")

	cmd := profile.Command
	if spec.Command != "" {
		cmd = []string{"sh", "-c", spec.Command}
	}

	config := &container.Config{
		Image:        image,
		Cmd:          cmd,
		WorkingDir:   WorkspaceTarget,
		Env:          buildEnv(spec, profile),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			LabelManaged:     "true",
			LabelProjectID:   spec.ProjectID,
			LabelProjectName: spec.ProjectName,
			LabelType:        string(spec.Type),
			LabelPort:        strconv.Itoa(spec.Port),
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: hostPath,
				Target: WorkspaceTarget,
			},
		},
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.Port)}},
		},
		NetworkMode: container.NetworkMode(e.networkName),
	}
	if spec.AutoRestart {
		hostConfig.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	}

	networkConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			e.networkName: {},
		},
	}

	resp, err := e.api.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, name)
	if err != nil {
		if engineerr.IsNotFound(err) {
			return Handle{}, &errdefs.Error{
				Code:      errdefs.ImageMissing,
				Op:        "create container",
				ProjectID: spec.ProjectID,
				Message:   fmt.Sprintf("image %s is not available; build the %s image first", image, spec.Type),
				Err:       err,
			}
		}
		return Handle{}, engineError(err, "create container", spec.ProjectID)
	}
	for _, w := range resp.Warnings {
		e.logger.Warn("engine warning", "project", spec.ProjectID, "warning", w)
	}

	e.logger.Debug("created container", "project", spec.ProjectID, "container", shortID(resp.ID), "image", image, "port", spec.Port)
	return Handle{
		ID:        resp.ID,
		Name:      name,
		ProjectID: spec.ProjectID,
		Image:     image,
		Port:      spec.Port,
		HostPath:  hostPath,
		Network:   e.networkName,
		State:     "created",
	}, nil
}

func buildEnv(spec Spec, profile stack.Profile) []string {
	env := []string{
		"PORT=" + strconv.Itoa(spec.Port),
		"HOST=0.0.0.0",
		"DEVHOST_PROJECT_ID=" + spec.ProjectID,
		"DEVHOST_PROJECT_TYPE=" + string(spec.Type),
		"WATCH_EXTENSIONS=" + strings.Join(profile.WatchExtensions, ","),
		"WATCH_IGNORE=" + strings.Join(profile.IgnoreDirs, ","),
	}
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		env = append(env, k+"="+spec.Env[k])
	}
	return env
}

// StartContainer starts a created or stopped container. Starting a running
// container succeeds.
func (e *Engine) StartContainer(ctx context.Context, id string) error {
	err := e.api.ContainerStart(ctx, id, container.StartOptions{})
	if err != nil && !engineerr.IsNotModified(err) {
		return engineError(err, "start container "+shortID(id), "")
	}
	return nil
}

// StopContainer sends the graceful stop signal and lets the engine kill the
// container after timeoutSeconds. Stopping a stopped or missing container
// succeeds.
func (e *Engine) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	err := e.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil && !engineerr.IsNotModified(err) && !engineerr.IsNotFound(err) {
		return engineError(err, "stop container "+shortID(id), "")
	}
	return nil
}

// RestartContainer restarts a container in place.
func (e *Engine) RestartContainer(ctx context.Context, id string, timeoutSeconds int) error {
	if err := e.api.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return engineError(err, "restart container "+shortID(id), "")
	}
	return nil
}

// RemoveContainer removes a container. Removing a missing container, or one
// already being removed, succeeds.
func (e *Engine) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := e.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if err == nil || engineerr.IsNotFound(err) {
		return nil
	}
	if engineerr.IsConflict(err) && strings.Contains(err.Error(), "already in progress") {
		return nil
	}
	return engineError(err, "remove container "+shortID(id), "")
}

func withProject(err error, projectID string) error {
	var e *errdefs.Error
	if errors.As(err, &e) && e.ProjectID == "" {
		e.ProjectID = projectID
	}
	return err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
