// Package project defines the persisted project record and its store.
package project

import (
	"fmt"
	"time"

	"github.com/everydev1618/devhost/errdefs"
	"github.com/everydev1618/devhost/stack"
)

// Status is a project's lifecycle state.
type Status string

const (
	StatusRegistered Status = "REGISTERED"
	StatusStarting   Status = "STARTING"
	StatusRunning    Status = "RUNNING"
	StatusStopping   Status = "STOPPING"
	StatusStopped    Status = "STOPPED"
	StatusRestarting Status = "RESTARTING"
	StatusError      Status = "ERROR"
)

// HoldsContainer reports whether a project in this state may reference a
// container.
func (s Status) HoldsContainer() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusStopping:
		return true
	}
	return false
}

// Transitional reports whether the state only exists while an operation is in
// flight. A project found in such a state after a restart of the daemon was
// interrupted mid-operation.
func (s Status) Transitional() bool {
	switch s {
	case StatusStarting, StatusStopping, StatusRestarting:
		return true
	}
	return false
}

// Config is the user-supplied run configuration.
type Config struct {
	// Command overrides the type's default dev-server command. It is run
	// through "sh -c".
	Command     string            `json:"command,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	AutoRestart bool              `json:"autoRestart"`
}

// Metrics are per-project counters kept for observability.
type Metrics struct {
	StartCount   int           `json:"startCount"`
	RestartCount int           `json:"restartCount"`
	StopCount    int           `json:"stopCount"`
	TotalUptime  time.Duration `json:"totalUptime"`
	AvgStartTime time.Duration `json:"avgStartTime"`
	AvgStopTime  time.Duration `json:"avgStopTime"`
}

// Project is one registered development workspace.
type Project struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Workspace   string     `json:"workspace"`
	Type        stack.Type `json:"type"`
	Status      Status     `json:"status"`
	Port        int        `json:"port"`
	ContainerID string     `json:"containerId,omitempty"`
	Config      Config     `json:"config"`
	Metrics     Metrics    `json:"metrics"`
	LastStarted time.Time  `json:"lastStarted,omitempty"`
	LastStopped time.Time  `json:"lastStopped,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Validate checks the record invariants enforced on every write.
func (p *Project) Validate() error {
	if p.ID == "" {
		return errdefs.New(errdefs.InvalidConfig, "project id is required")
	}
	if p.Name == "" {
		return errdefs.New(errdefs.InvalidConfig, "project name is required")
	}
	if !p.Type.Valid() {
		return errdefs.New(errdefs.InvalidType, "unsupported project type %q", p.Type)
	}
	if p.ContainerID != "" && !p.Status.HoldsContainer() {
		return errdefs.New(errdefs.StateCorrupt, "project %s in state %s cannot reference container %s", p.ID, p.Status, p.ContainerID)
	}
	return nil
}

// Clone returns a deep copy.
func (p *Project) Clone() *Project {
	c := *p
	if p.Config.Env != nil {
		c.Config.Env = make(map[string]string, len(p.Config.Env))
		for k, v := range p.Config.Env {
			c.Config.Env[k] = v
		}
	}
	return &c
}

// Uptime returns how long the project has been running at now, or zero when
// it is not running.
func (p *Project) Uptime(now time.Time) time.Duration {
	if p.Status != StatusRunning || p.LastStarted.IsZero() {
		return 0
	}
	return now.Sub(p.LastStarted)
}

func (p *Project) String() string {
	return fmt.Sprintf("%s (%s, %s)", p.Name, p.ID, p.Type)
}

// RollingAverage folds sample into an average over n samples, n counting the
// new sample.
func RollingAverage(avg, sample time.Duration, n int) time.Duration {
	if n <= 1 {
		return sample
	}
	return avg + (sample-avg)/time.Duration(n)
}
