package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/panjf2000/ants/v2"

	"github.com/everydev1618/devhost/stack"
)

// Info is the engine's current view of a container.
type Info struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	ProjectID string     `json:"projectId"`
	Type      stack.Type `json:"type"`
	Image     string     `json:"image"`
	State     string     `json:"state"`
	Running   bool       `json:"running"`
	ExitCode  int        `json:"exitCode"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"startedAt,omitempty"`
	Port      int        `json:"port"`
	Stats     *Stats     `json:"stats,omitempty"`
}

// Stats is a point-in-time resource sample.
type Stats struct {
	CPUPercent    float64                 `json:"cpuPercent"`
	MemoryUsage   uint64                  `json:"memoryUsage"`
	MemoryLimit   uint64                  `json:"memoryLimit"`
	MemoryPercent float64                 `json:"memoryPercent"`
	Networks      map[string]NetworkStats `json:"networks,omitempty"`
	Read          time.Time               `json:"read"`
}

// NetworkStats are cumulative byte counters of one interface.
type NetworkStats struct {
	RxBytes uint64 `json:"rxBytes"`
	TxBytes uint64 `json:"txBytes"`
}

// Summary describes a managed container in a listing.
type Summary struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	ProjectID   string     `json:"projectId"`
	ProjectName string     `json:"projectName,omitempty"`
	Type        stack.Type `json:"type"`
	Image       string     `json:"image"`
	State       string     `json:"state"`
	Status      string     `json:"status"`
	Port        int        `json:"port"`
	Created     time.Time  `json:"created"`
}

// Inspect returns the container's state without resource statistics.
func (e *Engine) Inspect(ctx context.Context, id string) (Info, error) {
	resp, err := e.api.ContainerInspect(ctx, id)
	if err != nil {
		return Info{}, engineError(err, "inspect container "+shortID(id), "")
	}

	info := Info{ID: resp.ID, Name: strings.TrimPrefix(resp.Name, "/")}
	if resp.State != nil {
		info.State = string(resp.State.Status)
		info.Running = resp.State.Running
		info.ExitCode = resp.State.ExitCode
		info.Error = resp.State.Error
		if t, err := time.Parse(time.RFC3339Nano, resp.State.StartedAt); err == nil && !t.IsZero() && t.Year() > 1 {
			info.StartedAt = t
		}
	}
	if resp.Config != nil {
		info.Image = resp.Config.Image
		info.ProjectID = resp.Config.Labels[LabelProjectID]
		info.Type = stack.Type(resp.Config.Labels[LabelType])
		info.Port, _ = strconv.Atoi(resp.Config.Labels[LabelPort])
	}
	return info, nil
}

// ContainerInfo returns the container's state and, when it is running, a
// live resource sample.
func (e *Engine) ContainerInfo(ctx context.Context, id string) (Info, error) {
	info, err := e.Inspect(ctx, id)
	if err != nil || !info.Running {
		return info, err
	}

	stats, err := e.stats(ctx, id)
	if err != nil {
		// The container may have exited between the two calls.
		e.logger.Debug("stats unavailable", "container", shortID(id), "error", err)
		return info, nil
	}
	info.Stats = stats
	return info, nil
}

func (e *Engine) stats(ctx context.Context, id string) (*Stats, error) {
	resp, err := e.api.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, engineError(err, "container stats "+shortID(id), "")
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return computeStats(&raw), nil
}

// computeStats derives percentages from a one-shot sample. CPU usage is the
// container's share of the system CPU time elapsed since the previous
// sample, scaled by the number of online CPUs.
func computeStats(raw *container.StatsResponse) *Stats {
	s := &Stats{Read: raw.Read}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	onlineCPUs := float64(raw.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta > 0 && systemDelta > 0 {
		s.CPUPercent = cpuDelta / systemDelta * onlineCPUs * 100
	}

	// Page cache is reclaimable and not counted as usage.
	usage := raw.MemoryStats.Usage
	cache := raw.MemoryStats.Stats["inactive_file"]
	if v, ok := raw.MemoryStats.Stats["total_inactive_file"]; ok {
		cache = v
	}
	if cache < usage {
		usage -= cache
	}
	s.MemoryUsage = usage
	s.MemoryLimit = raw.MemoryStats.Limit
	if s.MemoryLimit > 0 {
		s.MemoryPercent = float64(usage) / float64(s.MemoryLimit) * 100
	}

	if len(raw.Networks) > 0 {
		s.Networks = make(map[string]NetworkStats, len(raw.Networks))
		for name, n := range raw.Networks {
			s.Networks[name] = NetworkStats{RxBytes: n.RxBytes, TxBytes: n.TxBytes}
		}
	}
	return s
}

// ListContainers returns every container carrying the managed label.
func (e *Engine) ListContainers(ctx context.Context) ([]Summary, error) {
	return e.list(ctx, filters.NewArgs(filters.Arg("label", LabelManaged+"=true")))
}

// FindByProject returns the managed containers labeled with projectID.
func (e *Engine) FindByProject(ctx context.Context, projectID string) ([]Summary, error) {
	return e.list(ctx, filters.NewArgs(
		filters.Arg("label", LabelManaged+"=true"),
		filters.Arg("label", LabelProjectID+"="+projectID),
	))
}

func (e *Engine) list(ctx context.Context, args filters.Args) ([]Summary, error) {
	containers, err := e.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, engineError(err, "list containers", "")
	}

	var out []Summary
	for _, c := range containers {
		// Never trust the filter alone with unmanaged containers.
		if c.Labels[LabelManaged] != "true" {
			continue
		}
		s := Summary{
			ID:          c.ID,
			ProjectID:   c.Labels[LabelProjectID],
			ProjectName: c.Labels[LabelProjectName],
			Type:        stack.Type(c.Labels[LabelType]),
			Image:       c.Image,
			State:       string(c.State),
			Status:      c.Status,
			Created:     time.Unix(c.Created, 0),
		}
		if len(c.Names) > 0 {
			s.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		s.Port, _ = strconv.Atoi(c.Labels[LabelPort])
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CleanupOrphans removes managed containers that are not running and not
// tracked by any project. tracked receives the container id and the project
// id from its label. It returns the removed ids.
func (e *Engine) CleanupOrphans(ctx context.Context, tracked func(containerID, projectID string) bool) ([]string, error) {
	containers, err := e.ListContainers(ctx)
	if err != nil {
		return nil, err
	}

	var orphans []string
	for _, c := range containers {
		switch c.State {
		case "exited", "dead", "created":
		default:
			continue
		}
		if tracked != nil && tracked(c.ID, c.ProjectID) {
			continue
		}
		orphans = append(orphans, c.ID)
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	pool, err := ants.NewPool(4)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		removed []string
	)
	for _, id := range orphans {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if err := e.RemoveContainer(ctx, id, true); err != nil {
				e.logger.Warn("remove orphan failed", "container", shortID(id), "error", err)
				return
			}
			mu.Lock()
			removed = append(removed, id)
			mu.Unlock()
		}); err != nil {
			wg.Done()
			e.logger.Warn("schedule orphan removal failed", "container", shortID(id), "error", err)
		}
	}
	wg.Wait()
	sort.Strings(removed)
	return removed, nil
}

// Logs returns the last tail lines of the container's combined stdout and
// stderr. tail <= 0 returns everything.
func (e *Engine) Logs(ctx context.Context, id string, tail int) (string, error) {
	options := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: false,
		Tail:       "all",
	}
	if tail > 0 {
		options.Tail = strconv.Itoa(tail)
	}

	reader, err := e.api.ContainerLogs(ctx, id, options)
	if err != nil {
		return "", engineError(err, "container logs "+shortID(id), "")
	}
	defer reader.Close()

	var output strings.Builder
	if _, err := stdcopy.StdCopy(&output, &output, reader); err != nil && err != io.EOF {
		return "", fmt.Errorf("read logs: %w", err)
	}
	return output.String(), nil
}
