// Package portreg allocates host TCP ports to projects.
//
// Each project type owns a fixed, non-overlapping port range; a reserved
// system band is never allocatable. Allocations are persisted as a single
// JSON table that is replaced atomically on every change, together with a
// capped history of allocate/release events kept for audit.
package portreg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/everydev1618/devhost/errdefs"
	"github.com/everydev1618/devhost/internal/atomicfile"
	"github.com/everydev1618/devhost/internal/netprobe"
	"github.com/everydev1618/devhost/stack"
)

const (
	// HistoryLimit caps the number of history entries kept.
	HistoryLimit = 100

	// DefaultSuggestionCount is how many alternatives a PORT_IN_USE error carries.
	DefaultSuggestionCount = 5

	tableVersion = 1
)

// Action is a history event kind.
type Action string

const (
	ActionAllocate Action = "allocate"
	ActionRelease  Action = "release"
)

// Allocation records that a port belongs to a project.
type Allocation struct {
	Port        int        `json:"port"`
	ProjectID   string     `json:"projectId"`
	ProjectName string     `json:"projectName"`
	Type        stack.Type `json:"type"`
	AllocatedAt time.Time  `json:"allocatedAt"`
}

// HistoryEntry is one audited allocate or release.
type HistoryEntry struct {
	Action    Action    `json:"action"`
	Port      int       `json:"port"`
	ProjectID string    `json:"projectId"`
	Timestamp time.Time `json:"timestamp"`
}

// table is the on-disk layout.
type table struct {
	Version     int                    `json:"version"`
	Allocations map[string]*Allocation `json:"allocations"`
	History     []HistoryEntry         `json:"history"`
}

// Registry is the port allocation table. It is safe for concurrent use.
type Registry struct {
	mu          sync.Mutex
	doc         *atomicfile.Document[table]
	modTime     time.Time
	allocations map[int]*Allocation
	history     []HistoryEntry

	ranges    map[stack.Type]stack.Range
	prober    netprobe.Prober
	findOwner func(ctx context.Context, port int) (netprobe.Listener, bool)
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithRanges overrides the per-type port ranges.
func WithRanges(ranges map[stack.Type]stack.Range) Option {
	return func(r *Registry) {
		r.ranges = ranges
	}
}

// WithProber sets the external availability probe.
func WithProber(p netprobe.Prober) Option {
	return func(r *Registry) {
		r.prober = p
	}
}

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithIDGenerator sets the generator for project ids supplied implicitly.
func WithIDGenerator(f func() string) Option {
	return func(r *Registry) {
		r.newID = f
	}
}

// Open loads the table at path, creating an empty registry if the file does
// not exist.
func Open(path string, opts ...Option) (*Registry, error) {
	r := &Registry{
		doc:         atomicfile.NewDocument[table](path),
		allocations: make(map[int]*Allocation),
		ranges:      stack.DefaultRanges(),
		prober:      netprobe.TCPProber{},
		findOwner:   netprobe.FindListener,
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := stack.ValidateRanges(r.ranges); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the table's file path.
func (r *Registry) Path() string {
	return r.doc.Path()
}

// Range returns the port range of t.
func (r *Registry) Range(t stack.Type) (stack.Range, bool) {
	rg, ok := r.ranges[t]
	return rg, ok
}

// loadLocked replaces the in-memory table with the file contents.
func (r *Registry) loadLocked() error {
	t, found, err := r.doc.Load()
	if err != nil {
		return &errdefs.Error{Code: errdefs.StateCorrupt, Op: "load port table", Message: r.doc.Path(), Err: err}
	}

	allocations := make(map[int]*Allocation, len(t.Allocations))
	for key, a := range t.Allocations {
		port, err := strconv.Atoi(key)
		if err != nil || a == nil || a.Port != port {
			r.logger.Warn("dropping malformed port allocation", "key", key)
			continue
		}
		if stack.Reserved.Contains(port) {
			r.logger.Warn("dropping allocation inside reserved band", "port", port, "project", a.ProjectID)
			continue
		}
		allocations[port] = a
	}
	r.allocations = allocations

	r.history = t.History
	if len(r.history) > HistoryLimit {
		r.history = r.history[len(r.history)-HistoryLimit:]
	}

	r.modTime = time.Time{}
	if found {
		if info, err := os.Stat(r.doc.Path()); err == nil {
			r.modTime = info.ModTime()
		}
	}
	return nil
}

// refreshLocked reloads the table if another process replaced the file since
// it was last read or written here.
func (r *Registry) refreshLocked() error {
	info, err := os.Stat(r.doc.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.ModTime().Equal(r.modTime) {
		return nil
	}
	return r.loadLocked()
}

// refreshForReadLocked is refreshLocked for readers, which keep serving the
// last table they loaded when the file cannot be read.
func (r *Registry) refreshForReadLocked() {
	if err := r.refreshLocked(); err != nil {
		r.logger.Warn("port table reload failed, serving last loaded state", "path", r.doc.Path(), "error", err)
	}
}

// lockTableLocked takes the table's file lock and reloads the table under it,
// so the change that follows starts from every write another process has
// committed. The returned func releases the lock.
func (r *Registry) lockTableLocked() (func(), error) {
	unlock, err := r.doc.Lock()
	if err != nil {
		return nil, &errdefs.Error{Code: errdefs.Internal, Op: "lock port table", Message: r.doc.Path(), Err: err}
	}
	if err := r.loadLocked(); err != nil {
		unlock()
		return nil, err
	}
	return unlock, nil
}

// persistLocked writes the whole table.
func (r *Registry) persistLocked() error {
	t := table{
		Version:     tableVersion,
		Allocations: make(map[string]*Allocation, len(r.allocations)),
		History:     r.history,
	}
	for port, a := range r.allocations {
		t.Allocations[strconv.Itoa(port)] = a
	}
	if err := r.doc.Save(t); err != nil {
		return fmt.Errorf("persist port table: %w", err)
	}
	if info, err := os.Stat(r.doc.Path()); err == nil {
		r.modTime = info.ModTime()
	}
	return nil
}

// recordLocked appends a history entry, evicting the oldest beyond the limit.
func (r *Registry) recordLocked(action Action, port int, projectID string) {
	h := append(r.history, HistoryEntry{
		Action:    action,
		Port:      port,
		ProjectID: projectID,
		Timestamp: r.now(),
	})
	if len(h) > HistoryLimit {
		h = h[len(h)-HistoryLimit:]
	}
	r.history = h
}

// validatePort checks the policy that does not depend on the table.
func (r *Registry) validatePort(port int, typ stack.Type) (stack.Type, error) {
	if port < 1 || port > 65535 {
		return "", errdefs.New(errdefs.InvalidPort, "port %d is not in [1,65535]", port)
	}
	if stack.Reserved.Contains(port) {
		return "", errdefs.New(errdefs.SystemReserved, "port %d is in the system reserved band %s", port, stack.Reserved)
	}
	t, err := stack.Parse(string(typ))
	if err != nil {
		return "", err
	}
	rg, ok := r.ranges[t]
	if !ok || !rg.Contains(port) {
		return "", errdefs.New(errdefs.PortOutOfRange, "port %d is outside the %s range %s", port, t, rg)
	}
	return t, nil
}

// Allocate assigns port to a project. An empty projectID is replaced with a
// generated one.
func (r *Registry) Allocate(port int, typ stack.Type, name, projectID string) (Allocation, error) {
	t, err := r.validatePort(port, typ)
	if err != nil {
		return Allocation{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	unlock, err := r.lockTableLocked()
	if err != nil {
		return Allocation{}, err
	}
	defer unlock()

	if existing, ok := r.allocations[port]; ok {
		return Allocation{}, &errdefs.Error{
			Code:        errdefs.PortInUse,
			Message:     fmt.Sprintf("port %d is already allocated to %s (%s)", port, existing.ProjectName, existing.ProjectID),
			Owner:       &errdefs.Owner{ProjectID: existing.ProjectID, ProjectName: existing.ProjectName},
			Suggestions: r.suggestLocked(t, DefaultSuggestionCount),
		}
	}

	if !r.prober.Available(port) {
		msg := fmt.Sprintf("port %d is in use by a process outside devhost", port)
		if l, ok := r.findOwner(context.Background(), port); ok {
			msg = fmt.Sprintf("port %d is in use by %s", port, l)
		}
		return Allocation{}, &errdefs.Error{
			Code:        errdefs.PortInUseExternal,
			Message:     msg,
			Suggestions: r.suggestLocked(t, DefaultSuggestionCount),
		}
	}

	return r.insertLocked(port, t, name, projectID)
}

// AutoAllocate assigns the lowest free port in the type's range.
func (r *Registry) AutoAllocate(typ stack.Type, name, projectID string) (Allocation, error) {
	t, err := stack.Parse(string(typ))
	if err != nil {
		return Allocation{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	unlock, err := r.lockTableLocked()
	if err != nil {
		return Allocation{}, err
	}
	defer unlock()

	rg := r.ranges[t]
	for port := rg.Start; port <= rg.End; port++ {
		if !r.freeLocked(port) {
			continue
		}
		return r.insertLocked(port, t, name, projectID)
	}
	return Allocation{}, errdefs.New(errdefs.NoAvailablePorts, "no available ports in the %s range %s", t, rg)
}

func (r *Registry) insertLocked(port int, t stack.Type, name, projectID string) (Allocation, error) {
	if projectID == "" {
		projectID = r.newID()
	}
	a := &Allocation{
		Port:        port,
		ProjectID:   projectID,
		ProjectName: name,
		Type:        t,
		AllocatedAt: r.now(),
	}

	prevHistory := r.history
	r.allocations[port] = a
	r.recordLocked(ActionAllocate, port, projectID)

	if err := r.persistLocked(); err != nil {
		delete(r.allocations, port)
		r.history = prevHistory
		return Allocation{}, err
	}

	r.logger.Info("port allocated", "port", port, "type", t, "project", projectID, "name", name)
	return *a, nil
}

// freeLocked reports whether port is unallocated and externally available.
func (r *Registry) freeLocked(port int) bool {
	if stack.Reserved.Contains(port) {
		return false
	}
	if _, taken := r.allocations[port]; taken {
		return false
	}
	return r.prober.Available(port)
}

func (r *Registry) suggestLocked(t stack.Type, count int) []int {
	var out []int
	rg := r.ranges[t]
	for port := rg.Start; port <= rg.End && len(out) < count; port++ {
		if r.freeLocked(port) {
			out = append(out, port)
		}
	}
	return out
}

// Suggestions returns up to count free ports in the type's range without
// allocating them.
func (r *Registry) Suggestions(typ stack.Type, count int) ([]int, error) {
	t, err := stack.Parse(string(typ))
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(); err != nil {
		return nil, err
	}
	return r.suggestLocked(t, count), nil
}

// Release frees port. When projectID is non-empty it must match the owner.
func (r *Registry) Release(port int, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	unlock, err := r.lockTableLocked()
	if err != nil {
		return err
	}
	defer unlock()

	a, ok := r.allocations[port]
	if !ok {
		return errdefs.New(errdefs.PortNotAllocated, "port %d is not allocated", port)
	}
	if projectID != "" && a.ProjectID != projectID {
		return &errdefs.Error{
			Code:    errdefs.ProjectMismatch,
			Message: fmt.Sprintf("port %d belongs to project %s, not %s", port, a.ProjectID, projectID),
			Owner:   &errdefs.Owner{ProjectID: a.ProjectID, ProjectName: a.ProjectName},
		}
	}

	prevHistory := r.history
	delete(r.allocations, port)
	r.recordLocked(ActionRelease, port, a.ProjectID)

	if err := r.persistLocked(); err != nil {
		r.allocations[port] = a
		r.history = prevHistory
		return err
	}

	r.logger.Info("port released", "port", port, "project", a.ProjectID)
	return nil
}

// ReleaseProject frees every port owned by projectID and returns them.
func (r *Registry) ReleaseProject(projectID string) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	unlock, err := r.lockTableLocked()
	if err != nil {
		return nil, err
	}
	defer unlock()

	var ports []int
	for port, a := range r.allocations {
		if a.ProjectID == projectID {
			ports = append(ports, port)
		}
	}
	if len(ports) == 0 {
		return nil, nil
	}
	sort.Ints(ports)

	prevHistory := r.history
	removed := make(map[int]*Allocation, len(ports))
	for _, port := range ports {
		removed[port] = r.allocations[port]
		delete(r.allocations, port)
		r.recordLocked(ActionRelease, port, projectID)
	}

	if err := r.persistLocked(); err != nil {
		for port, a := range removed {
			r.allocations[port] = a
		}
		r.history = prevHistory
		return nil, err
	}

	r.logger.Info("project ports released", "project", projectID, "ports", ports)
	return ports, nil
}

// Lookup returns the allocation for port.
func (r *Registry) Lookup(port int) (Allocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshForReadLocked()
	a, ok := r.allocations[port]
	if !ok {
		return Allocation{}, false
	}
	return *a, true
}

// ByProject returns the allocations owned by projectID, lowest port first.
func (r *Registry) ByProject(projectID string) []Allocation {
	var out []Allocation
	for _, a := range r.List() {
		if a.ProjectID == projectID {
			out = append(out, a)
		}
	}
	return out
}

// List returns every allocation, lowest port first.
func (r *Registry) List() []Allocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshForReadLocked()

	out := make([]Allocation, 0, len(r.allocations))
	for _, a := range r.allocations {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// History returns the audit log, oldest first.
func (r *Registry) History() []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshForReadLocked()
	return append([]HistoryEntry(nil), r.history...)
}

// PortStatus is the result of Check.
type PortStatus struct {
	Port      int                `json:"port"`
	Available bool               `json:"available"`
	Reserved  bool               `json:"reserved,omitempty"`
	Type      stack.Type         `json:"type,omitempty"`
	Owner     *Allocation        `json:"owner,omitempty"`
	External  *netprobe.Listener `json:"external,omitempty"`
	InUse     bool               `json:"inUse,omitempty"`
}

// Check reports whether port could be allocated right now and, if not, who
// holds it.
func (r *Registry) Check(ctx context.Context, port int) (PortStatus, error) {
	if port < 1 || port > 65535 {
		return PortStatus{}, errdefs.New(errdefs.InvalidPort, "port %d is not in [1,65535]", port)
	}

	st := PortStatus{Port: port}
	for t, rg := range r.ranges {
		if rg.Contains(port) {
			st.Type = t
		}
	}
	if stack.Reserved.Contains(port) {
		st.Reserved = true
		return st, nil
	}

	r.mu.Lock()
	r.refreshForReadLocked()
	a, allocated := r.allocations[port]
	var owner Allocation
	if allocated {
		owner = *a
	}
	r.mu.Unlock()

	if allocated {
		st.Owner = &owner
		st.InUse = true
		return st, nil
	}
	if !r.prober.Available(port) {
		st.InUse = true
		if l, ok := r.findOwner(ctx, port); ok {
			st.External = &l
		}
		return st, nil
	}
	st.Available = true
	return st, nil
}

// ParsePortSpec parses a caller-supplied port: "auto" (or empty) requests
// automatic allocation, anything else must be an integer in [1,65535].
func ParsePortSpec(s string) (port int, auto bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "auto") {
		return 0, true, nil
	}
	port, err = strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, false, errdefs.New(errdefs.InvalidPort, "invalid port %q", s)
	}
	return port, false, nil
}
