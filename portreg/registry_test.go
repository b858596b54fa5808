package portreg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/devhost/errdefs"
	"github.com/everydev1618/devhost/internal/netprobe"
	"github.com/everydev1618/devhost/stack"
)

// fakeProber marks ports as externally bound.
type fakeProber struct {
	mu   sync.Mutex
	busy map[int]bool
}

func (p *fakeProber) Available(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.busy[port]
}

func (p *fakeProber) bind(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy == nil {
		p.busy = make(map[int]bool)
	}
	p.busy[port] = true
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *fakeProber) {
	t.Helper()
	prober := &fakeProber{}
	base := []Option{
		WithProber(prober),
		WithClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }),
	}
	r, err := Open(filepath.Join(t.TempDir(), "ports.json"), append(base, opts...)...)
	require.NoError(t, err)
	r.findOwner = func(context.Context, int) (netprobe.Listener, bool) { return netprobe.Listener{}, false }
	return r, prober
}

func TestAllocateReservedBand(t *testing.T) {
	r, _ := newTestRegistry(t)

	for port := stack.Reserved.Start; port <= stack.Reserved.End; port++ {
		for _, typ := range stack.Types() {
			_, err := r.Allocate(port, typ, "p", "")
			require.Truef(t, errdefs.Is(err, errdefs.SystemReserved), "port %d type %s: err = %v", port, typ, err)
		}
	}
	assert.Empty(t, r.List())
}

func TestAllocateOutOfRange(t *testing.T) {
	r, _ := newTestRegistry(t)

	tests := []struct {
		port int
		typ  stack.Type
	}{
		{2999, stack.Node},
		{4000, stack.Node},
		{3000, stack.Python},
		{8901, stack.PHP},
		{5000, stack.Static},
		{80, stack.Node},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s-%d", tt.typ, tt.port), func(t *testing.T) {
			_, err := r.Allocate(tt.port, tt.typ, "p", "")
			assert.True(t, errdefs.Is(err, errdefs.PortOutOfRange), "err = %v", err)
		})
	}
}

func TestAllocateInvalidInput(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Allocate(0, stack.Node, "p", "")
	assert.True(t, errdefs.Is(err, errdefs.InvalidPort))

	_, err = r.Allocate(70000, stack.Node, "p", "")
	assert.True(t, errdefs.Is(err, errdefs.InvalidPort))

	_, err = r.Allocate(3000, "cobol", "p", "")
	assert.True(t, errdefs.Is(err, errdefs.InvalidType))
}

func TestAllocateNormalizesType(t *testing.T) {
	r, _ := newTestRegistry(t)

	a, err := r.Allocate(3001, "NODE", "web", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, stack.Node, a.Type)
}

func TestAllocateTwiceReportsOwner(t *testing.T) {
	r, _ := newTestRegistry(t)

	first, err := r.Allocate(3000, stack.Node, "first", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 3000, first.Port)

	_, err = r.Allocate(3000, stack.Node, "second", "proj-2")
	require.True(t, errdefs.Is(err, errdefs.PortInUse), "err = %v", err)

	owner, suggestions := errdefs.Details(err)
	require.NotNil(t, owner)
	assert.Equal(t, "proj-1", owner.ProjectID)
	assert.Equal(t, "first", owner.ProjectName)
	assert.Equal(t, []int{3001, 3002, 3003, 3004, 3005}, suggestions)

	a, ok := r.Lookup(3000)
	require.True(t, ok)
	assert.Equal(t, "proj-1", a.ProjectID)
}

func TestAllocateExternallyBound(t *testing.T) {
	r, prober := newTestRegistry(t)
	prober.bind(3000)

	_, err := r.Allocate(3000, stack.Node, "web", "")
	assert.True(t, errdefs.Is(err, errdefs.PortInUseExternal), "err = %v", err)
	_, suggestions := errdefs.Details(err)
	assert.NotContains(t, suggestions, 3000)
	assert.Empty(t, r.List())
}

func TestAllocateGeneratesProjectID(t *testing.T) {
	r, _ := newTestRegistry(t, WithIDGenerator(func() string { return "generated" }))

	a, err := r.Allocate(5000, stack.Python, "api", "")
	require.NoError(t, err)
	assert.Equal(t, "generated", a.ProjectID)
}

func TestAutoAllocateDistinctUntilExhausted(t *testing.T) {
	ranges := stack.DefaultRanges()
	ranges[stack.Static] = stack.Range{Start: 9000, End: 9004}
	r, prober := newTestRegistry(t, WithRanges(ranges))
	prober.bind(9002)

	_, err := r.Allocate(9000, stack.Static, "manual", "manual")
	require.NoError(t, err)

	seen := map[int]bool{9000: true}
	for i := 0; i < 3; i++ {
		a, err := r.AutoAllocate(stack.Static, "site", fmt.Sprintf("p%d", i))
		require.NoError(t, err)
		assert.False(t, seen[a.Port], "port %d returned twice", a.Port)
		assert.NotEqual(t, 9002, a.Port, "externally bound port returned")
		assert.True(t, ranges[stack.Static].Contains(a.Port))
		seen[a.Port] = true
	}

	_, err = r.AutoAllocate(stack.Static, "site", "overflow")
	assert.True(t, errdefs.Is(err, errdefs.NoAvailablePorts), "err = %v", err)
}

func TestAutoAllocateStartsAtRangeStart(t *testing.T) {
	r, _ := newTestRegistry(t)

	a, err := r.AutoAllocate(stack.Node, "web", "")
	require.NoError(t, err)
	assert.Equal(t, 3000, a.Port)

	b, err := r.AutoAllocate("node", "web2", "")
	require.NoError(t, err)
	assert.Equal(t, 3001, b.Port)
}

func TestReleaseProjectMismatch(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Allocate(3000, stack.Node, "web", "owner")
	require.NoError(t, err)
	before := len(r.History())

	err = r.Release(3000, "intruder")
	assert.True(t, errdefs.Is(err, errdefs.ProjectMismatch), "err = %v", err)

	a, ok := r.Lookup(3000)
	require.True(t, ok)
	assert.Equal(t, "owner", a.ProjectID)
	assert.Len(t, r.History(), before)

	require.NoError(t, r.Release(3000, "owner"))
	_, ok = r.Lookup(3000)
	assert.False(t, ok)

	history := r.History()
	require.Len(t, history, before+1)
	last := history[len(history)-1]
	assert.Equal(t, ActionRelease, last.Action)
	assert.Equal(t, 3000, last.Port)
	assert.Equal(t, "owner", last.ProjectID)
}

func TestReleaseNotAllocated(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Release(3000, "")
	assert.True(t, errdefs.Is(err, errdefs.PortNotAllocated))
}

func TestReleaseProject(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Allocate(3000, stack.Node, "web", "p1")
	require.NoError(t, err)
	_, err = r.Allocate(3005, stack.Node, "web", "p1")
	require.NoError(t, err)
	_, err = r.Allocate(3001, stack.Node, "other", "p2")
	require.NoError(t, err)

	ports, err := r.ReleaseProject("p1")
	require.NoError(t, err)
	assert.Equal(t, []int{3000, 3005}, ports)
	assert.Empty(t, r.ByProject("p1"))
	assert.Len(t, r.ByProject("p2"), 1)

	ports, err = r.ReleaseProject("p1")
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestHistoryCapped(t *testing.T) {
	r, _ := newTestRegistry(t)

	// 105 events: 53 allocations and 52 releases.
	events := 0
	for i := 0; events < 105; i++ {
		port := 3000 + i
		_, err := r.Allocate(port, stack.Node, "web", "p")
		require.NoError(t, err)
		events++
		if events == 105 {
			break
		}
		require.NoError(t, r.Release(port, "p"))
		events++
	}

	history := r.History()
	require.Len(t, history, HistoryLimit)
	// The first five events (allocate 3000, release 3000, allocate 3001,
	// release 3001, allocate 3002) were evicted.
	assert.Equal(t, ActionRelease, history[0].Action)
	assert.Equal(t, 3002, history[0].Port)
	assert.Equal(t, ActionAllocate, history[len(history)-1].Action)
	assert.Equal(t, 3052, history[len(history)-1].Port)
}

func TestPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.json")
	prober := &fakeProber{}

	r, err := Open(path, WithProber(prober))
	require.NoError(t, err)
	_, err = r.Allocate(8000, stack.PHP, "blog", "p-php")
	require.NoError(t, err)

	reopened, err := Open(path, WithProber(prober))
	require.NoError(t, err)
	a, ok := reopened.Lookup(8000)
	require.True(t, ok)
	assert.Equal(t, "p-php", a.ProjectID)
	assert.Equal(t, stack.PHP, a.Type)
	assert.Len(t, reopened.History(), 1)
}

func TestRefreshSeesOtherWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.json")
	prober := &fakeProber{}

	a, err := Open(path, WithProber(prober))
	require.NoError(t, err)
	b, err := Open(path, WithProber(prober))
	require.NoError(t, err)

	_, err = a.Allocate(3000, stack.Node, "web", "from-a")
	require.NoError(t, err)
	// Force a distinct modification time in case the filesystem clock is coarse.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	_, err = b.Allocate(3000, stack.Node, "web", "from-b")
	assert.True(t, errdefs.Is(err, errdefs.PortInUse), "err = %v", err)
}

func TestOpenCorruptTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

	_, err := Open(path)
	assert.True(t, errdefs.Is(err, errdefs.StateCorrupt), "err = %v", err)
}

func TestOpenDropsReservedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.json")
	data := `{"version":1,"allocations":{"2650":{"port":2650,"projectId":"x","type":"node"},"3000":{"port":3000,"projectId":"y","type":"node"}}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	r, err := Open(path, WithProber(&fakeProber{}))
	require.NoError(t, err)
	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, 3000, list[0].Port)
}

func TestPersistFailureRollsBack(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "state", "ports.json"), WithProber(&fakeProber{}))
	require.NoError(t, err)

	// Replace the state directory with a file so the write fails.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state"), []byte("x"), 0o644))

	_, err = r.Allocate(3000, stack.Node, "web", "p")
	require.Error(t, err)
	_, ok := r.Lookup(3000)
	assert.False(t, ok)
	assert.Empty(t, r.History())
}

func TestSuggestions(t *testing.T) {
	r, prober := newTestRegistry(t)
	prober.bind(5001)
	_, err := r.Allocate(5000, stack.Python, "api", "p")
	require.NoError(t, err)

	got, err := r.Suggestions("python", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{5002, 5003, 5004}, got)
	assert.Len(t, r.List(), 1, "suggestions must not allocate")
}

func TestCheck(t *testing.T) {
	r, prober := newTestRegistry(t)
	prober.bind(3001)
	_, err := r.Allocate(3000, stack.Node, "web", "p1")
	require.NoError(t, err)
	ctx := context.Background()

	st, err := r.Check(ctx, 3000)
	require.NoError(t, err)
	assert.False(t, st.Available)
	require.NotNil(t, st.Owner)
	assert.Equal(t, "p1", st.Owner.ProjectID)

	st, err = r.Check(ctx, 3001)
	require.NoError(t, err)
	assert.False(t, st.Available)
	assert.True(t, st.InUse)
	assert.Nil(t, st.Owner)

	st, err = r.Check(ctx, 2650)
	require.NoError(t, err)
	assert.False(t, st.Available)
	assert.True(t, st.Reserved)

	st, err = r.Check(ctx, 3002)
	require.NoError(t, err)
	assert.True(t, st.Available)
	assert.Equal(t, stack.Node, st.Type)

	_, err = r.Check(ctx, -1)
	assert.True(t, errdefs.Is(err, errdefs.InvalidPort))
}

func TestParsePortSpec(t *testing.T) {
	port, auto, err := ParsePortSpec("auto")
	require.NoError(t, err)
	assert.True(t, auto)
	assert.Zero(t, port)

	port, auto, err = ParsePortSpec(" 3000 ")
	require.NoError(t, err)
	assert.False(t, auto)
	assert.Equal(t, 3000, port)

	_, _, err = ParsePortSpec("http")
	var e *errdefs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, errdefs.InvalidPort, e.Code)
}

func TestConcurrentAutoAllocate(t *testing.T) {
	r, _ := newTestRegistry(t)

	const n = 20
	ports := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := r.AutoAllocate(stack.Node, "web", fmt.Sprintf("p%d", i))
			if err == nil {
				ports <- a.Port
			}
		}(i)
	}
	wg.Wait()
	close(ports)

	seen := map[int]bool{}
	for p := range ports {
		assert.False(t, seen[p], "port %d allocated twice", p)
		seen[p] = true
	}
	assert.Len(t, seen, n)
}

func TestConcurrentAutoAllocateAcrossRegistries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.json")
	prober := &fakeProber{}

	// Two registries on one file stand in for two devhost processes.
	regs := make([]*Registry, 2)
	for i := range regs {
		r, err := Open(path, WithProber(prober))
		require.NoError(t, err)
		regs[i] = r
	}

	const perRegistry = 25
	ports := make(chan int, 2*perRegistry)
	var wg sync.WaitGroup
	for i, r := range regs {
		for j := 0; j < perRegistry; j++ {
			wg.Add(1)
			go func(r *Registry, id string) {
				defer wg.Done()
				a, err := r.AutoAllocate(stack.Python, "api", id)
				if err == nil {
					ports <- a.Port
				}
			}(r, fmt.Sprintf("r%d-p%d", i, j))
		}
	}
	wg.Wait()
	close(ports)

	seen := map[int]bool{}
	for p := range ports {
		assert.False(t, seen[p], "port %d handed out twice", p)
		seen[p] = true
	}
	assert.Len(t, seen, 2*perRegistry)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk table
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Len(t, onDisk.Allocations, len(seen))

	for _, r := range regs {
		assert.Len(t, r.List(), len(seen))
	}
}

func TestReleaseAcrossRegistriesSeesLatestTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.json")
	prober := &fakeProber{}
	a, err := Open(path, WithProber(prober))
	require.NoError(t, err)
	b, err := Open(path, WithProber(prober))
	require.NoError(t, err)

	_, err = a.Allocate(3000, stack.Node, "web", "p1")
	require.NoError(t, err)
	// b has not read the table since a wrote it; the release must still see
	// the allocation without relying on a modification time change.
	require.NoError(t, b.Release(3000, "p1"))
	_, ok := a.Lookup(3000)
	assert.False(t, ok)
}

func TestReadersWarnWhenReloadFails(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	r, _ := newTestRegistry(t, WithLogger(logger))

	_, err := r.Allocate(3000, stack.Node, "web", "p1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(r.Path(), []byte("{"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(r.Path(), future, future))

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, 3000, list[0].Port)
	assert.Contains(t, logs.String(), "port table reload failed")
	assert.Contains(t, logs.String(), "level=WARN")

	logs.Reset()
	_, ok := r.Lookup(3000)
	assert.True(t, ok)
	assert.Len(t, r.History(), 1)
	st, err := r.Check(context.Background(), 3000)
	require.NoError(t, err)
	assert.True(t, st.InUse)
	assert.Equal(t, 3, strings.Count(logs.String(), "port table reload failed"))
}
