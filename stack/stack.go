// Package stack defines the closed set of project types devhost can run and
// the per-type profile each one maps to: the pre-built image, the host port
// range, the default dev-server command, and the file patterns the in-image
// watcher restarts on.
package stack

import (
	"fmt"
	"sort"
	"strings"

	"github.com/everydev1618/devhost/errdefs"
)

// Type is a project technology type.
type Type string

const (
	Node   Type = "node"
	Python Type = "python"
	PHP    Type = "php"
	Static Type = "static"
)

// Parse normalizes s (case and surrounding space) and returns the matching Type.
func Parse(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := profiles[t]; !ok {
		return "", &errdefs.Error{
			Code:    errdefs.InvalidType,
			Message: fmt.Sprintf("unsupported project type %q (want one of %s)", s, strings.Join(typeNames(), ", ")),
		}
	}
	return t, nil
}

// Valid reports whether t is one of the supported types.
func (t Type) Valid() bool {
	_, ok := profiles[t]
	return ok
}

// Types returns all supported types in a stable order.
func Types() []Type {
	types := make([]Type, 0, len(profiles))
	for t := range profiles {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func typeNames() []string {
	var names []string
	for _, t := range Types() {
		names = append(names, string(t))
	}
	return names
}

// Range is an inclusive band of TCP ports.
type Range struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`
}

// Contains reports whether port lies in the range.
func (r Range) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// Size returns the number of ports in the range.
func (r Range) Size() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Overlaps reports whether r and o share at least one port.
func (r Range) Overlaps(o Range) bool {
	return r.Start <= o.End && o.Start <= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Reserved is the system band that is never allocatable.
var Reserved = Range{Start: 2601, End: 2699}

// Profile is the fixed per-type configuration.
type Profile struct {
	Type            Type
	Image           string
	Ports           Range
	Command         []string
	WatchExtensions []string
	IgnoreDirs      []string
}

var profiles = map[Type]Profile{
	Node: {
		Type:            Node,
		Image:           "devhost/node-dev:latest",
		Ports:           Range{Start: 3000, End: 3999},
		Command:         []string{"sh", "-c", "npm install --no-audit --no-fund && npm run dev"},
		WatchExtensions: []string{".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx", ".json"},
		IgnoreDirs:      []string{"node_modules", ".git", "dist", ".next"},
	},
	Python: {
		Type:            Python,
		Image:           "devhost/python-dev:latest",
		Ports:           Range{Start: 5000, End: 5999},
		Command:         []string{"python-watcher.py", "python", "main.py"},
		WatchExtensions: []string{".py", ".pyx", ".pyi"},
		IgnoreDirs:      []string{"__pycache__", "venv", "env", ".git"},
	},
	PHP: {
		Type:            PHP,
		Image:           "devhost/php-dev:latest",
		Ports:           Range{Start: 8000, End: 8900},
		Command:         []string{"sh", "-c", "php -S 0.0.0.0:$PORT -t /app"},
		WatchExtensions: []string{".php", ".phtml"},
		IgnoreDirs:      []string{"vendor", ".git"},
	},
	Static: {
		Type:            Static,
		Image:           "devhost/static-dev:latest",
		Ports:           Range{Start: 9000, End: 9999},
		Command:         []string{"sh", "-c", "live-server /app --host=0.0.0.0 --port=$PORT --no-browser"},
		WatchExtensions: []string{".html", ".css", ".js"},
		IgnoreDirs:      []string{".git"},
	},
}

// Lookup returns the default profile for t.
func Lookup(t Type) (Profile, bool) {
	p, ok := profiles[t]
	if !ok {
		return Profile{}, false
	}
	p.Command = append([]string(nil), p.Command...)
	p.WatchExtensions = append([]string(nil), p.WatchExtensions...)
	p.IgnoreDirs = append([]string(nil), p.IgnoreDirs...)
	return p, true
}

// DefaultRanges returns the default port range of every type.
func DefaultRanges() map[Type]Range {
	ranges := make(map[Type]Range, len(profiles))
	for t, p := range profiles {
		ranges[t] = p.Ports
	}
	return ranges
}

// DefaultImages returns the default image of every type.
func DefaultImages() map[Type]string {
	images := make(map[Type]string, len(profiles))
	for t, p := range profiles {
		images[t] = p.Image
	}
	return images
}

// ValidateRanges checks that every type has a non-empty range inside
// [1,65535] that overlaps neither the reserved band nor another type's range.
func ValidateRanges(ranges map[Type]Range) error {
	types := Types()
	for i, t := range types {
		r, ok := ranges[t]
		if !ok {
			return errdefs.New(errdefs.InvalidConfig, "no port range for type %s", t)
		}
		if r.Size() == 0 || r.Start < 1 || r.End > 65535 {
			return errdefs.New(errdefs.InvalidConfig, "invalid port range %s for type %s", r, t)
		}
		if r.Overlaps(Reserved) {
			return errdefs.New(errdefs.InvalidConfig, "port range %s for type %s overlaps the reserved band %s", r, t, Reserved)
		}
		for _, o := range types[i+1:] {
			if or, ok := ranges[o]; ok && r.Overlaps(or) {
				return errdefs.New(errdefs.InvalidConfig, "port ranges of %s (%s) and %s (%s) overlap", t, r, o, or)
			}
		}
	}
	return nil
}
