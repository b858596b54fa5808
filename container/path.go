package container

import (
	"path"
	"regexp"
	"strings"

	"github.com/everydev1618/devhost/errdefs"
)

// PathStyle selects how a Windows host path is written as a bind mount
// source.
type PathStyle string

const (
	// PathStyleDesktop rewrites C:\src\app as /c/src/app (Docker Desktop).
	PathStyleDesktop PathStyle = "desktop"
	// PathStyleWSL rewrites C:\src\app as /mnt/c/src/app.
	PathStyleWSL PathStyle = "wsl"
)

var drivePath = regexp.MustCompile(`^([A-Za-z]):[\\/]`)

// ParsePathStyle returns the style named by s; empty means PathStyleDesktop.
func ParsePathStyle(s string) (PathStyle, error) {
	switch PathStyle(strings.ToLower(s)) {
	case "", PathStyleDesktop:
		return PathStyleDesktop, nil
	case PathStyleWSL:
		return PathStyleWSL, nil
	}
	return "", errdefs.New(errdefs.InvalidConfig, "unknown path style %q", s)
}

// TranslatePath validates a host workspace path and rewrites it into the
// form the engine expects for a bind mount source. Relative paths and paths
// with ".." segments are rejected.
func TranslatePath(p string, style PathStyle) (string, error) {
	if p == "" {
		return "", errdefs.New(errdefs.InvalidPath, "workspace path is required")
	}

	normalized := strings.ReplaceAll(p, `\`, "/")
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return "", errdefs.New(errdefs.InvalidPath, "workspace path %q contains a traversal segment", p)
		}
	}

	if m := drivePath.FindStringSubmatch(p); m != nil {
		drive := strings.ToLower(m[1])
		rest := strings.TrimPrefix(normalized[2:], "/")
		prefix := "/" + drive
		if style == PathStyleWSL {
			prefix = "/mnt/" + drive
		}
		return path.Clean(prefix + "/" + rest), nil
	}

	if !strings.HasPrefix(normalized, "/") || strings.HasPrefix(p, `\`) {
		return "", errdefs.New(errdefs.InvalidPath, "workspace path %q must be absolute", p)
	}
	return path.Clean(normalized), nil
}
