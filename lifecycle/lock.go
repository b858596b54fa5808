package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/everydev1618/devhost/errdefs"
)

// WithLockDir makes the per-project operation lock span processes: every
// operation also holds an advisory lock on <dir>/<project id>.lock, so two
// devhost processes sharing a home directory cannot run operations on the
// same project at once. Without it the lock is process-local.
func WithLockDir(dir string) Option {
	return func(m *Manager) {
		m.lockDir = dir
	}
}

// lockPath returns the lock file for a project id. Ids are generated, but
// anything outside a conservative file-name alphabet is replaced.
func (m *Manager) lockPath(id string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
	return filepath.Join(m.lockDir, name+".lock")
}

// lockFile takes the cross-process lock for id without waiting.
func (m *Manager) lockFile(id, op string) (unlock func(), err error) {
	if m.lockDir == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(m.lockDir, 0o755); err != nil {
		return nil, errdefs.Wrap(err, errdefs.Internal, op, id)
	}
	fl := flock.New(m.lockPath(id))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.Internal, op, id)
	}
	if !ok {
		return nil, &errdefs.Error{
			Code:      errdefs.OperationInFlight,
			Op:        op,
			ProjectID: id,
			Message:   "another devhost process is operating on this project",
		}
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			m.logger.Warn("release project lock", "project", id, "error", err)
		}
	}, nil
}

// lockedElsewhere reports whether any holder, in this process or another,
// has the file lock for id.
func (m *Manager) lockedElsewhere(id string) bool {
	if m.lockDir == "" {
		return false
	}
	path := m.lockPath(id)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return false
	}
	if ok {
		fl.Unlock()
		return false
	}
	return true
}
