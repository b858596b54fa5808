package lifecycle

import (
	"time"

	"github.com/everydev1618/devhost/project"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventRegistered EventType = "registered"
	EventStarted    EventType = "started"
	EventStopped    EventType = "stopped"
	EventRestarted  EventType = "restarted"
	EventFailed     EventType = "failed"
	EventRemoved    EventType = "removed"
	EventReconciled EventType = "reconciled"
)

// Event is emitted after a lifecycle transition completes.
type Event struct {
	Type        EventType
	ProjectID   string
	ProjectName string
	Status      project.Status
	ContainerID string
	Port        int
	Duration    time.Duration // For started, stopped and restarted events
	Err         error         // For failed events
	Timestamp   time.Time
}

// OnEvent registers a callback invoked synchronously for every event.
// Callbacks must not call back into the Manager for the same project.
func (m *Manager) OnEvent(fn func(Event)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onEvent = append(m.onEvent, fn)
}

func (m *Manager) emit(ev Event) {
	ev.Timestamp = m.now()

	m.callbackMu.RLock()
	callbacks := make([]func(Event), len(m.onEvent))
	copy(callbacks, m.onEvent)
	m.callbackMu.RUnlock()

	for _, fn := range callbacks {
		fn(ev)
	}
}

func eventFor(t EventType, p *project.Project) Event {
	return Event{
		Type:        t,
		ProjectID:   p.ID,
		ProjectName: p.Name,
		Status:      p.Status,
		ContainerID: p.ContainerID,
		Port:        p.Port,
	}
}
