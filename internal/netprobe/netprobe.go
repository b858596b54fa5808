// Package netprobe checks whether host TCP ports are bound by something
// outside devhost.
package netprobe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Prober reports whether a port can currently be bound on this host.
type Prober interface {
	Available(port int) bool
}

// TCPProber probes by binding the port and releasing it immediately.
type TCPProber struct {
	// Host is the interface to bind; empty means all interfaces.
	Host string
}

// Available reports whether port can be bound on p.Host.
func (p TCPProber) Available(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(p.Host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Listener describes the process holding a port.
type Listener struct {
	PID     int32  `json:"pid"`
	Process string `json:"process,omitempty"`
	Address string `json:"address"`
}

func (l Listener) String() string {
	if l.Process != "" {
		return fmt.Sprintf("%s (pid %d) on %s", l.Process, l.PID, l.Address)
	}
	if l.PID > 0 {
		return fmt.Sprintf("pid %d on %s", l.PID, l.Address)
	}
	return l.Address
}

// FindListener looks up the process listening on port. The lookup is best
// effort: without sufficient privileges the PID may be zero or the listener
// may not be visible at all, in which case ok is false.
func FindListener(ctx context.Context, port int) (Listener, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return Listener{}, false
	}
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port {
			continue
		}
		l := Listener{
			PID:     c.Pid,
			Address: net.JoinHostPort(c.Laddr.IP, strconv.Itoa(port)),
		}
		if c.Pid > 0 {
			if proc, err := process.NewProcessWithContext(ctx, c.Pid); err == nil {
				if name, err := proc.NameWithContext(ctx); err == nil {
					l.Process = name
				}
			}
		}
		return l, true
	}
	return Listener{}, false
}
