package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"
)

// Kind classifies a supervised service.
type Kind string

const (
	KindDatabase Kind = "database"
	KindBackend  Kind = "backend"
	KindFrontend Kind = "frontend"
)

// Requirement is a path that must exist before a service can be spawned.
type Requirement struct {
	Path string
	What string // human label, e.g. "node_modules"
}

// Probe confirms a spawned service accepts work.
type Probe interface {
	Ready(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Ready(ctx context.Context) error { return f(ctx) }

// TCPProbe succeeds once addr accepts a TCP connection.
func TCPProbe(addr string) Probe {
	return ProbeFunc(func(ctx context.Context) error {
		d := net.Dialer{Timeout: time.Second}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return c.Close()
	})
}

// Service describes one supervised process.
type Service struct {
	Name     string
	Kind     Kind
	Command  string
	Args     []string
	WorkDir  string
	Port     int
	Env      []string // "K=V" entries layered over the agent environment
	Requires []Requirement
	Probe    Probe
}

func (s Service) missing() error {
	for _, r := range s.Requires {
		if _, err := os.Stat(r.Path); err != nil {
			what := r.What
			if what == "" {
				what = "required path"
			}
			return fmt.Errorf("%w: %s: %s not found at %s", ErrSpawnFailure, s.Name, what, r.Path)
		}
	}
	return nil
}
