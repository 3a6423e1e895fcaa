// Package daemon implements votaskd's server side: a TCP listener that
// accepts client connections, executes named external programs as
// subprocesses with their stdout wired directly to the requesting socket,
// and answers a small control protocol for status/kill/shutdown.
package daemon

import (
	"fmt"
	"net"

	"github.com/mjfitzpatrick/dalserver/internal/config"
	"github.com/mjfitzpatrick/dalserver/internal/logging"
)

// Metrics receives lifecycle events for external observability. A nil
// Metrics is safe to use: every Daemon method nil-checks before calling it.
// It is an interface, not a concrete prometheus dependency, so that
// internal/diagnostics (which does import client_golang) can depend on
// daemon without daemon depending back on diagnostics.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	TaskStarted()
	TaskFinished(interrupted bool)
	RequestHandled(verb string)
	RequestErrored()
	CompletionDropped()
}

// Snapshot is a point-in-time view of the daemon's tables, computed on the
// event loop goroutine and handed across for diagnostics/status reporting.
type Snapshot struct {
	Connections int
	Tasks       []TaskSlot
	Running     int
	Dropped     uint64
}

// Daemon owns every piece of server-side state. Registry and ConnTable are
// mutated only from the run() goroutine; everything else may be read
// concurrently.
type Daemon struct {
	cfg *config.Config
	log logging.Logger

	registry   *Registry
	conns      *ConnTable
	resolver   *TaskResolver
	completion *CompletionQueue
	launcher   *Launcher
	metrics    Metrics

	listener net.Listener

	lastDropped uint64

	acceptCh     chan net.Conn
	requestCh    chan requestMsg
	disconnectCh chan connEvent
	fatalCh      chan error
	snapshotCh   chan chan Snapshot
}

// New builds a Daemon from cfg. It does not start listening; call
// ListenAndServe for that.
func New(cfg *config.Config, log logging.Logger, metrics Metrics) *Daemon {
	registry := NewRegistry(cfg.MaxTasks)
	completion := NewCompletionQueue(config.DefaultCompletionQueue)
	resolver := NewTaskResolver(cfg.SearchPath)

	return &Daemon{
		cfg:          cfg,
		log:          log,
		registry:     registry,
		conns:        NewConnTable(cfg.MaxClients),
		resolver:     resolver,
		completion:   completion,
		launcher:     NewLauncher(resolver, registry, completion),
		metrics:      metrics,
		acceptCh:     make(chan net.Conn, cfg.MaxClients),
		requestCh:    make(chan requestMsg, cfg.MaxClients),
		disconnectCh: make(chan connEvent, cfg.MaxClients),
		fatalCh:      make(chan error, 1),
		snapshotCh:   make(chan chan Snapshot),
	}
}

// Snapshot returns a consistent view of the registry and connection table
// by asking the event loop goroutine to compute one, rather than locking
// shared state from the calling (diagnostics HTTP) goroutine.
func (d *Daemon) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	d.snapshotCh <- reply
	return <-reply
}

func (d *Daemon) snapshotLocked() Snapshot {
	s := Snapshot{Connections: d.conns.Count(), Running: d.registry.Running(), Dropped: d.completion.Dropped()}
	d.registry.Occupied(func(_ int, slot TaskSlot) {
		s.Tasks = append(s.Tasks, slot)
	})
	return s
}

func (d *Daemon) bump(f func(Metrics)) {
	if d.metrics != nil {
		f(d.metrics)
	}
}

// writeLine writes s to conn, logging (but not propagating) a failed write:
// a client that has gone away mid-reply is not a daemon error.
func (d *Daemon) writeLine(conn net.Conn, format string, args ...interface{}) {
	if _, err := fmt.Fprintf(conn, format, args...); err != nil {
		d.log.Debugf("write to connection failed: %v", err)
	}
}
