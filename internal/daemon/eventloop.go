package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// maxRequestLine caps a single request at 8 KiB.
const maxRequestLine = 8192

// maxAcceptErrors is the consecutive-Accept-error count at which the
// daemon gives up and exits with a nonzero status.
const maxAcceptErrors = 8192

// connEvent reports a connection's death to the event loop.
type connEvent struct {
	id  int
	err error
}

// ListenAndServe binds the configured address and runs the event loop until
// ctx is canceled, a SIGINT/SIGHUP is received, or a "shutdown" request
// is processed. One goroutine per connection performs blocking reads and
// forwards parsed requests over requestCh; one goroutine per spawned task
// blocks in cmd.Wait() and forwards over the completion queue; the Accept
// loop forwards new connections over acceptCh; and this function is the
// single consumer that mutates the registry and connection table.
func (d *Daemon) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Addr())
	if err != nil {
		return err
	}
	d.listener = ln
	d.log.Infof("listening on %s", ln.Addr())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	go d.acceptLoop(ln)

	return d.run(ctx, sigCh)
}

// acceptLoop accepts connections until ln is closed, forwarding each over
// acceptCh. A run of maxAcceptErrors consecutive Accept errors is
// reported as fatal; an error caused by the loop itself closing the
// listener during shutdown is not.
func (d *Daemon) acceptLoop(ln net.Listener) {
	errCount := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errCount++
			d.log.Warnf("accept error (%d consecutive): %v", errCount, err)
			if errCount >= maxAcceptErrors {
				d.fatalCh <- err
				return
			}
			continue
		}
		errCount = 0
		d.acceptCh <- conn
	}
}

// run is the single serializing goroutine: every mutation of the registry
// and connection table happens here.
func (d *Daemon) run(ctx context.Context, sigCh chan os.Signal) error {
	for {
		d.drainCompletions()

		select {
		case conn := <-d.acceptCh:
			d.handleAccept(conn)

		case msg := <-d.requestCh:
			res := d.dispatch(msg)
			if res.closeConn {
				d.closeConn(msg.connID, false)
			}
			if res.shutdown {
				return d.shutdown()
			}

		case ev := <-d.disconnectCh:
			if ev.err != nil {
				d.log.Debugf("connection %d: %v", ev.id, ev.err)
			}
			d.closeConn(ev.id, false)

		case ev := <-d.completion.C():
			d.applyCompletion(ev)

		case reply := <-d.snapshotCh:
			reply <- d.snapshotLocked()

		case sig := <-sigCh:
			d.log.Infof("received %v, shutting down listener", sig)
			return d.shutdown()

		case err := <-d.fatalCh:
			d.log.Errorf("fatal event loop error: %v", err)
			return err

		case <-ctx.Done():
			return d.shutdown()
		}
	}
}

// drainCompletions empties the completion queue before any request is
// dispatched, so a status query issued after a task's [EOT] always sees
// that task in a terminal state.
func (d *Daemon) drainCompletions() {
	for _, ev := range d.completion.Drain() {
		d.applyCompletion(ev)
	}
	// Dropped is cumulative; only log/count the delta since the last drain
	// so a completion queue that filled up once doesn't inflate the metric
	// and logfile on every subsequent idle loop tick.
	if dropped := d.completion.Dropped(); dropped > d.lastDropped {
		newly := dropped - d.lastDropped
		d.log.Warnf("completion queue full: dropped %d event(s)", newly)
		for i := uint64(0); i < newly; i++ {
			d.bump(func(m Metrics) { m.CompletionDropped() })
		}
		d.lastDropped = dropped
	}
}

func (d *Daemon) applyCompletion(ev CompletionEvent) {
	idx, slot, ok := d.registry.Complete(ev.PID, ev.ExitStatus, ev.Interrupted)
	if !ok {
		d.log.Warnf("completion event for unknown pid %d", ev.PID)
		return
	}
	d.bump(func(m Metrics) { m.TaskFinished(ev.Interrupted) })

	if slot.Conn != nil {
		if _, err := fmt.Fprintf(slot.Conn, "[EOT] %d %d\n", idx, ev.ExitStatus); err != nil {
			d.log.Debugf("write [EOT] for conn %d: %v", slot.ConnID, err)
		}
	}
	d.conns.SetBusy(slot.ConnID, false)
}

// handleAccept registers a freshly accepted connection and starts its
// reader goroutine, or refuses it if the connection table is full.
func (d *Daemon) handleAccept(conn net.Conn) {
	id, ok := d.conns.Add(conn)
	if !ok {
		d.writeLine(conn, "[ERR] %v\n", ErrNoFreeConnection)
		conn.Close()
		return
	}
	d.bump(func(m Metrics) { m.ConnectionOpened() })
	corrID := uuid.New()
	d.log.WithField("conn", id).WithField("corr_id", corrID.String()).Debugf("accepted %s", conn.RemoteAddr())

	go readConn(id, conn, d.requestCh, d.disconnectCh)
}

// closeConn tears the connection down and, if killTasks is set, signals
// every task still bound to it (used only by shutdown's final sweep). A
// connection can be reported dead twice, once by a "close" request and
// once by its reader goroutine, so an already-freed id is a no-op.
func (d *Daemon) closeConn(id int, killTasks bool) error {
	if _, ok := d.conns.Get(id); !ok {
		return nil
	}
	err := d.conns.Close(id, d.registry, killTasks, func(pid int) error {
		return unix.Kill(pid, defaultKillSignal)
	})
	d.bump(func(m Metrics) { m.ConnectionClosed() })
	return err
}

// shutdown signals every live task with SIGHUP and closes every remaining
// connection, aggregating per-connection close failures with go-multierror
// rather than stopping at the first one.
func (d *Daemon) shutdown() error {
	d.registry.SignalAll(func(pid int) error { return unix.Kill(pid, defaultKillSignal) })

	var result *multierror.Error
	ids := d.conns.IDs()
	for _, id := range ids {
		if err := d.closeConn(id, true); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if d.listener != nil {
		if err := d.listener.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// readConn performs blocking line reads on conn. Each line is split into a
// requestMsg and forwarded to requestCh; disconnect (EOF, reset, or a line
// over maxRequestLine) reports to disconnect and the goroutine exits,
// leaving conn's eventual Close to the event loop, which owns the tables.
func readConn(id int, conn net.Conn, requestCh chan<- requestMsg, disconnect chan<- connEvent) {
	r := bufio.NewReaderSize(conn, maxRequestLine)
	for {
		line, err := readRequestLine(r)
		if err != nil {
			disconnect <- connEvent{id: id, err: err}
			return
		}
		verb, args := parseLine(line)
		requestCh <- requestMsg{connID: id, verb: verb, args: args}
	}
}

// readRequestLine reads up to the next '\n' or NUL, or returns an error once
// more than maxRequestLine bytes have accumulated without a terminator.
func readRequestLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' || b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
		if len(buf) > maxRequestLine {
			return "", ErrRequestTooLong
		}
	}
}
