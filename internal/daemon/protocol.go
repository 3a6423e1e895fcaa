package daemon

import (
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// requestMsg is one parsed request line handed from a connection's reader
// goroutine to the event loop.
type requestMsg struct {
	connID int
	verb   string
	args   []string
}

// dispatchResult tells the event loop what to do once a request has been
// answered.
type dispatchResult struct {
	closeConn bool
	shutdown  bool
}

// defaultKillSignal is delivered by "kill" and "killall" when no signal
// number is supplied.
const defaultKillSignal = unix.SIGHUP

// verbRule is one entry of the dispatch table. A request's verb token
// matches canonical if it is at least minLen bytes long and is a prefix of
// canonical, so a verb may be abbreviated down to minLen bytes; a verb whose
// minLen equals its own length accepts no abbreviation.
type verbRule struct {
	canonical string
	minLen    int
}

var (
	verbExecute = verbRule{"execute", 4}
	verbNop     = verbRule{"nop", 3}
	verbStatus  = verbRule{"status", 6}
	verbKill    = verbRule{"kill", 4}
	verbKillAll = verbRule{"killall", 7}
	verbNConn   = verbRule{"nconnections", 5}
	verbNTasks  = verbRule{"ntasks", 5}
	verbClose   = verbRule{"close", 5}
	verbDown    = verbRule{"shutdown", 8}
)

func (r verbRule) matches(token string) bool {
	if len(token) < r.minLen || len(token) > len(r.canonical) {
		return false
	}
	return token == r.canonical[:len(token)]
}

// parseLine splits a request line into its verb and whitespace-separated
// arguments.
func parseLine(line string) (verb string, args []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// errorLine writes an "[ERR] ..." reply and counts it.
func (d *Daemon) errorLine(conn net.Conn, format string, args ...interface{}) {
	d.bump(func(m Metrics) { m.RequestErrored() })
	d.writeLine(conn, format, args...)
}

// dispatch executes one already-parsed request and returns what the event
// loop should do next. It is called only from the event loop goroutine.
func (d *Daemon) dispatch(msg requestMsg) dispatchResult {
	conn, ok := d.conns.Get(msg.connID)
	if !ok {
		// The connection vanished between read and dispatch (e.g. a
		// disconnect event for it is already queued); nothing to reply to.
		return dispatchResult{}
	}

	verb := msg.verb
	switch {
	case verb == "":
		// Blank line, no reply.
		return dispatchResult{}

	case verbExecute.matches(verb):
		d.bump(func(m Metrics) { m.RequestHandled("execute") })
		return d.handleExecute(conn.Conn, msg)

	case verbNop.matches(verb):
		d.bump(func(m Metrics) { m.RequestHandled("nop") })
		// No reply.
		return dispatchResult{}

	case verbStatus.matches(verb):
		d.bump(func(m Metrics) { m.RequestHandled("status") })
		d.handleStatus(conn.Conn, msg.args)
		return dispatchResult{}

	case verbKillAll.matches(verb):
		d.bump(func(m Metrics) { m.RequestHandled("killall") })
		d.handleKillAll(conn.Conn)
		return dispatchResult{}

	case verbKill.matches(verb):
		d.bump(func(m Metrics) { m.RequestHandled("kill") })
		d.handleKill(conn.Conn, msg.args)
		return dispatchResult{}

	case verbNConn.matches(verb):
		d.bump(func(m Metrics) { m.RequestHandled("nconnections") })
		d.writeLine(conn.Conn, "[OK] %d\n", d.conns.Count())
		return dispatchResult{}

	case verbNTasks.matches(verb):
		d.bump(func(m Metrics) { m.RequestHandled("ntasks") })
		d.handleNTasks(conn.Conn, msg.args)
		return dispatchResult{}

	case verbClose.matches(verb):
		d.bump(func(m Metrics) { m.RequestHandled("close") })
		d.writeLine(conn.Conn, "[OK]\n")
		return dispatchResult{closeConn: true}

	case verbDown.matches(verb):
		d.bump(func(m Metrics) { m.RequestHandled("shutdown") })
		return d.handleShutdown(conn.Conn, msg.args)

	default:
		d.errorLine(conn.Conn, "[ERR] %v: %s\n", ErrUnknownRequest, verb)
		return dispatchResult{}
	}
}

func (d *Daemon) handleExecute(conn net.Conn, msg requestMsg) dispatchResult {
	if len(msg.args) == 0 {
		d.errorLine(conn, "[ERR] %v\n", ErrMissingArgument)
		return dispatchResult{}
	}
	name, taskArgs := msg.args[0], msg.args[1:]

	_, running, err := d.launcher.Launch(msg.connID, conn, name, taskArgs)
	if err != nil {
		d.errorLine(conn, "[ERR] %v\n", err)
		return dispatchResult{}
	}
	if !running {
		// The launcher already reported the failure on the task stream,
		// complete with its terminal "[EOT]" line; the connection was never
		// handed to a child.
		return dispatchResult{}
	}
	d.conns.SetBusy(msg.connID, true)
	d.bump(func(m Metrics) { m.TaskStarted() })
	return dispatchResult{}
}

func (d *Daemon) handleStatus(conn net.Conn, args []string) {
	if len(args) == 0 {
		d.writeLine(conn, "[OK] nconn=%d ntasks=%d\n", d.conns.Count(), d.registry.Running())
		d.registry.Occupied(func(idx int, s TaskSlot) {
			d.writeLine(conn, "task=%d conn=%d stat=%s exit=%d cmd: %s\n", idx, s.ConnID, s.State, s.ExitStatus, s.ArgsSummary)
		})
		d.writeLine(conn, "[EOT]\n")
		return
	}

	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 || n >= d.registry.Len() {
		d.errorLine(conn, "[ERR] %v (%s)\n", ErrInvalidTaskNumber, args[0])
		return
	}
	slot, _ := d.registry.Slot(n)
	d.writeLine(conn, "[OK] task %d %s %d (%s)\n", n, slot.State, slot.ExitStatus, slot.Name)
}

func (d *Daemon) handleKill(conn net.Conn, args []string) {
	if len(args) == 0 {
		d.errorLine(conn, "[ERR] %v\n", ErrMissingArgument)
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 || n >= d.registry.Len() {
		d.errorLine(conn, "[ERR] %v (%s)\n", ErrInvalidTaskNumber, args[0])
		return
	}
	sig := defaultKillSignal
	if len(args) > 1 {
		s, err := strconv.Atoi(args[1])
		if err != nil {
			d.errorLine(conn, "[ERR] invalid signal: %s\n", args[1])
			return
		}
		sig = unix.Signal(s)
	}
	slot, _ := d.registry.Slot(n)
	if slot.PID == 0 {
		d.errorLine(conn, "[ERR] %v (%d)\n", ErrTaskNotRunning, n)
		return
	}
	if err := unix.Kill(slot.PID, sig); err != nil {
		d.errorLine(conn, "[ERR] %v\n", err)
		return
	}
	d.writeLine(conn, "[OK]\n")
}

func (d *Daemon) handleKillAll(conn net.Conn) {
	d.registry.SignalAll(func(pid int) error { return unix.Kill(pid, defaultKillSignal) })
	d.writeLine(conn, "[OK] %d\n", d.registry.Running())
}

func (d *Daemon) handleNTasks(conn net.Conn, args []string) {
	if len(args) == 0 {
		d.writeLine(conn, "[OK] %d\n", d.registry.Running())
		return
	}
	connID, err := strconv.Atoi(args[0])
	if err != nil {
		d.errorLine(conn, "[ERR] invalid connection number (%s)\n", args[0])
		return
	}
	count := 0
	d.registry.Occupied(func(_ int, s TaskSlot) {
		if s.ConnID == connID && s.PID != 0 {
			count++
		}
	})
	d.writeLine(conn, "[OK] %d\n", count)
}

func (d *Daemon) handleShutdown(conn net.Conn, args []string) dispatchResult {
	now := len(args) > 0 && args[0] == "now"
	if !now && d.registry.Running() > 0 {
		d.errorLine(conn, "[ERR] %d %v\n", d.registry.Running(), ErrTasksStillRunning)
		return dispatchResult{}
	}
	d.writeLine(conn, "[OK]\n")
	return dispatchResult{shutdown: true}
}
