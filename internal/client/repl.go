// Package client implements votaskd's client mode: two plain TCP
// connections to a remote daemon, designated control and task, multiplexed
// against standard input in either single-task or interactive REPL form.
package client

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/mjfitzpatrick/dalserver/internal/logging"
)

// eotPrefix is the literal five-byte token that terminates a task's output
// stream on the wire.
const eotPrefix = "[EOT]"

// lineMsg is one line read from a pumped source, or the terminal error
// (including io.EOF) once the source is exhausted.
type lineMsg struct {
	line string
	err  error
}

// REPL drives a control connection and a task connection against a single
// remote daemon. Both are opened eagerly by Dial so single-task mode and
// interactive mode share one code path.
type REPL struct {
	control net.Conn
	task    net.Conn
	log     logging.Logger

	// awaitingTaskReply suppresses the "> " reprompt in interactive mode
	// while a previously submitted exec's output is still streaming.
	awaitingTaskReply bool
}

// Dial opens both the control and task connections to addr.
func Dial(addr string, log logging.Logger) (*REPL, error) {
	control, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial control connection: %w", err)
	}
	task, err := net.Dial("tcp", addr)
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("dial task connection: %w", err)
	}
	return &REPL{control: control, task: task, log: log}, nil
}

// Close tears down both connections.
func (r *REPL) Close() {
	r.control.Close()
	r.task.Close()
}

// RunTask composes a single "execute <name> <args...>\n" line, writes it to
// the task connection, and copies everything the daemon sends back to w
// until the "[EOT]" line is seen.
func (r *REPL) RunTask(w io.Writer, name string, args []string) error {
	line := strings.TrimSpace(strings.Join(append([]string{"execute", name}, args...), " ")) + "\n"
	if _, err := io.WriteString(r.task, line); err != nil {
		return fmt.Errorf("send task request: %w", err)
	}
	return r.copyUntilEOT(w, r.task)
}

// copyUntilEOT line-copies src to w, stopping (but not erroring) once a line
// beginning with "[EOT]" is read.
func (r *REPL) copyUntilEOT(w io.Writer, src net.Conn) error {
	reader := bufio.NewReader(src)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			io.WriteString(w, line)
		}
		if strings.HasPrefix(line, eotPrefix) {
			return nil
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// Interactive runs the REPL against stdin/stdout until the user types
// "exit" or "quit", multiplexing three readable sources: standard input,
// the control socket, and the task socket. Lines beginning with
// "exec"/"execute" go to the task connection; every other non-empty line
// goes to the control connection.
func (r *REPL) Interactive(stdin io.Reader, stdout io.Writer) error {
	stdinLines := make(chan lineMsg)
	controlLines := make(chan lineMsg)
	taskLines := make(chan lineMsg)

	go pump(stdin, stdinLines)
	go pump(r.control, controlLines)
	go pump(r.task, taskLines)

	fmt.Fprint(stdout, "> ")
	for {
		select {
		case m := <-stdinLines:
			if m.err != nil {
				return nil
			}
			if done := r.handleStdinLine(m.line, stdout); done {
				return nil
			}

		case m := <-controlLines:
			if m.err != nil {
				r.log.Warnf("control connection: %v", m.err)
				return m.err
			}
			fmt.Fprint(stdout, m.line)
			if !r.awaitingTaskReply {
				fmt.Fprint(stdout, "> ")
			}

		case m := <-taskLines:
			if m.err != nil {
				r.log.Warnf("task connection: %v", m.err)
				return m.err
			}
			fmt.Fprint(stdout, m.line)
			if strings.HasPrefix(m.line, eotPrefix) {
				r.awaitingTaskReply = false
				fmt.Fprint(stdout, "> ")
			}
		}
	}
}

// handleStdinLine dispatches one line typed by the user, returning true
// once the user has asked to leave the REPL.
func (r *REPL) handleStdinLine(raw string, stdout io.Writer) bool {
	cmd := strings.TrimSpace(raw)
	if cmd == "" {
		fmt.Fprint(stdout, "> ")
		return false
	}
	if cmd == "exit" || cmd == "quit" {
		return true
	}
	fields := strings.Fields(cmd)
	if fields[0] == "exec" || fields[0] == "execute" {
		io.WriteString(r.task, cmd+"\n")
		r.awaitingTaskReply = true
	} else {
		io.WriteString(r.control, cmd+"\n")
	}
	return false
}

// pump reads lines from src and forwards each onto ch, closing out with a
// final error message (io.EOF included) once src is exhausted.
func pump(src io.Reader, ch chan<- lineMsg) {
	reader := bufio.NewReader(src)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			ch <- lineMsg{line: line}
		}
		if err != nil {
			ch <- lineMsg{err: err}
			return
		}
	}
}
