package daemon

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
)

// maxCmdSummary bounds the "cmd:" field shown by status.
// cmdSummaryEllipsisFloor is the threshold at which truncation kicks in:
// once fewer than that many bytes remain in the buffer, whole-token
// appending stops and a literal "..." marker replaces the rest.
const (
	maxCmdSummary           = 256
	cmdSummaryEllipsisFloor = 64
)

// Launcher starts tasks and hands their stdout directly to the requesting
// client's socket. The daemon never copies a task's output itself: the
// child inherits a duplicate of the connection's descriptor as fd 1 and
// writes straight to the client.
type Launcher struct {
	resolver   *TaskResolver
	registry   *Registry
	completion *CompletionQueue
}

// NewLauncher builds a Launcher wired to the given registry and completion
// queue.
func NewLauncher(resolver *TaskResolver, registry *Registry, completion *CompletionQueue) *Launcher {
	return &Launcher{resolver: resolver, registry: registry, completion: completion}
}

// fileConn is implemented by *net.TCPConn; abstracted so tests can supply a
// fake.
type fileConn interface {
	File() (*os.File, error)
}

// Launch resolves name, allocates a task slot, starts the child with its
// stdout duplicated onto conn, and spawns the goroutine that waits for it.
// It writes the "[OK] <slot>\n" acknowledgement to conn itself before
// starting the child, so the acknowledgement always precedes the first byte
// of task output.
//
// running reports whether a child actually started. When the start fails
// after the acknowledgement is already on the wire, Launch keeps the reply
// framing intact by writing an error line followed by a terminal
// "[EOT] <slot> 1" on the same stream, records the slot as completed with
// exit status 1, and returns running=false with a nil error.
func (l *Launcher) Launch(connID int, conn net.Conn, name string, args []string) (slot int, running bool, err error) {
	path, err := l.resolver.Resolve(name)
	if err != nil {
		return -1, false, err
	}

	slot, err = l.registry.Allocate(connID, conn, name, summarizeArgs(name, args))
	if err != nil {
		return -1, false, err
	}

	fc, ok := conn.(fileConn)
	if !ok {
		l.registry.Abandon(slot)
		return -1, false, fmt.Errorf("%w (%s): connection does not expose a file descriptor", ErrForkFailed, name)
	}
	sockFile, err := fc.File()
	if err != nil {
		l.registry.Abandon(slot)
		return -1, false, fmt.Errorf("%w (%s): %v", ErrForkFailed, name, err)
	}
	defer sockFile.Close()

	cmd := &exec.Cmd{
		Path:   path,
		Args:   append([]string{name}, args...),
		Stdout: sockFile,
		Stderr: os.Stderr,
	}

	if _, err := fmt.Fprintf(conn, "[OK] %d\n", slot); err != nil {
		l.registry.Abandon(slot)
		return -1, false, err
	}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(conn, "[ERR] task exec failed (%v)\n", err)
		fmt.Fprintf(conn, "[EOT] %d 1\n", slot)
		l.registry.FailExec(slot)
		return slot, false, nil
	}

	l.registry.MarkRunning(slot, cmd.Process.Pid)
	go reap(cmd, l.completion)

	return slot, true, nil
}

// summarizeArgs renders the "cmd:" summary shown by status: name and args
// are appended token by token into a maxCmdSummary-byte buffer, and once
// fewer than cmdSummaryEllipsisFloor bytes remain, a literal "..." marker
// replaces the rest rather than a partial token.
func summarizeArgs(name string, args []string) string {
	tokens := append([]string{name}, args...)
	var b strings.Builder
	for i, tok := range tokens {
		remaining := maxCmdSummary - b.Len()
		if remaining < cmdSummaryEllipsisFloor {
			b.WriteString("...")
			break
		}
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(tok)
	}
	if b.Len() > maxCmdSummary {
		return b.String()[:maxCmdSummary]
	}
	return b.String()
}
