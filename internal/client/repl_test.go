package client

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/mjfitzpatrick/dalserver/internal/logging"
)

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{})         {}
func (nopLogger) Infof(string, ...interface{})          {}
func (nopLogger) Warnf(string, ...interface{})          {}
func (nopLogger) Errorf(string, ...interface{})         {}
func (nopLogger) Fatalf(string, ...interface{})         {}
func (l nopLogger) WithField(string, interface{}) logging.Logger { return l }

// fakeDaemon accepts exactly two connections (control, task) and replies to
// whatever it is sent with a canned execute-style response on the second
// connection, so RunTask can be exercised without a real votaskd.
func fakeDaemon(t *testing.T, ln net.Listener) {
	t.Helper()
	control, err := ln.Accept()
	if err != nil {
		return
	}
	task, err := ln.Accept()
	if err != nil {
		return
	}

	go io.Copy(io.Discard, control)

	go func() {
		buf := make([]byte, 4096)
		if _, err := task.Read(buf); err != nil {
			return
		}
		io.WriteString(task, "[OK] 0\n")
		io.WriteString(task, "hello\n")
		io.WriteString(task, "[EOT] 0 0\n")
	}()
}

func TestRunTaskCopiesUntilEOT(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go fakeDaemon(t, ln)

	repl, err := Dial(ln.Addr().String(), nopLogger{})
	if err != nil {
		t.Fatal(err)
	}
	defer repl.Close()

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- repl.RunTask(&out, "echo_task", nil) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunTask: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunTask did not return within timeout")
	}

	got := out.String()
	if got != "[OK] 0\nhello\n[EOT] 0 0\n" {
		t.Fatalf("RunTask output = %q", got)
	}
}
