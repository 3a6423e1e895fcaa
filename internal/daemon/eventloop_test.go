package daemon_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mjfitzpatrick/dalserver/internal/config"
	"github.com/mjfitzpatrick/dalserver/internal/daemon"
	"github.com/mjfitzpatrick/dalserver/internal/logging"
)

func freeAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).ToNot(HaveOccurred())
	defer ln.Close()
	return ln.Addr().String()
}

// startTestDaemon builds and serves a daemon on a free port, returning its
// address and a cancel func that shuts it down.
func startTestDaemon(searchPath string, maxClients, maxTasks int) (string, context.CancelFunc, <-chan error) {
	addr := freeAddr()
	host, portStr, err := net.SplitHostPort(addr)
	Expect(err).ToNot(HaveOccurred())
	port, err := strconv.Atoi(portStr)
	Expect(err).ToNot(HaveOccurred())

	cfg := &config.Config{
		Host:       host,
		Port:       port,
		MaxClients: maxClients,
		MaxTasks:   maxTasks,
		SearchPath: searchPath,
	}
	log, err := logging.New(0, "", io.Discard, nil)
	Expect(err).ToNot(HaveOccurred())

	d := daemon.New(cfg, log, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.ListenAndServe(ctx) }()

	var probe net.Conn
	Eventually(func() error {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return err
		}
		probe = c
		return nil
	}, 2*time.Second, 10*time.Millisecond).Should(Succeed())

	// The event loop registers and reclaims the probe's connection-table
	// slot asynchronously (accept and disconnect are just channel messages);
	// wait for the slot to be taken, close the probe, then wait for the slot
	// to actually free before handing control back, so max-clients-sensitive
	// tests see a clean table.
	Eventually(func() int {
		return d.Snapshot().Connections
	}, 2*time.Second, 10*time.Millisecond).Should(Equal(1))
	probe.Close()
	Eventually(func() int {
		return d.Snapshot().Connections
	}, 2*time.Second, 10*time.Millisecond).Should(Equal(0))

	return addr, cancel, done
}

func dial(addr string) net.Conn {
	conn, err := net.Dial("tcp", addr)
	Expect(err).ToNot(HaveOccurred())
	return conn
}

func readLine(r *bufio.Reader) string {
	line, err := r.ReadString('\n')
	Expect(err).ToNot(HaveOccurred())
	return line
}

var _ = Describe("votaskd event loop", func() {
	var searchDir string

	BeforeEach(func() {
		searchDir = GinkgoT().TempDir()
	})

	// S1: resolve & run.
	It("runs a resolved task and streams OK/output/EOT", func() {
		writeTask(searchDir, "echo_task", "#!/bin/sh\necho hello\n")

		addr, cancel, done := startTestDaemon(searchDir, 8, 8)
		defer func() { cancel(); <-done }()

		conn := dial(addr)
		defer conn.Close()
		fmt.Fprintf(conn, "execute echo_task\n")

		r := bufio.NewReader(conn)
		ok := readLine(r)
		Expect(ok).To(MatchRegexp(`^\[OK\] \d+\n$`))
		out := readLine(r)
		Expect(out).To(Equal("hello\n"))
		eot := readLine(r)
		Expect(eot).To(MatchRegexp(`^\[EOT\] \d+ 0\n$`))
	})

	// S2: not found.
	It("reports exec cannot find task for an unresolvable name", func() {
		addr, cancel, done := startTestDaemon(searchDir, 8, 8)
		defer func() { cancel(); <-done }()

		conn := dial(addr)
		defer conn.Close()
		fmt.Fprintf(conn, "execute ghost\n")

		r := bufio.NewReader(conn)
		line := readLine(r)
		Expect(line).To(ContainSubstring("[ERR]"))
		Expect(line).To(ContainSubstring("exec cannot find task: ghost"))
	})

	// S3: two concurrent tasks, status mid-flight.
	It("runs two tasks concurrently and reports ntasks via status", func() {
		slowWriter := "#!/bin/sh\ni=0\nwhile [ $i -lt 20 ]; do echo line$i; sleep 0.1; i=$((i+1)); done\n"
		writeTask(searchDir, "big1", slowWriter)
		writeTask(searchDir, "big2", slowWriter)

		addr, cancel, done := startTestDaemon(searchDir, 8, 8)
		defer func() { cancel(); <-done }()

		c1 := dial(addr)
		defer c1.Close()
		c2 := dial(addr)
		defer c2.Close()
		fmt.Fprintf(c1, "execute big1\n")
		fmt.Fprintf(c2, "execute big2\n")

		r1 := bufio.NewReader(c1)
		r2 := bufio.NewReader(c2)
		Expect(readLine(r1)).To(MatchRegexp(`^\[OK\] \d+\n$`))
		Expect(readLine(r2)).To(MatchRegexp(`^\[OK\] \d+\n$`))

		status := dial(addr)
		defer status.Close()
		fmt.Fprintf(status, "status\n")
		sr := bufio.NewReader(status)
		first := readLine(sr)
		Expect(first).To(ContainSubstring("ntasks=2"))

		drainUntilEOT(r1)
		drainUntilEOT(r2)
	})

	// S4: kill delivers a signal and the slot becomes interrupted.
	It("kills a running task and reports it interrupted", func() {
		writeTask(searchDir, "sleeper", "#!/bin/sh\nsleep 60\n")

		addr, cancel, done := startTestDaemon(searchDir, 8, 8)
		defer func() { cancel(); <-done }()

		taskConn := dial(addr)
		defer taskConn.Close()
		fmt.Fprintf(taskConn, "execute sleeper\n")
		tr := bufio.NewReader(taskConn)
		ok := readLine(tr)
		var slot int
		_, err := fmt.Sscanf(ok, "[OK] %d\n", &slot)
		Expect(err).ToNot(HaveOccurred())

		ctrl := dial(addr)
		defer ctrl.Close()
		fmt.Fprintf(ctrl, "kill %d 15\n", slot)
		cr := bufio.NewReader(ctrl)
		Expect(readLine(cr)).To(Equal("[OK]\n"))

		taskConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		eot := readLine(tr)
		Expect(eot).To(MatchRegexp(`^\[EOT\] ` + strconv.Itoa(slot) + ` \d+\n$`))

		fmt.Fprintf(ctrl, "status %d\n", slot)
		line := readLine(cr)
		Expect(line).To(ContainSubstring("interrupted"))
	})

	// A resolvable but non-executable task must still produce a fully
	// framed stream: the acknowledgement, an error line, and a terminal
	// [EOT] with a nonzero exit code.
	It("keeps the reply framing intact when the exec fails", func() {
		path := searchDir + "/broken"
		Expect(os.WriteFile(path, []byte("not a program"), 0o644)).To(Succeed())

		addr, cancel, done := startTestDaemon(searchDir, 8, 8)
		defer func() { cancel(); <-done }()

		conn := dial(addr)
		defer conn.Close()
		fmt.Fprintf(conn, "execute broken\n")

		r := bufio.NewReader(conn)
		var slot int
		_, err := fmt.Sscanf(readLine(r), "[OK] %d\n", &slot)
		Expect(err).ToNot(HaveOccurred())
		Expect(readLine(r)).To(HavePrefix("[ERR] task exec failed"))
		Expect(readLine(r)).To(Equal(fmt.Sprintf("[EOT] %d 1\n", slot)))

		fmt.Fprintf(conn, "status %d\n", slot)
		Expect(readLine(r)).To(ContainSubstring("completed 1"))
	})

	// Two non-overlapping tasks on the same connection: all of the first
	// task's bytes, [EOT] included, must precede any byte of the second's.
	It("orders sequential tasks on one connection", func() {
		writeTask(searchDir, "first", "#!/bin/sh\necho one\n")
		writeTask(searchDir, "second", "#!/bin/sh\necho two\n")

		addr, cancel, done := startTestDaemon(searchDir, 8, 8)
		defer func() { cancel(); <-done }()

		conn := dial(addr)
		defer conn.Close()
		r := bufio.NewReader(conn)

		fmt.Fprintf(conn, "execute first\n")
		Expect(readLine(r)).To(MatchRegexp(`^\[OK\] \d+\n$`))
		Expect(readLine(r)).To(Equal("one\n"))
		Expect(readLine(r)).To(MatchRegexp(`^\[EOT\] \d+ 0\n$`))

		fmt.Fprintf(conn, "execute second\n")
		Expect(readLine(r)).To(MatchRegexp(`^\[OK\] \d+\n$`))
		Expect(readLine(r)).To(Equal("two\n"))
		Expect(readLine(r)).To(MatchRegexp(`^\[EOT\] \d+ 0\n$`))
	})

	// S5: shutdown guarded while tasks run, then forced.
	It("refuses shutdown while a task runs, then accepts shutdown now", func() {
		writeTask(searchDir, "sleeper", "#!/bin/sh\nsleep 60\n")

		addr, cancel, done := startTestDaemon(searchDir, 8, 8)
		defer cancel()

		taskConn := dial(addr)
		defer taskConn.Close()
		fmt.Fprintf(taskConn, "execute sleeper\n")
		tr := bufio.NewReader(taskConn)
		Expect(readLine(tr)).To(MatchRegexp(`^\[OK\] \d+\n$`))

		ctrl := dial(addr)
		defer ctrl.Close()
		cr := bufio.NewReader(ctrl)

		fmt.Fprintf(ctrl, "shutdown\n")
		Expect(readLine(cr)).To(ContainSubstring("tasks are still running"))

		fmt.Fprintf(ctrl, "shutdown now\n")
		Expect(readLine(cr)).To(Equal("[OK]\n"))

		Eventually(done, 2*time.Second).Should(Receive())
	})

	// S6: connection table overflow.
	It("refuses a connection beyond max-clients", func() {
		addr, cancel, done := startTestDaemon(searchDir, 1, 8)
		defer func() { cancel(); <-done }()

		holder := dial(addr)
		defer holder.Close()

		overflow := dial(addr)
		defer overflow.Close()
		r := bufio.NewReader(overflow)
		line := readLine(r)
		Expect(line).To(ContainSubstring("too many client connections"))

		_, err := r.ReadByte()
		Expect(err).To(HaveOccurred())
	})
})

func drainUntilEOT(r *bufio.Reader) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if strings.HasPrefix(line, "[EOT]") {
			return
		}
	}
}

func writeTask(dir, name, script string) {
	path := dir + "/" + name
	Expect(os.WriteFile(path, []byte(script), 0o755)).To(Succeed())
}
