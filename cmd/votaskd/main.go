// Command votaskd is the tasking daemon's entrypoint: it parses the flags
// with cobra/pflag, then either runs the server event loop
// (internal/daemon) or, with --cli, drives the client REPL
// (internal/client) against a remote instance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mjfitzpatrick/dalserver/internal/client"
	"github.com/mjfitzpatrick/dalserver/internal/config"
	"github.com/mjfitzpatrick/dalserver/internal/daemon"
	"github.com/mjfitzpatrick/dalserver/internal/diagnostics"
	"github.com/mjfitzpatrick/dalserver/internal/logging"
)

// daemonizeEnv marks a re-exec'd child as already detached, so the child
// recognizes it must not detach a second time.
const daemonizeEnv = "VOTASKD_DAEMONIZED"

var searchDirs []string

func main() {
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:           "votaskd",
		Short:         "votaskd is a tasking daemon: run external programs for clients over TCP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	fs := root.Flags()
	config.Flags(fs, cfg)
	fs.StringArrayVarP(&searchDirs, "dir", "d", nil, "append a directory to the task search path (repeatable)")
	fs.BoolVar(&cfg.ClientMode, "cli", false, "run as a client instead of a daemon")
	var daemonize bool
	var taskName string
	fs.BoolVar(&daemonize, "daemon", false, "detach into the background before serving")
	fs.StringVar(&taskName, "task", "", "client mode: execute this task and exit when it ends")

	root.RunE = func(cmd *cobra.Command, args []string) error {
		// --dir entries append to whatever --search-path/-s (or its
		// VOTASKD_PATH env default) already set; the search path is additive
		// across repeated flags rather than the last one winning.
		if len(searchDirs) > 0 {
			var parts []string
			if cfg.SearchPath != "" {
				parts = append(parts, cfg.SearchPath)
			}
			parts = append(parts, searchDirs...)
			cfg.SearchPath = strings.Join(parts, ":")
		}
		if cfg.ClientMode {
			return runClient(cfg, taskName, args)
		}
		if taskName != "" {
			return fmt.Errorf("--task is only meaningful with --cli")
		}
		if daemonize && os.Getenv(daemonizeEnv) == "" {
			return daemonizeSelf()
		}
		return run(cmd.Context(), cfg)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "votaskd:", err)
		os.Exit(1)
	}
}

// run validates cfg, builds the daemon and (if enabled) its diagnostics
// server, and blocks in the event loop until shutdown.
func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	metrics := diagnostics.NewMetrics()
	tail := diagnostics.NewLogTail()

	log, err := logging.New(cfg.Verbose, cfg.LogFile, os.Stderr, tail)
	if err != nil {
		return err
	}

	d := daemon.New(cfg, log, metrics)

	var diag *diagnostics.Server
	if cfg.DiagAddr != "" {
		diag = diagnostics.NewServer(cfg.DiagAddr, d, metrics, tail)
		go func() {
			if err := diag.ListenAndServe(); err != nil {
				log.Warnf("diagnostics server: %v", err)
			}
		}()
		defer diag.Close()
	}

	return d.ListenAndServe(ctx)
}

// runClient drives internal/client against the remote daemon. With
// taskName set it runs a single task and exits once the task's [EOT] is
// seen; otherwise it drops into the interactive REPL.
func runClient(cfg *config.Config, taskName string, taskArgs []string) error {
	log, err := logging.New(cfg.Verbose, "", os.Stderr, nil)
	if err != nil {
		return err
	}

	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	repl, err := client.Dial(fmt.Sprintf("%s:%d", host, cfg.Port), log)
	if err != nil {
		return err
	}
	defer repl.Close()

	if taskName != "" {
		return repl.RunTask(os.Stdout, taskName, taskArgs)
	}
	return repl.Interactive(os.Stdin, os.Stdout)
}

// daemonizeSelf re-execs the current binary with daemonizeEnv set and the
// same arguments, then returns so the parent can exit immediately. The
// child starts in its own session with std streams on /dev/null, detached
// from the invoking terminal.
func daemonizeSelf() error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizeEnv+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = detachedAttr()

	if err := cmd.Start(); err != nil {
		return err
	}
	fmt.Printf("votaskd: daemonized as pid %d\n", cmd.Process.Pid)
	return nil
}
