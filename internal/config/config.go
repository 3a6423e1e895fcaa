// Package config holds votaskd's command-line and environment
// configuration, bound through spf13/pflag and threaded explicitly to
// every component rather than kept as process-wide state.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

const (
	// DefaultPort is the daemon's default listening port.
	DefaultPort = 7464
	// MaxClientsCeiling caps the connection table: -c can lower it, never
	// raise it.
	MaxClientsCeiling = 64
	// MaxTasksCeiling caps the task table.
	MaxTasksCeiling = 32
	// DefaultCompletionQueue is generous headroom over MaxTasksCeiling so a
	// burst of simultaneous exits is never dropped in ordinary operation.
	DefaultCompletionQueue = 256
)

// Config holds every daemon- and client-mode tunable.
type Config struct {
	// Shared
	Host    string
	Port    int
	Verbose int

	// Daemon-mode
	MaxClients int
	MaxTasks   int
	SearchPath string
	LogFile    string
	DiagAddr   string

	// Client-mode
	ClientMode bool
}

// Flags attaches votaskd's flags to fs.
func Flags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVarP(&cfg.Host, "host", "H", "", "host to bind (daemon) or connect to (client)")
	fs.IntVarP(&cfg.Port, "port", "p", DefaultPort, "TCP port")
	fs.IntVarP(&cfg.MaxClients, "max-clients", "c", MaxClientsCeiling, "maximum simultaneous client connections")
	fs.IntVarP(&cfg.MaxTasks, "max-tasks", "t", MaxTasksCeiling, "maximum simultaneous running tasks")
	fs.StringVarP(&cfg.SearchPath, "search-path", "s", os.Getenv("VOTASKD_PATH"), "colon-separated task search path")
	fs.StringVarP(&cfg.LogFile, "log-file", "l", "", "append daemon log to this file instead of stderr")
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "increase log verbosity (repeatable)")
	fs.StringVar(&cfg.DiagAddr, "diag-addr", "", "serve the diagnostics HTTP endpoint (healthz, status, metrics) on this address; disabled when empty")
}

// Validate rejects out-of-range tunables: the configured ceilings can only
// be lowered, never raised.
func (c *Config) Validate() error {
	if c.MaxClients <= 0 || c.MaxClients > MaxClientsCeiling {
		return fmt.Errorf("max-clients must be in (0,%d], got %d", MaxClientsCeiling, c.MaxClients)
	}
	if c.MaxTasks <= 0 || c.MaxTasks > MaxTasksCeiling {
		return fmt.Errorf("max-tasks must be in (0,%d], got %d", MaxTasksCeiling, c.MaxTasks)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	return nil
}

// Addr returns the host:port pair to listen on or dial.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
