//go:build unix

package main

import "syscall"

// detachedAttr starts the daemonized child in its own session, so it
// survives the parent's exit and is not tied to the invoking terminal.
func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
