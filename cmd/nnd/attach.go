package main

import (
	"os"
	"strconv"

	"github.com/nnd-dbg/nnd/pkg/session"
)

// launchProgram loads args[0]'s ELF image, registers it with sess, and
// starts it under ptrace with the remaining args as its argv tail. It
// returns the binary path so the caller can kick off symbol loading
// against the same path.
//
// noTTY requests that the debuggee's controlling terminal not be
// forwarded; pkg/ctrl.Controller.Launch always inherits the current
// process's stdio (matching the common case of an interactive debug
// session), so honoring noTTY fully would require plumbing a
// stdio-redirection option through ptrace.StartTraced -- out of scope for
// this driver, which only logs that the request can't be honored yet
// rather than silently ignoring it.
func launchProgram(sess *session.Session, args []string, noTTY bool) (string, error) {
	program := args[0]
	if _, err := sess.LoadBinary(program); err != nil {
		return "", targetErrorf("nnd: %w", err)
	}
	if noTTY {
		sess.Logger.Warn("no-tty requested, but this build always forwards the debuggee's controlling terminal")
	}
	if err := sess.Launch(args, os.Environ(), ""); err != nil {
		return "", targetErrorf("nnd: launch %s: %w", program, err)
	}
	return program, nil
}

// attachToPID attaches to an already-running process and, on the
// reasonable assumption that /proc/<pid>/exe names the binary to index,
// loads that binary's symbols too.
func attachToPID(sess *session.Session, pid int) (string, error) {
	exePath, err := os.Readlink("/proc/" + strconv.Itoa(pid) + "/exe")
	if err != nil {
		return "", targetErrorf("nnd: resolve executable of pid %d: %w", pid, err)
	}
	if _, err := sess.LoadBinary(exePath); err != nil {
		return "", targetErrorf("nnd: %w", err)
	}
	if err := sess.Attach(pid); err != nil {
		return "", targetErrorf("nnd: attach to pid %d: %w", pid, err)
	}
	return exePath, nil
}
