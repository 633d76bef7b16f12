// Copyright © 2015-2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package selector implements the boot-time decision procedure of
// spec.md §4.6: choosing the system to run, swapping "current" when a
// newer non-bad system appears, triggering the golden installer,
// launching the Supervisor, and interpreting its exit.
package selector

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/platinasystems/log"

	"github.com/platinasystems/bootselectord/internal/fsutil"
	"github.com/platinasystems/bootselectord/internal/golden"
	"github.com/platinasystems/bootselectord/internal/status"
	"github.com/platinasystems/bootselectord/internal/sysdir"
)

// SupervisorExit codes, spec.md §4.6.
const (
	ExitClean       = 0
	ExitRestart     = 2
	ExitUserRestart = 3
)

// Outcome is what the top-level driver should do after one selector
// cycle completes.
type Outcome int

const (
	// Loop means run_one_cycle again immediately.
	Loop Outcome = iota
	// CleanExit means the Supervisor shut down on purpose; the process
	// should exit 0.
	CleanExit
	// RebootRequired means the Supervisor was killed by a signal,
	// exited unexpectedly, or returned EXIT_FAILURE (spec.md §7 tier
	// 2): the driver must sync, dump the log tail, and reboot.
	RebootRequired
	// Fatal means an invariant the core cannot repair was hit (spec.md
	// §7 tier 1: path overflow, a rename failure mode, exec of the
	// Supervisor failing, a Bad current at run time, or a failed
	// status-file write). The process must abort; the outer init
	// system is responsible for the reboot, not this process.
	Fatal
)

// State is the explicit, caller-threaded replacement for the
// singleton lastExitCode global the source this spec is drawn from
// keeps in module scope (spec.md §9).
type State struct {
	// LastExitCode is the Supervisor's previous exit code, or -1 if
	// there has been no previous run this boot.
	LastExitCode int
}

// NewState returns the initial state for a fresh process.
func NewState() State { return State{LastExitCode: -1} }

// Selector drives one system under a fixed systems root.
type Selector struct {
	Root           sysdir.Root
	Golden         golden.Installer
	SupervisorArgv []string // not read: RunOneCycle always runs <current>/bin/supervisor --no-daemonize
	LdconfigMarker string
}

// supervisorPath returns the fixed path to the current system's
// Supervisor binary, per spec.md §6.
func (s Selector) supervisorPath() string {
	return filepath.Join(s.Root.Dir(sysdir.CurrentName), "bin", "supervisor")
}

// Select performs one pass of the selector loop body in spec.md §4.6,
// up to but not including run_one_cycle: deleting stale unpack
// directories, running the golden installer if triggered, otherwise
// swapping "current" for a newer non-bad system while preserving a
// rollback target, and refreshing the dynamic linker cache if asked.
func (s Selector) Select() error {
	s.Root.DeleteStaleUnpack()

	newest := s.Root.NewestNonBad()
	curIdx := s.Root.CurrentIndex()

	if s.Golden.ShouldInstall(newest) {
		newCur, err := s.Golden.Install(newest, curIdx)
		if err != nil {
			return fmt.Errorf("selector: golden install: %w", err)
		}
		curIdx = newCur
		newest = newCur
	} else if newest != curIdx {
		if curIdx != -1 {
			if err := s.demoteCurrent(curIdx, newest); err != nil {
				return fmt.Errorf("selector: demote current: %w", err)
			}
		}
		if err := s.promoteToCurrent(newest); err != nil {
			return fmt.Errorf("selector: promote %d: %w", newest, err)
		}
	}

	if fsutil.Exists(s.LdconfigMarker) {
		s.refreshLdconfig()
	}
	return nil
}

// demoteCurrent renames "current" to its own indexed name, imports its
// config into the newest system if it was not Bad, and deletes it
// unless it was Good (a Good system is kept as a rollback target).
func (s Selector) demoteCurrent(curIdx, newest int) error {
	fsutil.TryLazyUnmount(s.Root.Dir(sysdir.CurrentName))
	prevName := sysdir.IndexName(curIdx)
	st := s.Root.GetStatus(sysdir.CurrentName)

	if err := fsutil.Rename(s.Root.Dir(sysdir.CurrentName), s.Root.Dir(prevName)); err != nil {
		return err
	}

	switch st.Kind {
	case status.Bad:
		if t, ok := s.Root.StatusChangeTime(prevName); ok {
			log.Print("warning: demoting bad system ", prevName, ", status last changed ", t)
		}
		fsutil.RecursiveDelete(s.Root.Dir(prevName))
	case status.Tryable, status.New:
		s.importConfig(prevName, newest)
		fsutil.RecursiveDelete(s.Root.Dir(prevName))
	case status.Good:
		s.importConfig(prevName, newest)
	}
	return nil
}

// importConfig copies the demoted system's config/ tree into the
// system about to become current, per spec.md §4.6 scenario 2 and 5.
func (s Selector) importConfig(fromName string, toIdx int) {
	from := filepath.Join(s.Root.Dir(fromName), "config")
	to := filepath.Join(s.Root.Dir(sysdir.IndexName(toIdx)), "config")
	if err := fsutil.CopyTree(from, to); err != nil {
		log.Print("warning: import config from ", fromName, " to ", toIdx, ": ", err)
	}
}

func (s Selector) promoteToCurrent(idx int) error {
	return fsutil.Rename(s.Root.Dir(sysdir.IndexName(idx)), s.Root.Dir(sysdir.CurrentName))
}

func (s Selector) refreshLdconfig() {
	cmd := exec.Command("/sbin/ldconfig")
	if err := cmd.Run(); err != nil {
		log.Print("warning: ldconfig: ", err)
		return
	}
	if err := os.Remove(s.LdconfigMarker); err != nil && !os.IsNotExist(err) {
		log.Print("warning: remove ldconfig marker: ", err)
	}
}

// RunOneCycle implements the run_one_cycle table of spec.md §4.6: it
// conditionally bumps the current system's try count, launches the
// Supervisor with the process's current standard input, waits for it,
// and returns the
// Outcome the driver should act on along with the updated State.
//
// A Bad "current" at this point is a fatal invariant violation: Select
// must have demoted any Bad current before RunOneCycle is reached.
func (s Selector) RunOneCycle(state State) (State, Outcome, error) {
	st := s.Root.GetStatus(sysdir.CurrentName)

	switch st.Kind {
	case status.Bad:
		return state, Fatal, fmt.Errorf("selector: current is Bad at run time (invariant violation)")
	case status.Good:
		// no change
	case status.Tryable, status.New:
		n := st.Tries
		if !(state.LastExitCode == ExitUserRestart && n > 0) {
			if err := s.Root.SetStatus(sysdir.CurrentName, status.Status{Kind: status.Tryable, Tries: n + 1}); err != nil {
				return state, Fatal, fmt.Errorf("selector: write status: %w", err)
			}
		}
	}

	cmd := exec.Command(s.supervisorPath(), "--no-daemonize")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return state, Fatal, fmt.Errorf("selector: exec supervisor: %w", err)
	}
	reopenStdin()

	waitErr := cmd.Wait()
	code, signaled := exitCode(waitErr)
	newState := State{LastExitCode: code}

	if signaled {
		log.Print("warning: supervisor killed by signal")
		return newState, RebootRequired, nil
	}
	switch code {
	case ExitClean:
		return newState, CleanExit, nil
	case ExitRestart, ExitUserRestart:
		return newState, Loop, nil
	default:
		return newState, RebootRequired, nil
	}
}

// reopenStdin reassigns the process's own stdin to /dev/null so that
// only the child retains the write end of the daemonization hand-off
// pipe, per spec.md §9.
func reopenStdin() {
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		log.Print("warning: reopen stdin from ", os.DevNull, ": ", err)
		return
	}
	if err := syscall.Dup3(int(null.Fd()), 0, 0); err != nil {
		log.Print("warning: redirect fd 0 to ", os.DevNull, ": ", err)
	}
	os.Stdin = null
}

func exitCode(err error) (code int, signaled bool) {
	if err == nil {
		return ExitClean, false
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return -1, false
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode(), false
	}
	if ws.Signaled() {
		return -1, true
	}
	return ws.ExitStatus(), false
}
