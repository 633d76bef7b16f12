// Copyright © 2015-2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package driver implements the top-level entry sequence of spec.md
// §4.7: detecting read-only mode, bind-mounting the writable backing
// partitions, handing off to the daemonization protocol, and running
// the perpetual installer/selector loop.
package driver

import (
	"fmt"
	"os"
	"time"

	"github.com/platinasystems/log"
	"github.com/ramr/go-reaper"

	"github.com/platinasystems/bootselectord/internal/fsutil"
	"github.com/platinasystems/bootselectord/internal/selector"
)

// Config holds the fixed paths and timing the driver is wired to on a
// given machine (spec.md §6 external interfaces).
type Config struct {
	// FactoryRoot is the factory image mount point; its presence holds
	// the read-only sentinel.
	FactoryRoot string
	// ReadOnlySentinel is the sentinel file name under FactoryRoot that
	// marks the device as read-only.
	ReadOnlySentinel string

	// SystemsRootDevice and SystemsRoot are the backing partition and
	// mount point for the systems root.
	SystemsRootDevice string
	SystemsRoot       string

	// HomeDevice and HomeRoot are the backing partition and mount
	// point for the home directory; HomeRoot/root is created when
	// writable.
	HomeDevice string
	HomeRoot   string

	// HandoffWindow is how long Run waits before calling Launch, so a
	// prior Supervisor version has time to complete its own start
	// sequence (spec.md §4.7 step 4).
	HandoffWindow time.Duration

	Selector selector.Selector
}

func (c Config) readOnly() bool {
	return fsutil.Exists(fsutil.JoinSentinel(c.FactoryRoot, c.ReadOnlySentinel))
}

// Run performs the one-time start sequence and then calls Launch,
// which never returns on the clean-exit path (it calls os.Exit(0)).
func Run(c Config) {
	writable := !c.readOnly()

	if writable {
		if err := fsutil.BindMountIfNeeded(c.SystemsRootDevice, c.SystemsRoot); err != nil {
			log.Fatal(err)
		}
		if err := fsutil.BindMountIfNeeded(c.HomeDevice, c.HomeRoot); err != nil {
			log.Fatal(err)
		}
		if err := fsutil.EnsureDir(c.HomeRoot+"/root", 0700); err != nil {
			log.Print("warning: ensure ", c.HomeRoot, "/root: ", err)
		}
	}

	if os.Getpid() == 1 {
		go reaper.Reap()
	}

	for _, info := range c.Selector.Root.Describe() {
		log.Print("notice: system ", info.Name, ": index ", info.Index, ", status ", info.Status.Kind)
	}

	handOff(c.HandoffWindow)

	Launch(c, writable)
}

// handOff sleeps for window so a prior Supervisor version, still
// holding the write end of the daemonization pipe inherited across
// exec, has time to finish its own start sequence before this process
// begins selecting and running a system (spec.md §4.7 step 4).
func handOff(window time.Duration) {
	if window <= 0 {
		return
	}
	time.Sleep(window)
}

// Launch drives run_one_cycle in a perpetual loop (spec.md §4.6's
// outer "loop forever"). In writable mode it runs the installer and
// selector before every cycle; in read-only mode it only runs. Launch
// calls os.Exit(0) on a clean Supervisor exit and never returns in
// that case.
func Launch(c Config, writable bool) {
	state := selector.NewState()
	for {
		if writable {
			if err := c.Selector.Select(); err != nil {
				log.Fatal(err)
			}
		}

		newState, outcome, err := c.Selector.RunOneCycle(state)
		state = newState

		switch outcome {
		case selector.CleanExit:
			os.Exit(0)
		case selector.Loop:
			continue
		case selector.RebootRequired:
			log.Print("warning: supervisor failed: ", err)
			rebootAfterFailure()
		case selector.Fatal:
			log.Fatal(err)
		}
	}
}

// rebootAfterFailure implements spec.md §7 tier 2: sync, dump the tail
// of the system log to the console, and reboot. It never returns.
func rebootAfterFailure() {
	fsutil.Sync()
	dumpSyslogTail(40)
	if err := fsutil.Reboot(); err != nil {
		log.Fatal(fmt.Errorf("driver: reboot: %w", err))
	}
}

func dumpSyslogTail(lines int) {
	tail, err := fsutil.TailFile("/var/log/syslog", lines)
	if err != nil {
		log.Print("warning: read syslog tail: ", err)
		return
	}
	os.Stdout.Write(tail)
}
