// Copyright © 2015-2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package golden implements the atomic installer that promotes a
// factory-supplied system image into the writable systems root, per
// spec.md §4.4.
package golden

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/platinasystems/log"

	"github.com/platinasystems/bootselectord/internal/appstore"
	"github.com/platinasystems/bootselectord/internal/fsutil"
	"github.com/platinasystems/bootselectord/internal/status"
	"github.com/platinasystems/bootselectord/internal/sysdir"
)

// readTrimmed reads path via fsutil.ReadFile and strips the trailing
// NUL fsutil.ReadFile always appends, matching the pattern sysdir.go
// uses for every other ReadFile consumer in this tree.
func readTrimmed(path string, cap int) ([]byte, error) {
	buf, err := fsutil.ReadFile(path, cap)
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(string(buf), "\x00")), nil
}

// standard read-only config files symlinked, not copied, from the
// factory image into every system.
var standardConfigFiles = []string{"network.conf", "apps.conf", "policy.conf"}

// Installer holds the fixed paths the installer operates over,
// spec.md §6.
type Installer struct {
	FactoryRoot          string // e.g. <factory-root>/system
	Root                 sysdir.Root
	AppStore             string
	FactoryVersionMarker string
	LdconfigMarker       string
	LegacyAppsWriteable  string
	Hook                 appstore.WritableUpdateHook
}

func (in Installer) factoryPath(elem ...string) string {
	return filepath.Join(append([]string{in.FactoryRoot}, elem...)...)
}

// ShouldInstall implements the trigger policy of spec.md §4.4: install
// if there is no non-bad system at all, or if the installed-factory-
// version marker disagrees with the factory image's own version file.
// A malformed factory image never triggers an install, and a missing
// marker compared against a malformed factory image is treated as
// equal (no install) — both rules guard against bricking a device on
// a corrupt factory partition.
func (in Installer) ShouldInstall(newest int) bool {
	if newest == -1 {
		return true
	}

	factoryVersion, factoryErr := readTrimmed(in.factoryPath("version"), 256)
	markerVersion, markerErr := readTrimmed(in.FactoryVersionMarker, 256)

	if factoryErr != nil {
		// malformed/unreadable factory image never triggers install
		return false
	}
	if markerErr != nil {
		// missing marker: install, unless the factory image is also
		// unreadable (handled above) — so reaching here means the
		// factory image is fine and the marker is simply new.
		return true
	}
	return string(factoryVersion) != string(markerVersion)
}

// Install runs the install procedure of spec.md §4.4 steps 1-9 and
// returns the index of the new "current". newest is the result of a
// prior sysdir.Root.NewestNonBad call; curIdx is the prior
// sysdir.Root.CurrentIndex (-1 if "current" does not exist).
func (in Installer) Install(newest, curIdx int) (int, error) {
	goldenIndex := newest + 1
	in.Root.DeleteStaleUnpack()
	fsutil.RecursiveDelete(in.Root.Dir(sysdir.IndexName(goldenIndex)))

	prevAvailable := false
	prevIsModern := false
	prevName := ""

	if curIdx != -1 {
		fsutil.TryLazyUnmount(in.Root.Dir(sysdir.CurrentName))
		idx, err := in.Root.ReadIndex(sysdir.CurrentName)
		if err != nil {
			return -1, err
		}
		prevName = sysdir.IndexName(idx)
		if err := fsutil.Rename(in.Root.Dir(sysdir.CurrentName), in.Root.Dir(prevName)); err != nil {
			return -1, err
		}
		st := in.Root.GetStatus(prevName)
		prevAvailable = true
		prevIsModern = st.Kind != status.Bad
	}

	unpack := in.Root.Dir(sysdir.UnpackName)
	if err := in.stageUnpack(unpack, goldenIndex, prevAvailable, prevIsModern, prevName); err != nil {
		return -1, err
	}

	if err := fsutil.Rename(unpack, in.Root.Dir(sysdir.CurrentName)); err != nil {
		return -1, err
	}

	in.Root.DeleteSiblingsExceptCurrent()

	var best *multierror.Error
	if err := fsutil.AtomicWriteFile(in.LdconfigMarker, []byte("needed")); err != nil {
		best = multierror.Append(best, err)
	}

	fsutil.Sync()
	factoryVersion, err := readTrimmed(in.factoryPath("version"), 256)
	if err != nil {
		best = multierror.Append(best, err)
	} else if err := fsutil.AtomicWriteFile(in.FactoryVersionMarker, factoryVersion); err != nil {
		best = multierror.Append(best, err)
	}
	if best != nil {
		log.Print("warning: golden install best-effort steps: ", best.Error())
	}

	return goldenIndex, nil
}

func (in Installer) stageUnpack(unpack string, goldenIndex int, prevAvailable, prevIsModern bool, prevName string) error {
	for _, dir := range []string{"", "config", "apps", "appsWriteable"} {
		if err := fsutil.EnsureDir(filepath.Join(unpack, dir), 0755); err != nil {
			return err
		}
	}

	for _, name := range []string{"bin", "lib", "modules"} {
		if err := os.Symlink(in.factoryPath(name), filepath.Join(unpack, name)); err != nil {
			return err
		}
	}
	for _, name := range standardConfigFiles {
		if err := os.Symlink(in.factoryPath("config", name), filepath.Join(unpack, "config", name)); err != nil {
			log.Print("warning: symlink standard config ", name, ": ", err)
		}
	}

	for _, f := range []string{"version", "info.properties"} {
		if err := fsutil.CopyFile(in.factoryPath(f), filepath.Join(unpack, f), 0644); err != nil {
			return err
		}
	}

	if err := fsutil.AtomicWriteFile(filepath.Join(unpack, "index"), []byte(sysdir.IndexName(goldenIndex))); err != nil {
		return err
	}
	if err := fsutil.AtomicWriteFile(filepath.Join(unpack, "status"), status.EmitGood()); err != nil {
		return err
	}

	if prevAvailable && prevIsModern {
		if err := fsutil.CopyTree(in.Root.Dir(prevName+"/config"), filepath.Join(unpack, "config")); err != nil {
			log.Print("warning: import config from ", prevName, ": ", err)
		}
	}

	prevIdx := -1
	prevAppsWriteable := ""
	if prevAvailable && prevIsModern {
		prevIdx, _ = in.Root.ReadIndex(prevName)
		prevAppsWriteable = in.Root.Dir(prevName + "/appsWriteable")
	}

	stager := appstore.Stager{
		FactoryApps:         in.factoryPath("apps"),
		AppStore:            in.AppStore,
		UnpackApps:          filepath.Join(unpack, "apps"),
		UnpackAppsWriteable: filepath.Join(unpack, "appsWriteable"),
		LegacyAppsWriteable: in.LegacyAppsWriteable,
		Hook:                in.Hook,
	}
	apps, err := appstore.ListFactoryApps(in.factoryPath("apps"))
	if err != nil {
		return err
	}
	for _, app := range apps {
		if err := stager.SetUpApp(app, prevIdx, prevAppsWriteable); err != nil {
			return err
		}
	}
	return nil
}
