// Copyright © 2015-2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Command bootselectord is the boot-time system selector and
// installer. It takes no flags and reads no environment beyond the
// filesystem conventions documented in the driver package; all
// configuration is compiled in.
package main

import (
	"time"

	"github.com/platinasystems/bootselectord/internal/driver"
	"github.com/platinasystems/bootselectord/internal/golden"
	"github.com/platinasystems/bootselectord/internal/selector"
	"github.com/platinasystems/bootselectord/internal/sysdir"
)

const (
	factoryRoot          = "/mnt/factory/system"
	systemsRootDev       = "/dev/disk/by-partlabel/systems"
	systemsRoot          = "/mnt/systems"
	homeDev              = "/dev/disk/by-partlabel/home"
	homeRoot             = "/home"
	appStore             = "/mnt/systems/.appstore"
	factoryVersionMarker = "/var/lib/bootselectord/factory-version"
	ldconfigMarker       = "/var/lib/bootselectord/ldconfig-needed"
	legacyAppsWriteable  = "/var/lib/bootselectord/legacy-apps-writeable"
	readOnlySentinel     = "read-only"
)

func main() {
	root := sysdir.New(systemsRoot)

	installer := golden.Installer{
		FactoryRoot:          factoryRoot,
		Root:                 root,
		AppStore:             appStore,
		FactoryVersionMarker: factoryVersionMarker,
		LdconfigMarker:       ldconfigMarker,
		LegacyAppsWriteable:  legacyAppsWriteable,
	}

	sel := selector.Selector{
		Root:           root,
		Golden:         installer,
		LdconfigMarker: ldconfigMarker,
	}

	driver.Run(driver.Config{
		FactoryRoot:       factoryRoot,
		ReadOnlySentinel:  readOnlySentinel,
		SystemsRootDevice: systemsRootDev,
		SystemsRoot:       systemsRoot,
		HomeDevice:        homeDev,
		HomeRoot:          homeRoot,
		HandoffWindow:     5 * time.Second,
		Selector:          sel,
	})
}
