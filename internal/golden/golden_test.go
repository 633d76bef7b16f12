// Copyright © 2015-2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package golden

import (
	"os"
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/platinasystems/bootselectord/internal/fsutil"
	"github.com/platinasystems/bootselectord/internal/status"
	"github.com/platinasystems/bootselectord/internal/sysdir"
)

func Test(t *testing.T) { TestingT(t) }

type GoldenSuite struct{}

var _ = Suite(&GoldenSuite{})

// makeFactory builds a minimal, valid factory image at root/factory with
// the named version and one app "eth-agent".
func makeFactory(c *C, root, version string) string {
	factory := filepath.Join(root, "factory")
	for _, dir := range []string{"bin", "lib", "modules", "config", "apps"} {
		c.Assert(os.MkdirAll(filepath.Join(factory, dir), 0755), IsNil)
	}
	c.Assert(os.WriteFile(filepath.Join(factory, "version"), []byte(version), 0644), IsNil)
	c.Assert(os.WriteFile(filepath.Join(factory, "info.properties"), []byte("info"), 0644), IsNil)
	for _, f := range []string{"network.conf", "apps.conf", "policy.conf"} {
		c.Assert(os.WriteFile(filepath.Join(factory, "config", f), []byte(f), 0644), IsNil)
	}
	c.Assert(os.WriteFile(filepath.Join(factory, "apps", "deadbeef"), []byte("bin"), 0644), IsNil)
	c.Assert(os.Symlink("deadbeef", filepath.Join(factory, "apps", "eth-agent")), IsNil)
	return factory
}

func newInstaller(c *C, root string, factory string) Installer {
	return Installer{
		FactoryRoot:          factory,
		Root:                 sysdir.New(filepath.Join(root, "systems")),
		AppStore:             filepath.Join(root, "appstore"),
		FactoryVersionMarker: filepath.Join(root, "factory-version"),
		LdconfigMarker:       filepath.Join(root, "ldconfig-needed"),
		LegacyAppsWriteable:  filepath.Join(root, "legacy"),
	}
}

func (s *GoldenSuite) TestShouldInstallNoSystemYet(c *C) {
	root := c.MkDir()
	factory := makeFactory(c, root, "1.0")
	in := newInstaller(c, root, factory)
	c.Assert(in.ShouldInstall(-1), Equals, true)
}

func (s *GoldenSuite) TestShouldInstallMarkerMatches(c *C) {
	root := c.MkDir()
	factory := makeFactory(c, root, "1.0")
	in := newInstaller(c, root, factory)
	c.Assert(fsutil.AtomicWriteFile(in.FactoryVersionMarker, []byte("1.0")), IsNil)
	c.Assert(in.ShouldInstall(0), Equals, false)
}

func (s *GoldenSuite) TestShouldInstallMarkerDiffers(c *C) {
	root := c.MkDir()
	factory := makeFactory(c, root, "2.0")
	in := newInstaller(c, root, factory)
	c.Assert(fsutil.AtomicWriteFile(in.FactoryVersionMarker, []byte("1.0")), IsNil)
	c.Assert(in.ShouldInstall(0), Equals, true)
}

func (s *GoldenSuite) TestShouldInstallMalformedFactoryNeverTriggers(c *C) {
	root := c.MkDir()
	in := newInstaller(c, root, filepath.Join(root, "no-such-factory"))
	c.Assert(in.ShouldInstall(0), Equals, false)
}

func (s *GoldenSuite) TestInstallFirstBoot(c *C) {
	root := c.MkDir()
	factory := makeFactory(c, root, "1.0")
	in := newInstaller(c, root, factory)

	idx, err := in.Install(-1, -1)
	c.Assert(err, IsNil)
	c.Assert(idx, Equals, 0)

	current := in.Root.Dir(sysdir.CurrentName)
	c.Assert(in.Root.GetStatus(sysdir.CurrentName).Kind, Equals, status.Good)

	got, err := in.Root.ReadIndex(sysdir.CurrentName)
	c.Assert(err, IsNil)
	c.Assert(got, Equals, 0)

	c.Assert(fsutil.Exists(filepath.Join(current, "apps", "eth-agent")), Equals, true)
	c.Assert(fsutil.Exists(in.LdconfigMarker), Equals, true)

	marker, err := fsutil.ReadFile(in.FactoryVersionMarker, 64)
	c.Assert(err, IsNil)
	c.Assert(string(marker), Equals, "1.0\x00")
}

func (s *GoldenSuite) TestInstallIsIdempotent(c *C) {
	root := c.MkDir()
	factory := makeFactory(c, root, "1.0")
	in := newInstaller(c, root, factory)

	_, err := in.Install(-1, -1)
	c.Assert(err, IsNil)

	newest := in.Root.NewestNonBad()
	c.Assert(in.ShouldInstall(newest), Equals, false)
}

func (s *GoldenSuite) TestInstallImportsPriorConfigThenDeletesSibling(c *C) {
	root := c.MkDir()
	factory := makeFactory(c, root, "1.0")
	in := newInstaller(c, root, factory)

	_, err := in.Install(-1, -1)
	c.Assert(err, IsNil)
	c.Assert(fsutil.AtomicWriteFile(filepath.Join(in.Root.Dir(sysdir.CurrentName), "config", "custom.conf"), []byte("x")), IsNil)

	factory2 := makeFactory(c, c.MkDir(), "2.0")
	in2 := in
	in2.FactoryRoot = factory2

	newIdx, err := in2.Install(0, 0)
	c.Assert(err, IsNil)
	c.Assert(newIdx, Equals, 1)

	// the commit rename lands at "current"; the demoted "0" is a Good
	// system, so its config/ is imported before it is deleted as a
	// non-"current" sibling (spec.md §4.4 steps 4 and 7).
	c.Assert(fsutil.Exists(filepath.Join(in.Root.Dir(sysdir.CurrentName), "config", "custom.conf")), Equals, true)
	c.Assert(fsutil.IsDir(in.Root.Dir("0")), Equals, false)
}
