// Copyright © 2015-2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package sysdir

import (
	"os"
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/platinasystems/bootselectord/internal/fsutil"
	"github.com/platinasystems/bootselectord/internal/status"
)

func Test(t *testing.T) { TestingT(t) }

type SysdirSuite struct{}

var _ = Suite(&SysdirSuite{})

func makeSystem(c *C, root Root, name string, idx int, statusText string) {
	dir := root.Dir(name)
	c.Assert(os.MkdirAll(dir, 0755), IsNil)
	c.Assert(fsutil.AtomicWriteFile(filepath.Join(dir, "index"), []byte(IndexName(idx))), IsNil)
	if statusText != "" {
		c.Assert(fsutil.AtomicWriteFile(filepath.Join(dir, "status"), []byte(statusText)), IsNil)
	}
}

func (s *SysdirSuite) TestGetStatusMissingFileIsNew(c *C) {
	root := New(c.MkDir())
	c.Assert(os.MkdirAll(root.Dir("0"), 0755), IsNil)
	c.Assert(root.GetStatus("0"), Equals, status.Absent())
}

func (s *SysdirSuite) TestNewestNonBadSkipsBadAndUnpack(c *C) {
	root := New(c.MkDir())
	makeSystem(c, root, "0", 0, "bad")
	makeSystem(c, root, "1", 1, "good")
	makeSystem(c, root, "2", 2, "tried 1")
	makeSystem(c, root, "unpack", 3, "good")

	c.Assert(root.NewestNonBad(), Equals, 2)
}

func (s *SysdirSuite) TestNewestNonBadConsidersCurrent(c *C) {
	root := New(c.MkDir())
	makeSystem(c, root, "current", 5, "good")

	c.Assert(root.NewestNonBad(), Equals, 5)
}

func (s *SysdirSuite) TestNewestNonBadNoneReturnsMinusOne(c *C) {
	root := New(c.MkDir())
	makeSystem(c, root, "0", 0, "bad")
	c.Assert(root.NewestNonBad(), Equals, -1)
}

func (s *SysdirSuite) TestCurrentIndexMissingIsMinusOne(c *C) {
	root := New(c.MkDir())
	c.Assert(root.CurrentIndex(), Equals, -1)
}

func (s *SysdirSuite) TestCurrentIndexReadsIndexFile(c *C) {
	root := New(c.MkDir())
	makeSystem(c, root, "current", 4, "good")
	c.Assert(root.CurrentIndex(), Equals, 4)
}

func (s *SysdirSuite) TestDescribeSkipsDotfilesAndUnpack(c *C) {
	root := New(c.MkDir())
	makeSystem(c, root, "0", 0, "good")
	makeSystem(c, root, "unpack", 1, "good")
	c.Assert(os.MkdirAll(root.Dir(".tmp"), 0755), IsNil)

	infos := root.Describe()
	c.Assert(len(infos), Equals, 1)
	c.Assert(infos[0].Name, Equals, "0")
}

func (s *SysdirSuite) TestDeleteSiblingsExceptCurrent(c *C) {
	root := New(c.MkDir())
	makeSystem(c, root, "current", 2, "good")
	makeSystem(c, root, "0", 0, "bad")
	makeSystem(c, root, "1", 1, "good")

	root.DeleteSiblingsExceptCurrent()

	c.Assert(fsutil.Exists(root.Dir("current")), Equals, true)
	c.Assert(fsutil.Exists(root.Dir("0")), Equals, false)
	c.Assert(fsutil.Exists(root.Dir("1")), Equals, false)
}
