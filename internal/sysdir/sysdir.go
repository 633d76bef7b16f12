// Copyright © 2015-2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package sysdir models the systems root directory: enumerating
// indexed systems, resolving "current", reading per-system index
// files, and computing the newest non-bad index, per spec.md §4.3.
package sysdir

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"time"

	"github.com/djherbis/times"
	"github.com/platinasystems/log"

	"github.com/platinasystems/bootselectord/internal/fsutil"
	"github.com/platinasystems/bootselectord/internal/status"
)

// CurrentName is the fixed, distinguished system directory name.
const CurrentName = "current"

// UnpackName is the fixed staging directory name.
const UnpackName = "unpack"

// Root models the systems root directory.
type Root struct {
	Path string
}

// New returns a Root rooted at path.
func New(path string) Root { return Root{Path: path} }

// Dir returns the absolute path of the named system.
func (r Root) Dir(name string) string { return filepath.Join(r.Path, name) }

// IndexName returns the decimal name for idx, e.g. "0", "1", "2".
func IndexName(idx int) string { return strconv.Itoa(idx) }

// ReadIndex returns the integer stored in <systems>/<name>/index.
func (r Root) ReadIndex(name string) (int, error) {
	buf, err := fsutil.ReadFile(filepath.Join(r.Dir(name), "index"), 32)
	if err != nil {
		return -1, err
	}
	text := strings.TrimRight(string(buf), "\x00")
	text = strings.TrimSpace(text)
	n, err := strconv.Atoi(text)
	if err != nil {
		return -1, err
	}
	return n, nil
}

// WriteIndex writes idx into <systems>/<name>/index.
func (r Root) WriteIndex(name string, idx int) error {
	return fsutil.AtomicWriteFile(filepath.Join(r.Dir(name), "index"), []byte(strconv.Itoa(idx)))
}

// GetStatus reads and classifies the status file of the named system,
// mapping a missing file to status.Absent() (Tryable(0)), never logging
// that case at error severity (spec.md §9's open question).
func (r Root) GetStatus(name string) status.Status {
	path := filepath.Join(r.Dir(name), "status")
	buf, err := fsutil.ReadFile(path, 64)
	if err != nil {
		if os.IsNotExist(err) {
			log.Print("notice: ", name, ": no status file, treating as new")
			return status.Absent()
		}
		log.Print("warning: ", name, ": read status: ", err)
		return status.Status{Kind: status.Bad}
	}
	text := strings.TrimRight(string(buf), "\x00")
	text = strings.TrimSpace(text)
	return status.Classify(text)
}

// SetStatus writes s into <systems>/<name>/status.
func (r Root) SetStatus(name string, s status.Status) error {
	return fsutil.AtomicWriteFile(filepath.Join(r.Dir(name), "status"), status.Emit(s))
}

// StatusChangeTime returns the ctime of the named system's status file,
// used only for diagnostic logging when demoting a Bad current
// (SPEC_FULL.md §4.9). Where no change time is recorded it returns the
// modification time instead; the zero Time and false are returned only
// if the file cannot be stat()ed.
func (r Root) StatusChangeTime(name string) (t time.Time, ok bool) {
	ts, err := times.Stat(filepath.Join(r.Dir(name), "status"))
	if err != nil {
		return time.Time{}, false
	}
	if cts, ok := ts.(times.ChangeTimeable); ok && cts.HasChangeTime() {
		return cts.ChangeTime(), true
	}
	return ts.ModTime(), true
}

func isSkippedEntry(name string) bool {
	return strings.HasPrefix(name, ".") || name == UnpackName
}

// NewestNonBad scans the systems root, skipping dotfiles and the
// unpack directory, and returns the highest index whose status is Good
// or Tryable. "current" is a candidate like any other indexed system
// (spec.md §4.3): in steady state it is usually the sole entry and
// must not be excluded, or callers comparing against CurrentIndex could
// never observe a match. It returns -1 if no such system exists.
func (r Root) NewestNonBad() int {
	entries, err := os.ReadDir(r.Path)
	if err != nil {
		log.Print("warning: read systems root ", r.Path, ": ", err)
		return -1
	}

	newest := -1
	for _, entry := range entries {
		name := entry.Name()
		if isSkippedEntry(name) {
			continue
		}
		if !fsutil.DirEntryIsDir(r.Path, entry) {
			continue
		}
		idx, err := r.ReadIndex(name)
		if err != nil {
			log.Print("warning: ", name, ": unreadable index: ", err)
			continue
		}
		st := r.GetStatus(name)
		if !st.IsGoodOrTryable() {
			continue
		}
		if idx > newest {
			newest = idx
		}
	}
	return newest
}

// CurrentIndex returns the index recorded by the "current" system, or
// -1 if "current" does not exist or its index is unreadable.
func (r Root) CurrentIndex() int {
	if !fsutil.IsDir(r.Dir(CurrentName)) {
		return -1
	}
	idx, err := r.ReadIndex(CurrentName)
	if err != nil {
		log.Print("warning: current: unreadable index: ", err)
		return -1
	}
	return idx
}

// Info is a read-only snapshot of one system directory, used for
// startup logging and tests (SPEC_FULL.md §6 supplement).
type Info struct {
	Name   string
	Index  int
	Status status.Status
}

// Describe returns an Info snapshot for every system under the root,
// skipping dotfiles and the unpack directory.
func (r Root) Describe() []Info {
	entries, err := os.ReadDir(r.Path)
	if err != nil {
		return nil
	}
	var out []Info
	for _, entry := range entries {
		name := entry.Name()
		if isSkippedEntry(name) || !fsutil.DirEntryIsDir(r.Path, entry) {
			continue
		}
		idx, err := r.ReadIndex(name)
		if err != nil {
			idx = -1
		}
		out = append(out, Info{Name: name, Index: idx, Status: r.GetStatus(name)})
	}
	return out
}

// DeleteStaleUnpack removes any leftover unpack directory from a prior
// boot; best-effort, per spec.md §4.6's "delete stale unpack
// directories" step.
func (r Root) DeleteStaleUnpack() {
	fsutil.RecursiveDelete(r.Dir(UnpackName))
}

// DeleteSiblingsExceptCurrent removes every system directory other
// than "current" and "unpack", per spec.md §4.4 step 7.
func (r Root) DeleteSiblingsExceptCurrent() {
	entries, err := os.ReadDir(r.Path)
	if err != nil {
		log.Print("warning: read systems root ", r.Path, ": ", err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == CurrentName || isSkippedEntry(name) {
			continue
		}
		if !fsutil.DirEntryIsDir(r.Path, entry) {
			continue
		}
		fsutil.RecursiveDelete(r.Dir(name))
	}
}
