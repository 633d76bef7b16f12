// Copyright © 2015-2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package fsutil provides the filesystem primitives the selector and
// installer are built on: buffered/atomic file I/O, a recursive delete
// that never crosses mount points or follows symlinks, a rename that
// clears a stale destination and retries once, and best-effort mount
// helpers consulting /proc/mounts and /proc/filesystems.
package fsutil

import (
	"bufio"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/platinasystems/log"
)

// MaxPath bounds any path this package composes or accepts, mirroring the
// PATH_MAX check a systems-language implementation would make explicit.
const MaxPath = 4096

// ErrPathTooLong is fatal: the caller must not silently truncate.
var ErrPathTooLong = fmt.Errorf("fsutil: path exceeds %d bytes", MaxPath)

func checkLen(path string) error {
	if len(path) >= MaxPath {
		return ErrPathTooLong
	}
	return nil
}

// WriteFile creates (or truncates) path and writes data to it in full,
// retrying short writes, then closes it. It does not fsync the
// directory entry; callers that need durability call Sync.
func WriteFile(path string, data []byte) (int, error) {
	if err := checkLen(path); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	written := 0
	for written < len(data) {
		n, err := f.Write(data[written:])
		if err != nil {
			if err == syscall.EINTR || err == syscall.EAGAIN {
				continue
			}
			return written, err
		}
		written += n
	}
	return written, nil
}

// AtomicWriteFile writes data to a temporary sibling of path and renames
// it into place, so a reader never observes a partially written file.
func AtomicWriteFile(path string, data []byte) error {
	if err := checkLen(path); err != nil {
		return err
	}
	tmp := path + ".new"
	if _, err := WriteFile(tmp, data); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ReadFile reads up to cap-1 bytes of path and always returns a
// null-terminated buffer, distinguishing "does not exist" from other
// failures via os.IsNotExist on the returned error.
func ReadFile(path string, cap int) ([]byte, error) {
	if err := checkLen(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if cap <= 0 {
		return []byte{0}, nil
	}
	buf := make([]byte, cap)
	n, err := io.ReadFull(f, buf[:cap-1])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:n+1], nil
}

// Exists reports whether path can be stat()ed. It may return false on
// permission errors as well as absence.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// EnsureDir creates dir (and parents) with perm if it does not already
// exist.
func EnsureDir(dir string, perm os.FileMode) error {
	if IsDir(dir) {
		return nil
	}
	return os.MkdirAll(dir, perm)
}

// DirEntryIsDir answers "is this directory entry a directory?" using the
// d_type hint from ReadDir, falling back to Lstat when the type is not
// recorded (the portable case spec.md §4.3/§9 calls out). dirPath is the
// parent directory entry was read from, used to qualify the Lstat.
func DirEntryIsDir(dirPath string, entry os.DirEntry) bool {
	if entry.Type()&os.ModeSymlink != 0 {
		return false
	}
	if entry.IsDir() {
		return true
	}
	if entry.Type() != 0 {
		return false
	}
	fi, err := os.Lstat(filepath.Join(dirPath, entry.Name()))
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeSymlink == 0 && fi.IsDir()
}

func deviceID(path string) (uint64, error) {
	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Dev), nil
}

// RecursiveDelete removes the directory tree rooted at path without
// crossing mount points and without following symlinks. It is never
// fatal: failures are logged at warning severity and the walk
// continues with siblings.
func RecursiveDelete(path string) {
	rootDev, err := deviceID(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Print("warning: recursive delete stat ", path, ": ", err)
		}
		return
	}
	recursiveDelete(path, rootDev)
}

func recursiveDelete(path string, rootDev uint64) {
	fi, err := os.Lstat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Print("warning: recursive delete lstat ", path, ": ", err)
		}
		return
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(path); err != nil {
			log.Print("warning: recursive delete unlink ", path, ": ", err)
		}
		return
	}

	if !fi.IsDir() {
		if err := os.Remove(path); err != nil {
			log.Print("warning: recursive delete remove ", path, ": ", err)
		}
		return
	}

	dev, err := deviceID(path)
	if err != nil || dev != rootDev {
		log.Print("warning: recursive delete refusing to cross mount point at ", path)
		return
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		log.Print("warning: recursive delete readdir ", path, ": ", err)
		return
	}
	for _, entry := range entries {
		recursiveDelete(filepath.Join(path, entry.Name()), rootDev)
	}
	if err := os.Remove(path); err != nil {
		log.Print("warning: recursive delete rmdir ", path, ": ", err)
	}
}

// Rename renames src to dst. If dst exists as a non-empty directory it
// is recursively deleted and the rename retried once. Any other
// failure is fatal, except EBUSY (typically an active mount under
// dst), which is retried a bounded number of times after a lazy
// unmount attempt, per spec.md §9's open question on this point.
func Rename(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	if linkErr, ok := err.(*os.LinkError); ok && isNotEmptyDir(linkErr.Err) {
		RecursiveDelete(dst)
		err = os.Rename(src, dst)
		if err == nil {
			return nil
		}
	}

	if !isBusy(err) {
		return fmt.Errorf("fsutil: rename %s -> %s: %w (fatal)", src, dst, err)
	}

	b := &backoff.Backoff{
		Min:    10 * time.Millisecond,
		Max:    200 * time.Millisecond,
		Factor: 2,
		Jitter: true,
	}
	for attempt := 0; attempt < 5; attempt++ {
		TryLazyUnmount(dst)
		time.Sleep(b.Duration())
		err = os.Rename(src, dst)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			break
		}
	}
	return fmt.Errorf("fsutil: rename %s -> %s: %w (fatal, still busy after retry)", src, dst, err)
}

func isNotEmptyDir(err error) bool {
	errno, ok := err.(syscall.Errno)
	return ok && (errno == syscall.EEXIST || errno == syscall.ENOTEMPTY)
}

func isBusy(err error) bool {
	linkErr, ok := err.(*os.LinkError)
	if !ok {
		return false
	}
	errno, ok := linkErr.Err.(syscall.Errno)
	return ok && errno == syscall.EBUSY
}

// TryLazyUnmount best-effort lazy-unmounts path, ignoring "not mounted".
func TryLazyUnmount(path string) {
	err := syscall.Unmount(path, syscall.MNT_DETACH)
	if err != nil && err != syscall.EINVAL && err != syscall.ENOENT {
		log.Print("warning: lazy unmount ", path, ": ", err)
	}
}

// IsMountPoint reports whether dst appears as a mount point's target in
// /proc/mounts.
func IsMountPoint(dst string) (bool, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == dst {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// BindMountIfNeeded creates src if missing and bind-mounts it at dst
// unless dst is already a mount point. A mount syscall failure is
// fatal; a failure to create src or to consult the mount table is
// returned for the caller to decide (the driver treats it as fatal
// too, but the boundary is kept explicit here).
func BindMountIfNeeded(src, dst string) error {
	if err := checkLen(src); err != nil {
		return err
	}
	if err := checkLen(dst); err != nil {
		return err
	}
	if err := EnsureDir(src, 0755); err != nil {
		return fmt.Errorf("fsutil: mkdir %s: %w", src, err)
	}
	mounted, err := IsMountPoint(dst)
	if err != nil {
		return fmt.Errorf("fsutil: consult mount table for %s: %w", dst, err)
	}
	if mounted {
		return nil
	}
	if err := EnsureDir(dst, 0755); err != nil {
		return fmt.Errorf("fsutil: mkdir %s: %w", dst, err)
	}
	if err := syscall.Mount(src, dst, "", syscall.MS_BIND, ""); err != nil {
		return fmt.Errorf("fsutil: bind mount %s -> %s: %w (fatal)", src, dst, err)
	}
	return nil
}

// CopyFile copies src to dst by value, preserving perm.
func CopyFile(src, dst string, perm os.FileMode) error {
	if err := checkLen(src); err != nil {
		return err
	}
	if err := checkLen(dst); err != nil {
		return err
	}
	data, err := ioutil.ReadFile(src)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(dst, data, perm)
}

// CopyTree recursively copies the regular files and directories under
// src into dst, preserving the tree shape. Symlinks in src are
// recreated as symlinks (never followed), matching the "apps/" content
// model where import time never wants to dereference a store symlink.
// An existing non-directory entry at the destination is removed and
// replaced by the one from src, never written through.
func CopyTree(src, dst string) error {
	if !Exists(src) {
		return nil
	}
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if err := checkLen(target); err != nil {
			return err
		}
		if !info.IsDir() {
			if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			linkDst, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(linkDst, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		default:
			return CopyFile(p, target, info.Mode().Perm())
		}
	})
}

// Sync flushes all filesystems, used before a marker write that must
// survive a subsequent power loss and before a reboot.
func Sync() {
	syscall.Sync()
}

// JoinSentinel joins a directory and a sentinel file name, kept as a
// named helper so callers never hand-build the path with "+".
func JoinSentinel(dir, name string) string {
	return filepath.Join(dir, name)
}

// Reboot asks the kernel to restart the system immediately. Callers
// must Sync first; this never returns on success.
func Reboot() error {
	return syscall.Reboot(syscall.LINUX_REBOOT_CMD_RESTART)
}

// TailFile returns the last n lines of path, read from the end in
// fixed-size chunks so a large log file is never read in full.
func TailFile(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	const chunk = 4096
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()

	var buf []byte
	lines := 0
	for offset := size; offset > 0 && lines <= n; {
		readSize := int64(chunk)
		if readSize > offset {
			readSize = offset
		}
		offset -= readSize
		part := make([]byte, readSize)
		if _, err := f.ReadAt(part, offset); err != nil && err != io.EOF {
			return nil, err
		}
		buf = append(part, buf...)
		lines = strings.Count(string(buf), "\n")
	}

	text := string(buf)
	split := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(split) > n {
		split = split[len(split)-n:]
	}
	return []byte(strings.Join(split, "\n") + "\n"), nil
}
