// Copyright © 2015-2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package appstore stages apps from the factory image into a new
// system: content-addressed symlinks into the app store, plus import
// of per-app writable state from a previous system or a legacy
// location, per spec.md §4.5.
package appstore

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"github.com/platinasystems/log"

	"github.com/platinasystems/bootselectord/internal/fsutil"
)

// ComputeHash returns the blake2b-256 hexdigest of a regular file's
// contents, used to sanity-check a freshly created app-store entry
// against the name the factory symlink asserts. App-store entries
// named by content hash are otherwise trusted by construction (spec.md
// §4.5); this is a defensive, best-effort check, not a new invariant.
func ComputeHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WritableUpdateHook finalizes an app's writable tree against the
// version of the app that is now current. It is an external
// collaborator (spec.md §1: app-level service APIs are out of scope);
// the core only guarantees it is called with the right paths.
type WritableUpdateHook func(appName, writableDir string) error

// Stager stages one app at a time into an unpack directory.
type Stager struct {
	// FactoryApps is the factory image's "apps/" directory, holding one
	// symlink per app pointing at its content-hash store entry.
	FactoryApps string
	// AppStore is the content-addressed store root ("/<appStore>").
	AppStore string
	// UnpackApps and UnpackAppsWriteable are the staging directories
	// being assembled ("unpack/apps", "unpack/appsWriteable").
	UnpackApps          string
	UnpackAppsWriteable string
	// LegacyAppsWriteable is consulted only when there is no previous
	// modern system (prevIndex == -1).
	LegacyAppsWriteable string
	// Hook finalizes the writable tree; may be nil.
	Hook WritableUpdateHook
}

// readHashSymlink returns the content hash a factory app symlink points
// at, i.e. the basename of the symlink target.
func readHashSymlink(path string) (string, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", err
	}
	return filepath.Base(target), nil
}

// SetUpApp stages appName: unpack/apps/<appName> becomes a symlink to
// /<appStore>/<hash>, creating the store entry if this is its first
// reference, then imports writable state from
// prevSystemAppsWriteable/<appName> (prevSystemAppsWriteable being the
// prior modern system's appsWriteable directory) if prevIndex != -1, or
// from the legacy location otherwise. In both cases Hook is
// called last to finalize the writable tree.
//
// After SetUpApp returns without error, unpack/apps/<appName> exists
// and its target in the app store exists, per the contract in spec.md
// §4.5.
func (s Stager) SetUpApp(appName string, prevIndex int, prevSystemAppsWriteable string) error {
	factoryLink := filepath.Join(s.FactoryApps, appName)
	hash, err := readHashSymlink(factoryLink)
	if err != nil {
		return err
	}

	storeEntry := filepath.Join(s.AppStore, hash)
	if !fsutil.Exists(storeEntry) {
		if err := fsutil.EnsureDir(s.AppStore, 0755); err != nil {
			return err
		}
		factoryStoreEntry := filepath.Join(s.FactoryApps, hash)
		if err := os.Symlink(factoryStoreEntry, storeEntry); err != nil && !os.IsExist(err) {
			return err
		}
		if fi, err := os.Stat(storeEntry); err == nil && fi.Mode().IsRegular() {
			if got, err := ComputeHash(storeEntry); err == nil && got != hash {
				log.Print("warning: ", appName, ": store entry ", hash, " content hash mismatch (got ", got, ")")
			}
		}
	}

	unpackLink := filepath.Join(s.UnpackApps, appName)
	if err := os.Symlink(storeEntry, unpackLink); err != nil {
		return err
	}

	writableDir := filepath.Join(s.UnpackAppsWriteable, appName)
	if err := fsutil.EnsureDir(writableDir, 0755); err != nil {
		return err
	}

	if prevIndex != -1 {
		if err := fsutil.CopyTree(filepath.Join(prevSystemAppsWriteable, appName), writableDir); err != nil {
			log.Print("warning: ", appName, ": copy writable state from prior system: ", err)
		}
	} else {
		// No previous modern system: harvest from the legacy location
		// named by appName, never the literal string "appName" — the
		// bug in the original source this spec is drawn from is not
		// replicated here (spec.md §9).
		legacy := filepath.Join(s.LegacyAppsWriteable, appName)
		if fsutil.Exists(legacy) {
			if err := fsutil.CopyTree(legacy, writableDir); err != nil {
				log.Print("warning: ", appName, ": harvest legacy writable state: ", err)
			}
		}
	}

	if s.Hook != nil {
		if err := s.Hook(appName, writableDir); err != nil {
			return err
		}
	}
	return nil
}

// ListFactoryApps enumerates the app names under a factory image's
// apps/ directory, skipping content-hash store entries (which have no
// symlink mode, unlike app-name entries which always do).
func ListFactoryApps(factoryApps string) ([]string, error) {
	entries, err := os.ReadDir(factoryApps)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			// store entries under the factory apps/ directory are
			// directories or regular files, never symlinks; app
			// entries always are.
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}
