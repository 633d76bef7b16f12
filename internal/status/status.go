// Copyright © 2015-2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package status implements the per-system status file grammar and its
// classification into Good / Bad / Tryable(n) / New, per spec.md §4.2.
package status

import (
	"strconv"
	"strings"
)

// MaxTries is the try-count ceiling; a Tryable count must be in
// [1, MaxTries) and a count >= MaxTries classifies as Bad.
const MaxTries = 4

// Kind enumerates the status sum type.
type Kind int

const (
	// New means the status file does not exist; equivalent to Tryable(0).
	New Kind = iota
	// Good means the system has booted successfully and won't be retried.
	Good
	// Tryable means the system has been attempted Tries times, Tries <
	// MaxTries, and may still be attempted again.
	Tryable
	// Bad means the system must not be selected; the selector must
	// demote and delete it before choosing a replacement.
	Bad
)

func (k Kind) String() string {
	switch k {
	case New:
		return "new"
	case Good:
		return "good"
	case Tryable:
		return "tryable"
	case Bad:
		return "bad"
	default:
		return "unknown"
	}
}

// Status is the classified value of a status file: a Kind plus, for
// Tryable, the number of prior tries.
type Status struct {
	Kind  Kind
	Tries int
}

// IsGoodOrTryable reports whether a system in this status is eligible
// to be the newest non-bad system (spec.md §4.3).
func (s Status) IsGoodOrTryable() bool {
	return s.Kind == Good || s.Kind == Tryable || s.Kind == New
}

// Classify parses the raw contents of a status file per the grammar in
// spec.md §6:
//
//	status  := "good" | "bad" | "tried " decimal
//	decimal := [0-9]+
//
// Any other content, or a tried-count outside [1, MaxTries), is Bad. A
// malformed status file must never be mistaken for New: corruption is
// always Bad, never silently treated as fresh.
func Classify(text string) Status {
	switch {
	case text == "good":
		return Status{Kind: Good}
	case text == "bad":
		return Status{Kind: Bad}
	case strings.HasPrefix(text, "tried "):
		digits := strings.TrimPrefix(text, "tried ")
		if digits == "" || strings.Trim(digits, "0123456789") != "" {
			return Status{Kind: Bad}
		}
		n, err := strconv.Atoi(digits)
		if err != nil || n <= 0 || n >= MaxTries {
			return Status{Kind: Bad}
		}
		return Status{Kind: Tryable, Tries: n}
	default:
		return Status{Kind: Bad}
	}
}

// Absent is the status implied by a missing status file: New, which is
// Tryable(0). Classify never produces this value directly since an
// absent file never reaches Classify; callers that stat ENOENT return
// Absent() instead of calling Classify on empty input.
func Absent() Status {
	return Status{Kind: New}
}

// EmitGood returns the canonical byte form for a Good status.
func EmitGood() []byte { return []byte("good") }

// EmitBad returns the canonical byte form for a Bad status.
func EmitBad() []byte { return []byte("bad") }

// EmitTried returns the canonical byte form for Tryable(n).
func EmitTried(n int) []byte {
	return []byte("tried " + strconv.Itoa(n))
}

// Emit renders s in its canonical byte form, the inverse of Classify for
// every value Classify can produce from well-formed input (the
// round-trip property of spec.md §8).
func Emit(s Status) []byte {
	switch s.Kind {
	case Good:
		return EmitGood()
	case Bad:
		return EmitBad()
	case Tryable:
		return EmitTried(s.Tries)
	case New:
		// New has no on-disk representation; the file is simply
		// absent. Emit a Tryable(0) line for any caller that chooses
		// to materialize it anyway (e.g. a test fixture).
		return EmitTried(0)
	default:
		return EmitBad()
	}
}
