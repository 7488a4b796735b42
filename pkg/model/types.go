// Package model defines the core domain types for stampdb.
//
// Stampdb is a bi-temporal, multi-author terminology store built on two ideas:
//
//   - STAMP versioning: every edit to a component is stamped with Status,
//     Time, Author, Module and Path. Stamp tuples are interned into small
//     dense integers ("stamp sequences") so a version only carries one int.
//
//   - Append-only chronicles: a component's history only grows. Corrections
//     and retirements are new versions, never in-place mutation. Which
//     version is "current" is not stored anywhere; it is computed per read
//     from a view coordinate (StampFilter).
package model

import (
	"fmt"
	"math"
)

// Nid is the dense internal identifier of any component: concepts,
// descriptions, semantics, and also the authors, modules and paths that
// appear inside stamps.
type Nid int32

// StampSequence identifies one interned STAMP tuple. Sequences start at 1.
type StampSequence int32

// UncommittedSequence is never issued by an interner.
const UncommittedSequence StampSequence = 0

// Time sentinels. Stamp times are epoch milliseconds.
const (
	// TimeUncommitted marks an edit that has not been committed yet. It is
	// later than every real time, so only a "latest" filter sees it.
	TimeUncommitted int64 = math.MaxInt64

	// TimeCanceled marks an edit that was abandoned. It is never visible.
	TimeCanceled int64 = math.MinInt64

	// TimeLatest positions a filter after every committed edit.
	TimeLatest int64 = math.MaxInt64
)

// Status is the state component of a stamp.
type Status uint8

const (
	StatusInactive Status = iota
	StatusActive
	StatusPrimordial
	StatusCancelled
)

var statusNames = [...]string{"inactive", "active", "primordial", "cancelled"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for i, n := range statusNames {
		if n == s {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool { return int(s) < len(statusNames) }

// Stamp is the immutable (status, time, author, module, path) tuple.
// It is comparable and used directly as an interning key.
type Stamp struct {
	Status Status `json:"status"`
	Time   int64  `json:"time"`
	Author Nid    `json:"author"`
	Module Nid    `json:"module"`
	Path   Nid    `json:"path"`
}

// Uncommitted reports whether the stamp carries the uncommitted time sentinel.
func (s Stamp) Uncommitted() bool { return s.Time == TimeUncommitted }

// Canceled reports whether the stamp carries the canceled time sentinel.
func (s Stamp) Canceled() bool { return s.Time == TimeCanceled }

func (s Stamp) String() string {
	return fmt.Sprintf("%s t=%s a=%d m=%d p=%d", s.Status, FormatTime(s.Time), s.Author, s.Module, s.Path)
}

// FormatTime renders a stamp time, spelling out the sentinels.
func FormatTime(t int64) string {
	switch t {
	case TimeUncommitted:
		return "latest"
	case TimeCanceled:
		return "canceled"
	}
	return fmt.Sprintf("%d", t)
}

// Version is one entry in a chronicle. It references its chronicle by nid
// only; chronicles own versions, versions never own chronicles.
type Version struct {
	Chronicle Nid           `json:"chronicle"`
	Stamp     StampSequence `json:"stamp"`
	Payload   Payload       `json:"payload"`
}

// Type returns the payload's version type.
func (v Version) Type() VersionType {
	if v.Payload == nil {
		return VersionTypeUnknown
	}
	return v.Payload.VersionType()
}

// PathOrigin says that the content of Path up to and including Time is
// visible on the path that declares the origin.
type PathOrigin struct {
	Path Nid   `json:"path" yaml:"path"`
	Time int64 `json:"time" yaml:"time"`
}

// StampPath is a named branch of the edit history.
type StampPath struct {
	Nid     Nid          `json:"nid"`
	Name    string       `json:"name,omitempty"`
	Origins []PathOrigin `json:"origins,omitempty"`
}

// StampPosition is a point in time on a path.
type StampPosition struct {
	Time int64 `json:"time"`
	Path Nid   `json:"path"`
}

// RelativePosition is the outcome of comparing two stamps under a filter.
// It is read from the first stamp's perspective: After means the first
// stamp dominates the second.
type RelativePosition uint8

const (
	Unreachable RelativePosition = iota
	Before
	Equal
	After
	Contradiction
)

var relativePositionNames = [...]string{"unreachable", "before", "equal", "after", "contradiction"}

func (r RelativePosition) String() string {
	if int(r) < len(relativePositionNames) {
		return relativePositionNames[r]
	}
	return fmt.Sprintf("position(%d)", uint8(r))
}

// Invert returns the position read from the other stamp's perspective.
func (r RelativePosition) Invert() RelativePosition {
	switch r {
	case Before:
		return After
	case After:
		return Before
	}
	return r
}
