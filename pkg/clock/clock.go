// Package clock stamps commit times and defines the deterministic total
// order used to break ties between versions.
//
// Stamp times are wall-clock epoch milliseconds, but two rules keep them
// usable as an ordering:
//
//	R1 (local commit): the issued time is max(now, last+1), so times issued
//	    by one clock strictly increase even if the wall clock stalls or
//	    steps backwards.
//	R2 (import): on seeing a time t from an imported change set, set
//	    last = max(last, t), so later local commits land after it.
//
// This is a Lamport clock whose ticks are floored by the wall clock.
package clock

import (
	"sync"
	"time"

	"github.com/daviddao/stampdb/pkg/model"
)

// Clock issues commit times. Safe for concurrent use: one clock is shared
// by every writer of a store.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() int64
}

// New returns a clock reading the system wall clock.
func New() *Clock {
	return &Clock{now: func() int64 { return time.Now().UnixMilli() }}
}

// NewWithSource returns a clock reading now. Used in tests.
func NewWithSource(now func() int64) *Clock {
	return &Clock{now: now}
}

// Tick implements R1. Returns the new time.
func (c *Clock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now()
	if t <= c.last {
		t = c.last + 1
	}
	c.last = t
	return t
}

// Receive implements R2 for an imported time. Sentinel times are ignored.
// Returns the clock's value after the update.
func (c *Clock) Receive(received int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received != model.TimeUncommitted && received != model.TimeCanceled && received > c.last {
		c.last = received
	}
	return c.last
}

// Value returns the last issued or received time without advancing it.
func (c *Clock) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Set seeds the clock, e.g. from the highest stamp time in a store.
func (c *Clock) Set(v int64) {
	c.mu.Lock()
	c.last = v
	c.mu.Unlock()
}

// Ranked is the part of a version that the total order looks at.
type Ranked struct {
	Time   int64
	Path   model.Nid
	Module model.Nid
	Author model.Nid
	Seq    model.StampSequence
}

// RankOf pairs a stamp with its sequence.
func RankOf(seq model.StampSequence, s model.Stamp) Ranked {
	return Ranked{Time: s.Time, Path: s.Path, Module: s.Module, Author: s.Author, Seq: seq}
}

// TotalOrderLess defines a deterministic total order over versions, most
// recent first. Version a ranks ahead of b if:
//
//	a.Time > b.Time, or
//	times are equal and a.Path < b.Path, or
//	paths are equal and a.Module < b.Module, or
//	modules are equal and a.Author < b.Author, or
//	authors are equal and a.Seq < b.Seq
//
// Only versions the resolver could not order by position ever reach this
// comparison, so it picks which of them is reported as latest without
// hiding the others.
func TotalOrderLess(a, b Ranked) bool {
	if a.Time != b.Time {
		return a.Time > b.Time
	}
	if a.Path != b.Path {
		return a.Path < b.Path
	}
	if a.Module != b.Module {
		return a.Module < b.Module
	}
	if a.Author != b.Author {
		return a.Author < b.Author
	}
	return a.Seq < b.Seq
}
