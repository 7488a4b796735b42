package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// StatusSet is a small bitset of statuses.
type StatusSet uint8

// Predefined status sets.
var (
	ActiveOnly        = NewStatusSet(StatusActive)
	ActiveAndInactive = NewStatusSet(StatusActive, StatusInactive)
	AnyStatus         = NewStatusSet(StatusActive, StatusInactive, StatusPrimordial, StatusCancelled)
)

// NewStatusSet builds a set from its members.
func NewStatusSet(statuses ...Status) StatusSet {
	var s StatusSet
	for _, st := range statuses {
		s |= 1 << st
	}
	return s
}

// Contains reports whether st is in the set.
func (s StatusSet) Contains(st Status) bool { return s&(1<<st) != 0 }

// Statuses returns the members in declaration order.
func (s StatusSet) Statuses() []Status {
	var out []Status
	for i := range statusNames {
		if s.Contains(Status(i)) {
			out = append(out, Status(i))
		}
	}
	return out
}

func (s StatusSet) String() string {
	names := make([]string, 0, len(statusNames))
	for _, st := range s.Statuses() {
		names = append(names, st.String())
	}
	return strings.Join(names, ",")
}

// ParseStatusSet parses a comma-separated status list, e.g. "active,inactive".
func ParseStatusSet(s string) (StatusSet, error) {
	var set StatusSet
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		st, err := ParseStatus(part)
		if err != nil {
			return 0, err
		}
		set |= NewStatusSet(st)
	}
	return set, nil
}

// PrecedencePolicy decides how versions on unrelated paths compare.
type PrecedencePolicy uint8

const (
	// PrecedencePath keeps versions on unrelated paths as contradictions.
	PrecedencePath PrecedencePolicy = iota
	// PrecedenceTime orders versions on unrelated paths by time.
	PrecedenceTime
)

func (p PrecedencePolicy) String() string {
	if p == PrecedenceTime {
		return "time"
	}
	return "path"
}

// ParsePrecedence is the inverse of PrecedencePolicy.String.
func ParsePrecedence(s string) (PrecedencePolicy, error) {
	switch strings.ToLower(s) {
	case "", "path":
		return PrecedencePath, nil
	case "time":
		return PrecedenceTime, nil
	}
	return 0, fmt.Errorf("unknown precedence %q", s)
}

// StampFilter is a view coordinate: which stamps a reader can see and how
// conflicting edits are ordered. Filters are immutable; use the With*
// options at construction time or At/OnPath to derive a new one.
type StampFilter struct {
	statuses   StatusSet
	position   StampPosition
	modules    []Nid
	priority   []Nid
	precedence PrecedencePolicy
}

// FilterOption configures a StampFilter.
type FilterOption func(*StampFilter)

// WithStatuses sets the allowed statuses.
func WithStatuses(s StatusSet) FilterOption {
	return func(f *StampFilter) { f.statuses = s }
}

// WithModules restricts the filter to the given modules.
func WithModules(modules ...Nid) FilterOption {
	return func(f *StampFilter) {
		m := slices.Clone(modules)
		slices.Sort(m)
		f.modules = slices.Compact(m)
	}
}

// WithModulePriority sets the module precedence order, best first.
func WithModulePriority(order ...Nid) FilterOption {
	return func(f *StampFilter) { f.priority = slices.Clone(order) }
}

// WithPrecedence sets the precedence policy.
func WithPrecedence(p PrecedencePolicy) FilterOption {
	return func(f *StampFilter) { f.precedence = p }
}

// NewStampFilter builds a filter positioned at pos. Without WithStatuses
// the filter sees active and inactive versions.
func NewStampFilter(pos StampPosition, opts ...FilterOption) StampFilter {
	f := StampFilter{position: pos}
	for _, opt := range opts {
		opt(&f)
	}
	if f.statuses == 0 {
		f.statuses = ActiveAndInactive
	}
	return f
}

func (f StampFilter) Statuses() StatusSet          { return f.statuses }
func (f StampFilter) Position() StampPosition      { return f.position }
func (f StampFilter) Precedence() PrecedencePolicy { return f.precedence }

// Modules returns the allowed modules, or nil when every module is allowed.
func (f StampFilter) Modules() []Nid { return slices.Clone(f.modules) }

// ModulePriority returns the module precedence order, best first.
func (f StampFilter) ModulePriority() []Nid { return slices.Clone(f.priority) }

// AllowsStatus reports whether versions with status st are visible.
func (f StampFilter) AllowsStatus(st Status) bool { return f.statuses.Contains(st) }

// AllowsModule reports whether versions from module m are visible.
func (f StampFilter) AllowsModule(m Nid) bool {
	if len(f.modules) == 0 {
		return true
	}
	_, ok := slices.BinarySearch(f.modules, m)
	return ok
}

// ModuleRank returns m's position in the priority order. Unlisted modules
// rank after every listed one.
func (f StampFilter) ModuleRank(m Nid) int {
	if i := slices.Index(f.priority, m); i >= 0 {
		return i
	}
	return len(f.priority)
}

// At returns a copy of the filter positioned at time t.
func (f StampFilter) At(t int64) StampFilter {
	f.position.Time = t
	return f
}

// OnPath returns a copy of the filter positioned on path.
func (f StampFilter) OnPath(path Nid) StampFilter {
	f.position.Path = path
	return f
}

// Key is a canonical encoding of the filter, equal for equal filters.
func (f StampFilter) Key() string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(uint64(f.statuses), 16))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(f.position.Time, 10))
	b.WriteByte('@')
	b.WriteString(strconv.FormatInt(int64(f.position.Path), 10))
	b.WriteByte('|')
	writeNids(&b, f.modules)
	b.WriteByte('|')
	writeNids(&b, f.priority)
	b.WriteByte('|')
	b.WriteString(f.precedence.String())
	return b.String()
}

func writeNids(b *strings.Builder, nids []Nid) {
	for i, n := range nids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(int64(n), 10))
	}
}

func (f StampFilter) String() string {
	s := fmt.Sprintf("%s @ %s on %d, %s precedence", f.statuses, FormatTime(f.position.Time), f.position.Path, f.precedence)
	if len(f.modules) > 0 {
		s += fmt.Sprintf(", modules %v", f.modules)
	}
	if len(f.priority) > 0 {
		s += fmt.Sprintf(", priority %v", f.priority)
	}
	return s
}

// MarshalJSON exposes the filter's fields for --json output.
func (f StampFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Statuses   string        `json:"statuses"`
		Position   StampPosition `json:"position"`
		Modules    []Nid         `json:"modules,omitempty"`
		Priority   []Nid         `json:"module_priority,omitempty"`
		Precedence string        `json:"precedence"`
	}{f.statuses.String(), f.position, f.modules, f.priority, f.precedence.String()})
}
