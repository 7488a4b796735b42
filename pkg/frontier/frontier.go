// Package frontier resolves the latest version of a chronicle under a
// stamp filter.
//
// The result is the frontier of the visible versions: the antichain of
// versions no other visible version dominates. A frontier of one is an
// unambiguous latest version. A wider frontier is a set of contradicting
// edits; one of them is reported as latest by a deterministic total order
// and the rest are kept as contradictions so callers can surface the
// conflict instead of silently losing an edit.
package frontier

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/daviddao/stampdb/pkg/chronicle"
	"github.com/daviddao/stampdb/pkg/clock"
	"github.com/daviddao/stampdb/pkg/model"
)

// Positioner is what Resolve needs from a relative position calculator.
// *position.Calculator implements it.
type Positioner interface {
	Filter() model.StampFilter
	Stamp(seq model.StampSequence) (model.Stamp, error)
	OnRouteStamp(s model.Stamp) bool
	RelativePositionStamps(a, b model.Stamp) model.RelativePosition
}

// LatestVersion is the outcome of a resolve. The zero value is absent.
type LatestVersion struct {
	latest         model.Version
	present        bool
	contradictions []model.Version
}

// IsPresent reports whether any version was visible.
func (l LatestVersion) IsPresent() bool { return l.present }

// Latest returns the chosen version.
func (l LatestVersion) Latest() (model.Version, bool) { return l.latest, l.present }

// Contradictions returns the other frontier members, most recent first.
func (l LatestVersion) Contradictions() []model.Version { return slices.Clone(l.contradictions) }

// Conflicted reports whether the frontier has more than one member.
func (l LatestVersion) Conflicted() bool { return len(l.contradictions) > 0 }

// Versions returns latest followed by the contradictions.
func (l LatestVersion) Versions() []model.Version {
	if !l.present {
		return nil
	}
	return append([]model.Version{l.latest}, l.contradictions...)
}

func (l LatestVersion) MarshalJSON() ([]byte, error) {
	type out struct {
		Present        bool            `json:"present"`
		Latest         *model.Version  `json:"latest,omitempty"`
		Contradictions []model.Version `json:"contradictions,omitempty"`
	}
	o := out{Present: l.present, Contradictions: l.contradictions}
	if l.present {
		o.Latest = &l.latest
	}
	return json.Marshal(o)
}

type candidate struct {
	version model.Version
	stamp   model.Stamp
}

func (c candidate) rank() clock.Ranked { return clock.RankOf(c.version.Stamp, c.stamp) }

// Resolve computes the latest version of c under p's filter. It never
// mutates c. A chronicle with no visible versions yields an absent result,
// not an error; a stamp sequence the positioner cannot resolve is an error.
func Resolve(c *chronicle.Chronicle, p Positioner) (LatestVersion, error) {
	var visible []candidate
	for v := range c.Versions() {
		s, err := p.Stamp(v.Stamp)
		if err != nil {
			return LatestVersion{}, fmt.Errorf("resolve chronicle %d: %w", c.Nid(), err)
		}
		if p.OnRouteStamp(s) {
			visible = append(visible, candidate{version: v, stamp: s})
		}
	}
	if len(visible) == 0 {
		return LatestVersion{}, nil
	}

	front := computeFrontier(visible, p)
	front = preferModules(front, p.Filter())
	slices.SortFunc(front, func(a, b candidate) int {
		switch {
		case clock.TotalOrderLess(a.rank(), b.rank()):
			return -1
		case clock.TotalOrderLess(b.rank(), a.rank()):
			return 1
		}
		return 0
	})

	out := LatestVersion{latest: front[0].version, present: true}
	for _, f := range front[1:] {
		out.contradictions = append(out.contradictions, f.version)
	}
	return out, nil
}

// computeFrontier returns the candidates no other candidate dominates.
// q dominates v when q is After v, or when the two are Equal and q holds
// the higher stamp sequence. Domination is decided pairwise against the
// whole visible set, so the result does not depend on insertion order.
func computeFrontier(visible []candidate, p Positioner) []candidate {
	var front []candidate
	for i, v := range visible {
		dominated := false
		for j, q := range visible {
			if i == j {
				continue
			}
			switch p.RelativePositionStamps(q.stamp, v.stamp) {
			case model.After:
				dominated = true
			case model.Equal:
				dominated = q.version.Stamp > v.version.Stamp
			}
			if dominated {
				break
			}
		}
		if !dominated {
			front = append(front, v)
		}
	}
	return front
}

// preferModules drops frontier members whose module ranks behind the best
// ranked member. Without a priority order every module ranks the same.
func preferModules(front []candidate, f model.StampFilter) []candidate {
	if len(front) < 2 || len(f.ModulePriority()) == 0 {
		return front
	}
	best := f.ModuleRank(front[0].stamp.Module)
	for _, c := range front[1:] {
		best = min(best, f.ModuleRank(c.stamp.Module))
	}
	return slices.DeleteFunc(front, func(c candidate) bool {
		return f.ModuleRank(c.stamp.Module) > best
	})
}
