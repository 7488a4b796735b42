package position

import (
	"fmt"

	"github.com/daviddao/stampdb/pkg/model"
)

// StampSource resolves stamp sequences. *stamp.Interner implements it.
type StampSource interface {
	Stamp(seq model.StampSequence) (model.Stamp, error)
}

// Calculator compares stamps under one StampFilter. It is immutable after
// construction and safe to share between goroutines; build it once per
// filter and reuse it for every component read with that filter.
type Calculator struct {
	filter  model.StampFilter
	stamps  StampSource
	imports map[model.Nid]map[model.Nid]int64
	visible map[model.Nid]int64
}

// NewCalculator precomputes the import table of g and the visibility
// threshold of every path the filter's path can see. It fails with
// ErrCyclicPathGraph if g has a cycle.
func NewCalculator(g *PathGraph, filter model.StampFilter, stamps StampSource) (*Calculator, error) {
	imports, err := g.importTable()
	if err != nil {
		return nil, err
	}
	pos := filter.Position()
	visible := map[model.Nid]int64{pos.Path: pos.Time}
	for q, t := range imports[pos.Path] {
		visible[q] = min(pos.Time, t)
	}
	return &Calculator{
		filter:  filter,
		stamps:  stamps,
		imports: imports,
		visible: visible,
	}, nil
}

// Filter returns the filter the calculator was built for.
func (c *Calculator) Filter() model.StampFilter { return c.filter }

// Stamp resolves seq through the calculator's stamp source.
func (c *Calculator) Stamp(seq model.StampSequence) (model.Stamp, error) {
	return c.stamps.Stamp(seq)
}

// VisibleThrough returns the latest time on path the filter can see.
func (c *Calculator) VisibleThrough(path model.Nid) (int64, bool) {
	t, ok := c.visible[path]
	return t, ok
}

// ImportTime returns I(descendant, ancestor) and whether ancestor is an
// ancestor of descendant at all.
func (c *Calculator) ImportTime(descendant, ancestor model.Nid) (int64, bool) {
	t, ok := c.imports[descendant][ancestor]
	return t, ok
}

// OnRoute reports whether the stamp is visible to the filter. Stamps that
// are not on route are not candidates at all.
func (c *Calculator) OnRoute(seq model.StampSequence) (bool, error) {
	s, err := c.stamps.Stamp(seq)
	if err != nil {
		return false, err
	}
	return c.OnRouteStamp(s), nil
}

// OnRouteStamp is OnRoute for an already resolved stamp.
func (c *Calculator) OnRouteStamp(s model.Stamp) bool {
	if s.Canceled() {
		return false
	}
	through, ok := c.visible[s.Path]
	if !ok || s.Time > through {
		return false
	}
	return c.filter.AllowsStatus(s.Status) && c.filter.AllowsModule(s.Module)
}

// RelativePosition compares stamp a to stamp b. After means a dominates b.
func (c *Calculator) RelativePosition(a, b model.StampSequence) (model.RelativePosition, error) {
	sa, err := c.stamps.Stamp(a)
	if err != nil {
		return model.Unreachable, fmt.Errorf("relative position of %d: %w", a, err)
	}
	sb, err := c.stamps.Stamp(b)
	if err != nil {
		return model.Unreachable, fmt.Errorf("relative position of %d: %w", b, err)
	}
	return c.RelativePositionStamps(sa, sb), nil
}

// RelativePositionStamps is RelativePosition for resolved stamps.
//
// Same path: the later time is After. Equal times are Equal when author
// and module also match, Contradiction otherwise.
//
// Ancestor paths: an ancestor edit later than the import time never
// reached the descendant, so the pair is Unreachable. Otherwise the
// descendant edit is After when it is at or past the import time. A
// descendant edit before a fixed import time predates the branch point
// and is Unreachable. When the origin imports continuously (import time
// TimeLatest) the two edits interleave and compare by time.
//
// Unrelated paths: Unreachable under path precedence, by time under time
// precedence with equal times a Contradiction.
func (c *Calculator) RelativePositionStamps(a, b model.Stamp) model.RelativePosition {
	if a.Path == b.Path {
		switch {
		case a.Time < b.Time:
			return model.Before
		case a.Time > b.Time:
			return model.After
		case a.Author == b.Author && a.Module == b.Module:
			return model.Equal
		}
		return model.Contradiction
	}
	if t, ok := c.imports[a.Path][b.Path]; ok {
		return descendantPosition(a.Time, b.Time, t)
	}
	if t, ok := c.imports[b.Path][a.Path]; ok {
		return descendantPosition(b.Time, a.Time, t).Invert()
	}
	if c.filter.Precedence() == model.PrecedenceTime {
		return byTime(a.Time, b.Time)
	}
	return model.Unreachable
}

// descendantPosition compares a descendant-path edit to an ancestor-path
// edit, from the descendant's perspective.
func descendantPosition(desc, anc, importTime int64) model.RelativePosition {
	switch {
	case anc > importTime:
		return model.Unreachable
	case importTime == model.TimeLatest:
		return byTime(desc, anc)
	case desc >= importTime:
		return model.After
	}
	return model.Unreachable
}

func byTime(a, b int64) model.RelativePosition {
	switch {
	case a < b:
		return model.Before
	case a > b:
		return model.After
	}
	return model.Contradiction
}
