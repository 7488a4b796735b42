// Package position computes where stamps stand relative to a view
// coordinate.
//
// Paths form a DAG through their origins: a path sees its own edits plus,
// for each origin, the origin path's edits up to the origin's time. Seen
// transitively, a path P sees ancestor Q up to the "import time"
//
//	I(P, Q) = max over routes P -> ... -> Q of (min origin time on the route)
//
// which is a widest-path value. Path counts are small (tens), so the
// complete table is computed once per calculator and every comparison is
// two map lookups.
package position

import (
	"fmt"
	"maps"
	"slices"

	"github.com/daviddao/stampdb/pkg/model"
)

// PathGraph is an immutable set of path definitions. Paths referenced as
// origins but not defined are treated as roots with no origins.
type PathGraph struct {
	paths map[model.Nid]model.StampPath
}

// NewPathGraph builds a graph from path definitions. A later definition of
// the same nid replaces an earlier one.
func NewPathGraph(paths ...model.StampPath) *PathGraph {
	g := &PathGraph{paths: make(map[model.Nid]model.StampPath, len(paths))}
	for _, p := range paths {
		g.paths[p.Nid] = clonePath(p)
	}
	return g
}

// With returns a new graph with p added or replaced.
func (g *PathGraph) With(p model.StampPath) *PathGraph {
	out := &PathGraph{paths: maps.Clone(g.paths)}
	if out.paths == nil {
		out.paths = make(map[model.Nid]model.StampPath)
	}
	out.paths[p.Nid] = clonePath(p)
	return out
}

// Path returns the definition of nid.
func (g *PathGraph) Path(nid model.Nid) (model.StampPath, bool) {
	p, ok := g.paths[nid]
	if !ok {
		return model.StampPath{}, false
	}
	return clonePath(p), true
}

// Paths returns every defined path ordered by nid.
func (g *PathGraph) Paths() []model.StampPath {
	out := make([]model.StampPath, 0, len(g.paths))
	for _, nid := range slices.Sorted(maps.Keys(g.paths)) {
		out = append(out, clonePath(g.paths[nid]))
	}
	return out
}

// Len returns the number of defined paths.
func (g *PathGraph) Len() int { return len(g.paths) }

// Validate reports ErrCyclicPathGraph if origins form a cycle.
func (g *PathGraph) Validate() error {
	_, err := g.importTable()
	return err
}

// importTable computes I(P, Q) for every defined path P and each of its
// ancestors Q.
func (g *PathGraph) importTable() (map[model.Nid]map[model.Nid]int64, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[model.Nid]int, len(g.paths))
	table := make(map[model.Nid]map[model.Nid]int64, len(g.paths))

	var visit func(p model.Nid, trail []model.Nid) error
	visit = func(p model.Nid, trail []model.Nid) error {
		switch state[p] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("path %d reached again via %v: %w", p, append(trail, p), model.ErrCyclicPathGraph)
		}
		state[p] = visiting
		reach := make(map[model.Nid]int64)
		for _, o := range g.paths[p].Origins {
			if o.Path == p {
				return fmt.Errorf("path %d is its own origin: %w", p, model.ErrCyclicPathGraph)
			}
			if err := visit(o.Path, append(trail, p)); err != nil {
				return err
			}
			widen(reach, o.Path, o.Time)
			for q, t := range table[o.Path] {
				widen(reach, q, min(o.Time, t))
			}
		}
		table[p] = reach
		state[p] = done
		return nil
	}

	for _, p := range slices.Sorted(maps.Keys(g.paths)) {
		if err := visit(p, nil); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func widen(reach map[model.Nid]int64, q model.Nid, t int64) {
	if prev, ok := reach[q]; !ok || t > prev {
		reach[q] = t
	}
}

func clonePath(p model.StampPath) model.StampPath {
	p.Origins = slices.Clone(p.Origins)
	return p
}
