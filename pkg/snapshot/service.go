// Package snapshot is the read facade: it resolves latest versions for
// many components under one filter.
//
// A Service owns the in-memory tables restored from a store (stamps,
// identifiers, the path graph) and caches one relative position
// calculator per distinct filter. A Snapshot binds a Service to one
// calculator; every read through it shares that calculator, across
// goroutines if needed.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"

	"github.com/daviddao/stampdb/pkg/clock"
	"github.com/daviddao/stampdb/pkg/commit"
	"github.com/daviddao/stampdb/pkg/identifier"
	"github.com/daviddao/stampdb/pkg/model"
	"github.com/daviddao/stampdb/pkg/position"
	"github.com/daviddao/stampdb/pkg/stamp"
	"github.com/daviddao/stampdb/pkg/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// Options configure a Service.
type Options struct {
	// Workers bounds batch fan-out. Zero uses GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
	// Clock stamps commits. Nil uses the wall clock, seeded past the
	// latest stamp time in the store.
	Clock *clock.Clock
}

// Service is the entry point for reads and writes over one store.
type Service struct {
	store     store.Store
	stamps    *stamp.Interner
	ids       *identifier.Service
	committer *commit.Committer
	workers   int
	log       *slog.Logger

	mu     sync.RWMutex
	graph  *position.PathGraph
	gen    uint64
	calcs  map[string]*position.Calculator
	flight singleflight.Group
}

// Open restores the stamp, identifier and path tables of st and returns a
// Service over them. The path graph must be acyclic.
func Open(ctx context.Context, st store.Store, opts Options) (*Service, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	in := stamp.New(store.StampPersister(ctx, st))
	ids := identifier.New(store.IdentifierPersister(ctx, st))
	if err := store.Restore(ctx, st, in, ids); err != nil {
		return nil, fmt.Errorf("restore tables: %w", err)
	}
	paths, err := st.LoadPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("load paths: %w", err)
	}
	graph := position.NewPathGraph(paths...)
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
		clk.Set(in.MaxTime())
	}
	s := &Service{
		store:   st,
		stamps:  in,
		ids:     ids,
		workers: workers,
		log:     log,
		graph:   graph,
		calcs:   make(map[string]*position.Calculator),
	}
	s.committer = commit.New(commit.Deps{
		Store:       st,
		Stamps:      in,
		Identifiers: ids,
		Clock:       clk,
		Logger:      log,
	})
	log.Debug("snapshot service opened",
		slog.Int("stamps", in.Len()),
		slog.Int("identifiers", ids.Len()),
		slog.Int("paths", graph.Len()),
		slog.Int("workers", workers))
	return s, nil
}

func (s *Service) Store() store.Store               { return s.store }
func (s *Service) Stamps() *stamp.Interner          { return s.stamps }
func (s *Service) Identifiers() *identifier.Service { return s.ids }
func (s *Service) Committer() *commit.Committer     { return s.committer }

// Graph returns the current path graph.
func (s *Service) Graph() *position.PathGraph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph
}

// AddPath defines or redefines a path. A definition that would make the
// graph cyclic is rejected and nothing is stored. Cached calculators are
// dropped because import times may have changed.
func (s *Service) AddPath(ctx context.Context, p model.StampPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.graph.With(p)
	if err := next.Validate(); err != nil {
		return err
	}
	if err := s.store.PutPath(ctx, p); err != nil {
		return fmt.Errorf("store path %d: %w", p.Nid, err)
	}
	s.graph = next
	s.gen++
	clear(s.calcs)
	return nil
}

// Calculator returns the cached calculator for f, building it on first
// use. Concurrent first uses of one filter build it once.
func (s *Service) Calculator(f model.StampFilter) (*position.Calculator, error) {
	key := f.Key()
	s.mu.RLock()
	calc, ok := s.calcs[key]
	graph, gen := s.graph, s.gen
	s.mu.RUnlock()
	if ok {
		calculatorCacheHits.Inc()
		return calc, nil
	}

	// Builds for different graph generations must not share a flight.
	v, err, _ := s.flight.Do(strconv.FormatUint(gen, 10)+"/"+key, func() (any, error) {
		s.mu.RLock()
		calc, ok := s.calcs[key]
		s.mu.RUnlock()
		if ok {
			return calc, nil
		}
		calculatorCacheMisses.Inc()
		calc, err := position.NewCalculator(graph, f, s.stamps)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.gen == gen {
			s.calcs[key] = calc
		}
		s.mu.Unlock()
		s.log.Debug("built relative position calculator", slog.String("filter", f.String()))
		return calc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*position.Calculator), nil
}

// Snapshot returns a read view under f.
func (s *Service) Snapshot(f model.StampFilter) (*Snapshot, error) {
	calc, err := s.Calculator(f)
	if err != nil {
		return nil, err
	}
	return &Snapshot{svc: s, calc: calc}, nil
}

// HistoryEntry is one version with its resolved stamp.
type HistoryEntry struct {
	Seq     model.StampSequence `json:"stamp_sequence"`
	Stamp   model.Stamp         `json:"stamp"`
	Version model.Version       `json:"version"`
}

// History returns every version of nid in insertion order, independent of
// any filter.
func (s *Service) History(ctx context.Context, nid model.Nid) (_ []HistoryEntry, err error) {
	ctx, span := startSpan(ctx, "snapshot.History", attribute.Int("stampdb.nid", int(nid)))
	defer func() { endSpan(span, err) }()

	chr, err := store.LoadChronicle(ctx, s.store, nid)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, chr.Len())
	for v := range chr.Versions() {
		st, err := s.stamps.Stamp(v.Stamp)
		if err != nil {
			return nil, fmt.Errorf("history of %d: %w", nid, err)
		}
		out = append(out, HistoryEntry{Seq: v.Stamp, Stamp: st, Version: v})
	}
	return out, nil
}

// Components returns the nid of every stored chronicle.
func (s *Service) Components(ctx context.Context) ([]model.Nid, error) {
	return s.store.Nids(ctx)
}

// isAbsent reports whether err means there is simply nothing stored.
func isAbsent(err error) bool { return errors.Is(err, model.ErrNotFound) }
