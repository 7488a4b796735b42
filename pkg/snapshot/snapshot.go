package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/daviddao/stampdb/pkg/frontier"
	"github.com/daviddao/stampdb/pkg/model"
	"github.com/daviddao/stampdb/pkg/position"
	"github.com/daviddao/stampdb/pkg/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Snapshot reads latest versions under one filter. Safe for concurrent use.
type Snapshot struct {
	svc  *Service
	calc *position.Calculator
}

// Filter returns the snapshot's filter.
func (s *Snapshot) Filter() model.StampFilter { return s.calc.Filter() }

// Calculator returns the shared relative position calculator.
func (s *Snapshot) Calculator() *position.Calculator { return s.calc }

// Result is the resolved state of one component.
type Result struct {
	Nid model.Nid
	frontier.LatestVersion
}

// Describe renders the result for people.
func (r Result) Describe() string {
	latest, ok := r.Latest()
	switch {
	case !ok:
		return fmt.Sprintf("component %d has no visible version", r.Nid)
	case r.Conflicted():
		return fmt.Sprintf("component %d has %d unresolved conflicting edits", r.Nid, len(r.Versions()))
	}
	return fmt.Sprintf("component %d is at stamp %d", r.Nid, latest.Stamp)
}

func (r Result) MarshalJSON() ([]byte, error) {
	type out struct {
		Nid            model.Nid       `json:"nid"`
		Present        bool            `json:"present"`
		Conflicted     bool            `json:"conflicted"`
		Latest         *model.Version  `json:"latest,omitempty"`
		Contradictions []model.Version `json:"contradictions,omitempty"`
	}
	o := out{Nid: r.Nid, Present: r.IsPresent(), Conflicted: r.Conflicted(), Contradictions: r.Contradictions()}
	if latest, ok := r.Latest(); ok {
		o.Latest = &latest
	}
	return json.Marshal(o)
}

// Latest resolves nid. A component with no stored chronicle is absent, not
// an error.
func (s *Snapshot) Latest(ctx context.Context, nid model.Nid) (Result, error) {
	start := time.Now()
	defer func() { resolveDuration.Observe(time.Since(start).Seconds()) }()

	chr, err := store.LoadChronicle(ctx, s.svc.store, nid)
	if isAbsent(err) {
		resolutionsTotal.WithLabelValues(outcomeAbsent).Inc()
		return Result{Nid: nid}, nil
	}
	if err != nil {
		return Result{}, err
	}
	lv, err := frontier.Resolve(chr, s.calc)
	if err != nil {
		return Result{}, err
	}
	switch {
	case !lv.IsPresent():
		resolutionsTotal.WithLabelValues(outcomeAbsent).Inc()
	case lv.Conflicted():
		resolutionsTotal.WithLabelValues(outcomeContradiction).Inc()
	default:
		resolutionsTotal.WithLabelValues(outcomeLatest).Inc()
	}
	return Result{Nid: nid, LatestVersion: lv}, nil
}

// LatestBatch resolves nids in parallel. Results are in input order.
// Cancellation is checked between components; the first error stops the
// batch.
func (s *Snapshot) LatestBatch(ctx context.Context, nids []model.Nid) (_ []Result, err error) {
	ctx, span := startSpan(ctx, "snapshot.LatestBatch", attribute.Int("stampdb.batch_size", len(nids)))
	defer func() { endSpan(span, err) }()

	out := make([]Result, len(nids))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.svc.workers)
	for i, nid := range nids {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			r, err := s.Latest(gCtx, nid)
			if err != nil {
				return fmt.Errorf("resolve %d: %w", nid, err)
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			s.svc.log.Warn("batch cancelled", slog.Int("size", len(nids)), slog.String("error", ctx.Err().Error()))
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Assemblage streams the latest version of every member of assemblage, in
// nid order. Nothing is resolved until the sequence is ranged over, and
// each range starts again from the current membership. When ctx is done
// the sequence yields ctx.Err() once and stops.
func (s *Snapshot) Assemblage(ctx context.Context, assemblage model.Nid) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		ctx, span := startSpan(ctx, "snapshot.Assemblage", attribute.Int("stampdb.assemblage", int(assemblage)))
		var err error
		defer func() { endSpan(span, err) }()

		for _, nid := range s.svc.ids.Members(assemblage) {
			if err = ctx.Err(); err != nil {
				yield(Result{}, err)
				return
			}
			var r Result
			r, err = s.Latest(ctx, nid)
			if !yield(r, err) || err != nil {
				return
			}
		}
	}
}

// Conflicts resolves nids and keeps only the components whose latest
// version is contested.
func (s *Snapshot) Conflicts(ctx context.Context, nids []model.Nid) ([]Result, error) {
	all, err := s.LatestBatch(ctx, nids)
	if err != nil {
		return nil, err
	}
	var out []Result
	for _, r := range all {
		if r.Conflicted() {
			out = append(out, r)
		}
	}
	return out, nil
}
