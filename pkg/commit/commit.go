// Package commit is the write path: it stamps edits, appends them to
// their chronicles and persists the result.
//
// Commits to one nid are serialized in process by a striped lock while
// commits to different nids run in parallel. Across processes sharing a
// store, each append is one store transaction. The only other state
// commits share is the stamp interner and the identifier service, both of
// which are safe for concurrent use.
package commit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/daviddao/stampdb/pkg/chronicle"
	"github.com/daviddao/stampdb/pkg/clock"
	"github.com/daviddao/stampdb/pkg/frontier"
	"github.com/daviddao/stampdb/pkg/identifier"
	"github.com/daviddao/stampdb/pkg/model"
	"github.com/daviddao/stampdb/pkg/stamp"
	"github.com/daviddao/stampdb/pkg/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const stripes = 64

var tracer = otel.Tracer("stampdb.commit")

var commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stampdb_commits_total",
	Help: "Commits by result",
}, []string{"result"})

// Edit is one change to one component.
type Edit struct {
	// Nid names the component. When zero, UUIDs are resolved (or assigned)
	// through the identifier service.
	Nid   model.Nid
	UUIDs []uuid.UUID

	// Assemblage is required when the component has no chronicle yet and
	// no assemblage on record. Otherwise it must match, or be zero.
	Assemblage model.Nid

	Status model.Status
	// Time is the stamp time. Zero stamps the edit with the commit clock.
	Time   int64
	Author model.Nid
	Module model.Nid
	Path   model.Nid

	Payload model.Payload
}

// Result describes a committed version.
type Result struct {
	Nid     model.Nid           `json:"nid"`
	Seq     model.StampSequence `json:"stamp_sequence"`
	Stamp   model.Stamp         `json:"stamp"`
	Version model.Version       `json:"version"`
	Created bool                `json:"created"`
}

// Retirement marks the latest version of a component inactive.
type Retirement struct {
	Nid model.Nid
	// View picks the version to retire.
	View   frontier.Positioner
	Time   int64
	Author model.Nid
	Module model.Nid
	Path   model.Nid
}

// Deps are the Committer's collaborators.
type Deps struct {
	Store       store.Store
	Stamps      *stamp.Interner
	Identifiers *identifier.Service
	Clock       *clock.Clock
	Logger      *slog.Logger
}

// Committer applies edits. Safe for concurrent use.
type Committer struct {
	store  store.Store
	stamps *stamp.Interner
	ids    *identifier.Service
	clock  *clock.Clock
	log    *slog.Logger
	locks  [stripes]sync.Mutex
}

// New returns a Committer. A nil clock uses the wall clock and a nil
// logger uses slog.Default().
func New(d Deps) *Committer {
	c := &Committer{
		store:  d.Store,
		stamps: d.Stamps,
		ids:    d.Identifiers,
		clock:  d.Clock,
		log:    d.Logger,
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

func (c *Committer) lock(nid model.Nid) func() {
	m := &c.locks[uint32(nid)%stripes]
	m.Lock()
	return m.Unlock
}

// Commit stamps e and appends it to its chronicle, creating the chronicle
// on first use.
func (c *Committer) Commit(ctx context.Context, e Edit) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "commit.Commit")
	defer func() { finish(span, res, err) }()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	nid := e.Nid
	if nid == 0 {
		if nid, err = c.ids.NidFor(e.UUIDs...); err != nil {
			return Result{}, err
		}
	}
	span.SetAttributes(attribute.Int("stampdb.nid", int(nid)))

	defer c.lock(nid)()
	return c.commitLocked(ctx, nid, e)
}

// Retire appends an Inactive copy of the version r.View resolves as
// latest. A component with no visible version cannot be retired.
func (c *Committer) Retire(ctx context.Context, r Retirement) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "commit.Retire",
		trace.WithAttributes(attribute.Int("stampdb.nid", int(r.Nid))))
	defer func() { finish(span, res, err) }()

	defer c.lock(r.Nid)()
	chr, err := store.LoadChronicle(ctx, c.store, r.Nid)
	if err != nil {
		return Result{}, err
	}
	lv, err := frontier.Resolve(chr, r.View)
	if err != nil {
		return Result{}, err
	}
	latest, ok := lv.Latest()
	if !ok {
		return Result{}, fmt.Errorf("retire %d: no visible version: %w", r.Nid, model.ErrNotFound)
	}
	return c.commitLocked(ctx, r.Nid, Edit{
		Nid:     r.Nid,
		Status:  model.StatusInactive,
		Time:    r.Time,
		Author:  r.Author,
		Module:  r.Module,
		Path:    r.Path,
		Payload: latest.Payload,
	})
}

func (c *Committer) commitLocked(ctx context.Context, nid model.Nid, e Edit) (Result, error) {
	if e.Payload == nil {
		return Result{}, fmt.Errorf("commit %d without payload: %w", nid, model.ErrPayloadMismatch)
	}

	t := e.Time
	if t == 0 {
		t = c.clock.Tick()
	} else {
		c.clock.Receive(t)
	}
	st := model.Stamp{Status: e.Status, Time: t, Author: e.Author, Module: e.Module, Path: e.Path}
	// Interned before anything about the component is recorded, so an
	// invalid stamp leaves no trace.
	seq, err := c.stamps.Intern(st)
	if err != nil {
		return Result{}, err
	}
	asm, asmErr := c.assemblage(nid, e.Assemblage)
	if asmErr != nil && e.Assemblage != 0 {
		return Result{}, asmErr
	}

	var (
		v       model.Version
		created bool
	)
	err = store.UpdateChronicle(ctx, c.store, nid, func(chr *chronicle.Chronicle) (*chronicle.Chronicle, error) {
		created = chr == nil
		switch {
		case created && asmErr != nil:
			return nil, fmt.Errorf("new chronicle %d needs an assemblage: %w", nid, asmErr)
		case created:
			chr = chronicle.New(nid, asm, e.Payload.VersionType())
		case e.Assemblage != 0 && e.Assemblage != chr.Assemblage():
			return nil, fmt.Errorf("nid %d in %d, edit names %d: %w",
				nid, chr.Assemblage(), e.Assemblage, model.ErrAssemblageMismatch)
		}
		var err error
		if v, err = chr.AddVersion(seq, e.Payload); err != nil {
			return nil, fmt.Errorf("commit %d: %w", nid, err)
		}
		return chr, nil
	})
	if err != nil {
		return Result{}, err
	}
	c.log.Debug("committed version",
		slog.Int("nid", int(nid)),
		slog.Int("stamp", int(seq)),
		slog.String("type", v.Type().String()),
		slog.Bool("created", created))
	return Result{Nid: nid, Seq: seq, Stamp: st, Version: v, Created: created}, nil
}

// assemblage settles the assemblage of nid with the identifier service.
// A named assemblage is recorded (or checked against the record); zero
// looks up the one on record.
func (c *Committer) assemblage(nid, named model.Nid) (model.Nid, error) {
	if named == 0 {
		return c.ids.Assemblage(nid)
	}
	if err := c.ids.SetAssemblage(nid, named); err != nil {
		return 0, err
	}
	return named, nil
}

func finish(span trace.Span, res Result, err error) {
	defer span.End()
	switch {
	case err != nil:
		commitsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Created:
		commitsTotal.WithLabelValues("created").Inc()
		span.SetStatus(codes.Ok, "")
	default:
		commitsTotal.WithLabelValues("appended").Inc()
		span.SetStatus(codes.Ok, "")
	}
}
