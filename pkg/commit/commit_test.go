package commit

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/daviddao/stampdb/pkg/clock"
	"github.com/daviddao/stampdb/pkg/identifier"
	"github.com/daviddao/stampdb/pkg/model"
	"github.com/daviddao/stampdb/pkg/position"
	"github.com/daviddao/stampdb/pkg/stamp"
	"github.com/daviddao/stampdb/pkg/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	author model.Nid = 1
	module model.Nid = 2
	master model.Nid = 3
)

type harness struct {
	st  *store.Memory
	in  *stamp.Interner
	ids *identifier.Service
	c   *Committer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	h := &harness{
		st:  st,
		in:  stamp.New(store.StampPersister(ctx, st)),
		ids: identifier.New(store.IdentifierPersister(ctx, st)),
	}
	now := int64(1000)
	h.c = New(Deps{
		Store:       st,
		Stamps:      h.in,
		Identifiers: h.ids,
		Clock:       clock.NewWithSource(func() int64 { return now }),
	})
	return h
}

func (h *harness) edit(value string) Edit {
	return Edit{
		UUIDs:      []uuid.UUID{identifier.NameUUID("component")},
		Assemblage: 500,
		Status:     model.StatusActive,
		Author:     author,
		Module:     module,
		Path:       master,
		Payload:    model.StringPayload{Value: value},
	}
}

func TestCommit_CreatesThenAppends(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.c.Commit(ctx, h.edit("one"))
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if !first.Created || first.Stamp.Time != 1000 {
		t.Fatalf("first = %+v", first)
	}
	second, err := h.c.Commit(ctx, h.edit("two"))
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if second.Created || second.Nid != first.Nid {
		t.Fatalf("second = %+v", second)
	}
	// Same wall time: the clock still moves forward.
	if second.Stamp.Time != 1001 {
		t.Fatalf("second time = %d, want 1001", second.Stamp.Time)
	}

	chr, err := store.LoadChronicle(ctx, h.st, first.Nid)
	if err != nil {
		t.Fatal(err)
	}
	if chr.Len() != 2 || chr.Assemblage() != 500 || chr.VersionType() != model.VersionTypeString {
		t.Fatalf("chronicle = len %d asm %d type %v", chr.Len(), chr.Assemblage(), chr.VersionType())
	}
	if asm, _ := h.ids.Assemblage(first.Nid); asm != 500 {
		t.Fatalf("identifier assemblage = %d", asm)
	}
}

func TestCommit_ExplicitTimeAdvancesClock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.edit("imported")
	e.Time = 50_000
	if _, err := h.c.Commit(ctx, e); err != nil {
		t.Fatal(err)
	}
	next, err := h.c.Commit(ctx, h.edit("local"))
	if err != nil {
		t.Fatal(err)
	}
	if next.Stamp.Time != 50_001 {
		t.Fatalf("local time after import = %d, want 50001", next.Stamp.Time)
	}
}

func TestCommit_DuplicateStamp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.edit("x")
	e.Time = 7
	if _, err := h.c.Commit(ctx, e); err != nil {
		t.Fatal(err)
	}
	if _, err := h.c.Commit(ctx, e); !errors.Is(err, model.ErrDuplicateStampOnComponent) {
		t.Fatalf("got %v, want ErrDuplicateStampOnComponent", err)
	}
}

func TestCommit_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	noPayload := h.edit("")
	noPayload.Payload = nil
	if _, err := h.c.Commit(ctx, noPayload); !errors.Is(err, model.ErrPayloadMismatch) {
		t.Fatalf("nil payload: got %v", err)
	}

	noAsm := h.edit("x")
	noAsm.UUIDs = []uuid.UUID{uuid.New()}
	noAsm.Assemblage = 0
	if _, err := h.c.Commit(ctx, noAsm); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("no assemblage: got %v", err)
	}

	if _, err := h.c.Commit(ctx, h.edit("ok")); err != nil {
		t.Fatal(err)
	}
	wrongType := h.edit("x")
	wrongType.Payload = model.LongPayload{Value: 1}
	if _, err := h.c.Commit(ctx, wrongType); !errors.Is(err, model.ErrPayloadMismatch) {
		t.Fatalf("type change: got %v", err)
	}
	wrongAsm := h.edit("x")
	wrongAsm.Assemblage = 501
	if _, err := h.c.Commit(ctx, wrongAsm); !errors.Is(err, model.ErrAssemblageMismatch) {
		t.Fatalf("assemblage change: got %v", err)
	}
	badStamp := h.edit("x")
	badStamp.Author = 0
	if _, err := h.c.Commit(ctx, badStamp); !errors.Is(err, model.ErrInvalidStamp) {
		t.Fatalf("invalid stamp: got %v", err)
	}
}

func TestCommit_InvalidStampLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.edit("x")
	e.Author = 0
	if _, err := h.c.Commit(ctx, e); !errors.Is(err, model.ErrInvalidStamp) {
		t.Fatalf("got %v, want ErrInvalidStamp", err)
	}
	if m := h.ids.Members(500); len(m) != 0 {
		t.Fatalf("assemblage 500 has members %v after a rejected commit", m)
	}
	nid, err := h.ids.Lookup(identifier.NameUUID("component"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := h.st.GetBytes(ctx, nid); ok {
		t.Fatal("rejected commit stored a chronicle")
	}
	if h.in.Len() != 0 {
		t.Fatalf("rejected commit interned %d stamps", h.in.Len())
	}
}

// Two committers with their own tables over one store, as two processes
// over one database file.
func TestCommit_SharedStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	committer := func(now int64) *Committer {
		return New(Deps{
			Store:       st,
			Stamps:      stamp.New(store.StampPersister(ctx, st)),
			Identifiers: identifier.New(store.IdentifierPersister(ctx, st)),
			Clock:       clock.NewWithSource(func() int64 { return now }),
		})
	}
	a, b := committer(1000), committer(2000)
	h := newHarness(t)

	var seqs []model.StampSequence
	for i, c := range []*Committer{a, b, a, b} {
		e := h.edit(fmt.Sprint("edit ", i))
		e.Time = int64(100 + i)
		res, err := c.Commit(ctx, e)
		if err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
		seqs = append(seqs, res.Seq)
	}
	if want := []model.StampSequence{1, 2, 3, 4}; !slices.Equal(seqs, want) {
		t.Fatalf("sequences = %v, want %v", seqs, want)
	}

	nid, err := a.ids.Lookup(identifier.NameUUID("component"))
	if err != nil {
		t.Fatal(err)
	}
	if other, _ := b.ids.Lookup(identifier.NameUUID("component")); other != nid {
		t.Fatalf("committers disagree on nid: %d and %d", nid, other)
	}
	chr, err := store.LoadChronicle(ctx, st, nid)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(chr.StampSequences(), seqs) {
		t.Fatalf("chronicle holds %v, want %v", chr.StampSequences(), seqs)
	}
}

func TestCommit_CancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.c.Commit(ctx, h.edit("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestCommit_ConcurrentSameComponent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.c.Commit(ctx, h.edit("seed")); err != nil {
		t.Fatal(err)
	}

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.c.Commit(ctx, h.edit("concurrent")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent commit: %v", err)
	}

	nid, _ := h.ids.Lookup(identifier.NameUUID("component"))
	chr, _ := store.LoadChronicle(ctx, h.st, nid)
	if chr.Len() != writers+1 {
		t.Fatalf("chronicle has %d versions, want %d (lost update)", chr.Len(), writers+1)
	}
}

func TestRetire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.c.Commit(ctx, h.edit("keep me"))
	if err != nil {
		t.Fatal(err)
	}

	view, err := position.NewCalculator(
		position.NewPathGraph(model.StampPath{Nid: master}),
		model.NewStampFilter(model.StampPosition{Time: model.TimeLatest, Path: master}),
		h.in,
	)
	if err != nil {
		t.Fatal(err)
	}
	ret, err := h.c.Retire(ctx, Retirement{Nid: res.Nid, View: view, Author: author, Module: module, Path: master})
	if err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if ret.Stamp.Status != model.StatusInactive {
		t.Fatalf("retired status = %v", ret.Stamp.Status)
	}
	if got := ret.Version.Payload.(model.StringPayload).Value; got != "keep me" {
		t.Fatalf("retired payload = %q", got)
	}

	if _, err := h.c.Retire(ctx, Retirement{Nid: 9999, View: view, Author: author, Module: module, Path: master}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("retire unknown: got %v", err)
	}
}

func TestCommit_Metrics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := testutil.ToFloat64(commitsTotal.WithLabelValues("created"))
	failed := testutil.ToFloat64(commitsTotal.WithLabelValues("error"))

	h.c.Commit(ctx, h.edit("a"))
	bad := h.edit("b")
	bad.Payload = nil
	h.c.Commit(ctx, bad)

	if got := testutil.ToFloat64(commitsTotal.WithLabelValues("created")) - created; got != 1 {
		t.Fatalf("created delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(commitsTotal.WithLabelValues("error")) - failed; got != 1 {
		t.Fatalf("error delta = %v, want 1", got)
	}
}
