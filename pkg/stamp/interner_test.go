package stamp

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"testing"

	"github.com/daviddao/stampdb/pkg/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func st(status model.Status, t int64, author, module, path model.Nid) model.Stamp {
	return model.Stamp{Status: status, Time: t, Author: author, Module: module, Path: path}
}

func TestIntern_Idempotent(t *testing.T) {
	in := New(nil)
	s := st(model.StatusActive, 1000, 1, 2, 3)
	a, err := in.Intern(s)
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}
	b, err := in.Intern(s)
	if err != nil {
		t.Fatalf("Intern again: %v", err)
	}
	if a != b {
		t.Fatalf("same tuple got sequences %d and %d", a, b)
	}
	if a != 1 {
		t.Fatalf("first sequence = %d, want 1", a)
	}
}

func TestIntern_DistinctTuplesDistinctSequences(t *testing.T) {
	in := New(nil)
	tuples := []model.Stamp{
		st(model.StatusActive, 1000, 1, 2, 3),
		st(model.StatusInactive, 1000, 1, 2, 3),
		st(model.StatusActive, 1001, 1, 2, 3),
		st(model.StatusActive, 1000, 9, 2, 3),
		st(model.StatusActive, 1000, 1, 9, 3),
		st(model.StatusActive, 1000, 1, 2, 9),
	}
	seen := make(map[model.StampSequence]model.Stamp)
	for _, s := range tuples {
		seq, err := in.Intern(s)
		if err != nil {
			t.Fatal(err)
		}
		if prev, ok := seen[seq]; ok {
			t.Fatalf("sequence %d reused for %v and %v", seq, prev, s)
		}
		seen[seq] = s
	}
}

func TestIntern_RoundTrip(t *testing.T) {
	in := New(nil)
	s := st(model.StatusPrimordial, -42, 7, 8, 9)
	seq, err := in.Intern(s)
	if err != nil {
		t.Fatal(err)
	}
	got, err := in.Stamp(seq)
	if err != nil {
		t.Fatalf("Stamp(%d): %v", seq, err)
	}
	if got != s {
		t.Fatalf("round trip = %+v, want %+v", got, s)
	}
}

func TestIntern_SentinelTimes(t *testing.T) {
	in := New(nil)
	for _, tm := range []int64{model.TimeUncommitted, model.TimeCanceled} {
		s := st(model.StatusActive, tm, 1, 1, 1)
		seq, err := in.Intern(s)
		if err != nil {
			t.Fatalf("Intern(%v): %v", s, err)
		}
		got, _ := in.Stamp(seq)
		if got.Time != tm {
			t.Fatalf("time = %d, want %d", got.Time, tm)
		}
	}
}

func TestIntern_RejectsInvalid(t *testing.T) {
	in := New(nil)
	if _, err := in.Intern(st(model.StatusActive, 1, 0, 1, 1)); !errors.Is(err, model.ErrInvalidStamp) {
		t.Fatalf("missing author: got %v, want ErrInvalidStamp", err)
	}
	if _, err := in.Intern(st(model.Status(17), 1, 1, 1, 1)); !errors.Is(err, model.ErrInvalidStamp) {
		t.Fatalf("bad status: got %v, want ErrInvalidStamp", err)
	}
	if in.Len() != 0 {
		t.Fatalf("invalid stamps were interned: len=%d", in.Len())
	}
}

func TestStamp_NotFound(t *testing.T) {
	in := New(nil)
	if _, err := in.Stamp(12); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

// table is a stamp table shared by several interners, the way one store
// file is shared by several processes.
type table struct {
	mu      sync.Mutex
	bySeq   map[model.StampSequence]model.Stamp
	byStamp map[model.Stamp]model.StampSequence
	fail    error
}

func newTable() *table {
	return &table{
		bySeq:   make(map[model.StampSequence]model.Stamp),
		byStamp: make(map[model.Stamp]model.StampSequence),
	}
}

func (t *table) PutStamp(seq model.StampSequence, s model.Stamp) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	if _, ok := t.bySeq[seq]; ok {
		return model.ErrStale
	}
	if _, ok := t.byStamp[s]; ok {
		return model.ErrStale
	}
	t.bySeq[seq] = s
	t.byStamp[s] = seq
	return nil
}

func (t *table) LoadStamps(fn func(model.StampSequence, model.Stamp) error) error {
	t.mu.Lock()
	rows := maps.Clone(t.bySeq)
	t.mu.Unlock()
	for _, seq := range slices.Sorted(maps.Keys(rows)) {
		if err := fn(seq, rows[seq]); err != nil {
			return err
		}
	}
	return nil
}

func TestIntern_PersistFailureDoesNotIssue(t *testing.T) {
	tbl := newTable()
	tbl.fail = errors.New("disk full")
	in := New(tbl)
	s := st(model.StatusActive, 1, 1, 1, 1)
	if _, err := in.Intern(s); err == nil {
		t.Fatal("expected persist error")
	}
	if _, ok := in.Lookup(s); ok {
		t.Fatal("tuple should not be interned after persist failure")
	}
	tbl.fail = nil
	seq, err := in.Intern(s)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Fatalf("sequence after failed attempt = %d, want 1", seq)
	}
	if len(tbl.bySeq) != 1 || tbl.bySeq[1] != s {
		t.Fatalf("stored = %v, want only %v at 1", tbl.bySeq, s)
	}
}

func TestIntern_SharedTable(t *testing.T) {
	tbl := newTable()
	a, b := New(tbl), New(tbl)
	x := st(model.StatusActive, 10, 1, 1, 1)
	y := st(model.StatusActive, 20, 1, 1, 1)

	ax, err := a.Intern(x)
	if err != nil {
		t.Fatal(err)
	}
	// b still believes 1 is free.
	by, err := b.Intern(y)
	if err != nil {
		t.Fatalf("second interner: %v", err)
	}
	if ax != 1 || by != 2 {
		t.Fatalf("sequences = %d, %d; want 1, 2", ax, by)
	}
	if got, err := b.Intern(x); err != nil || got != ax {
		t.Fatalf("b.Intern(x) = %d, %v; want %d", got, err, ax)
	}

	// a has never seen y; resolving it reloads.
	got, err := a.Stamp(by)
	if err != nil || got != y {
		t.Fatalf("a.Stamp(%d) = %v, %v; want %v", by, got, err, y)
	}
	if _, err := a.Stamp(99); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown sequence: got %v, want ErrNotFound", err)
	}
	if a.Next() != 3 || b.Next() != 3 {
		t.Fatalf("counters = %d, %d; want 3, 3", a.Next(), b.Next())
	}
}

func TestIntern_SharedTableConcurrent(t *testing.T) {
	tbl := newTable()
	interners := []*Interner{New(tbl), New(tbl), New(tbl)}
	const tuples = 30
	var wg sync.WaitGroup
	errs := make(chan error, len(interners)*tuples)
	for _, in := range interners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range tuples {
				if _, err := in.Intern(st(model.StatusActive, int64(i), 1, 1, 1)); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Intern: %v", err)
	}
	if len(tbl.bySeq) != tuples {
		t.Fatalf("stored %d tuples, want %d", len(tbl.bySeq), tuples)
	}
	for i := range tuples {
		s := st(model.StatusActive, int64(i), 1, 1, 1)
		want := tbl.byStamp[s]
		for n, in := range interners {
			if got, ok := in.Lookup(s); ok && got != want {
				t.Fatalf("interner %d maps %v to %d, store has %d", n, s, got, want)
			}
		}
	}
}

func TestLoad_RestoresCounter(t *testing.T) {
	in := New(nil)
	if err := in.Load(5, st(model.StatusActive, 1, 1, 1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := in.Load(2, st(model.StatusActive, 2, 1, 1, 1)); err != nil {
		t.Fatal(err)
	}
	seq, err := in.Intern(st(model.StatusActive, 3, 1, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if seq != 6 {
		t.Fatalf("new sequence after load = %d, want 6", seq)
	}
	again, _ := in.Intern(st(model.StatusActive, 1, 1, 1, 1))
	if again != 5 {
		t.Fatalf("loaded tuple interned as %d, want 5", again)
	}
}

func TestLoad_RejectsConflicts(t *testing.T) {
	in := New(nil)
	a := st(model.StatusActive, 1, 1, 1, 1)
	if err := in.Load(1, a); err != nil {
		t.Fatal(err)
	}
	if err := in.Load(1, st(model.StatusActive, 2, 1, 1, 1)); !errors.Is(err, model.ErrCorruptRecord) {
		t.Fatalf("sequence conflict: got %v", err)
	}
	if err := in.Load(2, a); !errors.Is(err, model.ErrCorruptRecord) {
		t.Fatalf("tuple conflict: got %v", err)
	}
	if err := in.Load(1, a); err != nil {
		t.Fatalf("reloading the same pair should be a no-op: %v", err)
	}
}

func TestIntern_ConcurrentExactlyOnce(t *testing.T) {
	in := New(nil)
	const writers = 16
	const tuples = 50
	results := make([][]model.StampSequence, writers)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			out := make([]model.StampSequence, tuples)
			for i := 0; i < tuples; i++ {
				seq, err := in.Intern(st(model.StatusActive, int64(i), 1, 1, 1))
				if err != nil {
					t.Error(err)
					return
				}
				out[i] = seq
			}
			results[w] = out
		}(w)
	}
	wg.Wait()
	for w := 1; w < writers; w++ {
		for i := range results[w] {
			if results[w][i] != results[0][i] {
				t.Fatalf("writer %d tuple %d got %d, writer 0 got %d", w, i, results[w][i], results[0][i])
			}
		}
	}
	if in.Len() != tuples {
		t.Fatalf("Len = %d, want %d", in.Len(), tuples)
	}
	if in.Next() != tuples+1 {
		t.Fatalf("Next = %d, want %d", in.Next(), tuples+1)
	}
}

func TestIntern_CountsNewTuples(t *testing.T) {
	before := testutil.ToFloat64(stampsInterned)
	in := New(nil)
	in.Intern(st(model.StatusActive, 1, 1, 1, 1))
	in.Intern(st(model.StatusActive, 1, 1, 1, 1))
	in.Intern(st(model.StatusActive, 2, 1, 1, 1))
	if got := testutil.ToFloat64(stampsInterned) - before; got != 2 {
		t.Fatalf("stamps interned counter moved by %v, want 2", got)
	}
}

func TestAll_SequenceOrder(t *testing.T) {
	in := New(nil)
	for i := 0; i < 5; i++ {
		in.Intern(st(model.StatusActive, int64(100-i), 1, 1, 1))
	}
	var prev model.StampSequence
	n := 0
	for seq := range in.All() {
		if seq <= prev {
			t.Fatalf("All out of order: %d after %d", seq, prev)
		}
		prev = seq
		n++
	}
	if n != 5 {
		t.Fatalf("All yielded %d, want 5", n)
	}
	if in.MaxTime() != 100 {
		t.Fatalf("MaxTime = %d, want 100", in.MaxTime())
	}
}
