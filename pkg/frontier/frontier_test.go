package frontier

import (
	"encoding/json"
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/daviddao/stampdb/pkg/chronicle"
	"github.com/daviddao/stampdb/pkg/model"
	"github.com/daviddao/stampdb/pkg/position"
	"github.com/daviddao/stampdb/pkg/stamp"
)

const (
	author model.Nid = 10
	modA   model.Nid = 20
	modB   model.Nid = 21
	p1     model.Nid = 1
	p2     model.Nid = 2
	pMerge model.Nid = 3
)

type world struct {
	t     *testing.T
	in    *stamp.Interner
	graph *position.PathGraph
}

func newWorld(t *testing.T) *world {
	return &world{
		t:  t,
		in: stamp.New(nil),
		// pMerge sees both siblings continuously.
		graph: position.NewPathGraph(
			model.StampPath{Nid: p1},
			model.StampPath{Nid: p2},
			model.StampPath{Nid: pMerge, Origins: []model.PathOrigin{
				{Path: p1, Time: model.TimeLatest},
				{Path: p2, Time: model.TimeLatest},
			}},
		),
	}
}

func (w *world) add(c *chronicle.Chronicle, s model.Stamp, value string) model.StampSequence {
	w.t.Helper()
	seq, err := w.in.Intern(s)
	if err != nil {
		w.t.Fatal(err)
	}
	if _, err := c.AddVersion(seq, model.StringPayload{Value: value}); err != nil {
		w.t.Fatal(err)
	}
	return seq
}

func (w *world) calc(f model.StampFilter) *position.Calculator {
	w.t.Helper()
	c, err := position.NewCalculator(w.graph, f, w.in)
	if err != nil {
		w.t.Fatal(err)
	}
	return c
}

func at(p model.Nid, t int64, opts ...model.FilterOption) model.StampFilter {
	return model.NewStampFilter(model.StampPosition{Time: t, Path: p}, opts...)
}

func active(t int64, p model.Nid) model.Stamp {
	return model.Stamp{Status: model.StatusActive, Time: t, Author: author, Module: modA, Path: p}
}

func value(t *testing.T, v model.Version) string {
	t.Helper()
	return v.Payload.(model.StringPayload).Value
}

func TestResolve_LatestOnSinglePath(t *testing.T) {
	w := newWorld(t)
	c := chronicle.New(500, 9, model.VersionTypeString)
	w.add(c, active(1000, p1), "t1")
	w.add(c, active(2000, p1), "t2")

	lv, err := Resolve(c, w.calc(at(p1, 2000)))
	if err != nil {
		t.Fatal(err)
	}
	latest, ok := lv.Latest()
	if !ok || value(t, latest) != "t2" {
		t.Fatalf("latest = %v, %v; want t2", latest, ok)
	}
	if lv.Conflicted() {
		t.Fatalf("unexpected contradictions: %v", lv.Contradictions())
	}
}

func TestResolve_FilterTimeHidesLaterVersion(t *testing.T) {
	w := newWorld(t)
	c := chronicle.New(500, 9, model.VersionTypeString)
	w.add(c, active(1000, p1), "t1")
	w.add(c, active(2000, p1), "t2")

	lv, err := Resolve(c, w.calc(at(p1, 1500)))
	if err != nil {
		t.Fatal(err)
	}
	latest, _ := lv.Latest()
	if value(t, latest) != "t1" || lv.Conflicted() {
		t.Fatalf("got %v with %d contradictions; want t1 alone", latest, len(lv.Contradictions()))
	}
}

func TestResolve_SiblingPathsContradict(t *testing.T) {
	w := newWorld(t)
	c := chronicle.New(500, 9, model.VersionTypeString)
	w.add(c, active(1000, p2), "on p2")
	w.add(c, active(1000, p1), "on p1")

	lv, err := Resolve(c, w.calc(at(pMerge, model.TimeLatest)))
	if err != nil {
		t.Fatal(err)
	}
	if !lv.IsPresent() {
		t.Fatal("expected a result")
	}
	if n := len(lv.Contradictions()); n != 1 {
		t.Fatalf("contradictions = %d, want 1", n)
	}
	// Equal times: the lower path id is reported as latest.
	latest, _ := lv.Latest()
	if value(t, latest) != "on p1" {
		t.Fatalf("latest = %q, want the p1 edit", value(t, latest))
	}
}

func TestResolve_EmptyChronicle(t *testing.T) {
	w := newWorld(t)
	lv, err := Resolve(chronicle.New(500, 9, model.VersionTypeString), w.calc(at(p1, model.TimeLatest)))
	if err != nil {
		t.Fatal(err)
	}
	if lv.IsPresent() || lv.Versions() != nil {
		t.Fatalf("expected absent result, got %+v", lv)
	}
}

func TestResolve_NothingVisible(t *testing.T) {
	w := newWorld(t)
	c := chronicle.New(500, 9, model.VersionTypeString)
	w.add(c, active(5000, p1), "future")
	lv, err := Resolve(c, w.calc(at(p1, 100)))
	if err != nil || lv.IsPresent() {
		t.Fatalf("got %+v, %v; want absent", lv, err)
	}
}

func TestResolve_EqualStampsCollapse(t *testing.T) {
	w := newWorld(t)
	c := chronicle.New(500, 9, model.VersionTypeString)
	inactive := active(1000, p1)
	inactive.Status = model.StatusInactive
	w.add(c, active(1000, p1), "active")
	retired := w.add(c, inactive, "retired")

	lv, err := Resolve(c, w.calc(at(p1, model.TimeLatest)))
	if err != nil {
		t.Fatal(err)
	}
	latest, _ := lv.Latest()
	if latest.Stamp != retired || lv.Conflicted() {
		t.Fatalf("latest = %v (%d contradictions); want the higher sequence alone", latest, len(lv.Contradictions()))
	}
}

func TestResolve_SameTimeDifferentAuthorsContradict(t *testing.T) {
	w := newWorld(t)
	c := chronicle.New(500, 9, model.VersionTypeString)
	other := active(1000, p1)
	other.Author = author + 1
	w.add(c, active(1000, p1), "mine")
	w.add(c, other, "theirs")

	lv, _ := Resolve(c, w.calc(at(p1, model.TimeLatest)))
	if len(lv.Contradictions()) != 1 {
		t.Fatalf("contradictions = %d, want 1", len(lv.Contradictions()))
	}
	latest, _ := lv.Latest()
	if value(t, latest) != "mine" {
		t.Fatalf("latest = %q, want the lower author", value(t, latest))
	}
}

func TestResolve_ModulePriority(t *testing.T) {
	w := newWorld(t)
	c := chronicle.New(500, 9, model.VersionTypeString)
	fromB := active(1000, p2)
	fromB.Module = modB
	w.add(c, active(1000, p1), "from A")
	w.add(c, fromB, "from B")

	plain, _ := Resolve(c, w.calc(at(pMerge, model.TimeLatest)))
	if !plain.Conflicted() {
		t.Fatal("without priority the edits should contradict")
	}
	prio, err := Resolve(c, w.calc(at(pMerge, model.TimeLatest, model.WithModulePriority(modB, modA))))
	if err != nil {
		t.Fatal(err)
	}
	latest, _ := prio.Latest()
	if value(t, latest) != "from B" || prio.Conflicted() {
		t.Fatalf("priority: latest %q with %d contradictions", value(t, latest), len(prio.Contradictions()))
	}
}

func TestResolve_InsertionOrderIndependent(t *testing.T) {
	stamps := []model.Stamp{
		active(300, p1), active(700, p2), active(700, p1), active(100, pMerge), active(50, p2),
	}
	var want []model.StampSequence
	for perm := range permutations(len(stamps)) {
		w := newWorld(t)
		// Intern in a fixed order so sequences match across runs.
		for _, s := range stamps {
			w.in.Intern(s)
		}
		c := chronicle.New(500, 9, model.VersionTypeString)
		for _, i := range perm {
			w.add(c, stamps[i], "v")
		}
		lv, err := Resolve(c, w.calc(at(pMerge, model.TimeLatest)))
		if err != nil {
			t.Fatal(err)
		}
		var got []model.StampSequence
		for _, v := range lv.Versions() {
			got = append(got, v.Stamp)
		}
		if want == nil {
			want = got
			continue
		}
		if !slices.Equal(got, want) {
			t.Fatalf("order %v resolved to %v, want %v", perm, got, want)
		}
	}
	if len(want) != 2 {
		t.Fatalf("expected the two 700 edits on the frontier, got %v", want)
	}
}

func TestResolve_DoesNotMutateChronicle(t *testing.T) {
	w := newWorld(t)
	c := chronicle.New(500, 9, model.VersionTypeString)
	w.add(c, active(1000, p1), "a")
	w.add(c, active(1000, p2), "b")
	before := c.StampSequences()
	snapshot := c.Clone()

	calc := w.calc(at(pMerge, model.TimeLatest))
	first, _ := Resolve(c, calc)
	second, _ := Resolve(c, calc)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("repeated resolves differ")
	}
	if !slices.Equal(c.StampSequences(), before) || c.Len() != snapshot.Len() {
		t.Fatal("chronicle was mutated")
	}
}

func TestResolve_UnknownStamp(t *testing.T) {
	w := newWorld(t)
	c := chronicle.New(500, 9, model.VersionTypeString)
	c.AddVersion(77, model.StringPayload{Value: "orphan"})
	if _, err := Resolve(c, w.calc(at(p1, model.TimeLatest))); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestLatestVersion_JSON(t *testing.T) {
	data, err := json.Marshal(LatestVersion{})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"present":false}` {
		t.Fatalf("absent = %s", data)
	}

	w := newWorld(t)
	c := chronicle.New(500, 9, model.VersionTypeString)
	w.add(c, active(1000, p1), "a")
	lv, _ := Resolve(c, w.calc(at(p1, model.TimeLatest)))
	data, _ = json.Marshal(lv)
	if !strings.Contains(string(data), `"present":true`) || !strings.Contains(string(data), `"latest"`) {
		t.Fatalf("present = %s", data)
	}
}

// permutations yields every ordering of 0..n-1.
func permutations(n int) func(func([]int) bool) {
	return func(yield func([]int) bool) {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		var rec func(k int) bool
		rec = func(k int) bool {
			if k == n {
				return yield(slices.Clone(idx))
			}
			for i := k; i < n; i++ {
				idx[k], idx[i] = idx[i], idx[k]
				if !rec(k + 1) {
					return false
				}
				idx[k], idx[i] = idx[i], idx[k]
			}
			return true
		}
		rec(0)
	}
}
