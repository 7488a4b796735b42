package identifier

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"testing"

	"github.com/daviddao/stampdb/pkg/model"
	"github.com/google/uuid"
)

// recordingPersister is an identifier table that may be shared by several
// services, the way one store file is shared by several processes.
type recordingPersister struct {
	mu         sync.Mutex
	nids       []model.Nid
	ids        []uuid.UUID
	ordinals   []int
	assemblage map[model.Nid]model.Nid
	failIDs    bool
}

func (p *recordingPersister) PutIdentifier(nid model.Nid, ordinal int, id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failIDs {
		return errors.New("write failed")
	}
	for i := range p.ids {
		if p.ids[i] == id || (p.nids[i] == nid && p.ordinals[i] == ordinal) {
			return model.ErrStale
		}
	}
	p.nids = append(p.nids, nid)
	p.ids = append(p.ids, id)
	p.ordinals = append(p.ordinals, ordinal)
	return nil
}

func (p *recordingPersister) PutAssemblage(nid, assemblage model.Nid) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.assemblage == nil {
		p.assemblage = make(map[model.Nid]model.Nid)
	}
	if _, ok := p.assemblage[nid]; ok {
		return model.ErrStale
	}
	p.assemblage[nid] = assemblage
	return nil
}

func (p *recordingPersister) LoadIdentifiers(fn func(model.Nid, uuid.UUID) error) error {
	p.mu.Lock()
	order := make([]int, len(p.ids))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int {
		if p.nids[a] != p.nids[b] {
			return int(p.nids[a] - p.nids[b])
		}
		return p.ordinals[a] - p.ordinals[b]
	})
	nids, ids := slices.Clone(p.nids), slices.Clone(p.ids)
	p.mu.Unlock()
	for _, i := range order {
		if err := fn(nids[i], ids[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p *recordingPersister) LoadAssemblages(fn func(nid, assemblage model.Nid) error) error {
	p.mu.Lock()
	asm := maps.Clone(p.assemblage)
	p.mu.Unlock()
	for _, nid := range slices.Sorted(maps.Keys(asm)) {
		if err := fn(nid, asm[nid]); err != nil {
			return err
		}
	}
	return nil
}

func TestNidFor_AssignsDenseNids(t *testing.T) {
	s := New(nil)
	a, err := s.NidFor(uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.NidFor(uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if a != 1 || b != 2 {
		t.Fatalf("nids = %d, %d; want 1, 2", a, b)
	}
}

func TestNidFor_Idempotent(t *testing.T) {
	s := New(nil)
	id := uuid.New()
	a, _ := s.NidFor(id)
	b, _ := s.NidFor(id)
	if a != b {
		t.Fatalf("same uuid got nids %d and %d", a, b)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestNidFor_ManyUUIDsOneNid(t *testing.T) {
	s := New(nil)
	primordial, legacy := uuid.New(), uuid.New()
	nid, err := s.NidFor(primordial)
	if err != nil {
		t.Fatal(err)
	}
	again, err := s.NidFor(primordial, legacy)
	if err != nil {
		t.Fatal(err)
	}
	if again != nid {
		t.Fatalf("adding a legacy uuid moved the nid: %d -> %d", nid, again)
	}
	got, err := s.Lookup(legacy)
	if err != nil || got != nid {
		t.Fatalf("Lookup(legacy) = %d, %v; want %d", got, err, nid)
	}
	ids, _ := s.UUIDs(nid)
	if len(ids) != 2 || ids[0] != primordial {
		t.Fatalf("UUIDs = %v, want primordial first", ids)
	}
	p, _ := s.PrimordialUUID(nid)
	if p != primordial {
		t.Fatalf("PrimordialUUID = %s, want %s", p, primordial)
	}
}

func TestNidFor_ConflictingUUIDs(t *testing.T) {
	s := New(nil)
	a, b := uuid.New(), uuid.New()
	s.NidFor(a)
	s.NidFor(b)
	if _, err := s.NidFor(a, b); !errors.Is(err, model.ErrConflictingIdentifiers) {
		t.Fatalf("got %v, want ErrConflictingIdentifiers", err)
	}
}

func TestLookup_NotFound(t *testing.T) {
	s := New(nil)
	if _, err := s.Lookup(uuid.New()); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, err := s.UUIDs(42); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("UUIDs: got %v, want ErrNotFound", err)
	}
}

func TestAssemblage_SetOnce(t *testing.T) {
	s := New(nil)
	asm, _ := s.NidFor(NameUUID("descriptions"))
	other, _ := s.NidFor(NameUUID("concepts"))
	nid, _ := s.NidFor(uuid.New())

	if err := s.SetAssemblage(nid, asm); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAssemblage(nid, asm); err != nil {
		t.Fatalf("re-setting the same assemblage should succeed: %v", err)
	}
	if err := s.SetAssemblage(nid, other); !errors.Is(err, model.ErrAssemblageMismatch) {
		t.Fatalf("got %v, want ErrAssemblageMismatch", err)
	}
	got, err := s.Assemblage(nid)
	if err != nil || got != asm {
		t.Fatalf("Assemblage = %d, %v; want %d", got, err, asm)
	}
	if err := s.SetAssemblage(999, asm); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown nid: got %v, want ErrNotFound", err)
	}
}

func TestMembers_Sorted(t *testing.T) {
	s := New(nil)
	asm, _ := s.NidFor(NameUUID("members"))
	var nids []model.Nid
	for i := 0; i < 5; i++ {
		n, _ := s.NidFor(uuid.New())
		nids = append(nids, n)
	}
	for i := len(nids) - 1; i >= 0; i-- {
		s.SetAssemblage(nids[i], asm)
	}
	m := s.Members(asm)
	if len(m) != 5 {
		t.Fatalf("got %d members, want 5", len(m))
	}
	for i := 1; i < len(m); i++ {
		if m[i-1] >= m[i] {
			t.Fatalf("members not ascending: %v", m)
		}
	}
	if as := s.Assemblages(); len(as) != 1 || as[0] != asm {
		t.Fatalf("Assemblages = %v", as)
	}
}

func TestNameUUID_Stable(t *testing.T) {
	if NameUUID("development") != NameUUID("development") {
		t.Fatal("NameUUID should be deterministic")
	}
	if NameUUID("development") == NameUUID("master") {
		t.Fatal("different names should give different uuids")
	}
	if NameUUID("x").Version() != 5 {
		t.Fatalf("NameUUID version = %d, want 5", NameUUID("x").Version())
	}
}

func TestPersister_WriteThroughAndReload(t *testing.T) {
	p := &recordingPersister{}
	s := New(p)
	a, b := uuid.New(), uuid.New()
	nid, _ := s.NidFor(a, b)
	asm, _ := s.NidFor(NameUUID("asm"))
	s.SetAssemblage(nid, asm)

	if len(p.ids) != 3 {
		t.Fatalf("persisted %d uuids, want 3", len(p.ids))
	}
	if p.ordinals[0] != 0 || p.ordinals[1] != 1 {
		t.Fatalf("ordinals = %v", p.ordinals)
	}

	reloaded := New(nil)
	reloaded.LoadIdentifier(nid, a)
	reloaded.LoadIdentifier(nid, b)
	reloaded.LoadIdentifier(asm, NameUUID("asm"))
	reloaded.LoadAssemblage(nid, p.assemblage[nid])

	got, err := reloaded.Lookup(b)
	if err != nil || got != nid {
		t.Fatalf("reloaded Lookup = %d, %v", got, err)
	}
	fresh, _ := reloaded.NidFor(uuid.New())
	if fresh <= asm {
		t.Fatalf("reloaded service reissued nid %d", fresh)
	}
	if m := reloaded.Members(asm); len(m) != 1 || m[0] != nid {
		t.Fatalf("reloaded members = %v", m)
	}
}

func TestPersister_FailureDoesNotReuseNid(t *testing.T) {
	p := &recordingPersister{failIDs: true}
	s := New(p)
	if _, err := s.NidFor(uuid.New()); err == nil {
		t.Fatal("expected persist error")
	}
	p.failIDs = false
	nid, err := s.NidFor(uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if nid != 2 {
		t.Fatalf("nid after failed attempt = %d, want 2", nid)
	}
}

func TestLoadIdentifier_Conflict(t *testing.T) {
	s := New(nil)
	id := uuid.New()
	s.LoadIdentifier(1, id)
	if err := s.LoadIdentifier(2, id); !errors.Is(err, model.ErrCorruptRecord) {
		t.Fatalf("got %v, want ErrCorruptRecord", err)
	}
}

func TestNidFor_Concurrent(t *testing.T) {
	s := New(nil)
	id := uuid.New()
	var wg sync.WaitGroup
	nids := make([]model.Nid, 32)
	for i := range nids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			nids[i], _ = s.NidFor(id)
		}(i)
	}
	wg.Wait()
	for _, n := range nids {
		if n != nids[0] {
			t.Fatalf("concurrent NidFor returned %d and %d", nids[0], n)
		}
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestSharedPersister_NidsNotReissued(t *testing.T) {
	p := &recordingPersister{}
	a, b := New(p), New(p)
	x, y := uuid.New(), uuid.New()

	ax, err := a.NidFor(x)
	if err != nil {
		t.Fatal(err)
	}
	// b still believes nid 1 is free.
	by, err := b.NidFor(y)
	if err != nil {
		t.Fatalf("second service: %v", err)
	}
	if ax == by {
		t.Fatalf("both services issued nid %d", ax)
	}
	if got, err := b.NidFor(x); err != nil || got != ax {
		t.Fatalf("b.NidFor(x) = %d, %v; want %d", got, err, ax)
	}
	if got, err := a.Lookup(y); err != nil || got != by {
		t.Fatalf("a.Lookup(y) = %d, %v; want %d", got, err, by)
	}
}

func TestSharedPersister_AssemblageSettledOnce(t *testing.T) {
	p := &recordingPersister{}
	a, b := New(p), New(p)
	nid, _ := a.NidFor(NameUUID("component"))
	asm1, _ := a.NidFor(NameUUID("asm-1"))
	asm2, _ := a.NidFor(NameUUID("asm-2"))
	if err := a.SetAssemblage(nid, asm1); err != nil {
		t.Fatal(err)
	}
	if err := b.SetAssemblage(nid, asm1); err != nil {
		t.Fatalf("same assemblage from second service: %v", err)
	}
	if err := b.SetAssemblage(nid, asm2); !errors.Is(err, model.ErrAssemblageMismatch) {
		t.Fatalf("got %v, want ErrAssemblageMismatch", err)
	}
	if got, err := b.Assemblage(nid); err != nil || got != asm1 {
		t.Fatalf("b.Assemblage = %d, %v; want %d", got, err, asm1)
	}
}
