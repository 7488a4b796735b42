// Package identifier maps UUIDs to dense nids and tracks which assemblage
// each nid belongs to.
//
// A component may present several UUIDs (legacy identifiers gathered from
// different sources); all of them resolve to the same nid. The first UUID
// a nid was created with is its primordial UUID.
package identifier

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/daviddao/stampdb/pkg/model"
	"github.com/google/uuid"
)

// Namespace is the UUIDv5 namespace for NameUUID.
var Namespace = uuid.MustParse("d96cb408-b9ae-473d-a08d-ece06dbcedf9")

// NameUUID derives a stable UUID from a name. Paths, modules and authors
// created by name get the same UUID in every store.
func NameUUID(name string) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte(name))
}

// maxReloads bounds how often one call reloads the tables after losing a
// race to another handle on the same store.
const maxReloads = 8

// Persister writes identifier state through to durable storage. Calls are
// made under the service's write lock, before the change is visible.
//
// Several services may share one store. A Put that finds its row already
// written fails with model.ErrStale; the service reloads both tables and
// tries again.
type Persister interface {
	PutIdentifier(nid model.Nid, ordinal int, id uuid.UUID) error
	PutAssemblage(nid, assemblage model.Nid) error
	LoadIdentifiers(fn func(model.Nid, uuid.UUID) error) error
	LoadAssemblages(fn func(nid, assemblage model.Nid) error) error
}

// Service is the bidirectional identifier table. Safe for concurrent use.
type Service struct {
	mu         sync.RWMutex
	nids       map[uuid.UUID]model.Nid
	uuids      map[model.Nid][]uuid.UUID
	assemblage map[model.Nid]model.Nid
	members    map[model.Nid][]model.Nid
	next       model.Nid
	persist    Persister
}

// New returns an empty service. persist may be nil.
func New(persist Persister) *Service {
	return &Service{
		nids:       make(map[uuid.UUID]model.Nid),
		uuids:      make(map[model.Nid][]uuid.UUID),
		assemblage: make(map[model.Nid]model.Nid),
		members:    make(map[model.Nid][]model.Nid),
		next:       1,
		persist:    persist,
	}
}

// LoadIdentifier restores a UUID binding read from storage. Bindings of
// one nid must be loaded in ordinal order.
func (s *Service) LoadIdentifier(nid model.Nid, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadIdentifierLocked(nid, id)
}

func (s *Service) loadIdentifierLocked(nid model.Nid, id uuid.UUID) error {
	if prev, ok := s.nids[id]; ok {
		if prev != nid {
			return fmt.Errorf("load %s: bound to %d, got %d: %w", id, prev, nid, model.ErrCorruptRecord)
		}
		return nil
	}
	s.bind(nid, id)
	if nid >= s.next {
		s.next = nid + 1
	}
	return nil
}

// LoadAssemblage restores an assemblage binding read from storage.
func (s *Service) LoadAssemblage(nid, assemblage model.Nid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAssemblageLocked(nid, assemblage)
}

func (s *Service) loadAssemblageLocked(nid, assemblage model.Nid) error {
	if prev, ok := s.assemblage[nid]; ok {
		if prev != assemblage {
			return fmt.Errorf("load assemblage of %d: %d, got %d: %w", nid, prev, assemblage, model.ErrCorruptRecord)
		}
		return nil
	}
	s.joinAssemblage(nid, assemblage)
	return nil
}

// NidFor returns the nid for the given UUIDs, assigning a new one if none
// of them is known. UUIDs not yet bound are attached to the nid. UUIDs
// already bound to two different nids fail with ErrConflictingIdentifiers.
func (s *Service) NidFor(ids ...uuid.UUID) (model.Nid, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("nid for no uuids: %w", model.ErrNotFound)
	}
	s.mu.RLock()
	nid, found, err := s.lookupLocked(ids)
	s.mu.RUnlock()
	if err == nil && found && s.allBound(nid, ids) {
		return nid, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for attempt := 0; ; attempt++ {
		nid, err := s.nidForLocked(ids)
		if !errors.Is(err, model.ErrStale) || attempt == maxReloads {
			return nid, err
		}
		if err := s.reloadLocked(); err != nil {
			return 0, fmt.Errorf("reload identifiers: %w", err)
		}
	}
}

func (s *Service) nidForLocked(ids []uuid.UUID) (model.Nid, error) {
	nid, found, err := s.lookupLocked(ids)
	if err != nil {
		return 0, err
	}
	if !found {
		// Claim the nid up front so a failed persist never lets it be
		// issued twice.
		nid = s.next
		s.next++
	}
	for _, id := range ids {
		if _, ok := s.nids[id]; ok {
			continue
		}
		if s.persist != nil {
			if err := s.persist.PutIdentifier(nid, len(s.uuids[nid]), id); err != nil {
				return 0, fmt.Errorf("persist %s: %w", id, err)
			}
		}
		s.bind(nid, id)
	}
	return nid, nil
}

// reloadLocked merges the persisted tables into memory.
func (s *Service) reloadLocked() error {
	if err := s.persist.LoadIdentifiers(s.loadIdentifierLocked); err != nil {
		return err
	}
	return s.persist.LoadAssemblages(s.loadAssemblageLocked)
}

// reloadOnMiss reloads the persisted tables when found is false, so a
// lookup sees what other handles on the store have written.
func (s *Service) reloadOnMiss(found bool) bool {
	if found || s.persist == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked() == nil
}

// Lookup returns the nid bound to any of the given UUIDs.
func (s *Service) Lookup(ids ...uuid.UUID) (model.Nid, error) {
	s.mu.RLock()
	nid, found, err := s.lookupLocked(ids)
	s.mu.RUnlock()
	if err == nil && s.reloadOnMiss(found) {
		s.mu.RLock()
		nid, found, err = s.lookupLocked(ids)
		s.mu.RUnlock()
	}
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("uuids %v: %w", ids, model.ErrNotFound)
	}
	return nid, nil
}

// UUIDs returns every UUID of nid, primordial first.
func (s *Service) UUIDs(nid model.Nid) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, ok := s.uuids[nid]
	if !ok {
		return nil, fmt.Errorf("nid %d: %w", nid, model.ErrNotFound)
	}
	return slices.Clone(ids), nil
}

// PrimordialUUID returns the first UUID nid was created with.
func (s *Service) PrimordialUUID(nid model.Nid) (uuid.UUID, error) {
	ids, err := s.UUIDs(nid)
	if err != nil {
		return uuid.Nil, err
	}
	return ids[0], nil
}

// SetAssemblage records which assemblage nid belongs to. Membership is
// set once; moving a nid fails with ErrAssemblageMismatch.
func (s *Service) SetAssemblage(nid, assemblage model.Nid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uuids[nid]; !ok && s.persist != nil {
		if err := s.reloadLocked(); err != nil {
			return fmt.Errorf("reload identifiers: %w", err)
		}
	}
	if _, ok := s.uuids[nid]; !ok {
		return fmt.Errorf("set assemblage of nid %d: %w", nid, model.ErrNotFound)
	}
	if prev, ok := s.assemblage[nid]; ok {
		if prev == assemblage {
			return nil
		}
		return fmt.Errorf("nid %d in %d, asked for %d: %w", nid, prev, assemblage, model.ErrAssemblageMismatch)
	}
	for attempt := 0; s.persist != nil; attempt++ {
		err := s.persist.PutAssemblage(nid, assemblage)
		if err == nil {
			break
		}
		if !errors.Is(err, model.ErrStale) || attempt == maxReloads {
			return fmt.Errorf("persist assemblage of %d: %w", nid, err)
		}
		if err := s.reloadLocked(); err != nil {
			return fmt.Errorf("reload identifiers: %w", err)
		}
		if prev, ok := s.assemblage[nid]; ok {
			if prev == assemblage {
				return nil
			}
			return fmt.Errorf("nid %d in %d, asked for %d: %w", nid, prev, assemblage, model.ErrAssemblageMismatch)
		}
	}
	s.joinAssemblage(nid, assemblage)
	return nil
}

// Assemblage returns the assemblage nid belongs to.
func (s *Service) Assemblage(nid model.Nid) (model.Nid, error) {
	s.mu.RLock()
	a, ok := s.assemblage[nid]
	s.mu.RUnlock()
	if s.reloadOnMiss(ok) {
		s.mu.RLock()
		a, ok = s.assemblage[nid]
		s.mu.RUnlock()
	}
	if !ok {
		return 0, fmt.Errorf("assemblage of nid %d: %w", nid, model.ErrNotFound)
	}
	return a, nil
}

// Members returns the nids in assemblage, ascending.
func (s *Service) Members(assemblage model.Nid) []model.Nid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.members[assemblage])
}

// Assemblages returns every assemblage with at least one member, ascending.
func (s *Service) Assemblages() []model.Nid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Nid, 0, len(s.members))
	for a := range s.members {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of nids issued.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.uuids)
}

func (s *Service) lookupLocked(ids []uuid.UUID) (model.Nid, bool, error) {
	var nid model.Nid
	found := false
	for _, id := range ids {
		n, ok := s.nids[id]
		if !ok {
			continue
		}
		if found && n != nid {
			return 0, false, fmt.Errorf("%v map to %d and %d: %w", ids, nid, n, model.ErrConflictingIdentifiers)
		}
		nid, found = n, true
	}
	return nid, found, nil
}

func (s *Service) allBound(nid model.Nid, ids []uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range ids {
		if s.nids[id] != nid {
			return false
		}
	}
	return true
}

func (s *Service) bind(nid model.Nid, id uuid.UUID) {
	s.nids[id] = nid
	s.uuids[nid] = append(s.uuids[nid], id)
}

func (s *Service) joinAssemblage(nid, assemblage model.Nid) {
	s.assemblage[nid] = assemblage
	m := s.members[assemblage]
	i, _ := slices.BinarySearch(m, nid)
	s.members[assemblage] = slices.Insert(m, i, nid)
}
