package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/daviddao/stampdb/pkg/model"
	"github.com/google/uuid"
)

type idKey struct {
	nid     model.Nid
	ordinal int
}

// Memory keeps everything in maps. Nothing survives Close.
type Memory struct {
	mu          sync.RWMutex
	chronicles  map[model.Nid][]byte
	stamps      map[model.StampSequence]model.Stamp
	stampSeqs   map[model.Stamp]model.StampSequence
	identifiers map[idKey]uuid.UUID
	uuidNids    map[uuid.UUID]model.Nid
	assemblages map[model.Nid]model.Nid
	paths       map[model.Nid]model.StampPath
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		chronicles:  make(map[model.Nid][]byte),
		stamps:      make(map[model.StampSequence]model.Stamp),
		stampSeqs:   make(map[model.Stamp]model.StampSequence),
		identifiers: make(map[idKey]uuid.UUID),
		uuidNids:    make(map[uuid.UUID]model.Nid),
		assemblages: make(map[model.Nid]model.Nid),
		paths:       make(map[model.Nid]model.StampPath),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) GetBytes(_ context.Context, nid model.Nid) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.chronicles[nid]
	return slices.Clone(data), ok, nil
}

func (m *Memory) PutBytes(_ context.Context, nid model.Nid, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chronicles[nid] = slices.Clone(data)
	return nil
}

// UpdateBytes runs fn under the store's write lock.
func (m *Memory) UpdateBytes(_ context.Context, nid model.Nid, fn func(old []byte, ok bool) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.chronicles[nid]
	data, err := fn(slices.Clone(old), ok)
	if err != nil {
		return err
	}
	m.chronicles[nid] = slices.Clone(data)
	return nil
}

func (m *Memory) Nids(_ context.Context) ([]model.Nid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.chronicles)), nil
}

func (m *Memory) PutStamp(_ context.Context, seq model.StampSequence, s model.Stamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stamps[seq]; ok {
		return fmt.Errorf("stamp %d already stored: %w", seq, model.ErrStale)
	}
	if prev, ok := m.stampSeqs[s]; ok {
		return fmt.Errorf("stamp %v already stored as %d: %w", s, prev, model.ErrStale)
	}
	m.stamps[seq] = s
	m.stampSeqs[s] = seq
	return nil
}

func (m *Memory) LoadStamps(_ context.Context, fn func(model.StampSequence, model.Stamp) error) error {
	m.mu.RLock()
	seqs := slices.Sorted(maps.Keys(m.stamps))
	stamps := maps.Clone(m.stamps)
	m.mu.RUnlock()
	for _, seq := range seqs {
		if err := fn(seq, stamps[seq]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) PutIdentifier(_ context.Context, nid model.Nid, ordinal int, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idKey{nid, ordinal}
	if _, ok := m.identifiers[k]; ok {
		return fmt.Errorf("identifier %d/%d already stored: %w", nid, ordinal, model.ErrStale)
	}
	if prev, ok := m.uuidNids[id]; ok {
		return fmt.Errorf("%s already bound to %d: %w", id, prev, model.ErrStale)
	}
	m.identifiers[k] = id
	m.uuidNids[id] = nid
	return nil
}

func (m *Memory) LoadIdentifiers(_ context.Context, fn func(model.Nid, uuid.UUID) error) error {
	m.mu.RLock()
	ids := maps.Clone(m.identifiers)
	m.mu.RUnlock()
	keys := slices.SortedFunc(maps.Keys(ids), func(a, b idKey) int {
		if a.nid != b.nid {
			return int(a.nid) - int(b.nid)
		}
		return a.ordinal - b.ordinal
	})
	for _, k := range keys {
		if err := fn(k.nid, ids[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) PutAssemblage(_ context.Context, nid, assemblage model.Nid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assemblages[nid]; ok {
		return fmt.Errorf("assemblage of %d already stored: %w", nid, model.ErrStale)
	}
	m.assemblages[nid] = assemblage
	return nil
}

func (m *Memory) LoadAssemblages(_ context.Context, fn func(nid, assemblage model.Nid) error) error {
	m.mu.RLock()
	asm := maps.Clone(m.assemblages)
	m.mu.RUnlock()
	for _, nid := range slices.Sorted(maps.Keys(asm)) {
		if err := fn(nid, asm[nid]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) PutPath(_ context.Context, p model.StampPath) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Origins = slices.Clone(p.Origins)
	m.paths[p.Nid] = p
	return nil
}

func (m *Memory) LoadPaths(_ context.Context) ([]model.StampPath, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.StampPath
	for _, nid := range slices.Sorted(maps.Keys(m.paths)) {
		p := m.paths[nid]
		p.Origins = slices.Clone(p.Origins)
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Chronicles:  len(m.chronicles),
		Stamps:      len(m.stamps),
		Identifiers: len(m.identifiers),
		Paths:       len(m.paths),
	}, nil
}
