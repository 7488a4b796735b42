// Package stamp interns STAMP tuples into dense stamp sequences.
//
// The interner is the only shared mutable state on the read path. Every
// distinct (status, time, author, module, path) tuple receives exactly one
// sequence for the lifetime of the store, no matter how many writers race
// to intern it, in this process or another one sharing the store.
// Sequences start at 1 and are never reused.
package stamp

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/daviddao/stampdb/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stampsInterned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stampdb_stamps_interned_total",
		Help: "Stamp tuples assigned a new sequence",
	})

	internRacesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stampdb_stamp_intern_races_lost_total",
		Help: "Intern calls that found their tuple assigned by a concurrent writer",
	})

	tableReloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stampdb_stamp_table_reloads_total",
		Help: "Reloads of the stamp table after another handle wrote to the store",
	})
)

// maxReloads bounds how often one Intern call reloads the table after
// losing a race to another handle on the same store.
const maxReloads = 8

// Persister is the durable stamp table. Several interners, possibly in
// different processes, may share one. PutStamp fails with model.ErrStale
// when seq or the tuple is already stored; the interner then reloads the
// table and tries again.
type Persister interface {
	PutStamp(seq model.StampSequence, s model.Stamp) error
	LoadStamps(fn func(model.StampSequence, model.Stamp) error) error
}

// Interner maps stamp tuples to sequences and back. Safe for concurrent use.
type Interner struct {
	mu      sync.RWMutex
	bySeq   map[model.StampSequence]model.Stamp
	byStamp map[model.Stamp]model.StampSequence
	next    model.StampSequence
	persist Persister
}

// New returns an empty interner. persist may be nil for a purely
// in-memory interner.
func New(persist Persister) *Interner {
	return &Interner{
		bySeq:   make(map[model.StampSequence]model.Stamp),
		byStamp: make(map[model.Stamp]model.StampSequence),
		next:    1,
		persist: persist,
	}
}

// Load restores a previously issued sequence, e.g. while reading the stamp
// table at startup. It does not call the persister. The counter moves
// past seq so restarts never collide with issued sequences.
func (in *Interner) Load(seq model.StampSequence, s model.Stamp) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.loadLocked(seq, s)
}

func (in *Interner) loadLocked(seq model.StampSequence, s model.Stamp) error {
	if seq <= model.UncommittedSequence {
		return fmt.Errorf("load stamp sequence %d: %w", seq, model.ErrInvalidStamp)
	}
	if prev, ok := in.bySeq[seq]; ok && prev != s {
		return fmt.Errorf("load stamp sequence %d: holds %v, got %v: %w", seq, prev, s, model.ErrCorruptRecord)
	}
	if prev, ok := in.byStamp[s]; ok && prev != seq {
		return fmt.Errorf("load stamp %v: already sequence %d, got %d: %w", s, prev, seq, model.ErrCorruptRecord)
	}
	in.bySeq[seq] = s
	in.byStamp[s] = seq
	if seq >= in.next {
		in.next = seq + 1
	}
	return nil
}

// reloadLocked merges the persisted table into memory.
func (in *Interner) reloadLocked() error {
	tableReloads.Inc()
	return in.persist.LoadStamps(in.loadLocked)
}

// Intern returns the sequence for s, assigning the next one on first
// encounter. Idempotent: the same tuple always yields the same sequence,
// also across interners sharing one store.
func (in *Interner) Intern(s model.Stamp) (model.StampSequence, error) {
	if err := validate(s); err != nil {
		return model.UncommittedSequence, err
	}

	in.mu.RLock()
	seq, ok := in.byStamp[s]
	in.mu.RUnlock()
	if ok {
		return seq, nil
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	// Another writer may have won between the two locks.
	if seq, ok := in.byStamp[s]; ok {
		internRacesLost.Inc()
		return seq, nil
	}
	for attempt := 0; in.persist != nil; attempt++ {
		seq = in.next
		err := in.persist.PutStamp(seq, s)
		if err == nil {
			break
		}
		if !errors.Is(err, model.ErrStale) || attempt == maxReloads {
			return model.UncommittedSequence, fmt.Errorf("persist stamp %d: %w", seq, err)
		}
		if err := in.reloadLocked(); err != nil {
			return model.UncommittedSequence, fmt.Errorf("reload stamps: %w", err)
		}
		if seq, ok := in.byStamp[s]; ok {
			internRacesLost.Inc()
			return seq, nil
		}
	}
	seq = in.next
	in.next++
	in.bySeq[seq] = s
	in.byStamp[s] = seq
	stampsInterned.Inc()
	return seq, nil
}

// Stamp resolves a sequence to its tuple. A sequence unknown in memory
// reloads the persisted table once, picking up stamps issued through
// other handles on the store. Still unknown is a data-integrity error.
func (in *Interner) Stamp(seq model.StampSequence) (model.Stamp, error) {
	in.mu.RLock()
	s, ok := in.bySeq[seq]
	in.mu.RUnlock()
	if ok {
		return s, nil
	}
	if in.persist != nil {
		in.mu.Lock()
		s, ok = in.bySeq[seq]
		if !ok {
			if err := in.reloadLocked(); err != nil {
				in.mu.Unlock()
				return model.Stamp{}, fmt.Errorf("reload stamps: %w", err)
			}
			s, ok = in.bySeq[seq]
		}
		in.mu.Unlock()
		if ok {
			return s, nil
		}
	}
	return model.Stamp{}, fmt.Errorf("stamp sequence %d: %w", seq, model.ErrNotFound)
}

// Lookup returns the sequence for s without interning it.
func (in *Interner) Lookup(s model.Stamp) (model.StampSequence, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	seq, ok := in.byStamp[s]
	return seq, ok
}

// Len returns the number of interned tuples.
func (in *Interner) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.bySeq)
}

// Next returns the sequence the next novel tuple will receive.
func (in *Interner) Next() model.StampSequence {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.next
}

// MaxTime returns the highest committed time among interned stamps, or 0.
func (in *Interner) MaxTime() int64 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	var max int64
	for _, s := range in.bySeq {
		if s.Uncommitted() || s.Canceled() {
			continue
		}
		if s.Time > max {
			max = s.Time
		}
	}
	return max
}

// All iterates interned stamps in sequence order. The iteration works on a
// copy taken when it starts, so it can be restarted and is not disturbed
// by concurrent interning.
func (in *Interner) All() iter.Seq2[model.StampSequence, model.Stamp] {
	return func(yield func(model.StampSequence, model.Stamp) bool) {
		in.mu.RLock()
		seqs := make([]model.StampSequence, 0, len(in.bySeq))
		for seq := range in.bySeq {
			seqs = append(seqs, seq)
		}
		snapshot := make(map[model.StampSequence]model.Stamp, len(in.bySeq))
		for seq, s := range in.bySeq {
			snapshot[seq] = s
		}
		in.mu.RUnlock()

		slices.Sort(seqs)
		for _, seq := range seqs {
			if !yield(seq, snapshot[seq]) {
				return
			}
		}
	}
}

func validate(s model.Stamp) error {
	if !s.Status.Valid() {
		return fmt.Errorf("status %d: %w", s.Status, model.ErrInvalidStamp)
	}
	if s.Author <= 0 || s.Module <= 0 || s.Path <= 0 {
		return fmt.Errorf("stamp %v needs author, module and path nids: %w", s, model.ErrInvalidStamp)
	}
	return nil
}
