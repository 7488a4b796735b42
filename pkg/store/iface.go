// iface.go defines the Store contract shared by every backend.
//
// Chronicles are opaque byte records keyed by nid, rewritten inside one
// transaction per append. The stamp, identifier, assemblage and path
// tables are small and are loaded completely at startup, so they are
// written one row at a time and read back through callbacks in a stable
// order. Row inserts never overwrite: a row another handle created first
// fails with model.ErrStale, and the caller reloads and retries.
package store

import (
	"context"
	"fmt"

	"github.com/daviddao/stampdb/pkg/chronicle"
	"github.com/daviddao/stampdb/pkg/identifier"
	"github.com/daviddao/stampdb/pkg/model"
	"github.com/daviddao/stampdb/pkg/stamp"
	"github.com/google/uuid"
)

// Store is the backing store contract. Implementations are safe for
// concurrent use.
type Store interface {
	// Close releases the underlying database.
	Close() error

	// --- Chronicles ---

	// GetBytes returns the record stored for nid. ok is false when there is
	// no record.
	GetBytes(ctx context.Context, nid model.Nid) (data []byte, ok bool, err error)

	// PutBytes replaces the record stored for nid.
	PutBytes(ctx context.Context, nid model.Nid, data []byte) error

	// UpdateBytes replaces the record stored for nid with what fn returns
	// for the current one, atomically. An error from fn aborts the update.
	// fn must not call back into the store.
	UpdateBytes(ctx context.Context, nid model.Nid, fn func(old []byte, ok bool) ([]byte, error)) error

	// Nids returns the nid of every stored chronicle in ascending order.
	Nids(ctx context.Context) ([]model.Nid, error)

	// --- Stamps ---

	// PutStamp records a newly issued stamp sequence. A sequence or tuple
	// already stored fails with model.ErrStale.
	PutStamp(ctx context.Context, seq model.StampSequence, s model.Stamp) error

	// LoadStamps calls fn for every stamp in sequence order.
	LoadStamps(ctx context.Context, fn func(model.StampSequence, model.Stamp) error) error

	// --- Identifiers ---

	// PutIdentifier binds id to nid. ordinal is the position of id among
	// the nid's identifiers; 0 is the primordial UUID. A UUID or (nid,
	// ordinal) already stored fails with model.ErrStale.
	PutIdentifier(ctx context.Context, nid model.Nid, ordinal int, id uuid.UUID) error

	// LoadIdentifiers calls fn for every binding ordered by (nid, ordinal).
	LoadIdentifiers(ctx context.Context, fn func(model.Nid, uuid.UUID) error) error

	// PutAssemblage records the assemblage of nid. A nid already placed
	// fails with model.ErrStale.
	PutAssemblage(ctx context.Context, nid, assemblage model.Nid) error

	// LoadAssemblages calls fn for every membership ordered by nid.
	LoadAssemblages(ctx context.Context, fn func(nid, assemblage model.Nid) error) error

	// --- Paths ---

	// PutPath inserts or replaces a path definition.
	PutPath(ctx context.Context, p model.StampPath) error

	// LoadPaths returns every path definition ordered by nid.
	LoadPaths(ctx context.Context) ([]model.StampPath, error)

	// Stats counts the rows of each table.
	Stats(ctx context.Context) (Stats, error)
}

// Stats summarizes store contents.
type Stats struct {
	Chronicles  int `json:"chronicles"`
	Stamps      int `json:"stamps"`
	Identifiers int `json:"identifiers"`
	Paths       int `json:"paths"`
}

// Compile-time checks that every backend implements Store.
var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Badger)(nil)
	_ Store = (*Memory)(nil)
)

// StampPersister adapts s to the interner's persister.
func StampPersister(ctx context.Context, s Store) stamp.Persister {
	return stampPersister{ctx: ctx, s: s}
}

type stampPersister struct {
	ctx context.Context
	s   Store
}

func (p stampPersister) PutStamp(seq model.StampSequence, st model.Stamp) error {
	return p.s.PutStamp(p.ctx, seq, st)
}

func (p stampPersister) LoadStamps(fn func(model.StampSequence, model.Stamp) error) error {
	return p.s.LoadStamps(p.ctx, fn)
}

// IdentifierPersister adapts s to the identifier service's persister.
func IdentifierPersister(ctx context.Context, s Store) identifier.Persister {
	return identifierPersister{ctx: ctx, s: s}
}

type identifierPersister struct {
	ctx context.Context
	s   Store
}

func (p identifierPersister) PutIdentifier(nid model.Nid, ordinal int, id uuid.UUID) error {
	return p.s.PutIdentifier(p.ctx, nid, ordinal, id)
}

func (p identifierPersister) PutAssemblage(nid, assemblage model.Nid) error {
	return p.s.PutAssemblage(p.ctx, nid, assemblage)
}

func (p identifierPersister) LoadIdentifiers(fn func(model.Nid, uuid.UUID) error) error {
	return p.s.LoadIdentifiers(p.ctx, fn)
}

func (p identifierPersister) LoadAssemblages(fn func(nid, assemblage model.Nid) error) error {
	return p.s.LoadAssemblages(p.ctx, fn)
}

// Restore loads the stamp and identifier tables of s into in and ids.
func Restore(ctx context.Context, s Store, in *stamp.Interner, ids *identifier.Service) error {
	if err := s.LoadStamps(ctx, in.Load); err != nil {
		return err
	}
	if err := s.LoadIdentifiers(ctx, ids.LoadIdentifier); err != nil {
		return err
	}
	return s.LoadAssemblages(ctx, ids.LoadAssemblage)
}

// LoadChronicle decodes the chronicle stored for nid. A missing record is
// ErrNotFound.
func LoadChronicle(ctx context.Context, s Store, nid model.Nid) (*chronicle.Chronicle, error) {
	data, ok, err := s.GetBytes(ctx, nid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("chronicle %d: %w", nid, model.ErrNotFound)
	}
	return decodeChronicle(nid, data)
}

// SaveChronicle encodes c and stores it under its nid.
func SaveChronicle(ctx context.Context, s Store, c *chronicle.Chronicle) error {
	data, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	return s.PutBytes(ctx, c.Nid(), data)
}

// UpdateChronicle replaces the chronicle of nid with what fn returns,
// atomically. fn receives nil when nid has no chronicle yet and must not
// call back into s.
func UpdateChronicle(ctx context.Context, s Store, nid model.Nid, fn func(*chronicle.Chronicle) (*chronicle.Chronicle, error)) error {
	return s.UpdateBytes(ctx, nid, func(old []byte, ok bool) ([]byte, error) {
		var c *chronicle.Chronicle
		if ok {
			var err error
			if c, err = decodeChronicle(nid, old); err != nil {
				return nil, err
			}
		}
		c, err := fn(c)
		if err != nil {
			return nil, err
		}
		if c.Nid() != nid {
			return nil, fmt.Errorf("chronicle %d stored under %d: %w", c.Nid(), nid, model.ErrCorruptRecord)
		}
		return c.MarshalBinary()
	})
}

func decodeChronicle(nid model.Nid, data []byte) (*chronicle.Chronicle, error) {
	c, err := chronicle.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("chronicle %d: %w", nid, err)
	}
	if c.Nid() != nid {
		return nil, fmt.Errorf("record under %d holds chronicle %d: %w", nid, c.Nid(), model.ErrCorruptRecord)
	}
	return c, nil
}
