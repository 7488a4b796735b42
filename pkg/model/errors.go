package model

import "errors"

// Integrity errors. All of them are fatal for the operation that hit them:
// proceeding would break the append-only guarantee of the history.
var (
	// ErrNotFound is returned for a stamp sequence, nid or UUID that was
	// never interned.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateStampOnComponent is returned when a chronicle already has
	// a version for the stamp sequence being added.
	ErrDuplicateStampOnComponent = errors.New("stamp already used on component")

	// ErrCyclicPathGraph is returned when path origins form a cycle.
	ErrCyclicPathGraph = errors.New("cyclic path origin graph")

	// ErrPayloadMismatch is returned when a payload's version type differs
	// from the chronicle's.
	ErrPayloadMismatch = errors.New("payload type does not match chronicle")

	// ErrInvalidStamp is returned for stamps that cannot be interned.
	ErrInvalidStamp = errors.New("invalid stamp")

	// ErrConflictingIdentifiers is returned when UUIDs presented as one
	// component are already bound to different nids.
	ErrConflictingIdentifiers = errors.New("uuids bound to different nids")

	// ErrAssemblageMismatch is returned when a nid is moved to another assemblage.
	ErrAssemblageMismatch = errors.New("nid already belongs to another assemblage")

	// ErrUnsupportedFormat is returned for records written by a newer codec.
	ErrUnsupportedFormat = errors.New("unsupported record format version")

	// ErrStale is returned by a store when a row the caller meant to
	// create already exists, written by another handle on the same store.
	// The caller's tables are behind and must be reloaded.
	ErrStale = errors.New("local table is behind the store")

	// ErrCorruptRecord is returned when a stored record fails its checksum or
	// cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt record")
)
