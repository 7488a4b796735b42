package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/daviddao/stampdb/pkg/model"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Key prefixes. Integer parts are big-endian with the sign bit flipped so
// byte order matches numeric order.
const (
	prefixChronicle  = 'c'
	prefixStamp      = 's'
	prefixIdentifier = 'i'
	prefixAssemblage = 'a'
	prefixPath       = 'p'

	// Unique indexes: stamp tuple to sequence, UUID to nid.
	prefixStampTuple = 't'
	prefixUUID       = 'u'
)

// maxTxnConflicts bounds UpdateBytes retries on badger.ErrConflict.
const maxTxnConflicts = 5

// BadgerConfig holds configuration for a Badger-backed store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable fraction before a rewrite.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production defaults.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns a configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Badger stores records in an embedded BadgerDB.
type Badger struct {
	db  *badger.DB
	log *slog.Logger
	// update serializes UpdateBytes. Badger's directory lock keeps other
	// processes out.
	update sync.Mutex

	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

// OpenBadger opens the database described by cfg and starts value log GC
// when an interval is configured.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	b := &Badger{db: db, log: log}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.stopGC = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return b, nil
}

// Close stops GC and closes the database. Safe to call more than once.
func (b *Badger) Close() error {
	var err error
	b.once.Do(func() {
		if b.stopGC != nil {
			close(b.stopGC)
			<-b.gcDone
		}
		err = b.db.Close()
	})
	return err
}

func (b *Badger) runGC(interval time.Duration, ratio float64) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(ratio)
			switch {
			case err == nil:
				b.log.Debug("badger value log GC completed")
			case !errors.Is(err, badger.ErrNoRewrite):
				b.log.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

func orderedUint32(v int32) uint32 { return uint32(v) ^ 1<<31 }

func key(prefix byte, parts ...int32) []byte {
	k := make([]byte, 1, 1+4*len(parts))
	k[0] = prefix
	for _, p := range parts {
		k = binary.BigEndian.AppendUint32(k, orderedUint32(p))
	}
	return k
}

func keyPart(k []byte, i int) int32 {
	return int32(binary.BigEndian.Uint32(k[1+4*i:]) ^ 1<<31)
}

// scan calls fn for every key/value under prefix in key order.
func (b *Badger) scan(ctx context.Context, prefix byte, fn func(k, v []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefix}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) count(prefix byte) (int, error) {
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefix}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

type entry struct{ k, v []byte }

// insert writes every entry in one transaction, only if all keys are
// absent. A present key fails with model.ErrStale.
func (b *Badger) insert(what string, entries ...entry) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, e := range entries {
			if _, err := txn.Get(e.k); err == nil {
				return fmt.Errorf("%s already stored: %w", what, model.ErrStale)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		for _, e := range entries {
			if err := txn.Set(e.k, e.v); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%s: %w", what, model.ErrStale)
	}
	return err
}

// ---------------------------------------------------------------------------
// Chronicles
// ---------------------------------------------------------------------------

// GetBytes returns the chronicle record for nid.
func (b *Badger) GetBytes(_ context.Context, nid model.Nid) ([]byte, bool, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(prefixChronicle, int32(nid)))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get chronicle %d: %w", nid, err)
	}
	return data, true, nil
}

// PutBytes replaces the chronicle record for nid.
func (b *Badger) PutBytes(_ context.Context, nid model.Nid, data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(prefixChronicle, int32(nid)), data)
	})
}

// UpdateBytes rewrites the chronicle record for nid in one transaction,
// retrying when a concurrent PutBytes wrote the same key.
func (b *Badger) UpdateBytes(_ context.Context, nid model.Nid, fn func(old []byte, ok bool) ([]byte, error)) error {
	b.update.Lock()
	defer b.update.Unlock()
	k := key(prefixChronicle, int32(nid))
	var err error
	for range maxTxnConflicts {
		err = b.db.Update(func(txn *badger.Txn) error {
			var old []byte
			ok := false
			item, err := txn.Get(k)
			switch {
			case err == nil:
				ok = true
				if old, err = item.ValueCopy(nil); err != nil {
					return err
				}
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
			data, err := fn(old, ok)
			if err != nil {
				return err
			}
			return txn.Set(k, data)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	return err
}

// Nids lists stored chronicles in ascending nid order.
func (b *Badger) Nids(ctx context.Context) ([]model.Nid, error) {
	var nids []model.Nid
	err := b.scan(ctx, prefixChronicle, func(k, _ []byte) error {
		nids = append(nids, model.Nid(keyPart(k, 0)))
		return nil
	})
	return nids, err
}

// ---------------------------------------------------------------------------
// Stamps
// ---------------------------------------------------------------------------

// Stamp values: status byte, then time, author, module, path as varints.
func encodeStamp(s model.Stamp) []byte {
	buf := []byte{byte(s.Status)}
	buf = binary.AppendVarint(buf, s.Time)
	buf = binary.AppendVarint(buf, int64(s.Author))
	buf = binary.AppendVarint(buf, int64(s.Module))
	return binary.AppendVarint(buf, int64(s.Path))
}

func decodeStamp(v []byte) (model.Stamp, error) {
	if len(v) == 0 {
		return model.Stamp{}, model.ErrCorruptRecord
	}
	s := model.Stamp{Status: model.Status(v[0])}
	v = v[1:]
	var fields [4]int64
	for i := range fields {
		x, n := binary.Varint(v)
		if n <= 0 {
			return model.Stamp{}, model.ErrCorruptRecord
		}
		fields[i], v = x, v[n:]
	}
	s.Time = fields[0]
	s.Author, s.Module, s.Path = model.Nid(fields[1]), model.Nid(fields[2]), model.Nid(fields[3])
	return s, nil
}

// PutStamp records a newly issued sequence along with its tuple index.
func (b *Badger) PutStamp(_ context.Context, seq model.StampSequence, s model.Stamp) error {
	v := encodeStamp(s)
	return b.insert(fmt.Sprintf("stamp %d", seq),
		entry{key(prefixStamp, int32(seq)), v},
		entry{append([]byte{prefixStampTuple}, v...), key(prefixStamp, int32(seq))[1:]})
}

// LoadStamps streams stamps in sequence order.
func (b *Badger) LoadStamps(ctx context.Context, fn func(model.StampSequence, model.Stamp) error) error {
	return b.scan(ctx, prefixStamp, func(k, v []byte) error {
		seq := model.StampSequence(keyPart(k, 0))
		s, err := decodeStamp(v)
		if err != nil {
			return fmt.Errorf("stamp %d: %w", seq, err)
		}
		return fn(seq, s)
	})
}

// ---------------------------------------------------------------------------
// Identifiers
// ---------------------------------------------------------------------------

// PutIdentifier stores id under (nid, ordinal) along with its UUID index.
func (b *Badger) PutIdentifier(_ context.Context, nid model.Nid, ordinal int, id uuid.UUID) error {
	return b.insert(fmt.Sprintf("identifier %d/%d", nid, ordinal),
		entry{key(prefixIdentifier, int32(nid), int32(ordinal)), id[:]},
		entry{append([]byte{prefixUUID}, id[:]...), key(prefixIdentifier, int32(nid))[1:]})
}

// LoadIdentifiers streams bindings ordered by (nid, ordinal).
func (b *Badger) LoadIdentifiers(ctx context.Context, fn func(model.Nid, uuid.UUID) error) error {
	return b.scan(ctx, prefixIdentifier, func(k, v []byte) error {
		nid := model.Nid(keyPart(k, 0))
		id, err := uuid.FromBytes(v)
		if err != nil {
			return fmt.Errorf("identifier of nid %d: %v: %w", nid, err, model.ErrCorruptRecord)
		}
		return fn(nid, id)
	})
}

// PutAssemblage records assemblage membership.
func (b *Badger) PutAssemblage(_ context.Context, nid, assemblage model.Nid) error {
	v := binary.AppendVarint(nil, int64(assemblage))
	return b.insert(fmt.Sprintf("assemblage of %d", nid), entry{key(prefixAssemblage, int32(nid)), v})
}

// LoadAssemblages streams memberships ordered by nid.
func (b *Badger) LoadAssemblages(ctx context.Context, fn func(nid, assemblage model.Nid) error) error {
	return b.scan(ctx, prefixAssemblage, func(k, v []byte) error {
		asm, n := binary.Varint(v)
		if n <= 0 {
			return fmt.Errorf("assemblage of %d: %w", keyPart(k, 0), model.ErrCorruptRecord)
		}
		return fn(model.Nid(keyPart(k, 0)), model.Nid(asm))
	})
}

// ---------------------------------------------------------------------------
// Paths
// ---------------------------------------------------------------------------

// PutPath upserts a path definition, JSON encoded.
func (b *Badger) PutPath(_ context.Context, p model.StampPath) error {
	v, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(prefixPath, int32(p.Nid)), v)
	})
}

// LoadPaths returns every path ordered by nid.
func (b *Badger) LoadPaths(ctx context.Context) ([]model.StampPath, error) {
	var paths []model.StampPath
	err := b.scan(ctx, prefixPath, func(k, v []byte) error {
		var p model.StampPath
		if err := json.Unmarshal(v, &p); err != nil {
			return fmt.Errorf("path %d: %v: %w", keyPart(k, 0), err, model.ErrCorruptRecord)
		}
		paths = append(paths, p)
		return nil
	})
	return paths, err
}

// Stats counts keys per prefix.
func (b *Badger) Stats(_ context.Context) (Stats, error) {
	var st Stats
	for _, c := range []struct {
		prefix byte
		dst    *int
	}{
		{prefixChronicle, &st.Chronicles},
		{prefixStamp, &st.Stamps},
		{prefixIdentifier, &st.Identifiers},
		{prefixPath, &st.Paths},
	} {
		n, err := b.count(c.prefix)
		if err != nil {
			return Stats{}, err
		}
		*c.dst = n
	}
	return st, nil
}
