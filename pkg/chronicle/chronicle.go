// Package chronicle holds the append-only version history of one component.
//
// Versions are kept in insertion order, which is not time order: imports
// can backfill old edits after newer ones. Nothing in this package decides
// which version is current; that is the resolver's job.
//
// A Chronicle is not safe for concurrent mutation. Writers must serialize
// appends per component (see package commit); readers may share a
// chronicle once no writer holds it.
package chronicle

import (
	"fmt"
	"iter"
	"slices"

	"github.com/daviddao/stampdb/pkg/model"
)

// Chronicle is the ordered list of versions of one component.
type Chronicle struct {
	nid         model.Nid
	assemblage  model.Nid
	versionType model.VersionType
	versions    []model.Version
	index       map[model.StampSequence]int
}

// New returns an empty chronicle for nid in assemblage.
func New(nid, assemblage model.Nid, vt model.VersionType) *Chronicle {
	return &Chronicle{
		nid:         nid,
		assemblage:  assemblage,
		versionType: vt,
		index:       make(map[model.StampSequence]int),
	}
}

func (c *Chronicle) Nid() model.Nid                 { return c.nid }
func (c *Chronicle) Assemblage() model.Nid          { return c.assemblage }
func (c *Chronicle) VersionType() model.VersionType { return c.versionType }

// Len returns the number of versions.
func (c *Chronicle) Len() int { return len(c.versions) }

// AddVersion appends a version. A stamp can be used at most once per
// chronicle.
func (c *Chronicle) AddVersion(stamp model.StampSequence, payload model.Payload) (model.Version, error) {
	if stamp <= model.UncommittedSequence {
		return model.Version{}, fmt.Errorf("add version to %d with stamp %d: %w", c.nid, stamp, model.ErrInvalidStamp)
	}
	if payload == nil || payload.VersionType() != c.versionType {
		return model.Version{}, fmt.Errorf("add %v to %v chronicle %d: %w",
			payloadType(payload), c.versionType, c.nid, model.ErrPayloadMismatch)
	}
	if _, dup := c.index[stamp]; dup {
		return model.Version{}, fmt.Errorf("chronicle %d stamp %d: %w", c.nid, stamp, model.ErrDuplicateStampOnComponent)
	}
	v := model.Version{Chronicle: c.nid, Stamp: stamp, Payload: payload}
	c.index[stamp] = len(c.versions)
	c.versions = append(c.versions, v)
	return v, nil
}

// Versions yields every version in insertion order. The sequence is lazy
// and can be ranged over any number of times.
func (c *Chronicle) Versions() iter.Seq[model.Version] {
	return func(yield func(model.Version) bool) {
		for _, v := range c.versions {
			if !yield(v) {
				return
			}
		}
	}
}

// VersionsForStampSequences yields the versions whose stamps are in seqs,
// in insertion order. Unknown sequences are skipped.
func (c *Chronicle) VersionsForStampSequences(seqs ...model.StampSequence) iter.Seq[model.Version] {
	want := make(map[model.StampSequence]struct{}, len(seqs))
	for _, s := range seqs {
		want[s] = struct{}{}
	}
	return func(yield func(model.Version) bool) {
		for _, v := range c.versions {
			if _, ok := want[v.Stamp]; !ok {
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}

// Version returns the version stamped with seq.
func (c *Chronicle) Version(seq model.StampSequence) (model.Version, bool) {
	i, ok := c.index[seq]
	if !ok {
		return model.Version{}, false
	}
	return c.versions[i], true
}

// StampSequences returns the stamps of all versions in insertion order.
func (c *Chronicle) StampSequences() []model.StampSequence {
	out := make([]model.StampSequence, len(c.versions))
	for i, v := range c.versions {
		out[i] = v.Stamp
	}
	return out
}

// Clone returns an independent copy, e.g. to append to without disturbing
// readers of the original.
func (c *Chronicle) Clone() *Chronicle {
	out := New(c.nid, c.assemblage, c.versionType)
	out.versions = slices.Clone(c.versions)
	for k, v := range c.index {
		out.index[k] = v
	}
	return out
}

func payloadType(p model.Payload) model.VersionType {
	if p == nil {
		return model.VersionTypeUnknown
	}
	return p.VersionType()
}
