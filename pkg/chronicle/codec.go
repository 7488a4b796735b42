package chronicle

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/daviddao/stampdb/pkg/model"
)

// FormatVersion is written as the first byte of every record.
const FormatVersion byte = 1

// Record layout, format version 1:
//
//	format   byte
//	nid      varint
//	asm      varint
//	type     byte
//	count    uvarint
//	count x { stamp uvarint, payload (per type) }
//	crc32    4 bytes big-endian, IEEE, over everything before it
//
// Nids are signed varints, strings are uvarint length + bytes.

// MarshalBinary encodes the chronicle for the backing store.
func (c *Chronicle) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 16+len(c.versions)*16)
	buf = append(buf, FormatVersion)
	buf = binary.AppendVarint(buf, int64(c.nid))
	buf = binary.AppendVarint(buf, int64(c.assemblage))
	buf = append(buf, byte(c.versionType))
	buf = binary.AppendUvarint(buf, uint64(len(c.versions)))
	for _, v := range c.versions {
		buf = binary.AppendUvarint(buf, uint64(v.Stamp))
		var err error
		if buf, err = appendPayload(buf, v.Payload); err != nil {
			return nil, fmt.Errorf("encode chronicle %d stamp %d: %w", c.nid, v.Stamp, err)
		}
	}
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf)), nil
}

// Unmarshal decodes a record written by MarshalBinary.
func Unmarshal(data []byte) (*Chronicle, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("chronicle record of %d bytes: %w", len(data), model.ErrCorruptRecord)
	}
	if data[0] != FormatVersion {
		return nil, fmt.Errorf("chronicle format %d: %w", data[0], model.ErrUnsupportedFormat)
	}
	body, sum := data[:len(data)-4], binary.BigEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, fmt.Errorf("chronicle checksum mismatch: %w", model.ErrCorruptRecord)
	}

	r := &reader{buf: body[1:]}
	nid := model.Nid(r.varint())
	asm := model.Nid(r.varint())
	vt := model.VersionType(r.byte())
	n := r.uvarint()
	if r.err != nil {
		return nil, r.err
	}
	if n > uint64(len(r.buf)) {
		return nil, fmt.Errorf("chronicle %d claims %d versions: %w", nid, n, model.ErrCorruptRecord)
	}

	c := New(nid, asm, vt)
	for i := uint64(0); i < n; i++ {
		stamp := model.StampSequence(r.uvarint())
		p := r.payload(vt)
		if r.err != nil {
			return nil, fmt.Errorf("decode chronicle %d version %d: %w", nid, i, r.err)
		}
		if _, err := c.AddVersion(stamp, p); err != nil {
			return nil, fmt.Errorf("decode chronicle %d: %w", nid, err)
		}
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("chronicle %d has %d trailing bytes: %w", nid, len(r.buf), model.ErrCorruptRecord)
	}
	return c, nil
}

func appendPayload(buf []byte, p model.Payload) ([]byte, error) {
	switch p := p.(type) {
	case model.ConceptPayload, model.MemberPayload:
		return buf, nil
	case model.DescriptionPayload:
		buf = appendString(buf, p.Text)
		buf = binary.AppendVarint(buf, int64(p.Language))
		buf = binary.AppendVarint(buf, int64(p.CaseSignificant))
		return binary.AppendVarint(buf, int64(p.DescriptionType)), nil
	case model.RelationshipPayload:
		buf = binary.AppendVarint(buf, int64(p.Destination))
		buf = binary.AppendVarint(buf, int64(p.Type))
		buf = binary.AppendVarint(buf, int64(p.Group))
		return binary.AppendVarint(buf, int64(p.Characteristic)), nil
	case model.NidPayload:
		return binary.AppendVarint(buf, int64(p.Nid)), nil
	case model.NidPairPayload:
		buf = binary.AppendVarint(buf, int64(p.Nid1))
		return binary.AppendVarint(buf, int64(p.Nid2)), nil
	case model.StringPayload:
		return appendString(buf, p.Value), nil
	case model.LongPayload:
		return binary.AppendVarint(buf, p.Value), nil
	}
	return nil, fmt.Errorf("payload %T: %w", p, model.ErrPayloadMismatch)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// reader decodes sequentially and remembers the first error.
type reader struct {
	buf []byte
	err error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("truncated %s: %w", what, model.ErrCorruptRecord)
	}
	r.buf = nil
}

func (r *reader) byte() byte {
	if r.err != nil || len(r.buf) == 0 {
		r.fail("byte")
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		r.fail("varint")
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.fail("uvarint")
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) nid() model.Nid { return model.Nid(r.varint()) }

func (r *reader) string() string {
	n := r.uvarint()
	if r.err != nil {
		return ""
	}
	if n > uint64(len(r.buf)) {
		r.fail("string")
		return ""
	}
	s := string(r.buf[:n])
	r.buf = r.buf[n:]
	return s
}

func (r *reader) payload(vt model.VersionType) model.Payload {
	switch vt {
	case model.VersionTypeConcept:
		return model.ConceptPayload{}
	case model.VersionTypeMember:
		return model.MemberPayload{}
	case model.VersionTypeDescription:
		return model.DescriptionPayload{
			Text:            r.string(),
			Language:        r.nid(),
			CaseSignificant: r.nid(),
			DescriptionType: r.nid(),
		}
	case model.VersionTypeRelationship:
		return model.RelationshipPayload{
			Destination:    r.nid(),
			Type:           r.nid(),
			Group:          int32(r.varint()),
			Characteristic: r.nid(),
		}
	case model.VersionTypeNid:
		return model.NidPayload{Nid: r.nid()}
	case model.VersionTypeNidPair:
		return model.NidPairPayload{Nid1: r.nid(), Nid2: r.nid()}
	case model.VersionTypeString:
		return model.StringPayload{Value: r.string()}
	case model.VersionTypeLong:
		return model.LongPayload{Value: r.varint()}
	}
	if r.err == nil {
		r.err = fmt.Errorf("version type %d: %w", vt, model.ErrCorruptRecord)
	}
	return nil
}
