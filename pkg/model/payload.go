package model

import (
	"encoding/json"
	"fmt"
)

// VersionType discriminates the payload carried by a version. A chronicle
// holds versions of exactly one type.
type VersionType uint8

const (
	VersionTypeUnknown VersionType = iota
	VersionTypeConcept
	VersionTypeDescription
	VersionTypeRelationship
	VersionTypeMember
	VersionTypeNid
	VersionTypeNidPair
	VersionTypeString
	VersionTypeLong
)

var versionTypeNames = [...]string{
	"unknown", "concept", "description", "relationship", "member", "nid", "nid-pair", "string", "long",
}

func (t VersionType) String() string {
	if int(t) < len(versionTypeNames) {
		return versionTypeNames[t]
	}
	return fmt.Sprintf("version-type(%d)", uint8(t))
}

// ParseVersionType is the inverse of VersionType.String.
func ParseVersionType(s string) (VersionType, error) {
	for i, n := range versionTypeNames {
		if i > 0 && n == s {
			return VersionType(i), nil
		}
	}
	return VersionTypeUnknown, fmt.Errorf("unknown version type %q", s)
}

// Payload is the type-specific content of a version. The set of payloads
// is closed: only the types in this file implement it.
type Payload interface {
	VersionType() VersionType
	sealed()
}

// ConceptPayload carries no fields; a concept version only records a
// state change.
type ConceptPayload struct{}

// DescriptionPayload is the text of a description.
type DescriptionPayload struct {
	Text            string `json:"text"`
	Language        Nid    `json:"language"`
	CaseSignificant Nid    `json:"case_significance"`
	DescriptionType Nid    `json:"description_type"`
}

// RelationshipPayload links the referenced component to a destination.
type RelationshipPayload struct {
	Destination    Nid   `json:"destination"`
	Type           Nid   `json:"type"`
	Group          int32 `json:"group"`
	Characteristic Nid   `json:"characteristic"`
}

// MemberPayload marks assemblage membership with no extra fields.
type MemberPayload struct{}

// NidPayload annotates a component with one other component.
type NidPayload struct {
	Nid Nid `json:"nid"`
}

// NidPairPayload annotates a component with two other components.
type NidPairPayload struct {
	Nid1 Nid `json:"nid1"`
	Nid2 Nid `json:"nid2"`
}

// StringPayload annotates a component with a string.
type StringPayload struct {
	Value string `json:"value"`
}

// LongPayload annotates a component with a 64-bit integer.
type LongPayload struct {
	Value int64 `json:"value"`
}

func (ConceptPayload) VersionType() VersionType      { return VersionTypeConcept }
func (DescriptionPayload) VersionType() VersionType  { return VersionTypeDescription }
func (RelationshipPayload) VersionType() VersionType { return VersionTypeRelationship }
func (MemberPayload) VersionType() VersionType       { return VersionTypeMember }
func (NidPayload) VersionType() VersionType          { return VersionTypeNid }
func (NidPairPayload) VersionType() VersionType      { return VersionTypeNidPair }
func (StringPayload) VersionType() VersionType       { return VersionTypeString }
func (LongPayload) VersionType() VersionType         { return VersionTypeLong }

func (ConceptPayload) sealed()      {}
func (DescriptionPayload) sealed()  {}
func (RelationshipPayload) sealed() {}
func (MemberPayload) sealed()       {}
func (NidPayload) sealed()          {}
func (NidPairPayload) sealed()      {}
func (StringPayload) sealed()       {}
func (LongPayload) sealed()         {}

// MarshalJSON adds the payload type so readers can tell variants apart.
func (v Version) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Chronicle Nid           `json:"chronicle"`
		Stamp     StampSequence `json:"stamp"`
		Type      string        `json:"type"`
		Payload   Payload       `json:"payload,omitempty"`
	}{v.Chronicle, v.Stamp, v.Type().String(), v.Payload})
}
