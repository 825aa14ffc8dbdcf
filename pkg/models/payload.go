package models

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Payload is an opaque JSON value produced by a remote service (proofs,
// tallies, decryption shares, seed hashes). It is re-sent byte-for-byte.
type Payload []byte

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	if p == nil {
		return errors.New("models.Payload: UnmarshalJSON on nil pointer")
	}
	*p = append((*p)[0:0], data...)
	return nil
}

// IsZero reports whether the payload is absent or JSON null.
func (p Payload) IsZero() bool {
	trimmed := bytes.TrimSpace(p)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	return json.Unmarshal(p, v)
}

// MustPayload marshals v, panicking on failure. Intended for fixtures and
// values that are statically known to be encodable.
func MustPayload(v any) Payload {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// EncryptedTally is the mediator's opaque running tally.
type EncryptedTally = Payload

// ShareSet maps guardian object IDs to the share each guardian produced.
type ShareSet map[string]Payload

// Add stores a share; a second share for the same guardian is ignored and
// Add reports false.
func (s ShareSet) Add(guardianID string, share Payload) bool {
	if _, ok := s[guardianID]; ok {
		return false
	}
	s[guardianID] = share
	return true
}

// CountFrom returns how many distinct IDs in the set belong to known.
func (s ShareSet) CountFrom(known []string) int {
	n := 0
	for _, id := range known {
		if _, ok := s[id]; ok {
			n++
		}
	}
	return n
}
