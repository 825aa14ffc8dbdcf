package models

import (
	"encoding/json"
	"fmt"

	"egcoord/pkg/validation"
)

// ElectionContext is returned once by the mediator and is immutable after.
type ElectionContext struct {
	CryptoBaseHash         string `json:"crypto_base_hash" validate:"required"`
	CryptoExtendedBaseHash string `json:"crypto_extended_base_hash" validate:"required"`
	DescriptionHash        string `json:"description_hash" validate:"required"`
	ElGamalPublicKey       string `json:"elgamal_public_key" validate:"required"`
	NumberOfGuardians      int    `json:"number_of_guardians" validate:"gt=0"`
	Quorum                 int    `json:"quorum" validate:"gt=0,ltefield=NumberOfGuardians"`
}

func (c ElectionContext) Validate() error { return validation.Struct(c) }

// Policy returns the guardian policy the context was derived for.
func (c ElectionContext) Policy() GuardianSetPolicy {
	return GuardianSetPolicy{GuardianCount: c.NumberOfGuardians, Quorum: c.Quorum}
}

// BallotState is the lifecycle state reported by the mediator.
type BallotState string

const (
	BallotUnknown BallotState = "UNKNOWN"
	BallotCast    BallotState = "CAST"
	BallotSpoiled BallotState = "SPOILED"
)

// SubmittedBallot is an encrypted ballot in any lifecycle state. Only the
// header is interpreted; the full payload is kept verbatim.
type SubmittedBallot struct {
	ObjectID     string      `json:"object_id" validate:"required"`
	State        BallotState `json:"state,omitempty"`
	TrackingHash Payload     `json:"tracking_hash,omitempty"`

	raw Payload
}

func (b SubmittedBallot) Raw() Payload { return b.raw }

func (b SubmittedBallot) MarshalJSON() ([]byte, error) {
	if len(b.raw) > 0 {
		return b.raw, nil
	}
	type header SubmittedBallot
	return json.Marshal(header(b))
}

func (b *SubmittedBallot) UnmarshalJSON(data []byte) error {
	type header SubmittedBallot
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	*b = SubmittedBallot(h)
	b.raw = append(Payload(nil), data...)
	return nil
}

// Decrypted returns the payload with its contests replaced by the
// plaintext produced by spoiled-ballot decryption.
func (b SubmittedBallot) Decrypted(contests Payload) (Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b.raw, &fields); err != nil {
		return nil, fmt.Errorf("ballot %s: %w", b.ObjectID, err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	fields["contests"] = json.RawMessage(contests)
	return json.Marshal(fields)
}

// PlaintextTally is the decrypted result of the mediator's tally. Raw keeps
// the full response for the election record.
type PlaintextTally struct {
	Contests map[string]PlaintextContest `json:"contests" validate:"required"`

	Raw Payload `json:"-"`
}

type PlaintextContest struct {
	Selections map[string]PlaintextSelection `json:"selections"`
}

type PlaintextSelection struct {
	Tally int `json:"tally"`
}

// Count returns the decrypted count for a selection, zero when absent.
func (t PlaintextTally) Count(contestID, selectionID string) int {
	return t.Contests[contestID].Selections[selectionID].Tally
}
