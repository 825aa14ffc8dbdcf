package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"egcoord/pkg/errs"
)

// GuardianSetPolicy is the threshold configuration of a guardian set.
type GuardianSetPolicy struct {
	GuardianCount int `json:"number_of_guardians"`
	Quorum        int `json:"quorum"`
}

// NewGuardianSetPolicy enforces 1 <= quorum <= guardianCount.
func NewGuardianSetPolicy(guardianCount, quorum int) (GuardianSetPolicy, error) {
	p := GuardianSetPolicy{GuardianCount: guardianCount, Quorum: quorum}
	return p, p.Validate()
}

func (p GuardianSetPolicy) Validate() error {
	if p.GuardianCount < 1 {
		return errs.Definition("number_of_guardians", "must be at least 1, got %d", p.GuardianCount)
	}
	if p.Quorum < 1 {
		return errs.Definition("quorum", "must be at least 1, got %d", p.Quorum)
	}
	if p.Quorum > p.GuardianCount {
		return errs.Definition("quorum", "%d exceeds guardian count %d", p.Quorum, p.GuardianCount)
	}
	return nil
}

// GuardianIdentity names one guardian within a generation session.
type GuardianIdentity struct {
	IDTemplate    string
	SequenceOrder int
}

// ObjectID is the externally visible guardian ID.
func (id GuardianIdentity) ObjectID() string {
	return id.IDTemplate + "_" + strconv.Itoa(id.SequenceOrder)
}

// ParseGuardianID splits an object ID back into template and sequence order,
// cross-checking it against the sequence order carried alongside it.
func ParseGuardianID(objectID string, sequenceOrder int) (GuardianIdentity, error) {
	suffix := "_" + strconv.Itoa(sequenceOrder)
	if !strings.HasSuffix(objectID, suffix) || len(objectID) == len(suffix) {
		return GuardianIdentity{}, errs.Definition("id", "%q does not match sequence order %d", objectID, sequenceOrder)
	}
	return GuardianIdentity{IDTemplate: strings.TrimSuffix(objectID, suffix), SequenceOrder: sequenceOrder}, nil
}

// KeyKind discriminates the KeyMaterial variants.
type KeyKind int

const (
	PublicOnly KeyKind = iota
	Exposed
)

func (k KeyKind) String() string {
	if k == Exposed {
		return "exposed"
	}
	return "public-only"
}

// KeyMaterial is a guardian's key set. Secret fields are only populated
// for the Exposed variant; construct values with NewPublicKeys or
// NewExposedKeys.
type KeyMaterial struct {
	Kind               KeyKind
	PublicKey          string
	SecretKey          string
	Proof              Payload
	Polynomial         Payload
	AuxiliaryPublicKey string
	AuxiliarySecretKey string
}

func NewPublicKeys(publicKey string, proof, polynomial Payload) KeyMaterial {
	return KeyMaterial{Kind: PublicOnly, PublicKey: publicKey, Proof: proof, Polynomial: polynomial}
}

func NewExposedKeys(publicKey, secretKey string, proof, polynomial Payload, auxPublic, auxSecret string) (KeyMaterial, error) {
	k := KeyMaterial{
		Kind:               Exposed,
		PublicKey:          publicKey,
		SecretKey:          secretKey,
		Proof:              proof,
		Polynomial:         polynomial,
		AuxiliaryPublicKey: auxPublic,
		AuxiliarySecretKey: auxSecret,
	}
	return k, k.Validate()
}

// Public downgrades the material to its transmissible form.
func (k KeyMaterial) Public() KeyMaterial {
	return NewPublicKeys(k.PublicKey, k.Proof, k.Polynomial)
}

func (k KeyMaterial) Validate() error {
	if k.PublicKey == "" {
		return errs.Definition("election_key_pair.public_key", "is required")
	}
	if k.Proof.IsZero() {
		return errs.Definition("election_key_pair.proof", "is required")
	}
	if k.Polynomial.IsZero() {
		return errs.Definition("election_key_pair.polynomial", "is required")
	}
	if k.Kind == Exposed && k.SecretKey == "" {
		return errs.Definition("election_key_pair.secret_key", "is required for exposed key material")
	}
	if k.Kind == PublicOnly && (k.SecretKey != "" || k.AuxiliarySecretKey != "") {
		return errs.Definition("election_key_pair", "public-only key material carries a secret")
	}
	return nil
}

// Guardian composes identity, policy and key material.
type Guardian struct {
	Identity GuardianIdentity
	Policy   GuardianSetPolicy
	Keys     KeyMaterial
}

func (g Guardian) ObjectID() string { return g.Identity.ObjectID() }

// Public returns a copy safe to hand to other parties or to persist.
func (g Guardian) Public() Guardian {
	g.Keys = g.Keys.Public()
	return g
}

type electionKeyPairWire struct {
	PublicKey  string  `json:"public_key"`
	SecretKey  string  `json:"secret_key,omitempty"`
	Proof      Payload `json:"proof"`
	Polynomial Payload `json:"polynomial"`
}

type auxiliaryKeyPairWire struct {
	PublicKey string `json:"public_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
}

type guardianWire struct {
	ID                string                `json:"id"`
	SequenceOrder     int                   `json:"sequence_order"`
	NumberOfGuardians int                   `json:"number_of_guardians"`
	Quorum            int                   `json:"quorum"`
	ElectionKeyPair   electionKeyPairWire   `json:"election_key_pair"`
	AuxiliaryKeyPair  *auxiliaryKeyPairWire `json:"auxiliary_key_pair,omitempty"`
}

func (g Guardian) MarshalJSON() ([]byte, error) {
	w := guardianWire{
		ID:                g.ObjectID(),
		SequenceOrder:     g.Identity.SequenceOrder,
		NumberOfGuardians: g.Policy.GuardianCount,
		Quorum:            g.Policy.Quorum,
		ElectionKeyPair: electionKeyPairWire{
			PublicKey:  g.Keys.PublicKey,
			Proof:      g.Keys.Proof,
			Polynomial: g.Keys.Polynomial,
		},
	}
	if g.Keys.Kind == Exposed {
		w.ElectionKeyPair.SecretKey = g.Keys.SecretKey
		if g.Keys.AuxiliaryPublicKey != "" || g.Keys.AuxiliarySecretKey != "" {
			w.AuxiliaryKeyPair = &auxiliaryKeyPairWire{
				PublicKey: g.Keys.AuxiliaryPublicKey,
				SecretKey: g.Keys.AuxiliarySecretKey,
			}
		}
	}
	return json.Marshal(w)
}

func (g *Guardian) UnmarshalJSON(data []byte) error {
	var w guardianWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	id, err := ParseGuardianID(w.ID, w.SequenceOrder)
	if err != nil {
		return err
	}
	policy, err := NewGuardianSetPolicy(w.NumberOfGuardians, w.Quorum)
	if err != nil {
		return err
	}

	var keys KeyMaterial
	if w.ElectionKeyPair.SecretKey != "" {
		var auxPub, auxSecret string
		if w.AuxiliaryKeyPair != nil {
			auxPub, auxSecret = w.AuxiliaryKeyPair.PublicKey, w.AuxiliaryKeyPair.SecretKey
		}
		keys, err = NewExposedKeys(w.ElectionKeyPair.PublicKey, w.ElectionKeyPair.SecretKey,
			w.ElectionKeyPair.Proof, w.ElectionKeyPair.Polynomial, auxPub, auxSecret)
	} else {
		keys = NewPublicKeys(w.ElectionKeyPair.PublicKey, w.ElectionKeyPair.Proof, w.ElectionKeyPair.Polynomial)
		err = keys.Validate()
	}
	if err != nil {
		return fmt.Errorf("guardian %s: %w", w.ID, err)
	}

	*g = Guardian{Identity: id, Policy: policy, Keys: keys}
	return nil
}
