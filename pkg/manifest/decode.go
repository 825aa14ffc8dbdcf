package manifest

import (
	"encoding/json"
	"fmt"

	"egcoord/pkg/errs"
)

// Decode parses and validates a manifest. An empty payload selects the
// built-in test election.
func Decode(raw json.RawMessage) (*Manifest, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return TestElection(), nil
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.Definition("manifest", "malformed: %v", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeBallots parses explicit ballots and appends fake ones generated
// for every style. Each ballot is checked against m.
func DecodeBallots(m *Manifest, raw []json.RawMessage, fake int) ([]PlaintextBallot, error) {
	out := make([]PlaintextBallot, 0, len(raw))
	for i, r := range raw {
		var b PlaintextBallot
		if err := json.Unmarshal(r, &b); err != nil {
			return nil, errs.Definition(fmt.Sprintf("ballots[%d]", i), "malformed: %v", err)
		}
		if err := m.ValidateBallot(b); err != nil {
			return nil, fmt.Errorf("ballots[%d]: %w", i, err)
		}
		out = append(out, b)
	}
	if fake > 0 {
		out = append(out, FakeBallots(m, fake)...)
	}
	if len(out) == 0 {
		return nil, errs.Definition("ballots", "at least one ballot or fake_ballots > 0 is required")
	}
	return out, nil
}
