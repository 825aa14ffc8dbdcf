package manifest

import (
	"fmt"

	"egcoord/pkg/errs"
	"egcoord/pkg/validation"
)

// Validate checks field rules and reference integrity. It performs no I/O
// and every failure is an InvalidDefinitionError naming the field.
func (m *Manifest) Validate() error {
	if m == nil {
		return errs.Definition("manifest", "is required")
	}
	if m.SpecVersion != "" && m.SpecVersion != SpecVersion {
		return errs.Definition("spec_version", "unsupported version %q", m.SpecVersion)
	}
	if err := validation.Struct(m); err != nil {
		return err
	}

	units, err := index("geopolitical_units", m.GeopoliticalUnits, func(u GeopoliticalUnit) string { return u.ObjectID })
	if err != nil {
		return err
	}
	parties, err := index("parties", m.Parties, func(p Party) string { return p.ObjectID })
	if err != nil {
		return err
	}
	candidates, err := index("candidates", m.Candidates, func(c Candidate) string { return c.ObjectID })
	if err != nil {
		return err
	}
	if _, err := index("contests", m.Contests, func(c Contest) string { return c.ObjectID }); err != nil {
		return err
	}
	if _, err := index("ballot_styles", m.BallotStyles, func(s BallotStyle) string { return s.ObjectID }); err != nil {
		return err
	}

	for i, c := range m.Candidates {
		if c.PartyID == "" {
			continue
		}
		if c.IsWriteIn {
			return errs.Definition(fmt.Sprintf("candidates[%d].party_id", i), "write-in candidates cannot belong to a party")
		}
		if _, ok := parties[c.PartyID]; !ok {
			return errs.Definition(fmt.Sprintf("candidates[%d].party_id", i), "party %q not found", c.PartyID)
		}
	}

	for i, c := range m.Contests {
		if _, ok := units[c.ElectoralDistrictID]; !ok {
			return errs.Definition(fmt.Sprintf("contests[%d].electoral_district_id", i), "geopolitical unit %q not found", c.ElectoralDistrictID)
		}
		field := fmt.Sprintf("contests[%d].ballot_selections", i)
		if _, err := index(field, c.BallotSelections, func(s SelectionDescription) string { return s.ObjectID }); err != nil {
			return err
		}
		for j, s := range c.BallotSelections {
			if _, ok := candidates[s.CandidateID]; !ok {
				return errs.Definition(fmt.Sprintf("%s[%d].candidate_id", field, j), "candidate %q not found", s.CandidateID)
			}
		}
		if c.VotesAllowed > len(c.BallotSelections) {
			return errs.Definition(fmt.Sprintf("contests[%d].votes_allowed", i), "%d exceeds %d selections", c.VotesAllowed, len(c.BallotSelections))
		}
	}

	for i, s := range m.BallotStyles {
		for j, id := range s.GeopoliticalUnitIDs {
			if _, ok := units[id]; !ok {
				return errs.Definition(fmt.Sprintf("ballot_styles[%d].geopolitical_unit_ids[%d]", i, j), "geopolitical unit %q not found", id)
			}
		}
		for j, id := range s.PartyIDs {
			if _, ok := parties[id]; !ok {
				return errs.Definition(fmt.Sprintf("ballot_styles[%d].party_ids[%d]", i, j), "party %q not found", id)
			}
		}
	}
	return nil
}

// index maps object IDs to positions, rejecting duplicates.
func index[T any](field string, items []T, id func(T) string) (map[string]int, error) {
	out := make(map[string]int, len(items))
	for i, item := range items {
		key := id(item)
		if prev, dup := out[key]; dup {
			return nil, errs.Definition(fmt.Sprintf("%s[%d].object_id", field, i), "duplicates %s[%d] (%q)", field, prev, key)
		}
		out[key] = i
	}
	return out, nil
}
