package manifest_test

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"egcoord/pkg/errs"
	. "egcoord/pkg/manifest"
)

func requireDefinitionField(t *testing.T, err error, field string) {
	t.Helper()
	var def *errs.InvalidDefinitionError
	require.ErrorAs(t, err, &def)
	assert.Equal(t, field, def.Field)
}

func TestObjectID_DeterministicAndDistinct(t *testing.T) {
	assert.Equal(t, ObjectID("Red Party"), ObjectID("Red Party"))
	assert.True(t, strings.HasPrefix(ObjectID("Red Party"), "red-party-"))
	assert.Len(t, ObjectID("Red Party"), len("red-party-")+8)

	// Same slug, different text.
	assert.NotEqual(t, ObjectID("Red Party"), ObjectID("red party"))
}

func TestSelectionID_TruncatesParts(t *testing.T) {
	assert.Equal(t, "cand-contest-selection", SelectionID("cand", "contest"))

	long := strings.Repeat("x", 300)
	id := SelectionID(long, long)
	assert.Equal(t, strings.Repeat("x", 120)+"-"+strings.Repeat("x", 120)+"-selection", id)
}

func TestSelectionID_KeepsMultibyteRunesWhole(t *testing.T) {
	// "é" occupies bytes 119 and 120, straddling the part limit.
	candidate := strings.Repeat("x", 119) + strings.Repeat("é", 10)
	id := SelectionID(candidate, "Ω-contest")
	assert.True(t, utf8.ValidString(id))
	assert.Equal(t, strings.Repeat("x", 119)+"-Ω-contest-selection", id)

	all := SelectionID(strings.Repeat("日", 100), "c")
	assert.True(t, utf8.ValidString(all))
	assert.Equal(t, strings.Repeat("日", 40)+"-c-selection", all)
}

func TestTestElection_IsValid(t *testing.T) {
	m := TestElection()
	require.NoError(t, m.Validate())

	assert.Equal(t, "test-election", m.ElectionScopeID)
	assert.Equal(t, "primary", m.Type)
	assert.Len(t, m.Parties, 3)
	assert.Len(t, m.Candidates, 3)
	require.Len(t, m.Contests, 1)
	assert.Len(t, m.Contests[0].BallotSelections, 3)
	assert.Len(t, m.StyleContests(m.BallotStyles[0]), 1)
}

func TestTestElection_FreshValues(t *testing.T) {
	a := TestElection()
	a.Contests[0].Name = "mutated"
	b := TestElection()
	assert.Equal(t, "Test Contest", b.Contests[0].Name)
}

func TestManifest_WireFormat(t *testing.T) {
	data, err := json.Marshal(TestElection())
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "v0.95", wire["spec_version"])
	assert.Equal(t, "test-election", wire["election_scope_id"])
	name := wire["name"].(map[string]any)["text"].([]any)[0].(map[string]any)
	assert.Equal(t, "Test Election", name["value"])
	assert.Equal(t, "en", name["language"])

	contest := wire["contests"].([]any)[0].(map[string]any)
	assert.Equal(t, "plurality", contest["vote_variation"])
	sel := contest["ballot_selections"].([]any)[0].(map[string]any)
	assert.True(t, strings.HasSuffix(sel["object_id"].(string), "-selection"))

	var back Manifest
	require.NoError(t, json.Unmarshal(data, &back))
	assert.NoError(t, back.Validate())
}

func TestManifest_Validate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(m *Manifest)
		field  string
	}{
		{"bad type", func(m *Manifest) { m.Type = "coronation" }, "type"},
		{"no contests", func(m *Manifest) { m.Contests = nil }, "contests"},
		{"no styles", func(m *Manifest) { m.BallotStyles = nil }, "ballot_styles"},
		{"long name", func(m *Manifest) { m.Contests[0].Name = strings.Repeat("n", 257) }, "contests[0].name"},
		{"bad unit type", func(m *Manifest) { m.GeopoliticalUnits[0].Type = "galaxy" }, "geopolitical_units[0].type"},
		{"bad variation", func(m *Manifest) { m.Contests[0].VoteVariation = "dice" }, "contests[0].vote_variation"},
		{"bad email", func(m *Manifest) { m.ContactInformation.Email[0].Value = "nope" }, "contact_information.email[0].value"},
		{"bad phone", func(m *Manifest) { m.ContactInformation.Phone[0].Value = "12" }, "contact_information.phone[0].value"},
		{"unknown party", func(m *Manifest) { m.Candidates[1].PartyID = "ghost" }, "candidates[1].party_id"},
		{"unknown district", func(m *Manifest) { m.Contests[0].ElectoralDistrictID = "ghost" }, "contests[0].electoral_district_id"},
		{"unknown candidate", func(m *Manifest) { m.Contests[0].BallotSelections[2].CandidateID = "ghost" }, "contests[0].ballot_selections[2].candidate_id"},
		{"unknown style unit", func(m *Manifest) { m.BallotStyles[0].GeopoliticalUnitIDs = []string{"ghost"} }, "ballot_styles[0].geopolitical_unit_ids[0]"},
		{"unknown style party", func(m *Manifest) { m.BallotStyles[0].PartyIDs = []string{"ghost"} }, "ballot_styles[0].party_ids[0]"},
		{"duplicate party", func(m *Manifest) { m.Parties = append(m.Parties, m.Parties[0]) }, "parties[3].object_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := TestElection()
			tc.mutate(m)
			err := m.Validate()
			assert.ErrorIs(t, err, errs.ErrInvalidDefinition)
			requireDefinitionField(t, err, tc.field)
		})
	}
}

func TestManifest_WriteIn(t *testing.T) {
	m := TestElection()
	writeIn := NewWriteIn()
	m.Candidates = append(m.Candidates, writeIn)
	unit := m.GeopoliticalUnits[0]
	m.Contests = append(m.Contests, NewContest("Open Seat", 1, unit, "n_of_m", 2, 2, m.Candidates[0], writeIn))
	require.NoError(t, m.Validate())
	assert.Equal(t, "write_in", writeIn.ObjectID)

	m.Candidates[len(m.Candidates)-1].PartyID = m.Parties[0].ObjectID
	requireDefinitionField(t, m.Validate(), "candidates[3].party_id")
}

func TestFakeBallots_RotateSelections(t *testing.T) {
	m := TestElection()
	ballots := FakeBallots(m, 10)
	require.Len(t, ballots, 10)

	ids := map[string]struct{}{}
	for _, b := range ballots {
		require.NoError(t, m.ValidateBallot(b))
		ids[b.ObjectID] = struct{}{}
	}
	assert.Len(t, ids, 10)

	contest := m.Contests[0]
	counts := CountVotes(ballots)[contest.ObjectID]
	assert.Equal(t, 4, counts[contest.BallotSelections[0].ObjectID])
	assert.Equal(t, 3, counts[contest.BallotSelections[1].ObjectID])
	assert.Equal(t, 3, counts[contest.BallotSelections[2].ObjectID])
}

func TestValidateBallot_Rejects(t *testing.T) {
	m := TestElection()
	good := FakeBallots(m, 1)[0]

	b := good
	b.BallotStyle = "ghost"
	requireDefinitionField(t, m.ValidateBallot(b), "ballot_style")

	b = FakeBallots(m, 1)[0]
	b.Contests[0].ObjectID = "ghost"
	requireDefinitionField(t, m.ValidateBallot(b), "contests[0].object_id")

	b = FakeBallots(m, 1)[0]
	b.Contests[0].BallotSelections[0].ObjectID = "ghost"
	requireDefinitionField(t, m.ValidateBallot(b), "contests[0].ballot_selections[0].object_id")

	b = FakeBallots(m, 1)[0]
	b.Contests[0].BallotSelections[0].Vote = "Maybe"
	requireDefinitionField(t, m.ValidateBallot(b), "contests[0].ballot_selections[0].vote")
}

func TestDecode(t *testing.T) {
	m, err := Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, "test-election", m.ElectionScopeID)

	raw, err := json.Marshal(TestElection())
	require.NoError(t, err)
	m, err = Decode(raw)
	require.NoError(t, err)
	assert.Len(t, m.Contests, 1)

	_, err = Decode(json.RawMessage(`{"spec_version":`))
	assert.ErrorIs(t, err, errs.ErrInvalidDefinition)

	_, err = Decode(json.RawMessage(`{"spec_version":"v0.95"}`))
	assert.ErrorIs(t, err, errs.ErrInvalidDefinition)
}

func TestDecodeBallots(t *testing.T) {
	m := TestElection()
	explicit, err := json.Marshal(FakeBallots(m, 1)[0])
	require.NoError(t, err)

	ballots, err := DecodeBallots(m, []json.RawMessage{explicit}, 2)
	require.NoError(t, err)
	assert.Len(t, ballots, 3)

	_, err = DecodeBallots(m, nil, 0)
	assert.ErrorIs(t, err, errs.ErrInvalidDefinition)

	_, err = DecodeBallots(m, []json.RawMessage{json.RawMessage(`{"object_id":"b","ballot_style":"nope"}`)}, 0)
	assert.ErrorIs(t, err, errs.ErrInvalidDefinition)
}
