// Package manifest is the election description object model: text
// containers, contact information, geopolitical units, parties, candidates,
// contests and ballot styles. Entities reference each other by object ID
// and the structs marshal directly to the mediator's wire format.
package manifest

import (
	"time"
)

const SpecVersion = "v0.95"

const (
	englishLanguage = "en"
	writeInID       = "write_in"
)

type LocalizedText struct {
	Value    string `json:"value" validate:"required,max=256"`
	Language string `json:"language" validate:"required,max=16"`
}

// TextContainer holds one name in several languages.
type TextContainer struct {
	Text []LocalizedText `json:"text" validate:"required,min=1,dive"`
}

// Text builds a single-language (English) container.
func Text(value string) TextContainer {
	return TextContainer{Text: []LocalizedText{{Value: value, Language: englishLanguage}}}
}

// Primary returns the first localized value, the one object IDs derive from.
func (t TextContainer) Primary() string {
	if len(t.Text) == 0 {
		return ""
	}
	return t.Text[0].Value
}

type Email struct {
	Annotation string `json:"annotation,omitempty" validate:"max=256"`
	Value      string `json:"value" validate:"required,email"`
}

type Phone struct {
	Annotation string `json:"annotation,omitempty" validate:"max=256"`
	Value      string `json:"value" validate:"required,phone"`
}

type ContactInformation struct {
	AddressLine []string `json:"address_line,omitempty" validate:"dive,max=256"`
	Name        string   `json:"name,omitempty" validate:"max=256"`
	Email       []Email  `json:"email,omitempty" validate:"dive"`
	Phone       []Phone  `json:"phone,omitempty" validate:"dive"`
}

type GeopoliticalUnit struct {
	ObjectID           string              `json:"object_id" validate:"required,max=256"`
	Name               string              `json:"name" validate:"required,max=256"`
	Type               string              `json:"type" validate:"required,oneof=unknown ballot_batch ballot_style_area borough city city_council combined_precinct congressional country county county_council drop_box judicial municipality polling_place precinct school special split_precinct state state_house state_senate township utility village vote_center ward water other"`
	ContactInformation *ContactInformation `json:"contact_information,omitempty"`
}

type Party struct {
	ObjectID     string        `json:"object_id" validate:"required,max=256"`
	Name         TextContainer `json:"name"`
	Abbreviation string        `json:"abbreviation,omitempty" validate:"max=256"`
	Color        string        `json:"color,omitempty" validate:"omitempty,hexadecimal,len=6"`
	LogoURI      string        `json:"logo_uri,omitempty" validate:"omitempty,uri"`
}

type Candidate struct {
	ObjectID  string        `json:"object_id" validate:"required,max=256"`
	Name      TextContainer `json:"name"`
	PartyID   string        `json:"party_id,omitempty" validate:"max=256"`
	ImageURI  string        `json:"image_uri,omitempty" validate:"omitempty,uri"`
	IsWriteIn bool          `json:"is_write_in,omitempty"`
}

type SelectionDescription struct {
	ObjectID      string `json:"object_id" validate:"required,max=256"`
	CandidateID   string `json:"candidate_id" validate:"required"`
	SequenceOrder int    `json:"sequence_order" validate:"gte=0"`
}

type Contest struct {
	ObjectID            string                 `json:"object_id" validate:"required,max=256"`
	ElectoralDistrictID string                 `json:"electoral_district_id" validate:"required"`
	SequenceOrder       int                    `json:"sequence_order" validate:"gte=0"`
	VoteVariation       string                 `json:"vote_variation" validate:"required,oneof=unknown one_of_m approval borda cumulative majority n_of_m plurality proportional range rcv super_majority other"`
	NumberElected       int                    `json:"number_elected" validate:"gt=0"`
	VotesAllowed        int                    `json:"votes_allowed,omitempty" validate:"gte=0"`
	Name                string                 `json:"name" validate:"required,max=256"`
	BallotSelections    []SelectionDescription `json:"ballot_selections" validate:"required,min=1,dive"`
	BallotTitle         *TextContainer         `json:"ballot_title,omitempty"`
	BallotSubtitle      *TextContainer         `json:"ballot_subtitle,omitempty"`
}

type BallotStyle struct {
	ObjectID            string   `json:"object_id" validate:"required,max=256"`
	GeopoliticalUnitIDs []string `json:"geopolitical_unit_ids" validate:"required,min=1"`
	PartyIDs            []string `json:"party_ids,omitempty"`
	ImageURI            string   `json:"image_uri,omitempty" validate:"omitempty,uri"`
}

// Manifest is the complete election description.
type Manifest struct {
	SpecVersion        string              `json:"spec_version"`
	Name               TextContainer       `json:"name"`
	Type               string              `json:"type" validate:"required,oneof=unknown general partisan_primary_closed partisan_primary_open primary runoff special other"`
	ElectionScopeID    string              `json:"election_scope_id" validate:"required,max=256"`
	ContactInformation *ContactInformation `json:"contact_information,omitempty"`
	StartDate          time.Time           `json:"start_date" validate:"required"`
	EndDate            *time.Time          `json:"end_date,omitempty" validate:"omitempty,gtefield=StartDate"`
	GeopoliticalUnits  []GeopoliticalUnit  `json:"geopolitical_units" validate:"required,dive"`
	Parties            []Party             `json:"parties" validate:"dive"`
	Candidates         []Candidate         `json:"candidates" validate:"required,dive"`
	Contests           []Contest           `json:"contests" validate:"required,min=1,dive"`
	BallotStyles       []BallotStyle       `json:"ballot_styles" validate:"required,min=1,dive"`
}

// New returns an empty manifest of the given scope and type.
func New(name, scopeID, electionType string, start time.Time, end *time.Time) *Manifest {
	return &Manifest{
		SpecVersion:     SpecVersion,
		Name:            Text(name),
		Type:            electionType,
		ElectionScopeID: scopeID,
		StartDate:       start,
		EndDate:         end,
	}
}

func NewGeopoliticalUnit(name, unitType string, contact *ContactInformation) GeopoliticalUnit {
	return GeopoliticalUnit{ObjectID: ObjectID(name), Name: name, Type: unitType, ContactInformation: contact}
}

func NewParty(name, abbreviation, color, logoURI string) Party {
	return Party{ObjectID: ObjectID(name), Name: Text(name), Abbreviation: abbreviation, Color: color, LogoURI: logoURI}
}

// NewCandidate creates a candidate; partyID may be empty for independents.
func NewCandidate(name, partyID string) Candidate {
	return Candidate{ObjectID: ObjectID(name), Name: Text(name), PartyID: partyID}
}

// NewWriteIn returns the write-in pseudo candidate.
func NewWriteIn() Candidate {
	return Candidate{ObjectID: writeInID, Name: Text("Write-In"), IsWriteIn: true}
}

// NewContest creates a contest with one selection per candidate, in order.
func NewContest(name string, sequenceOrder int, district GeopoliticalUnit, voteVariation string, numberElected, votesAllowed int, candidates ...Candidate) Contest {
	c := Contest{
		ObjectID:            ObjectID(name),
		ElectoralDistrictID: district.ObjectID,
		SequenceOrder:       sequenceOrder,
		VoteVariation:       voteVariation,
		NumberElected:       numberElected,
		VotesAllowed:        votesAllowed,
		Name:                name,
	}
	for i, cand := range candidates {
		c.BallotSelections = append(c.BallotSelections, SelectionDescription{
			ObjectID:      SelectionID(cand.ObjectID, c.ObjectID),
			CandidateID:   cand.ObjectID,
			SequenceOrder: i,
		})
	}
	return c
}

func NewBallotStyle(name string, units []GeopoliticalUnit, parties ...Party) BallotStyle {
	s := BallotStyle{ObjectID: ObjectID(name)}
	for _, u := range units {
		s.GeopoliticalUnitIDs = append(s.GeopoliticalUnitIDs, u.ObjectID)
	}
	for _, p := range parties {
		s.PartyIDs = append(s.PartyIDs, p.ObjectID)
	}
	return s
}

// Style looks up a ballot style by object ID.
func (m *Manifest) Style(id string) (BallotStyle, bool) {
	for _, s := range m.BallotStyles {
		if s.ObjectID == id {
			return s, true
		}
	}
	return BallotStyle{}, false
}

// StyleContests returns the contests whose electoral district belongs to
// the style, in manifest order.
func (m *Manifest) StyleContests(style BallotStyle) []Contest {
	units := make(map[string]struct{}, len(style.GeopoliticalUnitIDs))
	for _, id := range style.GeopoliticalUnitIDs {
		units[id] = struct{}{}
	}
	var out []Contest
	for _, c := range m.Contests {
		if _, ok := units[c.ElectoralDistrictID]; ok {
			out = append(out, c)
		}
	}
	return out
}
