package manifest

import (
	"fmt"

	"github.com/google/uuid"

	"egcoord/pkg/errs"
	"egcoord/pkg/validation"
)

const (
	VoteTrue  = "True"
	VoteFalse = "False"
)

// PlaintextBallot is a voter's unencrypted ballot as sent for encryption.
type PlaintextBallot struct {
	ObjectID    string          `json:"object_id" validate:"required,max=256"`
	BallotStyle string          `json:"ballot_style" validate:"required"`
	Contests    []BallotContest `json:"contests" validate:"required,dive"`
}

type BallotContest struct {
	ObjectID         string            `json:"object_id" validate:"required"`
	BallotSelections []BallotSelection `json:"ballot_selections" validate:"required,dive"`
}

type BallotSelection struct {
	ObjectID      string `json:"object_id" validate:"required"`
	Vote          string `json:"vote" validate:"required,oneof=True False"`
	IsPlaceholder bool   `json:"is_placeholder_selection"`
}

// ValidateBallot checks that the ballot's style exists and that every
// contest and selection on it is offered by that style.
func (m *Manifest) ValidateBallot(b PlaintextBallot) error {
	if err := validation.Struct(b); err != nil {
		return err
	}
	style, ok := m.Style(b.BallotStyle)
	if !ok {
		return errs.Definition("ballot_style", "ballot %s: style %q not in manifest", b.ObjectID, b.BallotStyle)
	}
	offered := make(map[string]Contest)
	for _, c := range m.StyleContests(style) {
		offered[c.ObjectID] = c
	}
	for i, bc := range b.Contests {
		contest, ok := offered[bc.ObjectID]
		if !ok {
			return errs.Definition(fmt.Sprintf("contests[%d].object_id", i), "ballot %s: contest %q not on style %q", b.ObjectID, bc.ObjectID, style.ObjectID)
		}
		selections := make(map[string]struct{}, len(contest.BallotSelections))
		for _, s := range contest.BallotSelections {
			selections[s.ObjectID] = struct{}{}
		}
		for j, bs := range bc.BallotSelections {
			if _, ok := selections[bs.ObjectID]; !ok {
				return errs.Definition(fmt.Sprintf("contests[%d].ballot_selections[%d].object_id", i, j),
					"ballot %s: selection %q not in contest %q", b.ObjectID, bs.ObjectID, contest.ObjectID)
			}
		}
	}
	return nil
}

// FakeBallots produces perStyle ballots for every ballot style. Ballot i of
// a style votes "True" for selection i mod n in each contest of the style.
func FakeBallots(m *Manifest, perStyle int) []PlaintextBallot {
	var out []PlaintextBallot
	for _, style := range m.BallotStyles {
		contests := m.StyleContests(style)
		for i := 0; i < perStyle; i++ {
			b := PlaintextBallot{ObjectID: "ballot-" + uuid.NewString(), BallotStyle: style.ObjectID}
			for _, c := range contests {
				if len(c.BallotSelections) == 0 {
					continue
				}
				pick := c.BallotSelections[i%len(c.BallotSelections)]
				b.Contests = append(b.Contests, BallotContest{
					ObjectID:         c.ObjectID,
					BallotSelections: []BallotSelection{{ObjectID: pick.ObjectID, Vote: VoteTrue}},
				})
			}
			out = append(out, b)
		}
	}
	return out
}

// CountVotes returns, per contest and selection, how many of the ballots
// marked it "True".
func CountVotes(ballots []PlaintextBallot) map[string]map[string]int {
	out := map[string]map[string]int{}
	for _, b := range ballots {
		for _, c := range b.Contests {
			if out[c.ObjectID] == nil {
				out[c.ObjectID] = map[string]int{}
			}
			for _, s := range c.BallotSelections {
				if s.Vote == VoteTrue {
					out[c.ObjectID][s.ObjectID]++
				}
			}
		}
	}
	return out
}
