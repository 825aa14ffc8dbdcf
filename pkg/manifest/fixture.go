package manifest

import "time"

// TestElection returns a fresh single-contest, three-candidate manifest.
// Every call builds new values, so callers may mutate the result.
func TestElection() *Manifest {
	contact := func() *ContactInformation {
		return &ContactInformation{
			AddressLine: []string{"P. Sherman", "42 Wallaby Way", "Sydney, NSW, Australia"},
			Email:       []Email{{Annotation: "test", Value: "test@example.com"}},
			Phone:       []Phone{{Annotation: "test", Value: "1234567890"}},
		}
	}
	unitContact := contact()
	unitContact.Name = "Test contact"
	unit := NewGeopoliticalUnit("test-geopolitical-unit", "municipality", unitContact)

	red := NewParty("Red Party", "RP", "FF0000", "file:///red_party.png")
	green := NewParty("Green Party", "GP", "00FF00", "file:///green_party.png")
	blue := NewParty("Blue Party", "BP", "0000FF", "file:///blue_party.png")

	candidates := []Candidate{
		NewCandidate("Red Man", red.ObjectID),
		NewCandidate("Green Man", green.ObjectID),
		NewCandidate("Blue Man", blue.ObjectID),
	}

	contest := NewContest("Test Contest", 0, unit, "plurality", 1, 1, candidates...)
	title, subtitle := Text("Test Ballot"), Text("This is a test ballot.")
	contest.BallotTitle, contest.BallotSubtitle = &title, &subtitle

	now := time.Now().UTC().Truncate(time.Second)
	start := now.AddDate(0, 0, -1)
	end := now.AddDate(0, 0, 1)

	m := New("Test Election", "test-election", "primary", start, &end)
	m.ContactInformation = contact()
	m.GeopoliticalUnits = []GeopoliticalUnit{unit}
	m.Parties = []Party{red, green, blue}
	m.Candidates = candidates
	m.Contests = []Contest{contest}
	m.BallotStyles = []BallotStyle{NewBallotStyle("Test Style", []GeopoliticalUnit{unit})}
	return m
}
