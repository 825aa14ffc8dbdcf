// Package record assembles the published artifacts of a finished election
// run and lays them out as files.
package record

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"

	"egcoord/pkg/manifest"
	"egcoord/pkg/models"
)

// SpoiledBallot is a spoiled ballot together with its decrypted contests.
type SpoiledBallot struct {
	Ballot    models.SubmittedBallot
	Decrypted models.Payload
}

// ElectionRecord holds everything a verifier needs to check a run.
type ElectionRecord struct {
	Manifest         *manifest.Manifest
	Context          models.ElectionContext
	Constants        models.Payload
	Guardians        []models.Guardian
	SubmittedBallots []models.SubmittedBallot
	SpoiledBallots   []SpoiledBallot
	EncryptedTally   models.EncryptedTally
	Tally            models.PlaintextTally
	TrackerWords     map[string]string
}

// File is one artifact of the record, addressed relative to the run prefix.
type File struct {
	Path string
	Body []byte
}

// Writer stores one file under key.
type Writer interface {
	Put(ctx context.Context, key string, body []byte) error
}

// Files renders the record. Guardians are always written public-only.
func (r *ElectionRecord) Files() ([]File, error) {
	var files []File
	add := func(p string, v any) error {
		body, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", p, err)
		}
		files = append(files, File{Path: p, Body: body})
		return nil
	}
	raw := func(p string, body models.Payload) error {
		if body.IsZero() {
			return nil
		}
		return add(p, json.RawMessage(body))
	}

	if err := add("manifest.json", r.Manifest); err != nil {
		return nil, err
	}
	if err := add("context.json", r.Context); err != nil {
		return nil, err
	}
	if err := raw("constants.json", r.Constants); err != nil {
		return nil, err
	}
	if err := raw("encrypted_tally.json", r.EncryptedTally); err != nil {
		return nil, err
	}
	tally := r.Tally.Raw
	if tally.IsZero() && r.Tally.Contests != nil {
		tally = models.MustPayload(r.Tally)
	}
	if err := raw("tally.json", tally); err != nil {
		return nil, err
	}
	for _, g := range r.Guardians {
		if err := add(path.Join("guardians", g.ObjectID()+".json"), g.Public()); err != nil {
			return nil, err
		}
	}
	for _, b := range r.SubmittedBallots {
		if err := add(path.Join("submitted_ballots", b.ObjectID+".json"), b); err != nil {
			return nil, err
		}
	}
	for _, s := range r.SpoiledBallots {
		body := models.MustPayload(s.Ballot)
		if !s.Decrypted.IsZero() {
			merged, err := s.Ballot.Decrypted(s.Decrypted)
			if err != nil {
				return nil, err
			}
			body = merged
		}
		if err := raw(path.Join("spoiled_ballots", s.Ballot.ObjectID+".json"), body); err != nil {
			return nil, err
		}
	}
	if len(r.TrackerWords) > 0 {
		if err := add("tracker_words.json", sortedWords(r.TrackerWords)); err != nil {
			return nil, err
		}
	}
	return files, nil
}

type trackerEntry struct {
	BallotID string `json:"object_id"`
	Words    string `json:"tracker_words"`
}

func sortedWords(words map[string]string) []trackerEntry {
	out := make([]trackerEntry, 0, len(words))
	for id, w := range words {
		out = append(out, trackerEntry{BallotID: id, Words: w})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BallotID < out[j].BallotID })
	return out
}

// Export writes every file of r under prefix and returns how many were
// written.
func Export(ctx context.Context, w Writer, prefix string, r *ElectionRecord) (int, error) {
	files, err := r.Files()
	if err != nil {
		return 0, err
	}
	for i, f := range files {
		if err := w.Put(ctx, path.Join(prefix, f.Path), f.Body); err != nil {
			return i, fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	return len(files), nil
}
