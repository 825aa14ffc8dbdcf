package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"egcoord/pkg/manifest"
	"egcoord/pkg/record"
)

// Run drives the full protocol from Init to Decrypted and returns the
// election record. Ballots are cast or spoiled with decide, or Alternate
// when decide is nil. The coordinator is left in the state of the first
// failing stage.
func (c *Coordinator) Run(ctx context.Context, ballots []manifest.PlaintextBallot, decide Decision) (*record.ElectionRecord, error) {
	c.log.Info("Starting election run",
		zap.Int("ballots", len(ballots)),
		zap.Int("guardians", c.policy.GuardianCount),
		zap.Int("quorum", c.policy.Quorum))

	if _, err := c.FetchConstants(ctx); err != nil {
		return nil, err
	}
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"validate manifest", c.ValidateManifest},
		{"generate guardians", c.GenerateGuardians},
		{"combine keys", c.CombineKeys},
		{"build context", c.BuildContext},
		{"encrypt ballots", func(ctx context.Context) error { return c.EncryptBallots(ctx, ballots) }},
		{"process ballots", func(ctx context.Context) error { return c.ProcessBallots(ctx, decide) }},
		{"tracker words", func(ctx context.Context) error { _, err := c.TrackerWords(ctx); return err }},
		{"tally", c.Tally},
		{"collect shares", c.CollectShares},
		{"decrypt", c.Decrypt},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := step.run(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return c.Record()
}

// Record assembles the election record. It is only available once the
// coordinator has decrypted.
func (c *Coordinator) Record() (*record.ElectionRecord, error) {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	if cur := c.State(); cur != StateDecrypted {
		return nil, &TransitionError{Op: "record", Required: StateDecrypted, Current: cur}
	}

	r := &record.ElectionRecord{
		Manifest:         c.manifest,
		Context:          c.context,
		Constants:        c.constants.TakeOr(nil),
		SubmittedBallots: append(c.cast[:0:0], c.cast...),
		EncryptedTally:   c.tally,
		Tally:            c.plaintext,
		TrackerWords:     c.trackerWords,
	}
	for _, g := range c.guardians {
		r.Guardians = append(r.Guardians, g.Public())
	}
	for _, b := range c.spoiled {
		r.SpoiledBallots = append(r.SpoiledBallots, record.SpoiledBallot{Ballot: b, Decrypted: c.decrypted[b.ObjectID]})
	}
	return r, nil
}
