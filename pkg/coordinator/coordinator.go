// Package coordinator drives the threshold election protocol against the
// mediator and guardian services.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moznion/go-optional"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"egcoord/pkg/errs"
	"egcoord/pkg/logger"
	"egcoord/pkg/manifest"
	"egcoord/pkg/mediator"
	"egcoord/pkg/metrics"
	"egcoord/pkg/models"
	tracing "egcoord/pkg/observability"
	"egcoord/pkg/sequence"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrQuorumNotMet      = errors.New("quorum not met")
)

// State is a protocol stage. States only move forward.
type State int32

const (
	StateInit State = iota
	StateManifestValidated
	StateGuardiansGenerated
	StateKeysCombined
	StateContextReady
	StateBallotsEncrypted
	StateBallotsProcessed
	StateTallied
	StateSharesCollected
	StateDecrypted
)

var stateNames = [...]string{
	"init",
	"manifest_validated",
	"guardians_generated",
	"keys_combined",
	"context_ready",
	"ballots_encrypted",
	"ballots_processed",
	"tallied",
	"shares_collected",
	"decrypted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// TransitionError reports a stage method called out of order.
type TransitionError struct {
	Op       string
	Required State
	Current  State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s requires %s, coordinator is in %s", ErrInvalidTransition, e.Op, e.Required, e.Current)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// MediatorService is the subset of the mediator client the coordinator uses.
type MediatorService interface {
	Constants(ctx context.Context) (models.Payload, error)
	ValidateDescription(ctx context.Context, m *manifest.Manifest) error
	CombineKeys(ctx context.Context, publicKeys []string) (string, error)
	BuildContext(ctx context.Context, m *manifest.Manifest, jointKey string, policy models.GuardianSetPolicy) (models.ElectionContext, error)
	Encrypt(ctx context.Context, m *manifest.Manifest, ectx models.ElectionContext, ballots []manifest.PlaintextBallot, seed models.Payload) (mediator.EncryptResult, error)
	Cast(ctx context.Context, m *manifest.Manifest, ectx models.ElectionContext, b models.SubmittedBallot) (models.SubmittedBallot, error)
	Spoil(ctx context.Context, m *manifest.Manifest, ectx models.ElectionContext, b models.SubmittedBallot) (models.SubmittedBallot, error)
	Tally(ctx context.Context, m *manifest.Manifest, ectx models.ElectionContext, ballots []models.SubmittedBallot, prev optional.Option[models.EncryptedTally]) (models.EncryptedTally, error)
	DecryptTally(ctx context.Context, m *manifest.Manifest, ectx models.ElectionContext, tally models.EncryptedTally, shares models.ShareSet) (models.PlaintextTally, error)
	DecryptBallots(ctx context.Context, ectx models.ElectionContext, ballots []models.SubmittedBallot, shares models.ShareSet) (map[string]models.Payload, error)
	TrackerWords(ctx context.Context, trackerHash models.Payload) (string, error)
}

// GuardianService is the subset of the guardian client the coordinator uses.
type GuardianService interface {
	Create(ctx context.Context, id models.GuardianIdentity, policy models.GuardianSetPolicy) (models.Guardian, error)
	DecryptTallyShare(ctx context.Context, m *manifest.Manifest, ectx models.ElectionContext, g models.Guardian, tally models.EncryptedTally) (models.Payload, error)
	DecryptBallotShares(ctx context.Context, ectx models.ElectionContext, g models.Guardian, ballots []models.SubmittedBallot) (models.Payload, error)
}

// Listener observes every attempted transition, successful or not.
type Listener interface {
	OnStage(ctx context.Context, stage State, elapsed time.Duration, err error)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, stage State, elapsed time.Duration, err error)

func (f ListenerFunc) OnStage(ctx context.Context, stage State, elapsed time.Duration, err error) {
	f(ctx, stage, elapsed, err)
}

const DefaultBatchSize = 50

type Config struct {
	Mediator  MediatorService
	Guardians GuardianService

	EncryptBatchSize int
	DecryptBatchSize int
	TallyBatchSize   int

	Listener Listener
	Logger   *zap.Logger
}

// Decision reports whether the i-th encrypted ballot is cast (true) or
// spoiled (false).
type Decision func(i int, b models.SubmittedBallot) bool

// Alternate casts even-indexed ballots and spoils odd-indexed ones.
func Alternate(i int, _ models.SubmittedBallot) bool { return i%2 == 0 }

// BallotShares holds every guardian's shares for one batch of spoiled
// ballots.
type BallotShares struct {
	Ballots []models.SubmittedBallot
	Shares  models.ShareSet
}

// Shares is the output of CollectShares.
type Shares struct {
	Tally   models.ShareSet
	Ballots []BallotShares
}

type Coordinator struct {
	cfg        Config
	log        *zap.Logger
	manifest   *manifest.Manifest
	policy     models.GuardianSetPolicy
	idTemplate string

	seed    *sequence.SeedChain
	counter *sequence.Counter

	stageMu sync.Mutex
	state   atomic.Int32

	constants    optional.Option[models.Payload]
	guardians    []models.Guardian
	jointKey     string
	context      models.ElectionContext
	encrypted    []models.SubmittedBallot
	processed    []models.SubmittedBallot
	cast         []models.SubmittedBallot
	spoiled      []models.SubmittedBallot
	tally        models.EncryptedTally
	shares       Shares
	plaintext    models.PlaintextTally
	decrypted    map[string]models.Payload
	trackerWords map[string]string
}

// New validates the manifest and the policy locally. No remote call is made.
func New(m *manifest.Manifest, policy models.GuardianSetPolicy, idTemplate string, cfg Config) (*Coordinator, error) {
	if m == nil {
		return nil, errs.Definition("manifest", "is required")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if idTemplate == "" {
		return nil, errs.Definition("id_template", "is required")
	}
	if cfg.Mediator == nil || cfg.Guardians == nil {
		return nil, errors.New("coordinator: mediator and guardian services are required")
	}
	for _, size := range []*int{&cfg.EncryptBatchSize, &cfg.DecryptBatchSize, &cfg.TallyBatchSize} {
		if *size < 1 {
			*size = DefaultBatchSize
		}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Component("coordinator")
	}
	return &Coordinator{
		cfg:        cfg,
		log:        log.With(zap.String("election_scope", m.ElectionScopeID)),
		manifest:   m,
		policy:     policy,
		idTemplate: idTemplate,
		seed:       sequence.NewSeedChain(),
		counter:    sequence.NewCounter(),
		constants:  optional.None[models.Payload](),
	}, nil
}

func (c *Coordinator) State() State { return State(c.state.Load()) }

func (c *Coordinator) Policy() models.GuardianSetPolicy { return c.policy }

func (c *Coordinator) Manifest() *manifest.Manifest { return c.manifest }

// Sequence snapshots the seed chain and identity counters for hand-off.
func (c *Coordinator) Sequence() sequence.State { return sequence.Snapshot(c.seed, c.counter) }

// Restore loads sequential state handed off by a previous coordinator of
// the same election scope.
func (c *Coordinator) Restore(s sequence.State) { s.Apply(c.seed, c.counter) }

// Guardians returns the generated guardians in public form.
func (c *Coordinator) Guardians() []models.Guardian {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	out := make([]models.Guardian, len(c.guardians))
	for i, g := range c.guardians {
		out[i] = g.Public()
	}
	return out
}

func (c *Coordinator) Context() models.ElectionContext {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	return c.context
}

func (c *Coordinator) Cast() []models.SubmittedBallot {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	return append([]models.SubmittedBallot(nil), c.cast...)
}

func (c *Coordinator) Spoiled() []models.SubmittedBallot {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	return append([]models.SubmittedBallot(nil), c.spoiled...)
}

func (c *Coordinator) EncryptedTally() models.EncryptedTally {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	return c.tally
}

func (c *Coordinator) Shares() Shares {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	return c.shares
}

// stage runs body when the coordinator is in from and moves it to to on
// success. The stage lock is held for the whole body.
func (c *Coordinator) stage(ctx context.Context, from, to State, body func(ctx context.Context) error) error {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	if cur := c.State(); cur != from {
		return &TransitionError{Op: to.String(), Required: from, Current: cur}
	}
	elapsed, err := c.observe(ctx, to.String(), func(ctx context.Context) error {
		if err := body(ctx); err != nil {
			return err
		}
		c.state.Store(int32(to))
		return nil
	})
	if c.cfg.Listener != nil {
		c.cfg.Listener.OnStage(ctx, to, elapsed, err)
	}
	return err
}

// observe wraps a unit of work with a span, metrics and logging.
func (c *Coordinator) observe(ctx context.Context, name string, body func(ctx context.Context) error) (time.Duration, error) {
	ctx, span := tracing.StartStage(ctx, name,
		attribute.String("election.scope", c.manifest.ElectionScopeID))
	start := time.Now()
	err := body(ctx)
	elapsed := time.Since(start)
	tracing.End(span, err)
	metrics.RecordStage(name, err, elapsed.Seconds())

	if err != nil {
		c.log.Error("Stage failed", zap.String("stage", name), zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		c.log.Info("Stage complete", zap.String("stage", name), zap.Duration("elapsed", elapsed))
	}
	return elapsed, err
}

// FetchConstants retrieves the election constants. Allowed in any state.
func (c *Coordinator) FetchConstants(ctx context.Context) (models.Payload, error) {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	constants, err := c.cfg.Mediator.Constants(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch constants: %w", err)
	}
	c.constants = optional.Some(constants)
	return constants, nil
}

func (c *Coordinator) ValidateManifest(ctx context.Context) error {
	return c.stage(ctx, StateInit, StateManifestValidated, func(ctx context.Context) error {
		return c.cfg.Mediator.ValidateDescription(ctx, c.manifest)
	})
}

// GenerateGuardians reserves the identities first, so a failed stage never
// reuses a sequence number.
func (c *Coordinator) GenerateGuardians(ctx context.Context) error {
	return c.stage(ctx, StateManifestValidated, StateGuardiansGenerated, func(ctx context.Context) error {
		ids, err := c.counter.Reserve(c.idTemplate, c.policy.GuardianCount)
		if err != nil {
			return err
		}
		guardians, err := fanOut(ctx, "guardian", len(ids), func(ctx context.Context, i int) (models.Guardian, error) {
			g, err := c.cfg.Guardians.Create(ctx, ids[i], c.policy)
			if err != nil {
				return models.Guardian{}, fmt.Errorf("guardian %s: %w", ids[i].ObjectID(), err)
			}
			if g.Keys.Kind != models.Exposed || g.ObjectID() != ids[i].ObjectID() {
				return models.Guardian{}, unexpected("guardian %s: response did not carry exposed key material", ids[i].ObjectID())
			}
			return g, nil
		})
		if err != nil {
			return err
		}
		c.guardians = guardians
		return nil
	})
}

func (c *Coordinator) CombineKeys(ctx context.Context) error {
	return c.stage(ctx, StateGuardiansGenerated, StateKeysCombined, func(ctx context.Context) error {
		keys := make([]string, len(c.guardians))
		for i, g := range c.guardians {
			keys[i] = g.Keys.PublicKey
		}
		joint, err := c.cfg.Mediator.CombineKeys(ctx, keys)
		if err != nil {
			return err
		}
		c.jointKey = joint
		return nil
	})
}

func (c *Coordinator) BuildContext(ctx context.Context) error {
	return c.stage(ctx, StateKeysCombined, StateContextReady, func(ctx context.Context) error {
		ectx, err := c.cfg.Mediator.BuildContext(ctx, c.manifest, c.jointKey, c.policy)
		if err != nil {
			return err
		}
		if ectx.Policy() != c.policy {
			return unexpected("context policy %d/%d does not match %d/%d",
				ectx.Quorum, ectx.NumberOfGuardians, c.policy.Quorum, c.policy.GuardianCount)
		}
		c.context = ectx
		return nil
	})
}

// EncryptBallots encrypts ballots in sequential batches, threading the seed
// chain from one batch to the next.
func (c *Coordinator) EncryptBallots(ctx context.Context, ballots []manifest.PlaintextBallot) error {
	return c.stage(ctx, StateContextReady, StateBallotsEncrypted, func(ctx context.Context) error {
		if len(ballots) == 0 {
			return errs.Definition("ballots", "at least one ballot is required")
		}
		for i, b := range ballots {
			if err := c.manifest.ValidateBallot(b); err != nil {
				return fmt.Errorf("ballot %d: %w", i, err)
			}
		}

		encrypted := make([]models.SubmittedBallot, 0, len(ballots))
		for _, batch := range chunk(ballots, c.cfg.EncryptBatchSize) {
			seed, err := c.seed.Current()
			if err != nil {
				return err
			}
			res, err := c.cfg.Mediator.Encrypt(ctx, c.manifest, c.context, batch, seed)
			if err != nil {
				return err
			}
			if len(res.Ballots) != len(batch) {
				return unexpected("encrypt returned %d ballots for a batch of %d", len(res.Ballots), len(batch))
			}
			for i, b := range res.Ballots {
				if b.ObjectID != batch[i].ObjectID {
					return unexpected("encrypt returned ballot %q at position of %q", b.ObjectID, batch[i].ObjectID)
				}
			}
			if err := c.seed.Advance(res.NextSeed); err != nil {
				return err
			}
			encrypted = append(encrypted, res.Ballots...)
		}
		c.encrypted = encrypted
		return nil
	})
}

// ProcessBallots casts or spoils every encrypted ballot. A nil decide uses
// Alternate.
func (c *Coordinator) ProcessBallots(ctx context.Context, decide Decision) error {
	if decide == nil {
		decide = Alternate
	}
	return c.stage(ctx, StateBallotsEncrypted, StateBallotsProcessed, func(ctx context.Context) error {
		castFlags := make([]bool, len(c.encrypted))
		for i, b := range c.encrypted {
			castFlags[i] = decide(i, b)
		}
		processed, err := fanOut(ctx, "ballot", len(c.encrypted), func(ctx context.Context, i int) (models.SubmittedBallot, error) {
			in := c.encrypted[i]
			submit, want := c.cfg.Mediator.Spoil, models.BallotSpoiled
			if castFlags[i] {
				submit, want = c.cfg.Mediator.Cast, models.BallotCast
			}
			out, err := submit(ctx, c.manifest, c.context, in)
			if err != nil {
				return models.SubmittedBallot{}, fmt.Errorf("ballot %s: %w", in.ObjectID, err)
			}
			if out.ObjectID != in.ObjectID || out.State != want {
				return models.SubmittedBallot{}, unexpected("ballot %s: got %q in state %q, want %q", in.ObjectID, out.ObjectID, out.State, want)
			}
			return out, nil
		})
		if err != nil {
			return err
		}

		var cast, spoiled []models.SubmittedBallot
		for _, b := range processed {
			if b.State == models.BallotCast {
				cast = append(cast, b)
			} else {
				spoiled = append(spoiled, b)
			}
		}
		c.processed, c.cast, c.spoiled = processed, cast, spoiled
		metrics.BallotsProcessed.WithLabelValues(string(models.BallotCast)).Add(float64(len(cast)))
		metrics.BallotsProcessed.WithLabelValues(string(models.BallotSpoiled)).Add(float64(len(spoiled)))
		return nil
	})
}

// Tally accumulates the cast ballots in batches of TallyBatchSize.
func (c *Coordinator) Tally(ctx context.Context) error {
	return c.TallyPartition(ctx, chunk(c.Cast(), c.cfg.TallyBatchSize))
}

// TallyPartition accumulates the given batches: one start call, then one
// append per further batch. The batches must cover the cast ballots exactly
// once. With no cast ballots the tally is started over an empty batch.
func (c *Coordinator) TallyPartition(ctx context.Context, batches [][]models.SubmittedBallot) error {
	return c.stage(ctx, StateBallotsProcessed, StateTallied, func(ctx context.Context) error {
		if len(c.cast) == 0 && len(batches) == 0 {
			batches = [][]models.SubmittedBallot{{}}
		}
		if err := c.checkPartition(batches); err != nil {
			return err
		}
		prev := optional.None[models.EncryptedTally]()
		for _, batch := range batches {
			t, err := c.cfg.Mediator.Tally(ctx, c.manifest, c.context, batch, prev)
			if err != nil {
				return err
			}
			prev = optional.Some(t)
		}
		c.tally = prev.Unwrap()
		return nil
	})
}

func (c *Coordinator) checkPartition(batches [][]models.SubmittedBallot) error {
	if len(c.cast) == 0 {
		if len(batches) != 1 || len(batches[0]) != 0 {
			return errs.Definition("batches", "must be a single empty batch when no ballot is cast")
		}
		return nil
	}
	castIDs := make(map[string]bool, len(c.cast))
	for _, b := range c.cast {
		castIDs[b.ObjectID] = false
	}
	seen := 0
	for i, batch := range batches {
		if len(batch) == 0 {
			return errs.Definition(fmt.Sprintf("batches[%d]", i), "is empty")
		}
		for _, b := range batch {
			used, ok := castIDs[b.ObjectID]
			switch {
			case !ok:
				return errs.Definition(fmt.Sprintf("batches[%d]", i), "ballot %s is not a cast ballot", b.ObjectID)
			case used:
				return errs.Definition(fmt.Sprintf("batches[%d]", i), "ballot %s is tallied twice", b.ObjectID)
			}
			castIDs[b.ObjectID] = true
			seen++
		}
	}
	if seen != len(c.cast) {
		return errs.Definition("batches", "cover %d of %d cast ballots", seen, len(c.cast))
	}
	return nil
}

// CollectShares gathers every guardian's tally share, then every guardian's
// shares for each batch of spoiled ballots.
func (c *Coordinator) CollectShares(ctx context.Context) error {
	return c.stage(ctx, StateTallied, StateSharesCollected, func(ctx context.Context) error {
		tallyShares, err := fanOut(ctx, "tally_share", len(c.guardians), func(ctx context.Context, i int) (models.Payload, error) {
			g := c.guardians[i]
			share, err := c.cfg.Guardians.DecryptTallyShare(ctx, c.manifest, c.context, g, c.tally)
			if err != nil {
				return nil, fmt.Errorf("guardian %s: %w", g.ObjectID(), err)
			}
			return share, nil
		})
		if err != nil {
			return err
		}
		shares := Shares{Tally: c.keyByGuardian(tallyShares)}

		for _, batch := range chunk(c.spoiled, c.cfg.DecryptBatchSize) {
			ballotShares, err := fanOut(ctx, "ballot_shares", len(c.guardians), func(ctx context.Context, i int) (models.Payload, error) {
				g := c.guardians[i]
				share, err := c.cfg.Guardians.DecryptBallotShares(ctx, c.context, g, batch)
				if err != nil {
					return nil, fmt.Errorf("guardian %s: %w", g.ObjectID(), err)
				}
				return share, nil
			})
			if err != nil {
				return err
			}
			shares.Ballots = append(shares.Ballots, BallotShares{Ballots: batch, Shares: c.keyByGuardian(ballotShares)})
		}
		c.shares = shares
		return nil
	})
}

func (c *Coordinator) keyByGuardian(shares []models.Payload) models.ShareSet {
	set := make(models.ShareSet, len(shares))
	for i, s := range shares {
		set.Add(c.guardians[i].ObjectID(), s)
	}
	return set
}

// quorum keeps only shares from generated guardians and fails when fewer
// than quorum distinct guardians remain.
func (c *Coordinator) quorum(shares models.ShareSet) (models.ShareSet, error) {
	known := make([]string, len(c.guardians))
	for i, g := range c.guardians {
		known[i] = g.ObjectID()
	}
	n := shares.CountFrom(known)
	if n < c.policy.Quorum {
		return nil, fmt.Errorf("%w: %d of %d required guardian shares", ErrQuorumNotMet, n, c.policy.Quorum)
	}
	out := make(models.ShareSet, n)
	for _, id := range known {
		if s, ok := shares[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (c *Coordinator) requireShares() error {
	if cur := c.State(); cur != StateSharesCollected {
		return &TransitionError{Op: "decrypt", Required: StateSharesCollected, Current: cur}
	}
	return nil
}

// DecryptTally combines the tally shares. Nothing is sent unless the shares
// meet the quorum.
func (c *Coordinator) DecryptTally(ctx context.Context, shares models.ShareSet) (models.PlaintextTally, error) {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	if err := c.requireShares(); err != nil {
		return models.PlaintextTally{}, err
	}
	return c.decryptTally(ctx, shares)
}

func (c *Coordinator) decryptTally(ctx context.Context, shares models.ShareSet) (models.PlaintextTally, error) {
	usable, err := c.quorum(shares)
	if err != nil {
		return models.PlaintextTally{}, err
	}
	return c.cfg.Mediator.DecryptTally(ctx, c.manifest, c.context, c.tally, usable)
}

// DecryptSpoiledBallots decrypts each batch of spoiled ballots with its
// shares. Every batch must meet the quorum before any call is made.
func (c *Coordinator) DecryptSpoiledBallots(ctx context.Context, batches []BallotShares) (map[string]models.Payload, error) {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	if err := c.requireShares(); err != nil {
		return nil, err
	}
	return c.decryptSpoiled(ctx, batches)
}

func (c *Coordinator) decryptSpoiled(ctx context.Context, batches []BallotShares) (map[string]models.Payload, error) {
	usable := make([]models.ShareSet, len(batches))
	for i, b := range batches {
		set, err := c.quorum(b.Shares)
		if err != nil {
			return nil, fmt.Errorf("spoiled batch %d: %w", i, err)
		}
		usable[i] = set
	}
	out := make(map[string]models.Payload)
	for i, b := range batches {
		decrypted, err := c.cfg.Mediator.DecryptBallots(ctx, c.context, b.Ballots, usable[i])
		if err != nil {
			return nil, err
		}
		for _, ballot := range b.Ballots {
			contests, ok := decrypted[ballot.ObjectID]
			if !ok {
				return nil, unexpected("ballot/decrypt omitted ballot %s", ballot.ObjectID)
			}
			out[ballot.ObjectID] = contests
		}
	}
	return out, nil
}

// Decrypt decrypts the tally and the spoiled ballots with the collected
// shares.
func (c *Coordinator) Decrypt(ctx context.Context) error {
	return c.stage(ctx, StateSharesCollected, StateDecrypted, func(ctx context.Context) error {
		plaintext, err := c.decryptTally(ctx, c.shares.Tally)
		if err != nil {
			return err
		}
		decrypted, err := c.decryptSpoiled(ctx, c.shares.Ballots)
		if err != nil {
			return err
		}
		c.plaintext, c.decrypted = plaintext, decrypted
		return nil
	})
}

// Plaintext returns the decrypted tally once the coordinator is Decrypted.
func (c *Coordinator) Plaintext() optional.Option[models.PlaintextTally] {
	if c.State() != StateDecrypted {
		return optional.None[models.PlaintextTally]()
	}
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	return optional.Some(c.plaintext)
}

// TrackerWords converts the tracking hash of every processed ballot to its
// word form.
func (c *Coordinator) TrackerWords(ctx context.Context) (map[string]string, error) {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	if cur := c.State(); cur < StateBallotsProcessed {
		return nil, &TransitionError{Op: "tracker_words", Required: StateBallotsProcessed, Current: cur}
	}
	var words []string
	_, err := c.observe(ctx, "tracker_words", func(ctx context.Context) error {
		var err error
		words, err = fanOut(ctx, "tracker_words", len(c.processed), func(ctx context.Context, i int) (string, error) {
			b := c.processed[i]
			if b.TrackingHash.IsZero() {
				return "", nil
			}
			return c.cfg.Mediator.TrackerWords(ctx, b.TrackingHash)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(words))
	for i, w := range words {
		if w != "" {
			out[c.processed[i].ObjectID] = w
		}
	}
	c.trackerWords = out
	return out, nil
}

func unexpected(format string, args ...any) error {
	return &errs.UnexpectedResponseError{Status: 200, Reason: "OK", Cause: fmt.Errorf(format, args...)}
}
