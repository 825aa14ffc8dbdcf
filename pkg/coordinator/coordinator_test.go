package coordinator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	. "egcoord/pkg/coordinator"
	"egcoord/pkg/egtest"
	"egcoord/pkg/errs"
	"egcoord/pkg/guardian"
	"egcoord/pkg/manifest"
	"egcoord/pkg/mediator"
	"egcoord/pkg/models"
)

type stageLog struct {
	mu     sync.Mutex
	stages []State
	errs   []error
}

func (l *stageLog) OnStage(_ context.Context, stage State, _ time.Duration, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, stage)
	l.errs = append(l.errs, err)
}

type harness struct {
	svc *egtest.Service
	m   *manifest.Manifest
	c   *Coordinator
	log *stageLog
}

func newHarness(t *testing.T, policy models.GuardianSetPolicy, tune ...func(*Config)) *harness {
	t.Helper()
	svc := egtest.New(t)
	med, gc := egtest.Clients(t, []*egtest.Service{svc}, []*egtest.Service{svc})
	log := &stageLog{}
	cfg := Config{Mediator: med, Guardians: gc, Listener: log, Logger: zap.NewNop()}
	for _, f := range tune {
		f(&cfg)
	}
	m := manifest.TestElection()
	c, err := New(m, policy, m.ElectionScopeID, cfg)
	require.NoError(t, err)
	return &harness{svc: svc, m: m, c: c, log: log}
}

// through advances the coordinator up to and including BallotsProcessed.
func (h *harness) through(t *testing.T, ballots []manifest.PlaintextBallot, decide Decision) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.c.ValidateManifest(ctx))
	require.NoError(t, h.c.GenerateGuardians(ctx))
	require.NoError(t, h.c.CombineKeys(ctx))
	require.NoError(t, h.c.BuildContext(ctx))
	require.NoError(t, h.c.EncryptBallots(ctx, ballots))
	require.NoError(t, h.c.ProcessBallots(ctx, decide))
}

func castAll(int, models.SubmittedBallot) bool { return true }

func TestRun_EndToEnd(t *testing.T) {
	h := newHarness(t, models.GuardianSetPolicy{GuardianCount: 5, Quorum: 3})
	ballots := manifest.FakeBallots(h.m, 10)
	require.Len(t, ballots, 10)

	rec, err := h.c.Run(context.Background(), ballots, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDecrypted, h.c.State())

	var castPlain []manifest.PlaintextBallot
	for i, b := range ballots {
		if i%2 == 0 {
			castPlain = append(castPlain, b)
		}
	}
	require.Len(t, rec.SubmittedBallots, 5)
	require.Len(t, rec.SpoiledBallots, 5)

	want := manifest.CountVotes(castPlain)
	for _, contest := range h.m.Contests {
		for _, sel := range contest.BallotSelections {
			assert.Equal(t, want[contest.ObjectID][sel.ObjectID], rec.Tally.Count(contest.ObjectID, sel.ObjectID),
				"selection %s", sel.ObjectID)
		}
	}

	ids := make([]string, len(rec.Guardians))
	for i, g := range rec.Guardians {
		ids[i] = g.ObjectID()
		assert.Equal(t, models.PublicOnly, g.Keys.Kind)
		assert.Empty(t, g.Keys.SecretKey)
	}
	assert.Equal(t, []string{"test-election_0", "test-election_1", "test-election_2", "test-election_3", "test-election_4"}, ids)

	for i, s := range rec.SpoiledBallots {
		assert.Equal(t, ballots[2*i+1].ObjectID, s.Ballot.ObjectID)
		assert.Equal(t, models.BallotSpoiled, s.Ballot.State)
		assert.False(t, s.Decrypted.IsZero())
	}
	assert.Len(t, rec.TrackerWords, 10)
	assert.Equal(t, egtest.TrackerWords("hash-"+ballots[0].ObjectID, mediator.DefaultSeparator), rec.TrackerWords[ballots[0].ObjectID])
	assert.Contains(t, string(rec.Constants), "large_prime")

	assert.Equal(t, []State{
		StateManifestValidated, StateGuardiansGenerated, StateKeysCombined, StateContextReady,
		StateBallotsEncrypted, StateBallotsProcessed, StateTallied, StateSharesCollected, StateDecrypted,
	}, h.log.stages)
	for _, err := range h.log.errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, 5, h.svc.Calls(guardian.EndpointCreate))
	assert.Equal(t, 5, h.svc.Calls(guardian.EndpointDecryptTallyShare))
	assert.Equal(t, 10, h.svc.Calls(mediator.EndpointTrackerWords))
}

func TestTally_AssociativeAcrossBatching(t *testing.T) {
	policy := models.GuardianSetPolicy{GuardianCount: 3, Quorum: 2}
	ballots := manifest.FakeBallots(manifest.TestElection(), 3)

	decrypt := func(split func([]models.SubmittedBallot) [][]models.SubmittedBallot) (*harness, models.PlaintextTally) {
		h := newHarness(t, policy)
		h.through(t, ballots, castAll)
		ctx := context.Background()
		require.NoError(t, h.c.TallyPartition(ctx, split(h.c.Cast())))
		require.NoError(t, h.c.CollectShares(ctx))
		require.NoError(t, h.c.Decrypt(ctx))
		pt, err := h.c.Plaintext().Take()
		require.NoError(t, err)
		return h, pt
	}

	two, twoTally := decrypt(func(b []models.SubmittedBallot) [][]models.SubmittedBallot {
		return [][]models.SubmittedBallot{b[:1], b[1:]}
	})
	three, threeTally := decrypt(func(b []models.SubmittedBallot) [][]models.SubmittedBallot {
		return [][]models.SubmittedBallot{b[:1], b[1:2], b[2:]}
	})

	assert.Equal(t, 1, two.svc.Calls(mediator.EndpointTally))
	assert.Equal(t, 1, two.svc.Calls(mediator.EndpointTallyAppend))
	assert.Equal(t, 1, three.svc.Calls(mediator.EndpointTally))
	assert.Equal(t, 2, three.svc.Calls(mediator.EndpointTallyAppend))
	assert.Equal(t, twoTally.Contests, threeTally.Contests)

	contest := two.m.Contests[0]
	total := 0
	for _, sel := range contest.BallotSelections {
		total += twoTally.Count(contest.ObjectID, sel.ObjectID)
	}
	assert.Equal(t, 3, total)
}

func TestTallyPartition_MustCoverCastSetOnce(t *testing.T) {
	h := newHarness(t, models.GuardianSetPolicy{GuardianCount: 1, Quorum: 1})
	h.through(t, manifest.FakeBallots(h.m, 3), castAll)
	cast := h.c.Cast()
	foreign := models.SubmittedBallot{ObjectID: "not-a-ballot", State: models.BallotCast}

	cases := map[string][][]models.SubmittedBallot{
		"missing":   {cast[:2]},
		"duplicate": {cast, cast[:1]},
		"foreign":   {cast, {foreign}},
		"empty":     {cast, {}},
	}
	for name, batches := range cases {
		t.Run(name, func(t *testing.T) {
			err := h.c.TallyPartition(context.Background(), batches)
			require.ErrorIs(t, err, errs.ErrInvalidDefinition)
			assert.Equal(t, StateBallotsProcessed, h.c.State())
		})
	}
	assert.Zero(t, h.svc.Calls(mediator.EndpointTally))
}

func TestRun_AllSpoiledStillDecryptsSpoiledBallots(t *testing.T) {
	h := newHarness(t, models.GuardianSetPolicy{GuardianCount: 3, Quorum: 2})
	spoilAll := func(int, models.SubmittedBallot) bool { return false }

	rec, err := h.c.Run(context.Background(), manifest.FakeBallots(h.m, 4), spoilAll)
	require.NoError(t, err)
	assert.Equal(t, StateDecrypted, h.c.State())

	assert.Empty(t, h.c.Cast())
	assert.Len(t, h.c.Spoiled(), 4)
	assert.NotEmpty(t, h.c.EncryptedTally())
	assert.Equal(t, 1, h.svc.Calls(mediator.EndpointTally))
	assert.Zero(t, h.svc.Calls(mediator.EndpointTallyAppend))

	var started struct {
		Ballots []json.RawMessage `json:"ballots"`
	}
	require.NoError(t, json.Unmarshal(h.svc.Requests(mediator.EndpointTally)[0], &started))
	assert.NotNil(t, started.Ballots)
	assert.Empty(t, started.Ballots)

	require.Len(t, rec.SpoiledBallots, 4)
	for _, b := range rec.SpoiledBallots {
		assert.NotEmpty(t, b.Decrypted, b.Ballot.ObjectID)
	}
	assert.Empty(t, rec.SubmittedBallots)
}

func TestTallyPartition_NoCastBallotsTakesOnlyAnEmptyBatch(t *testing.T) {
	h := newHarness(t, models.GuardianSetPolicy{GuardianCount: 1, Quorum: 1})
	h.through(t, manifest.FakeBallots(h.m, 2), func(int, models.SubmittedBallot) bool { return false })
	spoiled := h.c.Spoiled()

	err := h.c.TallyPartition(context.Background(), [][]models.SubmittedBallot{spoiled})
	require.ErrorIs(t, err, errs.ErrInvalidDefinition)
	err = h.c.TallyPartition(context.Background(), [][]models.SubmittedBallot{{}, {}})
	require.ErrorIs(t, err, errs.ErrInvalidDefinition)
	assert.Zero(t, h.svc.Calls(mediator.EndpointTally))

	require.NoError(t, h.c.TallyPartition(context.Background(), [][]models.SubmittedBallot{{}}))
	assert.Equal(t, StateTallied, h.c.State())
	assert.Equal(t, 1, h.svc.Calls(mediator.EndpointTally))
}

func TestDecrypt_QuorumGating(t *testing.T) {
	h := newHarness(t, models.GuardianSetPolicy{GuardianCount: 5, Quorum: 3})
	h.through(t, manifest.FakeBallots(h.m, 4), nil)
	ctx := context.Background()
	require.NoError(t, h.c.Tally(ctx))
	require.NoError(t, h.c.CollectShares(ctx))

	shares := h.c.Shares()
	require.Len(t, shares.Tally, 5)
	require.Len(t, shares.Ballots, 1)

	short := models.ShareSet{}
	short.Add("test-election_0", shares.Tally["test-election_0"])
	short.Add("test-election_0", models.Payload(`"again"`))
	short.Add("test-election_1", shares.Tally["test-election_1"])
	short.Add("stranger_9", models.Payload(`"forged"`))

	_, err := h.c.DecryptTally(ctx, short)
	require.ErrorIs(t, err, ErrQuorumNotMet)
	assert.Zero(t, h.svc.Calls(mediator.EndpointDecryptTally))

	short.Add("test-election_4", shares.Tally["test-election_4"])
	pt, err := h.c.DecryptTally(ctx, short)
	require.NoError(t, err)
	assert.NotNil(t, pt.Contests)

	var sent struct {
		Shares map[string]json.RawMessage `json:"shares"`
	}
	require.NoError(t, json.Unmarshal(h.svc.Requests(mediator.EndpointDecryptTally)[0], &sent))
	assert.Len(t, sent.Shares, 3)
	assert.NotContains(t, sent.Shares, "stranger_9")

	batch := shares.Ballots[0]
	thin := BallotShares{Ballots: batch.Ballots, Shares: models.ShareSet{"test-election_2": batch.Shares["test-election_2"]}}
	_, err = h.c.DecryptSpoiledBallots(ctx, []BallotShares{batch, thin})
	require.ErrorIs(t, err, ErrQuorumNotMet)
	assert.Zero(t, h.svc.Calls(mediator.EndpointDecryptBallots))

	decrypted, err := h.c.DecryptSpoiledBallots(ctx, shares.Ballots)
	require.NoError(t, err)
	assert.Len(t, decrypted, 2)
	assert.Equal(t, StateSharesCollected, h.c.State())
}

func TestStages_RejectOutOfOrderCalls(t *testing.T) {
	h := newHarness(t, models.GuardianSetPolicy{GuardianCount: 2, Quorum: 1})
	ctx := context.Background()

	err := h.c.CombineKeys(ctx)
	require.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateGuardiansGenerated, te.Required)
	assert.Equal(t, StateInit, te.Current)

	_, err = h.c.DecryptTally(ctx, models.ShareSet{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.c.TrackerWords(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.c.Record()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, h.c.ValidateManifest(ctx))
	assert.ErrorIs(t, h.c.ValidateManifest(ctx), ErrInvalidTransition)
	assert.Zero(t, h.svc.Calls(mediator.EndpointCombineKeys))
	assert.Equal(t, 1, h.svc.Calls(mediator.EndpointValidate))

	_, err = h.c.FetchConstants(ctx)
	assert.NoError(t, err)
}

func TestGenerateGuardians_FailureAbortsStageAndBurnsIdentities(t *testing.T) {
	h := newHarness(t, models.GuardianSetPolicy{GuardianCount: 5, Quorum: 3})
	ctx := context.Background()
	require.NoError(t, h.c.ValidateManifest(ctx))

	h.svc.FailGuardian("test-election_2", http.StatusServiceUnavailable)
	err := h.c.GenerateGuardians(ctx)
	require.ErrorIs(t, err, errs.ErrUnexpectedResponse)
	assert.Contains(t, err.Error(), "test-election_2")
	assert.Equal(t, StateManifestValidated, h.c.State())
	assert.Equal(t, 5, h.svc.Calls(guardian.EndpointCreate))
	assert.Error(t, h.log.errs[len(h.log.errs)-1])

	require.NoError(t, h.c.GenerateGuardians(ctx))
	assert.Equal(t, StateGuardiansGenerated, h.c.State())

	var ids []string
	for _, g := range h.c.Guardians() {
		ids = append(ids, g.ObjectID())
	}
	assert.Equal(t, []string{"test-election_5", "test-election_6", "test-election_7", "test-election_8", "test-election_9"}, ids)
}

func TestEncryptBallots_ThreadsSeedAcrossBatches(t *testing.T) {
	h := newHarness(t, models.GuardianSetPolicy{GuardianCount: 1, Quorum: 1}, func(c *Config) { c.EncryptBatchSize = 3 })
	ctx := context.Background()
	require.NoError(t, h.c.ValidateManifest(ctx))
	require.NoError(t, h.c.GenerateGuardians(ctx))
	require.NoError(t, h.c.CombineKeys(ctx))
	require.NoError(t, h.c.BuildContext(ctx))
	require.NoError(t, h.c.EncryptBallots(ctx, manifest.FakeBallots(h.m, 7)))

	reqs := h.svc.Requests(mediator.EndpointEncrypt)
	require.Len(t, reqs, 3)
	seeds := make([]string, len(reqs))
	for i, r := range reqs {
		var body struct {
			SeedHash json.RawMessage `json:"seed_hash"`
			Ballots  []any           `json:"ballots"`
		}
		require.NoError(t, json.Unmarshal(r, &body))
		seeds[i] = string(body.SeedHash)
	}
	assert.Equal(t, []string{`"seed-1"`, `"seed-2"`}, seeds[1:])
	assert.JSONEq(t, `"seed-3"`, string(h.c.Sequence().Seed))
}

func TestEncryptBallots_RejectsForeignBallots(t *testing.T) {
	h := newHarness(t, models.GuardianSetPolicy{GuardianCount: 1, Quorum: 1})
	ctx := context.Background()
	require.NoError(t, h.c.ValidateManifest(ctx))
	require.NoError(t, h.c.GenerateGuardians(ctx))
	require.NoError(t, h.c.CombineKeys(ctx))
	require.NoError(t, h.c.BuildContext(ctx))

	ballots := manifest.FakeBallots(h.m, 1)
	ballots[0].BallotStyle = "no-such-style"
	require.ErrorIs(t, h.c.EncryptBallots(ctx, ballots), errs.ErrInvalidDefinition)
	require.ErrorIs(t, h.c.EncryptBallots(ctx, nil), errs.ErrInvalidDefinition)
	assert.Zero(t, h.svc.Calls(mediator.EndpointEncrypt))
	assert.Equal(t, StateContextReady, h.c.State())
}

type mislabelingMediator struct {
	MediatorService
}

func (m mislabelingMediator) Cast(ctx context.Context, mf *manifest.Manifest, ectx models.ElectionContext, b models.SubmittedBallot) (models.SubmittedBallot, error) {
	out, err := m.MediatorService.Cast(ctx, mf, ectx, b)
	out.State = models.BallotSpoiled
	return out, err
}

func TestProcessBallots_WrongStateIsHardError(t *testing.T) {
	h := newHarness(t, models.GuardianSetPolicy{GuardianCount: 1, Quorum: 1}, func(c *Config) {
		c.Mediator = mislabelingMediator{c.Mediator}
	})
	ctx := context.Background()
	require.NoError(t, h.c.ValidateManifest(ctx))
	require.NoError(t, h.c.GenerateGuardians(ctx))
	require.NoError(t, h.c.CombineKeys(ctx))
	require.NoError(t, h.c.BuildContext(ctx))
	require.NoError(t, h.c.EncryptBallots(ctx, manifest.FakeBallots(h.m, 2)))

	err := h.c.ProcessBallots(ctx, nil)
	require.ErrorIs(t, err, errs.ErrUnexpectedResponse)
	assert.Equal(t, StateBallotsEncrypted, h.c.State())
}

func TestNew_ValidatesLocally(t *testing.T) {
	svc := egtest.New(t)
	med, gc := egtest.Clients(t, []*egtest.Service{svc}, []*egtest.Service{svc})
	cfg := Config{Mediator: med, Guardians: gc, Logger: zap.NewNop()}

	m := manifest.TestElection()
	m.Contests = nil
	_, err := New(m, models.GuardianSetPolicy{GuardianCount: 1, Quorum: 1}, "e", cfg)
	require.ErrorIs(t, err, errs.ErrInvalidDefinition)

	_, err = New(manifest.TestElection(), models.GuardianSetPolicy{GuardianCount: 2, Quorum: 3}, "e", cfg)
	require.ErrorIs(t, err, errs.ErrInvalidDefinition)

	assert.Zero(t, svc.Calls(mediator.EndpointValidate))
}

func TestValidateManifest_RejectedByMediator(t *testing.T) {
	h := newHarness(t, models.GuardianSetPolicy{GuardianCount: 1, Quorum: 1})
	h.svc.RejectManifest("bad contest", map[string]string{"contest": "x"})

	err := h.c.ValidateManifest(context.Background())
	require.ErrorIs(t, err, errs.ErrInvalidManifest)
	assert.Equal(t, StateInit, h.c.State())
	require.Len(t, h.log.stages, 1)
	assert.Equal(t, StateManifestValidated, h.log.stages[0])
}

func TestRestore_ContinuesSequences(t *testing.T) {
	first := newHarness(t, models.GuardianSetPolicy{GuardianCount: 2, Quorum: 1})
	ctx := context.Background()
	require.NoError(t, first.c.ValidateManifest(ctx))
	require.NoError(t, first.c.GenerateGuardians(ctx))

	second := newHarness(t, models.GuardianSetPolicy{GuardianCount: 2, Quorum: 1})
	second.c.Restore(first.c.Sequence())
	require.NoError(t, second.c.ValidateManifest(ctx))
	require.NoError(t, second.c.GenerateGuardians(ctx))

	var ids []string
	for _, g := range second.c.Guardians() {
		ids = append(ids, g.ObjectID())
	}
	assert.Equal(t, []string{"test-election_2", "test-election_3"}, ids)
}
