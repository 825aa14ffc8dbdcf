// Package mediator is the typed client for the election-wide mediator
// service.
package mediator

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/moznion/go-optional"

	"egcoord/pkg/errs"
	"egcoord/pkg/gateway"
	"egcoord/pkg/manifest"
	"egcoord/pkg/models"
)

const (
	EndpointConstants      = "election/constants"
	EndpointValidate       = "election/validate/description"
	EndpointCombineKeys    = "key/election/combine"
	EndpointContext        = "election/context"
	EndpointEncrypt        = "ballot/encrypt"
	EndpointCast           = "ballot/cast"
	EndpointSpoil          = "ballot/spoil"
	EndpointTally          = "tally"
	EndpointTallyAppend    = "tally/append"
	EndpointDecryptTally   = "tally/decrypt"
	EndpointDecryptBallots = "ballot/decrypt"
	EndpointTrackerWords   = "tracker/words"

	DefaultSeparator = "-"
)

// Caller is the subset of the gateway the client needs.
type Caller interface {
	Get(ctx context.Context, endpoint string, out any) error
	Post(ctx context.Context, endpoint string, body, out any) error
}

var _ Caller = (*gateway.Gateway)(nil)

type Client struct {
	gw Caller
}

func New(gw Caller) *Client { return &Client{gw: gw} }

type validateRequest struct {
	Description *manifest.Manifest `json:"description"`
}

type validateResponse struct {
	Success *bool           `json:"success" validate:"required"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

type combineRequest struct {
	ElectionPublicKeys []string `json:"election_public_keys"`
}

type combineResponse struct {
	JointKey string `json:"joint_key" validate:"required"`
}

type contextRequest struct {
	Description       *manifest.Manifest `json:"description"`
	ElGamalPublicKey  string             `json:"elgamal_public_key"`
	NumberOfGuardians int                `json:"number_of_guardians"`
	Quorum            int                `json:"quorum"`
}

type encryptRequest struct {
	Description *manifest.Manifest         `json:"description"`
	Nonce       json.Number                `json:"nonce"`
	SeedHash    models.Payload             `json:"seed_hash"`
	Context     models.ElectionContext     `json:"context"`
	Ballots     []manifest.PlaintextBallot `json:"ballots"`
}

type encryptResponse struct {
	EncryptedBallots []models.SubmittedBallot `json:"encrypted_ballots" validate:"required,dive"`
	NextSeedHash     models.Payload           `json:"next_seed_hash" validate:"required"`
}

type ballotRequest struct {
	Description *manifest.Manifest     `json:"description"`
	Context     models.ElectionContext `json:"context"`
	Ballot      models.SubmittedBallot `json:"ballot"`
}

type tallyRequest struct {
	Description    *manifest.Manifest       `json:"description"`
	Context        models.ElectionContext   `json:"context"`
	Ballots        []models.SubmittedBallot `json:"ballots"`
	EncryptedTally models.Payload           `json:"encrypted_tally,omitempty"`
}

type decryptTallyRequest struct {
	Description    *manifest.Manifest     `json:"description"`
	Context        models.ElectionContext `json:"context"`
	EncryptedTally models.EncryptedTally  `json:"encrypted_tally"`
	Shares         models.ShareSet        `json:"shares"`
}

type decryptBallotsRequest struct {
	Context          models.ElectionContext   `json:"context"`
	EncryptedBallots []models.SubmittedBallot `json:"encrypted_ballots"`
	Shares           models.ShareSet          `json:"shares"`
}

type trackerRequest struct {
	TrackerHash models.Payload `json:"tracker_hash"`
	Separator   string         `json:"separator"`
}

type trackerResponse struct {
	TrackerWords string `json:"tracker_words" validate:"required"`
}

// Constants fetches the cryptographic constants of the deployment.
func (c *Client) Constants(ctx context.Context) (models.Payload, error) {
	var out models.Payload
	if err := c.gw.Get(ctx, EndpointConstants, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateDescription asks the mediator to validate the manifest. A
// negative verdict is an InvalidManifestError.
func (c *Client) ValidateDescription(ctx context.Context, m *manifest.Manifest) error {
	var out validateResponse
	if err := c.gw.Post(ctx, EndpointValidate, validateRequest{Description: m}, &out); err != nil {
		return err
	}
	if !*out.Success {
		return &errs.InvalidManifestError{Message: out.Message, Details: out.Details}
	}
	return nil
}

func (c *Client) CombineKeys(ctx context.Context, publicKeys []string) (string, error) {
	var out combineResponse
	if err := c.gw.Post(ctx, EndpointCombineKeys, combineRequest{ElectionPublicKeys: publicKeys}, &out); err != nil {
		return "", err
	}
	return out.JointKey, nil
}

func (c *Client) BuildContext(ctx context.Context, m *manifest.Manifest, jointKey string, policy models.GuardianSetPolicy) (models.ElectionContext, error) {
	var out models.ElectionContext
	req := contextRequest{
		Description:       m,
		ElGamalPublicKey:  jointKey,
		NumberOfGuardians: policy.GuardianCount,
		Quorum:            policy.Quorum,
	}
	if err := c.gw.Post(ctx, EndpointContext, req, &out); err != nil {
		return models.ElectionContext{}, err
	}
	return out, nil
}

// EncryptResult is one encryption batch.
type EncryptResult struct {
	Ballots  []models.SubmittedBallot
	NextSeed models.Payload
}

// Encrypt encrypts one batch with a fresh random nonce.
func (c *Client) Encrypt(ctx context.Context, m *manifest.Manifest, ectx models.ElectionContext, ballots []manifest.PlaintextBallot, seed models.Payload) (EncryptResult, error) {
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return EncryptResult{}, fmt.Errorf("failed to draw nonce: %w", err)
	}
	req := encryptRequest{
		Description: m,
		Nonce:       json.Number(nonce.String()),
		SeedHash:    seed,
		Context:     ectx,
		Ballots:     ballots,
	}
	var out encryptResponse
	if err := c.gw.Post(ctx, EndpointEncrypt, req, &out); err != nil {
		return EncryptResult{}, err
	}
	return EncryptResult{Ballots: out.EncryptedBallots, NextSeed: out.NextSeedHash}, nil
}

func (c *Client) Cast(ctx context.Context, m *manifest.Manifest, ectx models.ElectionContext, b models.SubmittedBallot) (models.SubmittedBallot, error) {
	return c.submit(ctx, EndpointCast, m, ectx, b)
}

func (c *Client) Spoil(ctx context.Context, m *manifest.Manifest, ectx models.ElectionContext, b models.SubmittedBallot) (models.SubmittedBallot, error) {
	return c.submit(ctx, EndpointSpoil, m, ectx, b)
}

func (c *Client) submit(ctx context.Context, endpoint string, m *manifest.Manifest, ectx models.ElectionContext, b models.SubmittedBallot) (models.SubmittedBallot, error) {
	var out models.SubmittedBallot
	if err := c.gw.Post(ctx, endpoint, ballotRequest{Description: m, Context: ectx, Ballot: b}, &out); err != nil {
		return models.SubmittedBallot{}, err
	}
	return out, nil
}

// Tally starts a tally from ballots, or appends them to prev when present.
func (c *Client) Tally(ctx context.Context, m *manifest.Manifest, ectx models.ElectionContext, ballots []models.SubmittedBallot, prev optional.Option[models.EncryptedTally]) (models.EncryptedTally, error) {
	req := tallyRequest{Description: m, Context: ectx, Ballots: ballots}
	endpoint := EndpointTally
	if p, err := prev.Take(); err == nil {
		req.EncryptedTally = p
		endpoint = EndpointTallyAppend
	}
	var out models.Payload
	if err := c.gw.Post(ctx, endpoint, req, &out); err != nil {
		return nil, err
	}
	if out.IsZero() {
		return nil, &errs.UnexpectedResponseError{Status: 200, Reason: "OK", Body: out, Cause: fmt.Errorf("empty tally from %s", endpoint)}
	}
	return out, nil
}

func (c *Client) DecryptTally(ctx context.Context, m *manifest.Manifest, ectx models.ElectionContext, tally models.EncryptedTally, shares models.ShareSet) (models.PlaintextTally, error) {
	var raw models.Payload
	req := decryptTallyRequest{Description: m, Context: ectx, EncryptedTally: tally, Shares: shares}
	if err := c.gw.Post(ctx, EndpointDecryptTally, req, &raw); err != nil {
		return models.PlaintextTally{}, err
	}
	var out models.PlaintextTally
	if err := raw.Decode(&out); err != nil || out.Contests == nil {
		if err == nil {
			err = errs.Definition("contests", "is required")
		}
		return models.PlaintextTally{}, &errs.UnexpectedResponseError{Status: 200, Reason: "OK", Body: raw, Cause: err}
	}
	out.Raw = raw
	return out, nil
}

// DecryptBallots decrypts spoiled ballots from per-guardian shares and
// returns the plaintext contests keyed by ballot ID.
func (c *Client) DecryptBallots(ctx context.Context, ectx models.ElectionContext, ballots []models.SubmittedBallot, shares models.ShareSet) (map[string]models.Payload, error) {
	var out map[string]models.Payload
	req := decryptBallotsRequest{Context: ectx, EncryptedBallots: ballots, Shares: shares}
	if err := c.gw.Post(ctx, EndpointDecryptBallots, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) TrackerWords(ctx context.Context, trackerHash models.Payload) (string, error) {
	var out trackerResponse
	if err := c.gw.Post(ctx, EndpointTrackerWords, trackerRequest{TrackerHash: trackerHash, Separator: DefaultSeparator}, &out); err != nil {
		return "", err
	}
	return out.TrackerWords, nil
}
