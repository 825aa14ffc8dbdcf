// Package guardian is the typed client for the per-trustee guardian
// service.
package guardian

import (
	"context"

	"egcoord/pkg/errs"
	"egcoord/pkg/manifest"
	"egcoord/pkg/models"
)

const (
	EndpointCreate              = "guardian"
	EndpointDecryptTallyShare   = "tally/decrypt-share"
	EndpointDecryptBallotShares = "ballot/decrypt-shares"
)

// Caller posts JSON to a guardian endpoint; *gateway.Gateway implements it.
type Caller interface {
	Post(ctx context.Context, endpoint string, body, out any) error
}

type Client struct {
	gw Caller
}

func New(gw Caller) *Client { return &Client{gw: gw} }

type createRequest struct {
	ID                string `json:"id"`
	SequenceOrder     int    `json:"sequence_order"`
	NumberOfGuardians int    `json:"number_of_guardians"`
	Quorum            int    `json:"quorum"`
}

type createResponse struct {
	ElectionKeyPair struct {
		PublicKey  string         `json:"public_key" validate:"required"`
		SecretKey  string         `json:"secret_key" validate:"required"`
		Proof      models.Payload `json:"proof" validate:"required"`
		Polynomial models.Payload `json:"polynomial" validate:"required"`
	} `json:"election_key_pair"`
	AuxiliaryKeyPair struct {
		PublicKey string `json:"public_key"`
		SecretKey string `json:"secret_key"`
	} `json:"auxiliary_key_pair"`
}

type tallyShareRequest struct {
	Description    *manifest.Manifest     `json:"description"`
	Context        models.ElectionContext `json:"context"`
	Guardian       models.Guardian        `json:"guardian"`
	EncryptedTally models.EncryptedTally  `json:"encrypted_tally"`
}

type ballotSharesRequest struct {
	Context          models.ElectionContext   `json:"context"`
	Guardian         models.Guardian          `json:"guardian"`
	EncryptedBallots []models.SubmittedBallot `json:"encrypted_ballots"`
}

type ballotSharesResponse struct {
	Shares models.Payload `json:"shares" validate:"required"`
}

// Create asks the guardian service to generate key material for id. The
// result always carries exposed key material.
func (c *Client) Create(ctx context.Context, id models.GuardianIdentity, policy models.GuardianSetPolicy) (models.Guardian, error) {
	req := createRequest{
		ID:                id.ObjectID(),
		SequenceOrder:     id.SequenceOrder,
		NumberOfGuardians: policy.GuardianCount,
		Quorum:            policy.Quorum,
	}
	var out createResponse
	if err := c.gw.Post(ctx, EndpointCreate, req, &out); err != nil {
		return models.Guardian{}, err
	}
	kp := out.ElectionKeyPair
	keys, err := models.NewExposedKeys(kp.PublicKey, kp.SecretKey, kp.Proof, kp.Polynomial,
		out.AuxiliaryKeyPair.PublicKey, out.AuxiliaryKeyPair.SecretKey)
	if err != nil {
		return models.Guardian{}, &errs.UnexpectedResponseError{Status: 200, Reason: "OK", Cause: err}
	}
	return models.Guardian{Identity: id, Policy: policy, Keys: keys}, nil
}

// DecryptTallyShare computes g's share of the tally. g must carry its
// exposed key material.
func (c *Client) DecryptTallyShare(ctx context.Context, m *manifest.Manifest, ectx models.ElectionContext, g models.Guardian, tally models.EncryptedTally) (models.Payload, error) {
	if g.Keys.Kind != models.Exposed {
		return nil, errs.Definition("guardian", "%s has no secret key material", g.ObjectID())
	}
	var out models.Payload
	req := tallyShareRequest{Description: m, Context: ectx, Guardian: g, EncryptedTally: tally}
	if err := c.gw.Post(ctx, EndpointDecryptTallyShare, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecryptBallotShares computes g's shares for a batch of spoiled ballots.
func (c *Client) DecryptBallotShares(ctx context.Context, ectx models.ElectionContext, g models.Guardian, ballots []models.SubmittedBallot) (models.Payload, error) {
	if g.Keys.Kind != models.Exposed {
		return nil, errs.Definition("guardian", "%s has no secret key material", g.ObjectID())
	}
	var out ballotSharesResponse
	req := ballotSharesRequest{Context: ectx, Guardian: g, EncryptedBallots: ballots}
	if err := c.gw.Post(ctx, EndpointDecryptBallotShares, req, &out); err != nil {
		return nil, err
	}
	return out.Shares, nil
}
