// Package egtest provides an in-process stand-in for the mediator and
// guardian services. "Encryption" is the identity, tallies are plain vote
// counts, and shares are deterministic strings, so protocol behaviour can be
// asserted exactly.
package egtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"egcoord/pkg/manifest"
)

// Service is one fake endpoint serving both mediator and guardian routes.
type Service struct {
	*httptest.Server

	mu          sync.Mutex
	pingDelay   time.Duration
	down        bool
	failures    map[string]int // endpoint -> status
	guardianErr map[string]int // guardian id -> status
	rejection   *rejection
	requests    map[string][]json.RawMessage
	seedCounter int
}

type rejection struct {
	message string
	details json.RawMessage
}

type Option func(*Service)

// WithPingDelay delays every ping by d.
func WithPingDelay(d time.Duration) Option { return func(s *Service) { s.pingDelay = d } }

// Down makes the service answer every request, ping included, with 503.
func Down() Option { return func(s *Service) { s.down = true } }

// New starts a fake service and registers its shutdown with t.
func New(t testing.TB, opts ...Option) *Service {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Service{
		failures:    map[string]int{},
		guardianErr: map[string]int{},
		requests:    map[string][]json.RawMessage{},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(s.middleware)
	v1 := r.Group("/api/v1")
	{
		v1.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
		v1.GET("/election/constants", s.constants)
		v1.POST("/election/validate/description", s.validateDescription)
		v1.POST("/key/election/combine", s.combineKeys)
		v1.POST("/election/context", s.electionContext)
		v1.POST("/guardian", s.createGuardian)
		v1.POST("/ballot/encrypt", s.encrypt)
		v1.POST("/ballot/cast", s.submit("CAST"))
		v1.POST("/ballot/spoil", s.submit("SPOILED"))
		v1.POST("/tally", s.tally(false))
		v1.POST("/tally/append", s.tally(true))
		v1.POST("/tally/decrypt-share", s.tallyShare)
		v1.POST("/tally/decrypt", s.decryptTally)
		v1.POST("/ballot/decrypt-shares", s.ballotShares)
		v1.POST("/ballot/decrypt", s.decryptBallots)
		v1.POST("/tracker/words", s.trackerWords)
	}

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Server.Close)
	return s
}

// FailEndpoint makes endpoint (e.g. "tally/append") answer with status.
func (s *Service) FailEndpoint(endpoint string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[endpoint] = status
}

// FailGuardian makes every guardian route answer with status for the
// guardian with object ID id.
func (s *Service) FailGuardian(id string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guardianErr[id] = status
}

// RejectManifest makes manifest validation report success=false.
func (s *Service) RejectManifest(message string, details any) {
	raw, _ := json.Marshal(details)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejection = &rejection{message: message, details: raw}
}

// SetDown toggles the outage state.
func (s *Service) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Requests returns the bodies received for endpoint, in arrival order.
func (s *Service) Requests(endpoint string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.requests[endpoint]...)
}

// Calls counts requests received for endpoint.
func (s *Service) Calls(endpoint string) int { return len(s.Requests(endpoint)) }

func (s *Service) middleware(c *gin.Context) {
	endpoint := strings.TrimPrefix(c.Request.URL.Path, "/api/v1/")

	var body json.RawMessage
	if c.Request.Body != nil && c.Request.Method == http.MethodPost {
		if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		c.Set("body", body)
	}

	s.mu.Lock()
	delay, down := s.pingDelay, s.down
	status, failing := s.failures[endpoint]
	s.requests[endpoint] = append(s.requests[endpoint], body)
	s.mu.Unlock()

	if down {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	if endpoint == "ping" {
		time.Sleep(delay)
	}
	if failing {
		c.AbortWithStatusJSON(status, gin.H{"detail": "injected failure"})
		return
	}
	c.Next()
}

func bind(c *gin.Context, out any) bool {
	raw, _ := c.Get("body")
	body, _ := raw.(json.RawMessage)
	if err := json.Unmarshal(body, out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return false
	}
	return true
}

func (s *Service) guardianFailure(c *gin.Context, id string) bool {
	s.mu.Lock()
	status, ok := s.guardianErr[id]
	s.mu.Unlock()
	if ok {
		c.JSON(status, gin.H{"detail": "guardian " + id + " unavailable"})
	}
	return ok
}

func (s *Service) constants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"large_prime": "104729",
		"small_prime": "7919",
		"cofactor":    "13",
		"generator":   "2",
	})
}

func (s *Service) validateDescription(c *gin.Context) {
	var req struct {
		Description *manifest.Manifest `json:"description"`
	}
	if !bind(c, &req) {
		return
	}
	s.mu.Lock()
	rej := s.rejection
	s.mu.Unlock()
	if rej != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": rej.message, "details": rej.details})
		return
	}
	if err := req.Description.Validate(); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": err.Error(), "details": gin.H{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "", "details": gin.H{}})
}

func (s *Service) combineKeys(c *gin.Context) {
	var req struct {
		Keys []string `json:"election_public_keys"`
	}
	if !bind(c, &req) {
		return
	}
	if len(req.Keys) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "no keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"joint_key": JointKey(req.Keys)})
}

// JointKey is the fake's deterministic key combination.
func JointKey(keys []string) string { return "joint(" + strings.Join(keys, ",") + ")" }

func (s *Service) electionContext(c *gin.Context) {
	var req struct {
		Description       *manifest.Manifest `json:"description"`
		ElGamalPublicKey  string             `json:"elgamal_public_key"`
		NumberOfGuardians int                `json:"number_of_guardians"`
		Quorum            int                `json:"quorum"`
	}
	if !bind(c, &req) {
		return
	}
	if req.Description == nil || req.ElGamalPublicKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "description and key required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"crypto_base_hash":          "base-" + req.Description.ElectionScopeID,
		"crypto_extended_base_hash": "extended-" + req.Description.ElectionScopeID,
		"description_hash":          "description-" + req.Description.ElectionScopeID,
		"elgamal_public_key":        req.ElGamalPublicKey,
		"number_of_guardians":       req.NumberOfGuardians,
		"quorum":                    req.Quorum,
	})
}

func (s *Service) createGuardian(c *gin.Context) {
	var req struct {
		ID                string `json:"id"`
		SequenceOrder     int    `json:"sequence_order"`
		NumberOfGuardians int    `json:"number_of_guardians"`
		Quorum            int    `json:"quorum"`
	}
	if !bind(c, &req) || s.guardianFailure(c, req.ID) {
		return
	}
	if req.ID == "" || req.Quorum < 1 || req.Quorum > req.NumberOfGuardians {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid guardian parameters"})
		return
	}
	coefficients := make([]string, req.Quorum)
	for i := range coefficients {
		coefficients[i] = fmt.Sprintf("%s-c%d", req.ID, i)
	}
	c.JSON(http.StatusOK, gin.H{
		"election_key_pair": gin.H{
			"public_key": "pk-" + req.ID,
			"secret_key": "sk-" + req.ID,
			"proof":      gin.H{"challenge": "ch-" + req.ID, "response": "rs-" + req.ID},
			"polynomial": gin.H{"coefficients": coefficients},
		},
		"auxiliary_key_pair": gin.H{
			"public_key": "aux-pk-" + req.ID,
			"secret_key": "aux-sk-" + req.ID,
		},
	})
}

type ballotWire map[string]json.RawMessage

func (b ballotWire) id() string {
	var id string
	_ = json.Unmarshal(b["object_id"], &id)
	return id
}

func (b ballotWire) state() string {
	var st string
	_ = json.Unmarshal(b["state"], &st)
	return st
}

func (s *Service) encrypt(c *gin.Context) {
	var req struct {
		Nonce    json.Number     `json:"nonce"`
		SeedHash json.RawMessage `json:"seed_hash"`
		Ballots  []ballotWire    `json:"ballots"`
	}
	if !bind(c, &req) {
		return
	}
	if len(req.SeedHash) == 0 || string(req.SeedHash) == "null" || req.Nonce == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "seed_hash and nonce required"})
		return
	}
	out := make([]ballotWire, len(req.Ballots))
	for i, b := range req.Ballots {
		enc := ballotWire{}
		for k, v := range b {
			enc[k] = v
		}
		enc["tracking_hash"], _ = json.Marshal("hash-" + b.id())
		enc["state"], _ = json.Marshal("UNKNOWN")
		out[i] = enc
	}

	s.mu.Lock()
	s.seedCounter++
	next := fmt.Sprintf("seed-%d", s.seedCounter)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"encrypted_ballots": out, "next_seed_hash": next})
}

func (s *Service) submit(state string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Ballot ballotWire `json:"ballot"`
		}
		if !bind(c, &req) {
			return
		}
		if req.Ballot.id() == "" {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "ballot required"})
			return
		}
		req.Ballot["state"], _ = json.Marshal(state)
		c.JSON(http.StatusOK, req.Ballot)
	}
}

// Tally is the fake's encrypted tally: plain counts per contest and selection.
type Tally struct {
	Contests map[string]map[string]int `json:"contests"`
	Ballots  int                       `json:"ballot_count"`
}

type plainContest struct {
	ObjectID   string `json:"object_id"`
	Selections []struct {
		ObjectID string `json:"object_id"`
		Vote     string `json:"vote"`
	} `json:"ballot_selections"`
}

func (s *Service) tally(appending bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Ballots        []ballotWire    `json:"ballots"`
			EncryptedTally json.RawMessage `json:"encrypted_tally"`
		}
		if !bind(c, &req) {
			return
		}
		t := Tally{Contests: map[string]map[string]int{}}
		if appending {
			if err := json.Unmarshal(req.EncryptedTally, &t); err != nil || t.Contests == nil {
				c.JSON(http.StatusBadRequest, gin.H{"detail": "encrypted_tally required"})
				return
			}
		} else if len(req.EncryptedTally) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "use tally/append"})
			return
		}
		for _, b := range req.Ballots {
			if b.state() != "CAST" {
				c.JSON(http.StatusBadRequest, gin.H{"detail": "ballot " + b.id() + " is not cast"})
				return
			}
			var contests []plainContest
			_ = json.Unmarshal(b["contests"], &contests)
			for _, ct := range contests {
				if t.Contests[ct.ObjectID] == nil {
					t.Contests[ct.ObjectID] = map[string]int{}
				}
				for _, sel := range ct.Selections {
					if sel.Vote == manifest.VoteTrue {
						t.Contests[ct.ObjectID][sel.ObjectID]++
					}
				}
			}
			t.Ballots++
		}
		c.JSON(http.StatusOK, t)
	}
}

type guardianWire struct {
	ID              string `json:"id"`
	ElectionKeyPair struct {
		SecretKey string `json:"secret_key"`
	} `json:"election_key_pair"`
}

func (s *Service) tallyShare(c *gin.Context) {
	var req struct {
		Guardian       guardianWire    `json:"guardian"`
		EncryptedTally json.RawMessage `json:"encrypted_tally"`
	}
	if !bind(c, &req) || s.guardianFailure(c, req.Guardian.ID) {
		return
	}
	if req.Guardian.ElectionKeyPair.SecretKey == "" || len(req.EncryptedTally) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "guardian secret and tally required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"guardian_id": req.Guardian.ID, "share": "tally-share-" + req.Guardian.ID})
}

type contextWire struct {
	Quorum int `json:"quorum"`
}

func (s *Service) decryptTally(c *gin.Context) {
	var req struct {
		Description    *manifest.Manifest         `json:"description"`
		Context        contextWire                `json:"context"`
		EncryptedTally Tally                      `json:"encrypted_tally"`
		Shares         map[string]json.RawMessage `json:"shares"`
	}
	if !bind(c, &req) {
		return
	}
	if len(req.Shares) < req.Context.Quorum {
		c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("%d shares, quorum is %d", len(req.Shares), req.Context.Quorum)})
		return
	}
	contests := gin.H{}
	if req.Description != nil {
		for _, ct := range req.Description.Contests {
			selections := gin.H{}
			for _, sel := range ct.BallotSelections {
				selections[sel.ObjectID] = gin.H{"tally": req.EncryptedTally.Contests[ct.ObjectID][sel.ObjectID]}
			}
			contests[ct.ObjectID] = gin.H{"selections": selections}
		}
	}
	c.JSON(http.StatusOK, gin.H{"contests": contests})
}

func (s *Service) ballotShares(c *gin.Context) {
	var req struct {
		Guardian         guardianWire `json:"guardian"`
		EncryptedBallots []ballotWire `json:"encrypted_ballots"`
	}
	if !bind(c, &req) || s.guardianFailure(c, req.Guardian.ID) {
		return
	}
	if req.Guardian.ElectionKeyPair.SecretKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "guardian secret required"})
		return
	}
	shares := gin.H{}
	for _, b := range req.EncryptedBallots {
		shares[b.id()] = "ballot-share-" + req.Guardian.ID + "-" + b.id()
	}
	c.JSON(http.StatusOK, gin.H{"shares": shares})
}

func (s *Service) decryptBallots(c *gin.Context) {
	var req struct {
		Context          contextWire                `json:"context"`
		EncryptedBallots []ballotWire               `json:"encrypted_ballots"`
		Shares           map[string]json.RawMessage `json:"shares"`
	}
	if !bind(c, &req) {
		return
	}
	if len(req.Shares) < req.Context.Quorum {
		c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("%d shares, quorum is %d", len(req.Shares), req.Context.Quorum)})
		return
	}
	out := map[string]json.RawMessage{}
	for _, b := range req.EncryptedBallots {
		if b.state() != "SPOILED" {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "ballot " + b.id() + " is not spoiled"})
			return
		}
		out[b.id()] = b["contests"]
	}
	c.JSON(http.StatusOK, out)
}

func (s *Service) trackerWords(c *gin.Context) {
	var req struct {
		TrackerHash string `json:"tracker_hash"`
		Separator   string `json:"separator"`
	}
	if !bind(c, &req) {
		return
	}
	if req.TrackerHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "tracker_hash required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tracker_words": TrackerWords(req.TrackerHash, req.Separator)})
}

// TrackerWords is the fake's deterministic hash-to-words mapping.
func TrackerWords(hash, separator string) string {
	return strings.Join(strings.Split(hash, "-"), separator) + separator + "words"
}
