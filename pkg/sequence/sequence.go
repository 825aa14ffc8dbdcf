// Package sequence holds the state that must advance strictly in order
// across a session: the encryption seed chain and guardian numbering.
package sequence

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/moznion/go-optional"

	"egcoord/pkg/errs"
	"egcoord/pkg/models"
)

// seedBound keeps the initial seed well inside a signed 64-bit integer.
var seedBound = new(big.Int).Lsh(big.NewInt(1), 62)

// SeedChain threads the opaque seed hash returned by each encryption batch
// into the next one.
type SeedChain struct {
	mu   sync.Mutex
	seed optional.Option[models.Payload]
}

func NewSeedChain() *SeedChain { return &SeedChain{seed: optional.None[models.Payload]()} }

// Current returns the seed for the next batch, drawing a random integer
// the first time.
func (c *SeedChain) Current() (models.Payload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seed, err := c.seed.Take(); err == nil {
		return seed, nil
	}
	n, err := rand.Int(rand.Reader, seedBound)
	if err != nil {
		return nil, fmt.Errorf("failed to draw initial seed: %w", err)
	}
	seed := models.Payload(n.String())
	c.seed = optional.Some(seed)
	return seed, nil
}

// Advance records the seed returned by a completed batch.
func (c *SeedChain) Advance(next models.Payload) error {
	if next.IsZero() {
		return errs.Definition("next_seed_hash", "is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seed = optional.Some(append(models.Payload(nil), next...))
	return nil
}

// Export returns the current seed, or None if the chain has not started.
func (c *SeedChain) Export() optional.Option[models.Payload] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seed
}

func (c *SeedChain) Restore(seed optional.Option[models.Payload]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seed = seed
}

// Counter hands out guardian sequence orders per ID template. Orders are
// never reused within a session.
type Counter struct {
	mu   sync.Mutex
	next map[string]int
}

func NewCounter() *Counter { return &Counter{next: map[string]int{}} }

// Reserve returns n consecutive identities for template.
func (c *Counter) Reserve(template string, n int) ([]models.GuardianIdentity, error) {
	if template == "" {
		return nil, errs.Definition("id_template", "is required")
	}
	if n < 1 {
		return nil, errs.Definition("number_of_guardians", "must be at least 1, got %d", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.next[template]
	ids := make([]models.GuardianIdentity, n)
	for i := range ids {
		ids[i] = models.GuardianIdentity{IDTemplate: template, SequenceOrder: start + i}
	}
	c.next[template] = start + n
	return ids, nil
}

func (c *Counter) Export() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.next))
	for k, v := range c.next {
		out[k] = v
	}
	return out
}

// Restore loads a snapshot. Counters only move forward: a snapshot value
// lower than the live one is ignored.
func (c *Counter) Restore(snapshot map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range snapshot {
		if v > c.next[k] {
			c.next[k] = v
		}
	}
}

// State is the serializable hand-off form of both sequences.
type State struct {
	Seed     models.Payload `json:"seed_hash,omitempty"`
	Counters map[string]int `json:"counters"`
}

func Snapshot(seed *SeedChain, counter *Counter) State {
	st := State{Counters: counter.Export()}
	if s, err := seed.Export().Take(); err == nil {
		st.Seed = s
	}
	return st
}

func (s State) Apply(seed *SeedChain, counter *Counter) {
	if !s.Seed.IsZero() {
		seed.Restore(optional.Some(s.Seed))
	}
	counter.Restore(s.Counters)
}

func (s State) MarshalBinary() ([]byte, error) { return json.Marshal(s) }

func (s *State) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, s) }
