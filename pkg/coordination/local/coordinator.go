// Package local is an in-process coordination.Coordinator for single-node
// deployments and tests.
package local

import (
	"context"
	"sort"
	"sync"
	"time"

	"egcoord/pkg/coordination"
)

type Coordinator struct {
	mu      sync.Mutex
	locks   map[string]chan struct{}
	leaders map[string]*leadership
	workers map[string]worker
	now     func() time.Time
}

type worker struct {
	info    coordination.WorkerInfo
	expires time.Time
}

var _ coordination.Coordinator = (*Coordinator)(nil)

func New() *Coordinator {
	return &Coordinator{
		locks:   map[string]chan struct{}{},
		leaders: map[string]*leadership{},
		workers: map[string]worker{},
		now:     time.Now,
	}
}

func (c *Coordinator) Close() error { return nil }

func (c *Coordinator) Lock(ctx context.Context, scope string) (coordination.UnlockFunc, error) {
	c.mu.Lock()
	ch, ok := c.locks[scope]
	if !ok {
		ch = make(chan struct{}, 1)
		c.locks[scope] = ch
	}
	c.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-ch })
		return nil
	}, nil
}

func (c *Coordinator) RegisterWorker(_ context.Context, info coordination.WorkerInfo, ttl int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers[info.ID] = worker{info: info, expires: c.now().Add(time.Duration(ttl) * time.Second)}
	return nil
}

func (c *Coordinator) ActiveWorkers(context.Context) ([]coordination.WorkerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var out []coordination.WorkerInfo
	for id, w := range c.workers {
		if now.After(w.expires) {
			delete(c.workers, id)
			continue
		}
		out = append(out, w.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Expire drops a worker's registration as if its lease ran out.
func (c *Coordinator) Expire(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workers, id)
}

func (c *Coordinator) NewLeadership(name string) coordination.Leadership {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leaders[name]
	if !ok {
		l = &leadership{seat: make(chan struct{}, 1)}
		c.leaders[name] = l
	}
	return &campaign{l: l}
}

type leadership struct {
	seat chan struct{}

	mu    sync.Mutex
	value string
}

// campaign is one participant; resigning only releases a seat it holds.
type campaign struct {
	l    *leadership
	held bool
}

func (c *campaign) Campaign(ctx context.Context, value string) error {
	select {
	case c.l.seat <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.l.mu.Lock()
	c.l.value = value
	c.l.mu.Unlock()
	c.held = true
	return nil
}

func (c *campaign) Resign(context.Context) error {
	if !c.held {
		return nil
	}
	c.held = false
	c.l.mu.Lock()
	c.l.value = ""
	c.l.mu.Unlock()
	<-c.l.seat
	return nil
}

func (c *campaign) Leader(context.Context) (string, error) {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	if c.l.value == "" {
		return "", coordination.ErrNoLeader
	}
	return c.l.value, nil
}
