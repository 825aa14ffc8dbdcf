package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"egcoord/pkg/coordination"
)

const (
	leaderPrefix = "/egcoord/leaders/"
	lockPrefix   = "/egcoord/locks/"
	workerPrefix = "/egcoord/workers/"
)

type EtcdCoordinator struct {
	client  *clientv3.Client
	session *concurrency.Session

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

var _ coordination.Coordinator = (*EtcdCoordinator)(nil)

func NewEtcdCoordinator(endpoints []string, ttl int) (*EtcdCoordinator, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// The session keeps its lease alive; locks and campaigns die with it.
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}

	return &EtcdCoordinator{
		client:  cli,
		session: sess,
		leases:  map[string]clientv3.LeaseID{},
	}, nil
}

func (c *EtcdCoordinator) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

func (c *EtcdCoordinator) NewLeadership(name string) coordination.Leadership {
	return &EtcdLeadership{election: concurrency.NewElection(c.session, leaderPrefix+name)}
}

func (c *EtcdCoordinator) Lock(ctx context.Context, scope string) (coordination.UnlockFunc, error) {
	m := concurrency.NewMutex(c.session, lockPrefix+scope)
	if err := m.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to lock scope %s: %w", scope, err)
	}
	return m.Unlock, nil
}

// RegisterWorker refreshes the worker's lease, granting a new one when it
// has expired, and rewrites the worker's info.
func (c *EtcdCoordinator) RegisterWorker(ctx context.Context, info coordination.WorkerInfo, ttl int) error {
	value, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode worker info: %w", err)
	}

	c.mu.Lock()
	lease, ok := c.leases[info.ID]
	c.mu.Unlock()
	if ok {
		if _, err := c.client.KeepAliveOnce(ctx, lease); err != nil {
			ok = false
		}
	}
	if !ok {
		resp, err := c.client.Grant(ctx, int64(ttl))
		if err != nil {
			return fmt.Errorf("failed to grant lease: %w", err)
		}
		lease = resp.ID
		c.mu.Lock()
		c.leases[info.ID] = lease
		c.mu.Unlock()
	}

	if _, err := c.client.Put(ctx, workerPrefix+info.ID, string(value), clientv3.WithLease(lease)); err != nil {
		return fmt.Errorf("failed to put worker key: %w", err)
	}
	return nil
}

func (c *EtcdCoordinator) ActiveWorkers(ctx context.Context) ([]coordination.WorkerInfo, error) {
	resp, err := c.client.Get(ctx, workerPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	workers := make([]coordination.WorkerInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var info coordination.WorkerInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			// Older or foreign values still identify a live worker.
			info = coordination.WorkerInfo{ID: strings.TrimPrefix(string(kv.Key), workerPrefix)}
		}
		workers = append(workers, info)
	}
	return workers, nil
}

// EtcdLeadership wraps the etcd concurrency.Election struct
type EtcdLeadership struct {
	election *concurrency.Election
}

func (e *EtcdLeadership) Campaign(ctx context.Context, value string) error {
	return e.election.Campaign(ctx, value)
}

func (e *EtcdLeadership) Resign(ctx context.Context) error {
	return e.election.Resign(ctx)
}

func (e *EtcdLeadership) Leader(ctx context.Context) (string, error) {
	resp, err := e.election.Leader(ctx)
	if errors.Is(err, concurrency.ErrElectionNoLeader) {
		return "", coordination.ErrNoLeader
	}
	if err != nil {
		return "", err
	}
	return string(resp.Kvs[0].Value), nil
}
