// Package memory implements the storage interfaces in process, for tests and
// single-node runs.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"egcoord/pkg/models"
	"egcoord/pkg/sequence"
	"egcoord/pkg/storage"
)

type RunStore struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]models.ElectionRun
	stages []models.StageEvent
}

var _ storage.RunStore = (*RunStore)(nil)

func NewRunStore() *RunStore {
	return &RunStore{runs: map[uuid.UUID]models.ElectionRun{}}
}

func (s *RunStore) CreateRun(_ context.Context, run *models.ElectionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if _, ok := s.runs[run.ID]; ok {
		return storage.ErrConflict
	}
	if run.State == "" {
		run.State = models.RunPending
	}
	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now
	s.runs[run.ID] = *run
	return nil
}

func (s *RunStore) GetRun(_ context.Context, id uuid.UUID) (*models.ElectionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &run, nil
}

func (s *RunStore) ListRuns(_ context.Context, limit, offset int) ([]models.ElectionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ElectionRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []models.ElectionRun{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *RunStore) update(id uuid.UUID, fn func(*models.ElectionRun)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(&run)
	run.UpdatedAt = time.Now()
	s.runs[id] = run
	return nil
}

func (s *RunStore) MarkRunning(_ context.Context, id uuid.UUID, nodeID string, startedAt time.Time) error {
	return s.update(id, func(r *models.ElectionRun) {
		r.State = models.RunRunning
		r.NodeID = &nodeID
		r.StartedAt = &startedAt
	})
}

func (s *RunStore) RecordStage(_ context.Context, event *models.StageEvent) error {
	s.mu.Lock()
	run, ok := s.runs[event.RunID]
	if !ok {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	event.ID = uint(len(s.stages) + 1)
	event.CreatedAt = time.Now()
	s.stages = append(s.stages, *event)
	if event.Error == "" {
		run.Stage = event.Stage
		s.runs[event.RunID] = run
	}
	s.mu.Unlock()
	return nil
}

func (s *RunStore) ListStages(_ context.Context, runID uuid.UUID) ([]models.StageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StageEvent
	for _, e := range s.stages {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *RunStore) Complete(_ context.Context, id uuid.UUID, res storage.RunResult) error {
	now := time.Now()
	return s.update(id, func(r *models.ElectionRun) {
		r.State = res.State
		r.Error = res.Error
		r.RecordURI = res.RecordURI
		if len(res.Tally) > 0 {
			r.Tally = res.Tally
		}
		r.CompletedAt = &now
	})
}

func (s *RunStore) MarkOrphansAsFailed(_ context.Context, activeNodeIDs []string) (int64, error) {
	active := map[string]bool{}
	for _, id := range activeNodeIDs {
		active[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now()
	for id, r := range s.runs {
		if r.State != models.RunRunning || (r.NodeID != nil && active[*r.NodeID]) {
			continue
		}
		r.State = models.RunFailed
		r.Error = "worker lost"
		r.CompletedAt = &now
		s.runs[id] = r
		n++
	}
	return n, nil
}

// Queue is a channel-backed queue. Consumer groups are not modelled: every
// message is delivered once.
type Queue struct {
	ch    chan message
	seq   int
	mu    sync.Mutex
	acked map[string]bool
	block time.Duration
}

type message struct {
	id  string
	req models.RunRequest
}

var _ storage.Queue = (*Queue)(nil)

func NewQueue(size int) *Queue {
	return &Queue{ch: make(chan message, size), acked: map[string]bool{}, block: 100 * time.Millisecond}
}

func (q *Queue) Push(ctx context.Context, req *models.RunRequest) error {
	q.mu.Lock()
	q.seq++
	id := strconv.Itoa(q.seq)
	q.mu.Unlock()
	select {
	case q.ch <- message{id: id, req: *req}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Pop(ctx context.Context, _, _ string) (string, *models.RunRequest, error) {
	timer := time.NewTimer(q.block)
	defer timer.Stop()
	select {
	case m := <-q.ch:
		return m.id, &m.req, nil
	case <-timer.C:
		return "", nil, nil
	case <-ctx.Done():
		return "", nil, nil
	}
}

func (q *Queue) Ack(_ context.Context, _, msgID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked[msgID] = true
	return nil
}

func (q *Queue) Acked(msgID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked[msgID]
}

func (q *Queue) EnsureGroup(context.Context, string) error { return nil }

type CheckpointStore struct {
	mu     sync.Mutex
	states map[string][]byte
}

var _ storage.CheckpointStore = (*CheckpointStore)(nil)

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{states: map[string][]byte{}}
}

// SaveCheckpoint stores the binary form so callers never share maps.
func (c *CheckpointStore) SaveCheckpoint(_ context.Context, scope string, state sequence.State) error {
	data, err := state.MarshalBinary()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[scope] = data
	return nil
}

func (c *CheckpointStore) LoadCheckpoint(_ context.Context, scope string) (sequence.State, error) {
	c.mu.Lock()
	data, ok := c.states[scope]
	c.mu.Unlock()
	if !ok {
		return sequence.State{}, storage.ErrNotFound
	}
	var st sequence.State
	err := st.UnmarshalBinary(data)
	return st, err
}

type RecordStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

var _ storage.RecordStore = (*RecordStore)(nil)

func NewRecordStore() *RecordStore { return &RecordStore{files: map[string][]byte{}} }

func (r *RecordStore) Put(_ context.Context, key string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[key] = append([]byte(nil), body...)
	return nil
}

func (r *RecordStore) Retrieve(_ context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.files[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b, nil
}

func (r *RecordStore) URI(prefix string) string { return "mem://" + prefix }

// Keys lists stored keys in order.
func (r *RecordStore) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.files))
	for k := range r.files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
