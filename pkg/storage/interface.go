package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"egcoord/pkg/models"
	"egcoord/pkg/sequence"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// RunResult is the terminal outcome of a run.
type RunResult struct {
	State     models.RunState
	Error     string
	RecordURI string
	Tally     models.JSONB
}

// RunStore defines the data access layer for election run history.
type RunStore interface {
	// CreateRun persists a new PENDING run.
	CreateRun(ctx context.Context, run *models.ElectionRun) error

	GetRun(ctx context.Context, id uuid.UUID) (*models.ElectionRun, error)

	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, limit, offset int) ([]models.ElectionRun, error)

	// MarkRunning assigns the run to a node.
	MarkRunning(ctx context.Context, id uuid.UUID, nodeID string, startedAt time.Time) error

	// RecordStage appends a stage event and moves the run's current stage.
	RecordStage(ctx context.Context, event *models.StageEvent) error

	ListStages(ctx context.Context, runID uuid.UUID) ([]models.StageEvent, error)

	// Complete marks the run as finished.
	Complete(ctx context.Context, id uuid.UUID, result RunResult) error

	// MarkOrphansAsFailed fails RUNNING runs owned by nodes that are no
	// longer active.
	MarkOrphansAsFailed(ctx context.Context, activeNodeIDs []string) (int64, error)
}

// Queue dispatches run requests to workers.
type Queue interface {
	Push(ctx context.Context, req *models.RunRequest) error

	// Pop blocks briefly for the next request. An empty message ID means
	// nothing was available.
	Pop(ctx context.Context, group string, consumer string) (string, *models.RunRequest, error)

	Ack(ctx context.Context, group string, msgID string) error

	EnsureGroup(ctx context.Context, group string) error
}

// CheckpointStore hands sequential state from one coordinator to the next
// within an election scope.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, scope string, state sequence.State) error

	// LoadCheckpoint returns ErrNotFound when the scope has no checkpoint.
	LoadCheckpoint(ctx context.Context, scope string) (sequence.State, error)
}

// RecordStore persists election record files.
type RecordStore interface {
	Put(ctx context.Context, key string, body []byte) error
	Retrieve(ctx context.Context, key string) ([]byte, error)
	// URI returns the external reference for a key prefix.
	URI(prefix string) string
}
