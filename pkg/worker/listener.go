package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"egcoord/pkg/coordinator"
	"egcoord/pkg/models"
	"egcoord/pkg/storage"
)

// runListener persists stage history and, after every successful stage,
// the coordinator's sequential state.
type runListener struct {
	runID       uuid.UUID
	scope       string
	runs        storage.RunStore
	checkpoints storage.CheckpointStore
	log         *zap.Logger
	c           *coordinator.Coordinator
}

func (l *runListener) OnStage(ctx context.Context, stage coordinator.State, elapsed time.Duration, err error) {
	ctx = context.WithoutCancel(ctx)
	event := &models.StageEvent{RunID: l.runID, Stage: stage.String(), DurationMs: elapsed.Milliseconds()}
	if err != nil {
		event.Error = err.Error()
	}
	if err := l.runs.RecordStage(ctx, event); err != nil {
		l.log.Warn("Failed to record stage", zap.Stringer("stage", stage), zap.Error(err))
	}
	if err != nil || l.c == nil {
		return
	}
	if err := l.checkpoints.SaveCheckpoint(ctx, l.scope, l.c.Sequence()); err != nil {
		l.log.Warn("Failed to save checkpoint", zap.Stringer("stage", stage), zap.Error(err))
	}
}
