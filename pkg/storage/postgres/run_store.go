package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"egcoord/pkg/models"
	"egcoord/pkg/storage"
)

type PostgresStore struct {
	db *gorm.DB
}

var _ storage.RunStore = (*PostgresStore)(nil)

// NewPostgresStore opens the connection and migrates the run schema.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(connString), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return NewFromDB(db)
}

// NewFromDB wraps an open connection, migrating the schema first.
func NewFromDB(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&models.ElectionRun{}, &models.StageEvent{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.ElectionRun) error {
	if run.State == "" {
		run.State = models.RunPending
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return storage.ErrConflict
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*models.ElectionRun, error) {
	var run models.ElectionRun
	if err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit, offset int) ([]models.ElectionRun, error) {
	var runs []models.ElectionRun
	result := s.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&runs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list runs: %w", result.Error)
	}
	return runs, nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, id uuid.UUID, nodeID string, startedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.ElectionRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":      models.RunRunning,
			"node_id":    nodeID,
			"started_at": startedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark run running: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RecordStage inserts the event and advances the run's stage in one
// transaction. Failed stage attempts are recorded without moving the stage.
func (s *PostgresStore) RecordStage(ctx context.Context, event *models.StageEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("failed to record stage: %w", err)
		}
		if event.Error != "" {
			return nil
		}
		result := tx.Model(&models.ElectionRun{}).
			Where("id = ?", event.RunID).
			Update("stage", event.Stage)
		if result.Error != nil {
			return fmt.Errorf("failed to update stage: %w", result.Error)
		}
		return nil
	})
}

func (s *PostgresStore) ListStages(ctx context.Context, runID uuid.UUID) ([]models.StageEvent, error) {
	var events []models.StageEvent
	result := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id asc").
		Find(&events)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list stages: %w", result.Error)
	}
	return events, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id uuid.UUID, res storage.RunResult) error {
	if !res.State.Terminal() {
		return fmt.Errorf("complete run %s: state %s is not terminal", id, res.State)
	}
	updates := map[string]interface{}{
		"state":        res.State,
		"error":        res.Error,
		"record_uri":   res.RecordURI,
		"completed_at": time.Now(),
	}
	if len(res.Tally) > 0 {
		updates["tally"] = res.Tally
	}
	result := s.db.WithContext(ctx).
		Model(&models.ElectionRun{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to complete run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkOrphansAsFailed fails RUNNING runs whose node is not in
// activeNodeIDs. With no active nodes every RUNNING run is an orphan.
func (s *PostgresStore) MarkOrphansAsFailed(ctx context.Context, activeNodeIDs []string) (int64, error) {
	query := s.db.WithContext(ctx).
		Model(&models.ElectionRun{}).
		Where("state = ?", models.RunRunning)
	if len(activeNodeIDs) > 0 {
		query = query.Where("node_id NOT IN ?", activeNodeIDs)
	}

	result := query.Updates(map[string]interface{}{
		"state":        models.RunFailed,
		"error":        "worker lost",
		"completed_at": time.Now(),
	})
	return result.RowsAffected, result.Error
}
