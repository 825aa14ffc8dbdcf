package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"gorm.io/gorm"
)

// RunState is the lifecycle of a queued election run.
type RunState string

const (
	RunPending   RunState = "PENDING"
	RunRunning   RunState = "RUNNING"
	RunSucceeded RunState = "SUCCEEDED"
	RunFailed    RunState = "FAILED"
)

// Terminal reports whether no further transitions are expected.
func (s RunState) Terminal() bool { return s == RunSucceeded || s == RunFailed }

// JSONB stores an arbitrary JSON document in a jsonb column.
type JSONB json.RawMessage

func (j *JSONB) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		*j = append((*j)[0:0], v...)
		return nil
	case string:
		*j = JSONB(v)
		return nil
	default:
		return errors.New("type assertion to []byte failed")
	}
}

func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

func (j JSONB) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSONB) UnmarshalJSON(data []byte) error {
	*j = append((*j)[0:0], data...)
	return nil
}

// ElectionRun is one end-to-end execution of the election protocol.
type ElectionRun struct {
	ID            uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	ElectionScope string         `json:"election_scope" gorm:"not null;index"`
	GuardianCount int            `json:"guardian_count" gorm:"not null"`
	Quorum        int            `json:"quorum" gorm:"not null"`
	BallotCount   int            `json:"ballot_count"`
	State         RunState       `json:"state" gorm:"type:varchar(20);default:'PENDING';index"`
	Stage         string         `json:"stage" gorm:"type:varchar(40)"`
	NodeID        *string        `json:"node_id"`
	Error         string         `json:"error,omitempty"`
	RecordURI     string         `json:"record_uri,omitempty"`
	Tally         JSONB          `json:"tally,omitempty" gorm:"type:jsonb"`
	StartedAt     *time.Time     `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `json:"-" gorm:"index"`
}

func (r *ElectionRun) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return
}

func (r ElectionRun) Started() optional.Option[time.Time] {
	return optional.FromNillable(r.StartedAt)
}

// Duration is the wall time of a completed run.
func (r ElectionRun) Duration() optional.Option[time.Duration] {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return optional.None[time.Duration]()
	}
	return optional.Some(r.CompletedAt.Sub(*r.StartedAt))
}

// StageEvent records one coordinator stage transition of a run.
type StageEvent struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	RunID      uuid.UUID `json:"run_id" gorm:"type:uuid;not null;index"`
	Stage      string    `json:"stage" gorm:"type:varchar(40);not null"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	Run *ElectionRun `json:"-" gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

// RunRequest is the queue message that asks a worker to execute a run.
// Manifest stays raw so the worker decodes and validates it itself; nil
// selects the built-in test election.
type RunRequest struct {
	RunID         uuid.UUID         `json:"run_id" validate:"required"`
	Manifest      json.RawMessage   `json:"manifest,omitempty"`
	Ballots       []json.RawMessage `json:"ballots,omitempty"`
	FakeBallots   int               `json:"fake_ballots,omitempty" validate:"gte=0"`
	GuardianCount int               `json:"guardian_count" validate:"gt=0"`
	Quorum        int               `json:"quorum" validate:"gt=0,ltefield=GuardianCount"`
	IDTemplate    string            `json:"id_template" validate:"required,max=256"`
}
