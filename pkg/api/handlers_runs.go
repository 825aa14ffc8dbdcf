package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"egcoord/pkg/errs"
	"egcoord/pkg/manifest"
	"egcoord/pkg/models"
	"egcoord/pkg/storage"
	"egcoord/pkg/validation"
)

// CreateRunRequest submits an election run. Without a manifest the built-in
// test election is used; IDTemplate defaults to the election scope.
type CreateRunRequest struct {
	Manifest      json.RawMessage   `json:"manifest,omitempty"`
	Ballots       []json.RawMessage `json:"ballots,omitempty" validate:"max=10000"`
	FakeBallots   int               `json:"fake_ballots" validate:"gte=0,lte=10000"`
	GuardianCount int               `json:"guardian_count" validate:"gt=0,lte=100"`
	Quorum        int               `json:"quorum" validate:"gt=0,ltefield=GuardianCount"`
	IDTemplate    string            `json:"id_template,omitempty" validate:"max=256"`
}

type RunDetail struct {
	models.ElectionRun
	DurationMs *int64 `json:"duration_ms,omitempty"`
}

func detail(run models.ElectionRun) RunDetail {
	d := RunDetail{ElectionRun: run}
	if elapsed, err := run.Duration().Take(); err == nil {
		ms := elapsed.Milliseconds()
		d.DurationMs = &ms
	}
	return d
}

func (s *Server) fail(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	if errors.Is(err, storage.ErrNotFound) {
		status = http.StatusNotFound
	}
	if status >= 500 {
		_ = c.Error(err)
	}
	body := gin.H{"error": err.Error()}
	var def *errs.InvalidDefinitionError
	if errors.As(err, &def) && def.Field != "" {
		body["field"] = def.Field
	}
	c.JSON(status, body)
}

// createRun handles POST /api/v1/runs. Everything that can be checked
// without the remote services is checked here.
func (s *Server) createRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errs.Definition("body", "%v", err))
		return
	}
	if err := validation.Struct(&req); err != nil {
		s.fail(c, err)
		return
	}
	m, err := manifest.Decode(req.Manifest)
	if err != nil {
		s.fail(c, err)
		return
	}
	ballots, err := manifest.DecodeBallots(m, req.Ballots, req.FakeBallots)
	if err != nil {
		s.fail(c, err)
		return
	}
	if req.IDTemplate == "" {
		req.IDTemplate = m.ElectionScopeID
	}
	if len(req.Manifest) == 0 {
		// Fix the fixture in the message so the worker sees what was validated.
		req.Manifest, _ = json.Marshal(m)
	}

	run := &models.ElectionRun{
		ID:            uuid.New(),
		ElectionScope: m.ElectionScopeID,
		GuardianCount: req.GuardianCount,
		Quorum:        req.Quorum,
		BallotCount:   len(ballots),
		State:         models.RunPending,
	}
	ctx := c.Request.Context()
	if err := s.runs.CreateRun(ctx, run); err != nil {
		s.fail(c, err)
		return
	}

	msg := &models.RunRequest{
		RunID:         run.ID,
		Manifest:      req.Manifest,
		Ballots:       req.Ballots,
		FakeBallots:   req.FakeBallots,
		GuardianCount: req.GuardianCount,
		Quorum:        req.Quorum,
		IDTemplate:    req.IDTemplate,
	}
	if err := s.queue.Push(ctx, msg); err != nil {
		s.log.Error("Failed to enqueue run", zap.String("run_id", run.ID.String()), zap.Error(err))
		_ = s.runs.Complete(context.WithoutCancel(ctx), run.ID, storage.RunResult{State: models.RunFailed, Error: "enqueue: " + err.Error()})
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to enqueue run", "id": run.ID})
		return
	}

	s.log.Info("Run accepted",
		zap.String("run_id", run.ID.String()),
		zap.String("election_scope", run.ElectionScope),
		zap.Int("ballots", run.BallotCount))
	c.JSON(http.StatusAccepted, detail(*run))
}

func (s *Server) listRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit = min(max(limit, 1), 500)
	offset = max(offset, 0)

	runs, err := s.runs.ListRuns(c.Request.Context(), limit, offset)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]RunDetail, len(runs))
	for i, r := range runs {
		out[i] = detail(r)
	}
	c.JSON(http.StatusOK, gin.H{"runs": out, "limit": limit, "offset": offset})
}

func (s *Server) runID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, errs.Definition("id", "must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) getRun(c *gin.Context) {
	id, ok := s.runID(c)
	if !ok {
		return
	}
	run, err := s.runs.GetRun(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, detail(*run))
}

func (s *Server) listStages(c *gin.Context) {
	id, ok := s.runID(c)
	if !ok {
		return
	}
	if _, err := s.runs.GetRun(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	stages, err := s.runs.ListStages(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if stages == nil {
		stages = []models.StageEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": id, "stages": stages})
}
