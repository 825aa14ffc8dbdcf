package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	. "egcoord/pkg/api"
	"egcoord/pkg/auth"
	"egcoord/pkg/coordination"
	"egcoord/pkg/coordination/local"
	"egcoord/pkg/models"
	"egcoord/pkg/resolver"
	"egcoord/pkg/storage/memory"
)

type stubProber struct {
	service string
	err     error
}

func (p stubProber) Service() string { return p.service }

func (p stubProber) MeasureLatencies(context.Context) ([]resolver.Latency, error) {
	if p.err != nil {
		return nil, p.err
	}
	return []resolver.Latency{{Target: "http://a", Millis: 4}}, nil
}

type env struct {
	runs  *memory.RunStore
	queue *memory.Queue
	coord *local.Coordinator
	h     http.Handler
}

func newEnv(t *testing.T, jwt *auth.JWTService) *env {
	t.Helper()
	e := &env{runs: memory.NewRunStore(), queue: memory.NewQueue(8), coord: local.New()}
	s := NewServer(Config{
		Port:        "0",
		JWT:         jwt,
		Runs:        e.runs,
		Queue:       e.queue,
		Coordinator: e.coord,
		Leadership:  e.coord.NewLeadership("scheduler"),
		Probers:     []Prober{stubProber{service: "mediator"}, stubProber{service: "guardian", err: errors.New("no available target")}},
		Logger:      zap.NewNop(),
	})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	e.h = s.Handler()
	return e
}

func (e *env) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	return w
}

func TestCreateRun_AcceptsAndEnqueues(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(http.MethodPost, "/api/v1/runs", `{"guardian_count":3,"quorum":2,"fake_ballots":4}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var run models.ElectionRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, models.RunPending, run.State)
	assert.Equal(t, "test-election", run.ElectionScope)
	assert.Equal(t, 4, run.BallotCount)

	_, req, err := e.queue.Pop(context.Background(), "g", "c")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, run.ID, req.RunID)
	assert.Equal(t, "test-election", req.IDTemplate)
	assert.NotEmpty(t, req.Manifest)

	w = e.do(http.MethodGet, "/api/v1/runs/"+run.ID.String(), "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = e.do(http.MethodGet, "/api/v1/runs/"+run.ID.String()+"/stages", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stages":[]`)
	w = e.do(http.MethodGet, "/api/v1/runs?limit=10", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), run.ID.String())
}

func TestCreateRun_RejectsLocally(t *testing.T) {
	e := newEnv(t, nil)

	cases := map[string]string{
		"quorum above guardians": `{"guardian_count":2,"quorum":3,"fake_ballots":1}`,
		"no ballots":             `{"guardian_count":2,"quorum":1}`,
		"malformed manifest":     `{"guardian_count":2,"quorum":1,"fake_ballots":1,"manifest":{"spec_version":7}}`,
		"foreign ballot style":   `{"guardian_count":2,"quorum":1,"ballots":[{"object_id":"b1","ballot_style":"nope","contests":[{"object_id":"c","ballot_selections":[{"object_id":"s","vote":"True"}]}]}]}`,
		"not json":               `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := e.do(http.MethodPost, "/api/v1/runs", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	runs, err := e.runs.ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestGetRun_NotFoundAndBadID(t *testing.T) {
	e := newEnv(t, nil)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/runs/8d3b7a4e-1f0c-4a57-9c39-7e0b6a5d2c11", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/runs/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/runs/8d3b7a4e-1f0c-4a57-9c39-7e0b6a5d2c11/stages", "").Code)
}

func TestTargets_ReportsEveryService(t *testing.T) {
	e := newEnv(t, nil)
	w := e.do(http.MethodGet, "/api/v1/targets", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Services []struct {
			Service   string `json:"service"`
			Latencies []struct {
				Target string   `json:"target"`
				Millis *float64 `json:"latency_ms"`
			} `json:"latencies"`
			Error string `json:"error"`
		} `json:"services"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Services, 2)
	assert.Equal(t, "mediator", body.Services[0].Service)
	require.Len(t, body.Services[0].Latencies, 1)
	assert.False(t, math.IsInf(*body.Services[0].Latencies[0].Millis, 1))
	assert.Contains(t, body.Services[1].Error, "no available target")
}

func TestCluster(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/cluster/leader", "").Code)
	require.NoError(t, e.coord.NewLeadership("scheduler").Campaign(ctx, "sched-1"))
	w := e.do(http.MethodGet, "/api/v1/cluster/leader", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sched-1")

	require.NoError(t, e.coord.RegisterWorker(ctx, coordination.WorkerInfo{ID: "w1", Concurrency: 2}, 30))
	w = e.do(http.MethodGet, "/api/v1/cluster/workers", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestAuth_GuardsMutations(t *testing.T) {
	svc, err := auth.NewJWTService(auth.DefaultJWTConfig("secret"))
	require.NoError(t, err)
	e := newEnv(t, svc)

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/health", "").Code)
	body := `{"guardian_count":1,"quorum":1,"fake_ballots":1}`
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodPost, "/api/v1/runs", body).Code)

	observer, err := svc.GenerateToken("viewer", auth.RoleObserver)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, "/api/v1/runs", body, "Authorization", "Bearer "+observer).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/runs", "", "Authorization", "Bearer "+observer).Code)

	operator, err := svc.GenerateToken("ops", auth.RoleOperator)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, e.do(http.MethodPost, "/api/v1/runs", body, "Authorization", "Bearer "+operator).Code)
}
