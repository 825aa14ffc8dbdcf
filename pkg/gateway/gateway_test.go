package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"egcoord/pkg/errs"
	. "egcoord/pkg/gateway"
	"egcoord/pkg/resilience"
	"egcoord/pkg/resolver"
)

type jointKey struct {
	JointKey string `json:"joint_key" validate:"required"`
}

type fakeService struct {
	pings   atomic.Int32
	handler http.HandlerFunc
}

func newService(t *testing.T, handler http.HandlerFunc) (*fakeService, *httptest.Server) {
	t.Helper()
	fs := &fakeService{handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/ping" {
			fs.pings.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		fs.handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func newGateway(t *testing.T, targets []string, cfg resilience.CircuitBreakerConfig) *Gateway {
	t.Helper()
	r, err := resolver.New("mediator", targets,
		resolver.WithLogger(zap.NewNop()),
		resolver.WithTimeout(time.Second),
		resolver.WithBreakerConfig(cfg),
	)
	require.NoError(t, err)
	return New(r, WithTimeout(2*time.Second), WithLogger(zap.NewNop()))
}

func strictBreaker() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour, MaxRequests: 1}
}

func TestPost_DecodesAndSendsHeaders(t *testing.T) {
	var gotUA, gotCT string
	var gotBody map[string]any
	_, srv := newService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/key/election/combine", r.URL.Path)
		gotUA, gotCT = r.Header.Get("User-Agent"), r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"joint_key":"jk"}`))
	})

	g := newGateway(t, []string{srv.URL}, resilience.DefaultCircuitBreakerConfig())
	var out jointKey
	err := g.Post(context.Background(), "key/election/combine", map[string]any{"election_public_keys": []string{"a"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, "jk", out.JointKey)
	assert.Equal(t, "egcoord/1.0", gotUA)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, []any{"a"}, gotBody["election_public_keys"])
}

func TestPost_ClientErrorCarriesDiagnostics(t *testing.T) {
	_, srv := newService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"bad ballot"}`))
	})
	g := newGateway(t, []string{srv.URL}, strictBreaker())

	err := g.Post(context.Background(), "ballot/cast", map[string]string{"x": "y"}, &jointKey{})
	require.ErrorIs(t, err, errs.ErrUnexpectedResponse)

	var ure *errs.UnexpectedResponseError
	require.ErrorAs(t, err, &ure)
	assert.Equal(t, http.StatusUnprocessableEntity, ure.Status)
	assert.Equal(t, "Unprocessable Entity", ure.Reason)
	assert.JSONEq(t, `{"detail":"bad ballot"}`, string(ure.Body))
	require.NotNil(t, ure.Request)
	assert.Equal(t, http.MethodPost, ure.Request.Method)
	assert.Equal(t, srv.URL+"/api/v1/ballot/cast", ure.Request.URL)
	assert.JSONEq(t, `{"x":"y"}`, string(ure.Request.Body))

	// A 4xx does not count against the target.
	assert.Equal(t, resilience.CircuitClosed, g.Resolver().Breaker(srv.URL).State())
	assert.Equal(t, http.StatusBadGateway, errs.HTTPStatus(err))
}

func TestPost_ServerErrorTripsBreaker(t *testing.T) {
	_, srv := newService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	g := newGateway(t, []string{srv.URL}, strictBreaker())

	err := g.Post(context.Background(), "tally", nil, nil)
	require.ErrorIs(t, err, errs.ErrUnexpectedResponse)
	assert.Equal(t, resilience.CircuitOpen, g.Resolver().Breaker(srv.URL).State())

	// With its only target open the service has nothing left to offer.
	err = g.Post(context.Background(), "tally", nil, nil)
	assert.ErrorIs(t, err, errs.ErrNoAvailableTarget)
}

func TestPost_InvalidBodyFailsValidation(t *testing.T) {
	_, srv := newService(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"something":"else"}`))
	})
	g := newGateway(t, []string{srv.URL}, resilience.DefaultCircuitBreakerConfig())

	err := g.Post(context.Background(), "key/election/combine", nil, &jointKey{})
	require.ErrorIs(t, err, errs.ErrUnexpectedResponse)
	assert.ErrorIs(t, err, errs.ErrInvalidDefinition)

	var ure *errs.UnexpectedResponseError
	require.ErrorAs(t, err, &ure)
	assert.Equal(t, http.StatusOK, ure.Status)
	assert.JSONEq(t, `{"something":"else"}`, string(ure.Body))

	err = g.Post(context.Background(), "key/election/combine", nil, &jointKey{})
	assert.ErrorIs(t, err, errs.ErrUnexpectedResponse)

	_, srv2 := newService(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})
	g2 := newGateway(t, []string{srv2.URL}, resilience.DefaultCircuitBreakerConfig())
	err = g2.Get(context.Background(), "election/constants", &json.RawMessage{})
	assert.ErrorIs(t, err, errs.ErrUnexpectedResponse)
}

func TestPost_TransportFailureInvalidatesLatencyCache(t *testing.T) {
	var hang atomic.Bool
	fs, srv := newService(t, func(w http.ResponseWriter, r *http.Request) {
		if hang.Load() {
			// Drop the connection without a response.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			_ = conn.Close()
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
	g := newGateway(t, []string{srv.URL}, resilience.DefaultCircuitBreakerConfig())

	require.NoError(t, g.Get(context.Background(), "election/constants", &json.RawMessage{}))
	require.EqualValues(t, 1, fs.pings.Load())

	hang.Store(true)
	err := g.Get(context.Background(), "election/constants", &json.RawMessage{})
	var ure *errs.UnexpectedResponseError
	require.ErrorAs(t, err, &ure)
	assert.True(t, ure.Transport())
	assert.True(t, g.Resolver().Snapshot().IsNone())

	hang.Store(false)
	require.NoError(t, g.Get(context.Background(), "election/constants", &json.RawMessage{}))
	assert.EqualValues(t, 2, fs.pings.Load())
}

func TestWithTimeout_AppliesInAnyOrderWithoutTouchingSharedClient(t *testing.T) {
	_, srv := newService(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{"joint_key":"jk"}`))
	})
	r, err := resolver.New("mediator", []string{srv.URL}, resolver.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	shared := &http.Client{}
	for name, opts := range map[string][]Option{
		"timeout first": {WithTimeout(50 * time.Millisecond), WithHTTPClient(shared)},
		"client first":  {WithHTTPClient(shared), WithTimeout(50 * time.Millisecond)},
	} {
		t.Run(name, func(t *testing.T) {
			g := New(r, append(opts, WithLogger(zap.NewNop()))...)
			err := g.Get(context.Background(), "election/constants", nil)

			var ure *errs.UnexpectedResponseError
			require.ErrorAs(t, err, &ure)
			assert.True(t, ure.Transport())
			assert.Zero(t, shared.Timeout)
		})
	}
}
