// Package gateway performs JSON calls against the best target of a service.
// Every call goes through the resolver and the target's circuit breaker and
// is never retried.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"time"

	"go.uber.org/zap"

	"egcoord/pkg/errs"
	"egcoord/pkg/logger"
	"egcoord/pkg/metrics"
	tracing "egcoord/pkg/observability"
	"egcoord/pkg/resilience"
	"egcoord/pkg/resolver"
	"egcoord/pkg/validation"
)

const (
	userAgent      = "egcoord/1.0"
	maxErrorBody   = 64 << 10
	maxSuccessBody = 256 << 20
)

type Option func(*Gateway)

func WithHTTPClient(c *http.Client) Option { return func(g *Gateway) { g.client = c } }

// WithTimeout bounds each request, including reading the body. It applies
// to a copy of the HTTP client, whatever the option order.
func WithTimeout(d time.Duration) Option { return func(g *Gateway) { g.timeout = d } }

func WithLogger(l *zap.Logger) Option { return func(g *Gateway) { g.log = l } }

type Gateway struct {
	resolver *resolver.Resolver
	client   *http.Client
	timeout  time.Duration
	log      *zap.Logger
}

func New(r *resolver.Resolver, opts ...Option) *Gateway {
	g := &Gateway{
		resolver: r,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.timeout > 0 {
		client := *g.client
		client.Timeout = g.timeout
		g.client = &client
	}
	if g.log == nil {
		g.log = logger.Component("gateway")
	}
	g.log = g.log.With(zap.String("service", r.Service()))
	return g
}

func (g *Gateway) Resolver() *resolver.Resolver { return g.resolver }

// Get calls GET /api/v1/<endpoint> and decodes the response into out.
func (g *Gateway) Get(ctx context.Context, endpoint string, out any) error {
	return g.do(ctx, http.MethodGet, endpoint, nil, out)
}

// Post sends body as JSON to /api/v1/<endpoint> and decodes the response
// into out. out may be nil when the body is not needed.
func (g *Gateway) Post(ctx context.Context, endpoint string, body, out any) error {
	return g.do(ctx, http.MethodPost, endpoint, body, out)
}

func (g *Gateway) do(ctx context.Context, method, endpoint string, body, out any) (err error) {
	service := g.resolver.Service()
	start := time.Now()
	defer func() {
		metrics.RecordRemoteCall(service, endpoint, outcome(err), time.Since(start).Seconds())
	}()

	target, err := g.resolver.Pick(ctx, endpoint)
	if err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode %s request: %w", endpoint, err)
		}
	}
	info := &errs.RequestInfo{Method: method, URL: target.URL, Body: payload}

	ctx, span := tracing.StartClientSpan(ctx, service, method, target.URL)
	defer func() { tracing.End(span, err) }()

	// Only transport failures and 5xx trip the breaker; a 4xx or an
	// undecodable body is reported without penalising the target.
	var callErr error
	breakerErr := g.resolver.Breaker(target.Base).Execute(ctx, func() error {
		var targetFault bool
		targetFault, callErr = g.roundTrip(ctx, info, out)
		if targetFault {
			return callErr
		}
		return nil
	})

	switch {
	case errors.Is(breakerErr, resilience.ErrCircuitOpen):
		return &errs.UnexpectedResponseError{Request: info, Cause: breakerErr}
	case breakerErr != nil && callErr == nil:
		// context cancelled before admission
		return &errs.UnexpectedResponseError{Request: info, Cause: breakerErr}
	}

	if callErr != nil {
		var ure *errs.UnexpectedResponseError
		if errors.As(callErr, &ure) && ure.Transport() {
			g.log.Warn("Transport failure, invalidating latency cache",
				zap.String("target", target.Base), zap.Error(callErr))
			g.resolver.Invalidate()
		}
		return callErr
	}
	return nil
}

// roundTrip performs one request. faulty reports whether the failure is
// attributable to the target (transport error or 5xx).
func (g *Gateway) roundTrip(ctx context.Context, info *errs.RequestInfo, out any) (faulty bool, err error) {
	var reader io.Reader
	if info.Body != nil {
		reader = bytes.NewReader(info.Body)
	}
	req, err := http.NewRequestWithContext(ctx, info.Method, info.URL, reader)
	if err != nil {
		return false, &errs.UnexpectedResponseError{Request: info, Cause: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if info.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tracing.InjectHeaders(ctx, req.Header)

	resp, err := g.client.Do(req)
	if err != nil {
		return true, &errs.UnexpectedResponseError{Request: info, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		g.log.Warn("Remote call failed",
			zap.String("method", info.Method),
			zap.String("url", info.URL),
			zap.Int("status", resp.StatusCode),
		)
		return resp.StatusCode >= 500, &errs.UnexpectedResponseError{
			Status:  resp.StatusCode,
			Reason:  http.StatusText(resp.StatusCode),
			Body:    raw,
			Request: info,
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSuccessBody))
	if err != nil {
		return true, &errs.UnexpectedResponseError{Status: resp.StatusCode, Reason: http.StatusText(resp.StatusCode), Request: info, Cause: err}
	}
	if out == nil {
		return false, nil
	}

	fail := func(cause error) error {
		return &errs.UnexpectedResponseError{
			Status:  resp.StatusCode,
			Reason:  http.StatusText(resp.StatusCode),
			Body:    raw,
			Request: info,
			Cause:   cause,
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fail(fmt.Errorf("decode response: %w", err))
	}
	if isStruct(out) {
		if err := validation.Struct(out); err != nil {
			return false, fail(err)
		}
	}
	return false, nil
}

func isStruct(v any) bool {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t != nil && t.Kind() == reflect.Struct
}

func outcome(err error) string {
	var ure *errs.UnexpectedResponseError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, errs.ErrNoAvailableTarget):
		return "no_target"
	case errors.As(err, &ure) && ure.Transport():
		return "transport_error"
	case errors.As(err, &ure) && ure.Status >= 500:
		return "server_error"
	case errors.As(err, &ure) && ure.Status >= 400:
		return "client_error"
	default:
		return "invalid_response"
	}
}
