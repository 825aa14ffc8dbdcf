// Package resolver picks the lowest-latency reachable endpoint of a
// replicated remote service.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chebyrash/promise"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"egcoord/pkg/errs"
	"egcoord/pkg/logger"
	"egcoord/pkg/metrics"
	"egcoord/pkg/resilience"
)

const (
	apiPrefix    = "/api/v1/"
	pingEndpoint = "ping"
)

// Mode decides how unreachable targets are treated after measurement.
type Mode int

const (
	// SkipUnreachable drops unreachable targets from the ranking.
	SkipUnreachable Mode = iota
	// FailUnreachable makes MeasureLatencies fail while any target is
	// unreachable. Picking is unaffected.
	FailUnreachable
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return SkipUnreachable, nil
	case "fail":
		return FailUnreachable, nil
	}
	return SkipUnreachable, errs.Definition("latency_mode", "must be skip or fail, got %q", s)
}

func (m Mode) String() string {
	if m == FailUnreachable {
		return "fail"
	}
	return "skip"
}

// Latency is one measurement. Millis is +Inf for an unreachable target.
type Latency struct {
	Target string  `json:"target"`
	Millis float64 `json:"latency_ms"`
}

func (l Latency) Reachable() bool { return !math.IsInf(l.Millis, 1) }

// MarshalJSON reports unreachable targets with a null latency, since JSON
// has no infinity.
func (l Latency) MarshalJSON() ([]byte, error) {
	w := struct {
		Target    string   `json:"target"`
		Millis    *float64 `json:"latency_ms"`
		Reachable bool     `json:"reachable"`
	}{Target: l.Target, Reachable: l.Reachable()}
	if w.Reachable {
		w.Millis = &l.Millis
	}
	return json.Marshal(w)
}

// Target is a picked endpoint: the base it resolved against and the full URL.
type Target struct {
	Base string
	URL  string
}

type Option func(*Resolver)

func WithHTTPClient(c *http.Client) Option { return func(r *Resolver) { r.client = c } }

// WithTimeout bounds each ping.
func WithTimeout(d time.Duration) Option { return func(r *Resolver) { r.timeout = d } }

func WithMode(m Mode) Option { return func(r *Resolver) { r.mode = m } }

func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(r *Resolver) { r.breakerCfg = cfg }
}

func WithLogger(l *zap.Logger) Option { return func(r *Resolver) { r.log = l } }

// Resolver ranks the targets of one service by ping latency. The ranking is
// measured lazily on first use and cached until Invalidate.
type Resolver struct {
	service    string
	targets    []string
	client     *http.Client
	timeout    time.Duration
	mode       Mode
	breakerCfg resilience.CircuitBreakerConfig
	breakers   map[string]*resilience.CircuitBreaker
	log        *zap.Logger

	mu    sync.Mutex
	cache optional.Option[[]Latency]
}

// New validates the target list and returns a resolver for service.
func New(service string, targets []string, opts ...Option) (*Resolver, error) {
	if len(targets) == 0 {
		return nil, errs.Definition(service+"_urls", "at least one target is required")
	}
	r := &Resolver{
		service:    service,
		client:     &http.Client{},
		timeout:    5 * time.Second,
		breakerCfg: resilience.DefaultCircuitBreakerConfig(),
		breakers:   make(map[string]*resilience.CircuitBreaker, len(targets)),
		cache:      optional.None[[]Latency](),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Component("resolver")
	}
	r.log = r.log.With(zap.String("service", service))

	seen := make(map[string]struct{}, len(targets))
	for i, t := range targets {
		t = strings.TrimSpace(t)
		u, err := url.Parse(t)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, errs.Definition(fmt.Sprintf("%s_urls[%d]", service, i), "%q is not an absolute http(s) URL", t)
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		r.targets = append(r.targets, t)

		cb := resilience.NewCircuitBreaker(t, r.breakerCfg)
		cb.OnStateChange(r.onBreakerChange)
		r.breakers[t] = cb
	}
	return r, nil
}

func (r *Resolver) Service() string { return r.service }

// Targets returns the configured base URLs in configuration order.
func (r *Resolver) Targets() []string { return append([]string(nil), r.targets...) }

// Breaker returns the circuit breaker guarding target, or nil.
func (r *Resolver) Breaker(target string) *resilience.CircuitBreaker { return r.breakers[target] }

// MeasureLatencies pings every target concurrently, waits for all of them,
// and caches the ranking. In FailUnreachable mode any unreachable target
// makes it return NoAvailableTarget; the cache is updated regardless.
func (r *Resolver) MeasureLatencies(ctx context.Context) ([]Latency, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all, err := r.measure(ctx)
	if err != nil {
		return nil, err
	}
	return r.applyMode(all)
}

// measure must be called with r.mu held.
func (r *Resolver) measure(ctx context.Context) ([]Latency, error) {
	probes := make([]*promise.Promise[Latency], len(r.targets))
	for i, target := range r.targets {
		target := target
		probes[i] = promise.New(func(resolve func(Latency), reject func(error)) {
			resolve(r.probe(ctx, target))
		})
	}
	res, err := promise.All(ctx, probes...).Await(ctx)
	if err != nil {
		return nil, fmt.Errorf("latency measurement for %s aborted: %w", r.service, err)
	}
	all := append([]Latency(nil), (*res)...)

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Millis < all[j].Millis
	})

	metrics.LatencyProbes.WithLabelValues(r.service).Inc()
	for _, l := range all {
		v := l.Millis
		if !l.Reachable() {
			v = -1
		}
		metrics.TargetLatency.WithLabelValues(r.service, l.Target).Set(v)
	}
	r.log.Debug("Measured target latencies", zap.Any("latencies", all))

	r.cache = optional.Some(all)
	return append([]Latency(nil), all...), nil
}

func (r *Resolver) probe(ctx context.Context, target string) Latency {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	unreachable := Latency{Target: target, Millis: math.Inf(1)}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, JoinURL(target, apiPrefix+pingEndpoint), nil)
	if err != nil {
		return unreachable
	}
	req.Header.Set("User-Agent", "egcoord/1.0")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Warn("Target unreachable", zap.String("target", target), zap.Error(err))
		return unreachable
	}
	resp.Body.Close()
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.log.Warn("Target ping failed", zap.String("target", target), zap.Int("status", resp.StatusCode))
		return unreachable
	}
	return Latency{Target: target, Millis: elapsed}
}

func (r *Resolver) applyMode(all []Latency) ([]Latency, error) {
	ranked := reachable(all)
	if r.mode == FailUnreachable && len(ranked) < len(all) {
		return nil, r.noTarget()
	}
	return ranked, nil
}

func reachable(all []Latency) []Latency {
	out := make([]Latency, 0, len(all))
	for _, l := range all {
		if l.Reachable() {
			out = append(out, l)
		}
	}
	return out
}

func (r *Resolver) noTarget() error {
	return &errs.NoAvailableTargetError{Service: r.service, Endpoints: r.Targets()}
}

// PickTarget returns the full URL of endpoint on the best target.
func (r *Resolver) PickTarget(ctx context.Context, endpoint string) (string, error) {
	t, err := r.Pick(ctx, endpoint)
	return t.URL, err
}

// Pick chooses the lowest-latency reachable target whose circuit breaker
// admits requests, whatever the resolver's Mode. The first call measures;
// concurrent first callers wait for that single measurement.
func (r *Resolver) Pick(ctx context.Context, endpoint string) (Target, error) {
	r.mu.Lock()
	all, err := r.cache.Take()
	if err != nil {
		all, err = r.measure(ctx)
	}
	r.mu.Unlock()
	if err != nil {
		return Target{}, err
	}

	for _, l := range reachable(all) {
		if cb := r.breakers[l.Target]; cb != nil && !cb.Allows() {
			continue
		}
		return Target{Base: l.Target, URL: JoinURL(l.Target, apiPrefix+strings.TrimPrefix(endpoint, "/"))}, nil
	}
	return Target{}, r.noTarget()
}

// Invalidate drops the cached ranking so the next pick re-measures.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = optional.None[[]Latency]()
	r.mu.Unlock()
}

// Snapshot returns the cached measurement, if any.
func (r *Resolver) Snapshot() optional.Option[[]Latency] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if all, err := r.cache.Take(); err == nil {
		return optional.Some(append([]Latency(nil), all...))
	}
	return optional.None[[]Latency]()
}

func (r *Resolver) onBreakerChange(target string, from, to resilience.CircuitState) {
	metrics.BreakerTransitions.WithLabelValues(r.service, target, to.String()).Inc()
	r.log.Warn("Circuit breaker state changed",
		zap.String("target", target),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}
